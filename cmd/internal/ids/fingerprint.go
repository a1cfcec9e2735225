package ids

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	// FingerprintKeyMinBytes is the minimum key length accepted for token fingerprints.
	FingerprintKeyMinBytes = 16

	fingerprintSize = 8 // bytes -> 16 hex chars
)

var (
	// ErrFingerprintKeyTooShort is returned when a configured key is below FingerprintKeyMinBytes.
	ErrFingerprintKeyTooShort = errors.New("fingerprint key too short")
)

// Fingerprinter derives short, keyed, non-reversible identifiers for tokens.
// They let operators correlate events for the same token without the token
// itself leaving the process.
type Fingerprinter struct {
	key []byte
}

// NewFingerprinter builds a Fingerprinter from a raw key.
// An empty key generates a random per-process key (fingerprints are then only
// stable for the lifetime of the process).
func NewFingerprinter(key string) (*Fingerprinter, error) {
	raw := []byte(strings.TrimSpace(key))
	if len(raw) == 0 {
		raw = make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			return nil, err
		}
	}
	if len(raw) < FingerprintKeyMinBytes {
		return nil, ErrFingerprintKeyTooShort
	}
	if len(raw) > blake2b.Size {
		sum := blake2b.Sum256(raw)
		raw = sum[:]
	}
	return &Fingerprinter{key: raw}, nil
}

// Of returns the hex fingerprint of token. The empty token maps to "-".
func (f *Fingerprinter) Of(token string) string {
	if token == "" {
		return "-"
	}
	h, err := blake2b.New(fingerprintSize, f.key)
	if err != nil {
		// Only reachable with an invalid key length, which NewFingerprinter rules out.
		return "-"
	}
	_, _ = h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil))
}
