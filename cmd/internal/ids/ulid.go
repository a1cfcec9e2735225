// Package ids provides the identifier primitives used across tokengate:
// ULIDs for sessions and events, and keyed fingerprints for tokens.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs sort by creation time, which keeps session and event ids ordered in logs.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustULID is NewULID for call sites that cannot return an error.
// It falls back to ulid.Make, which panics only if the entropy source is broken.
func MustULID(now time.Time) string {
	if s, err := NewULID(now); err == nil {
		return s
	}
	return ulid.Make().String()
}

// ULIDTime extracts the embedded timestamp of a ULID string.
func ULIDTime(s string) (time.Time, bool) {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(id.Time()).UTC(), true
}
