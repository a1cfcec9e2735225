// Package persist keeps a copy of the session registry outside the process so
// a restart does not forget who holds which token.
//
// Persistence is write-behind: the registry signals a Writer after each
// committed change and the Writer saves a snapshot later, outside any
// registry lock. A failed save is logged and never undoes an admission.
package persist

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"tokengate/cmd/internal/admission"
)

// Store saves and loads a full snapshot of session records.
type Store interface {
	Save(ctx context.Context, recs []admission.Record) error
	Load(ctx context.Context) ([]admission.Record, error)
	Name() string
}

// Kind selects a Store implementation.
type Kind string

const (
	KindNone     Kind = "none"
	KindFile     Kind = "file"
	KindPostgres Kind = "postgres"
)

// ParseKind parses a persistence kind. Empty means none.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "", KindNone:
		return KindNone, nil
	case KindFile, KindPostgres:
		return k, nil
	default:
		return "", fmt.Errorf("%w: unknown persistence kind %q", admission.ErrConfig, s)
	}
}

// Restore loads the last snapshot into reg.
//
// No heartbeat can arrive while the process is down, so every restored record
// gets a fresh last-activity time of now: viewers that are still connected keep
// their token, abandoned records expire one session timeout after boot.
func Restore(ctx context.Context, st Store, reg *admission.Registry, now time.Time, log *slog.Logger) (int, error) {
	recs, err := st.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore from %s: %w", st.Name(), err)
	}
	for i := range recs {
		recs[i].LastActivityAt = now
	}

	n := reg.Restore(recs)
	if log != nil {
		log.Info("persist.restore", "store", st.Name(), "loaded", len(recs), "restored", n)
	}
	return n, nil
}
