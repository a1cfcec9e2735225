// Package tokens provides the Token Authority: the read-only validity check
// over the provisioned token set, and the sources that provision it.
package tokens

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tokengate/cmd/internal/admission"
)

// Source loads the full provisioned token list.
type Source interface {
	Load(ctx context.Context) ([]string, error)
	Name() string
}

// ReloadResult describes one reload attempt.
type ReloadResult struct {
	Source   string
	Count    int
	Added    int
	Removed  int
	Duration time.Duration
	Err      error
}

type tokenSet struct {
	tokens   map[string]struct{}
	ok       bool
	loadedAt time.Time
}

var emptySet = &tokenSet{tokens: map[string]struct{}{}}

// Authority answers IsValid from an immutable set swapped atomically on
// reload. Readers never lock.
//
// A failed load replaces the set with an empty one and marks the authority
// unavailable; callers then decline with ErrStorageUnavailable rather than
// admitting against a stale list.
type Authority struct {
	src Source
	log *slog.Logger

	set      atomic.Pointer[tokenSet]
	everOK   atomic.Bool
	reloadMu sync.Mutex

	observe func(ReloadResult)
}

// Option configures an Authority.
type Option func(*Authority)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *Authority) {
		if log != nil {
			a.log = log
		}
	}
}

// WithReloadObserver is called after every reload attempt (metrics).
func WithReloadObserver(fn func(ReloadResult)) Option {
	return func(a *Authority) { a.observe = fn }
}

// NewAuthority builds an Authority over src. The set is empty and
// unavailable until the first Reload.
func NewAuthority(src Source, opts ...Option) (*Authority, error) {
	if src == nil {
		return nil, errors.New("tokens: nil source")
	}
	a := &Authority{src: src, log: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	a.set.Store(emptySet)
	return a, nil
}

// Static builds an Authority that is already loaded with list. Used by tests
// and by callers that provision tokens in code.
func Static(list ...string) *Authority {
	a := &Authority{src: staticSource(list), log: slog.Default()}
	a.set.Store(&tokenSet{tokens: normalize(list), ok: true, loadedAt: time.Now().UTC()})
	a.everOK.Store(true)
	return a
}

// IsValid reports whether token is in the current set.
func (a *Authority) IsValid(token string) bool {
	if token == "" {
		return false
	}
	_, ok := a.set.Load().tokens[token]
	return ok
}

// Count returns the size of the current set.
func (a *Authority) Count() int {
	return len(a.set.Load().tokens)
}

// Available reports whether the most recent load succeeded.
func (a *Authority) Available() bool {
	return a.set.Load().ok
}

// Loaded reports whether any load has ever succeeded.
func (a *Authority) Loaded() bool {
	return a.everOK.Load()
}

// LoadedAt is the time of the last successful load (zero if none).
func (a *Authority) LoadedAt() time.Time {
	return a.set.Load().loadedAt
}

// Reload replaces the set from the source. Reloads are serialized so an
// older load can never overwrite a newer one.
func (a *Authority) Reload(ctx context.Context) error {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	start := time.Now()
	prev := a.set.Load()
	res := ReloadResult{Source: a.src.Name()}

	list, err := a.src.Load(ctx)
	if err != nil {
		a.set.Store(emptySet)
		res.Removed = len(prev.tokens)
		res.Duration = time.Since(start)
		res.Err = errors.Join(admission.ErrStorageUnavailable, err)

		a.log.Error("tokens.reload.fail", "source", res.Source, "err", err)
		a.notify(res)
		return res.Err
	}

	next := &tokenSet{tokens: normalize(list), ok: true, loadedAt: time.Now().UTC()}
	for t := range next.tokens {
		if _, ok := prev.tokens[t]; !ok {
			res.Added++
		}
	}
	for t := range prev.tokens {
		if _, ok := next.tokens[t]; !ok {
			res.Removed++
		}
	}
	a.set.Store(next)
	a.everOK.Store(true)

	res.Count = len(next.tokens)
	res.Duration = time.Since(start)

	if res.Added > 0 || res.Removed > 0 || !prev.ok {
		a.log.Info("tokens.reload",
			"source", res.Source,
			"count", res.Count,
			"added", res.Added,
			"removed", res.Removed,
		)
	}
	a.notify(res)
	return nil
}

func (a *Authority) notify(res ReloadResult) {
	if a.observe != nil {
		a.observe(res)
	}
}

func normalize(list []string) map[string]struct{} {
	out := make(map[string]struct{}, len(list))
	for _, t := range list {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		out[t] = struct{}{}
	}
	return out
}

type staticSource []string

func (s staticSource) Load(context.Context) ([]string, error) { return s, nil }
func (staticSource) Name() string                              { return "static" }
