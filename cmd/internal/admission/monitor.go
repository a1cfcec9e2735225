package admission

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"tokengate/cmd/internal/ids"
)

const (
	// DefaultSweepInterval is how often the monitor scans the registry.
	DefaultSweepInterval = 15 * time.Second
	// DefaultSessionTimeout is how long a record may go without activity.
	DefaultSessionTimeout = 30 * time.Second
)

// MonitorConfig controls the expiry sweep.
type MonitorConfig struct {
	Interval time.Duration
	Timeout  time.Duration

	// EvictRevoked also evicts records whose token is no longer valid.
	// It is skipped while the token set is unavailable, so a failed reload
	// cannot empty the registry.
	EvictRevoked bool
}

// Validate checks the config invariants.
func (c MonitorConfig) Validate() error {
	if c.Interval <= 0 || c.Timeout <= 0 {
		return errors.Join(ErrConfig, errors.New("sweep interval and session timeout must be positive"))
	}
	return nil
}

// SweepStats summarizes one sweep.
type SweepStats struct {
	Scanned  int
	Expired  int
	Revoked  int
	Duration time.Duration
}

// Monitor reclaims sessions that were abandoned without a stop callback.
type Monitor struct {
	cfg    MonitorConfig
	reg    *Registry
	tokens Authority
	sink   Sink
	log    *slog.Logger
	now    func() time.Time

	observe func(SweepStats)
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithMonitorClock overrides the time source (tests).
func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithSweepObserver is called after every sweep (metrics).
func WithSweepObserver(fn func(SweepStats)) MonitorOption {
	return func(m *Monitor) { m.observe = fn }
}

// WithMonitorLogger sets the logger.
func WithMonitorLogger(log *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		if log != nil {
			m.log = log
		}
	}
}

// NewMonitor constructs a Monitor. tokens may be nil when EvictRevoked is false.
func NewMonitor(cfg MonitorConfig, reg *Registry, tokens Authority, sink Sink, opts ...MonitorOption) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, errors.New("admission: nil registry")
	}
	if cfg.EvictRevoked && tokens == nil {
		return nil, errors.New("admission: revocation sweep requires a token authority")
	}
	if sink == nil {
		sink = NopSink{}
	}
	m := &Monitor{
		cfg:    cfg,
		reg:    reg,
		tokens: tokens,
		sink:   sink,
		log:    slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// Run sweeps on every tick until ctx is done. It always returns nil after
// cancellation; a sweep in progress finishes its current record first.
func (m *Monitor) Run(ctx context.Context) error {
	t := time.NewTicker(m.cfg.Interval)
	defer t.Stop()

	m.log.Info("expiry.start", "interval", m.cfg.Interval.String(), "timeout", m.cfg.Timeout.String())

	for {
		select {
		case <-ctx.Done():
			m.log.Info("expiry.stop")
			return nil
		case <-t.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over the registry.
//
// Candidates are collected under shard read locks. Each one is then removed
// through Registry.EvictIf, which re-checks the condition under the write
// lock, so a heartbeat or reconnect that lands between the scan and the
// eviction keeps the record alive.
func (m *Monitor) Sweep(ctx context.Context) SweepStats {
	start := time.Now()
	now := m.now()

	checkRevoked := m.cfg.EvictRevoked && m.tokens != nil && m.tokens.Available()

	var st SweepStats
	candidates := m.reg.scan(func(r Record) bool {
		st.Scanned++
		if r.Expired(now, m.cfg.Timeout) {
			return true
		}
		return checkRevoked && !m.tokens.IsValid(r.Token)
	})

	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}

		reason := ""
		rec, ok := m.reg.EvictIf(c.Token, func(cur Record) bool {
			if cur.SessionID != c.SessionID {
				// Released and re-admitted since the scan.
				return false
			}
			if cur.Expired(now, m.cfg.Timeout) {
				reason = ReasonExpired
				return true
			}
			if checkRevoked && !m.tokens.IsValid(cur.Token) {
				reason = ReasonRevoked
				return true
			}
			return false
		})
		if !ok {
			continue
		}

		if reason == ReasonRevoked {
			st.Revoked++
		} else {
			st.Expired++
		}

		m.log.Info("expiry.evict",
			"session_id", rec.SessionID,
			"reason", reason,
			"idle", rec.Idle(now).Round(time.Millisecond).String(),
		)
		m.sink.Emit(Event{
			ID:        ids.MustULID(now),
			Kind:      EventEvict,
			Allowed:   true,
			Token:     rec.Token,
			SessionID: rec.SessionID,
			Identity:  rec.Identity,
			Origin:    rec.Origin,
			Reason:    reason,
			At:        now,
		})
	}

	st.Duration = time.Since(start)
	if m.observe != nil {
		m.observe(st)
	}
	return st
}
