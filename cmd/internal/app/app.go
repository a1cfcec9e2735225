// Package app wires the tokengate runtime: config, logging, token loading,
// the admission core, persistence, and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"tokengate/cmd/internal/accesslog"
	"tokengate/cmd/internal/admission"
	"tokengate/cmd/internal/events"
	"tokengate/cmd/internal/ids"
	"tokengate/cmd/internal/metrics"
	"tokengate/cmd/internal/persist"
	"tokengate/cmd/internal/pgschema"
	"tokengate/cmd/internal/tokens"
	"tokengate/cmd/internal/webhook"
)

const shutdownTimeout = 10 * time.Second

// App owns every long-lived component and the goroutines that drive them.
type App struct {
	cfg  Config
	log  Logger
	mode admission.Mode

	pool *pgxpool.Pool

	fileSource *tokens.FileSource
	authority  *tokens.Authority

	reg     *admission.Registry
	gate    *admission.Gate
	monitor *admission.Monitor

	store  persist.Store
	writer *persist.Writer

	access  *accesslog.Logger
	metrics *metrics.Metrics
	hub     *events.Hub
	gateway *events.Gateway
	webhook *webhook.Handler
}

// New constructs a fully wired App. It connects to the database when one is
// configured but starts no goroutines; Run does that.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	mode, err := admission.ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, mode: mode}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	fp, err := ids.NewFingerprinter(cfg.FingerprintKey)
	if err != nil {
		return nil, fmt.Errorf("fingerprint key: %w", err)
	}

	if cfg.DatabaseURL != "" {
		a.pool, err = NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		log.Info("db.enabled", "schema", cfg.DBSchema)
		if cfg.DBApplySchema {
			if err := pgschema.Apply(ctx, a.pool, cfg.DBSchema); err != nil {
				return nil, err
			}
			log.Info("db.schema.applied", "schema", cfg.DBSchema)
		}
	}

	if cfg.MetricsEnabled {
		a.metrics = metrics.New(metrics.Gauges{
			ActiveSessions: func() int { return a.reg.Len() },
			ValidTokens:    func() int { return a.authority.Count() },
			Subscribers:    a.subscribers,
		})
	}

	if err := a.buildAuthority(); err != nil {
		return nil, err
	}

	var accessFP *ids.Fingerprinter
	if cfg.AccessLogFingerprint {
		accessFP = fp
	}
	a.access, err = accesslog.Open(accesslog.Config{Path: cfg.AccessLog, Level: parseLogLevel(cfg.LogLevel)}, accessFP)
	if err != nil {
		return nil, err
	}
	sink := admission.MultiSink{a.access}
	if a.metrics != nil {
		sink = append(sink, a.metrics)
	}
	if cfg.EventsEnabled {
		var hubOpts []events.HubOption
		if a.metrics != nil {
			hubOpts = append(hubOpts, events.WithDropObserver(a.metrics.ObserveDrop))
		}
		a.hub = events.NewHub(log, fp, hubOpts...)
		sink = append(sink, a.hub)
	}

	a.reg = admission.NewRegistry(admission.WithChangeHook(a.registryChanged))

	a.gate, err = admission.NewGate(mode, a.authority, a.reg, sink, admission.WithLogger(log))
	if err != nil {
		return nil, err
	}

	if mode.Tracks() {
		if err := a.buildPersistence(); err != nil {
			return nil, err
		}

		monOpts := []admission.MonitorOption{admission.WithMonitorLogger(log)}
		if a.metrics != nil {
			monOpts = append(monOpts, admission.WithSweepObserver(a.metrics.ObserveSweep))
		}
		a.monitor, err = admission.NewMonitor(admission.MonitorConfig{
			Interval:     cfg.SweepInterval,
			Timeout:      cfg.SessionTimeout,
			EvictRevoked: cfg.EvictRevoked,
		}, a.reg, a.authority, sink, monOpts...)
		if err != nil {
			return nil, err
		}
	}

	a.webhook, err = webhook.NewHandler(log, a.gate, webhook.Config{
		MaxBodyBytes: cfg.MaxBodyBytes,
		TrustProxy:   cfg.TrustProxy,
	})
	if err != nil {
		return nil, err
	}

	if a.hub != nil {
		gcfg := events.DefaultGatewayConfig()
		gcfg.AllowedOrigins = cfg.EventsAllowedOrigins
		gcfg.OriginRequired = cfg.EventsOriginRequired
		a.gateway, err = events.NewGateway(log, a.hub, a.gate, gcfg)
		if err != nil {
			return nil, err
		}
	}

	ok = true
	return a, nil
}

func (a *App) buildAuthority() error {
	var src tokens.Source
	switch a.cfg.TokenSource {
	case TokenSourcePostgres:
		pg, err := tokens.NewPostgresSource(a.pool, a.cfg.DBSchema)
		if err != nil {
			return err
		}
		src = pg
	default:
		fs, err := tokens.NewFileSource(a.cfg.TokenFile)
		if err != nil {
			return err
		}
		a.fileSource = fs
		src = fs
	}

	opts := []tokens.Option{tokens.WithLogger(a.log)}
	if a.metrics != nil {
		opts = append(opts, tokens.WithReloadObserver(a.metrics.ObserveReload))
	}
	auth, err := tokens.NewAuthority(src, opts...)
	if err != nil {
		return err
	}
	a.authority = auth
	return nil
}

func (a *App) buildPersistence() error {
	kind, err := persist.ParseKind(a.cfg.Persist)
	if err != nil {
		return err
	}

	switch kind {
	case persist.KindFile:
		a.store, err = persist.NewFileStore(a.cfg.StateFile)
	case persist.KindPostgres:
		a.store, err = persist.NewPostgresStore(a.pool, a.cfg.DBSchema)
	default:
		return nil
	}
	if err != nil {
		return err
	}

	opts := []persist.WriterOption{
		persist.WithDebounce(a.cfg.PersistDebounce),
		persist.WithWriterLogger(a.log),
	}
	if a.metrics != nil {
		opts = append(opts, persist.WithSaveObserver(a.metrics.ObserveSave))
	}
	a.writer, err = persist.NewWriter(a.store, a.reg.Snapshot, opts...)
	return err
}

func (a *App) registryChanged() {
	if a.writer != nil {
		a.writer.Notify()
	}
}

func (a *App) subscribers() int {
	if a.hub == nil {
		return 0
	}
	return a.hub.Len()
}

// Handler returns the full HTTP handler with middleware applied.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.registerHTTP(mux)
	return WithSecurityHeaders(WithRequestLogging(mux, a.log))
}

// Run loads tokens, restores sessions, and serves until ctx is cancelled or
// a component fails. It closes the App before returning.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	// A failed first load is not fatal: the gate declines everything until a
	// later reload succeeds, and /readyz reports not ready.
	_ = a.authority.Reload(ctx)

	if a.store != nil {
		if _, err := persist.Restore(ctx, a.store, a.reg, time.Now().UTC(), a.log); err != nil {
			a.log.Error("persist.restore.fail", "err", err)
		}
	}

	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.HTTPAddr, err)
	}
	return a.serve(ctx, ln)
}

func (a *App) serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
		// Request contexts end with the group so hijacked event streams
		// close on shutdown.
		BaseContext: func(net.Listener) context.Context { return gctx },
	}

	base := runtimeBaseURL(ln.Addr().String())
	a.log.Info("server.start",
		"addr", ln.Addr().String(),
		"mode", string(a.mode),
		"token_source", a.cfg.TokenSource,
		"persist", a.cfg.Persist,
		"db_enabled", a.pool != nil,
	)
	a.log.Info("server.routes", "base_url", base, "events_url", wsBaseURL(base)+"/api/events", "routes", a.routes())

	g.Go(func() error {
		errCh := make(chan error, 1)
		go func() { errCh <- srv.Serve(ln) }()

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			a.log.Error("server.fail", "err", err)
			return err
		case <-gctx.Done():
		}

		a.log.Info("server.stop", "reason", "context_done")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	if a.monitor != nil {
		g.Go(func() error { return a.monitor.Run(gctx) })
	}

	g.Go(func() error { return a.authority.Poll(gctx, a.cfg.TokenReloadInterval) })

	if a.fileSource != nil && a.cfg.TokenWatch {
		g.Go(func() error {
			if err := a.authority.WatchFile(gctx, a.fileSource.Path(), tokens.DefaultWatchDebounce); err != nil {
				a.log.Warn("tokens.watch.unavailable", "err", err, "fallback", "poll")
			}
			return nil
		})
	}

	if a.writer != nil {
		g.Go(func() error { return a.writer.Run(gctx) })
	}

	err := g.Wait()
	a.log.Info("server.stopped")
	return err
}

// Close releases files and connections. Safe to call more than once.
func (a *App) Close() {
	if a.access != nil {
		if err := a.access.Close(); err != nil {
			a.log.Error("accesslog.close.fail", "err", err)
		}
		a.access = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
