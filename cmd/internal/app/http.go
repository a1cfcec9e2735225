package app

import (
	"net"
	"net/http"
	"strings"
	"time"

	"tokengate/cmd/internal/webhook"
)

func (a *App) registerHTTP(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !a.authority.Loaded() {
			http.Error(w, "tokens not loaded", http.StatusServiceUnavailable)
			return
		}
		if a.pool != nil {
			if err := PingDB(r.Context(), a.pool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				a.log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	a.webhook.Register(mux)

	if a.metrics != nil {
		mux.Handle("/metrics", a.metrics.Handler())
	}
	if a.gateway != nil {
		mux.Handle("/api/events", a.gateway)
	}
}

// routes lists the endpoints for the startup banner.
func (a *App) routes() []string {
	out := []string{"GET  /healthz", "GET  /readyz"}
	out = append(out, webhook.Routes()...)
	if a.metrics != nil {
		out = append(out, "GET  /metrics")
	}
	if a.gateway != nil {
		out = append(out, "WS   /api/events")
	}
	return out
}

// runtimeBaseURL turns a listen address into a URL an operator can paste.
// Wildcard binds are shown as loopback.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
