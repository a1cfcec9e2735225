// Package metrics exposes admission counters and gauges in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tokengate/cmd/internal/admission"
	"tokengate/cmd/internal/tokens"
)

const namespace = "tokengate"

// Gauges are read at scrape time.
type Gauges struct {
	ActiveSessions func() int
	ValidTokens    func() int
	Subscribers    func() int
}

// Metrics owns a private registry so tests and multiple instances never
// collide on the global one.
type Metrics struct {
	reg *prometheus.Registry

	events       *prometheus.CounterVec
	evictions    *prometheus.CounterVec
	sweeps       prometheus.Histogram
	reloads      *prometheus.CounterVec
	saves        *prometheus.CounterVec
	saveDuration prometheus.Histogram
	dropped      prometheus.Counter
}

// New registers every collector. Nil gauge funcs are skipped.
func New(g Gauges) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Admission events by kind and outcome.",
		}, []string{"kind", "allowed"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Sessions removed by the expiry monitor, by reason.",
		}, []string{"reason"}),
		sweeps: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of expiry sweeps.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_reloads_total",
			Help:      "Token list reloads by result.",
		}, []string{"result"}),
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_saves_total",
			Help:      "Session snapshot saves by result.",
		}, []string{"result"}),
		saveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "persist_save_duration_seconds",
			Help:      "Duration of session snapshot saves.",
			Buckets:   prometheus.DefBuckets,
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_stream_dropped_total",
			Help:      "Event envelopes dropped for slow stream subscribers.",
		}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.events, m.evictions, m.sweeps, m.reloads, m.saves, m.saveDuration, m.dropped,
	)

	gauge := func(name, help string, fn func() int) {
		if fn == nil {
			return
		}
		m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(fn()) }))
	}
	gauge("active_sessions", "Sessions currently held in the registry.", g.ActiveSessions)
	gauge("valid_tokens", "Tokens in the current valid set.", g.ValidTokens)
	gauge("event_stream_subscribers", "Connected event stream subscribers.", g.Subscribers)

	return m
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Emit implements admission.Sink.
func (m *Metrics) Emit(ev admission.Event) {
	allowed := "false"
	if ev.Allowed {
		allowed = "true"
	}
	m.events.WithLabelValues(string(ev.Kind), allowed).Inc()
}

// ObserveSweep records one expiry sweep.
func (m *Metrics) ObserveSweep(s admission.SweepStats) {
	m.sweeps.Observe(s.Duration.Seconds())
	if s.Expired > 0 {
		m.evictions.WithLabelValues(admission.ReasonExpired).Add(float64(s.Expired))
	}
	if s.Revoked > 0 {
		m.evictions.WithLabelValues(admission.ReasonRevoked).Add(float64(s.Revoked))
	}
}

// ObserveReload records one token reload.
func (m *Metrics) ObserveReload(r tokens.ReloadResult) {
	m.reloads.WithLabelValues(result(r.Err)).Inc()
}

// ObserveSave records one persistence save.
func (m *Metrics) ObserveSave(d time.Duration, err error) {
	m.saves.WithLabelValues(result(err)).Inc()
	m.saveDuration.Observe(d.Seconds())
}

// ObserveDrop counts one dropped stream envelope.
func (m *Metrics) ObserveDrop() {
	m.dropped.Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
