// Package events streams admission events to operators over a websocket.
//
// The Hub is an admission.Sink: every event the Gate or the expiry monitor
// emits is encoded once and fanned out to connected subscribers. Fan-out
// never blocks the request path; a subscriber whose queue is full misses the
// event.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tokengate/cmd/internal/admission"
	"tokengate/cmd/internal/ids"
	v1 "tokengate/shared/contracts/events/v1"
)

// Hub tracks subscribers and broadcasts events to them.
type Hub struct {
	log *slog.Logger
	fp  *ids.Fingerprinter

	mu   sync.RWMutex
	subs map[string]*Subscriber

	dropped atomic.Uint64
	onDrop  func()
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithDropObserver is called once per envelope dropped for a slow subscriber.
func WithDropObserver(fn func()) HubOption {
	return func(h *Hub) {
		if fn != nil {
			h.onDrop = fn
		}
	}
}

// NewHub constructs a Hub. Tokens are replaced with fingerprints from fp
// before anything leaves the process.
func NewHub(log *slog.Logger, fp *ids.Fingerprinter, opts ...HubOption) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		log:    log,
		fp:     fp,
		subs:   make(map[string]*Subscriber),
		onDrop: func() {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Join adds a subscriber.
func (h *Hub) Join(s *Subscriber) {
	if h == nil || s == nil || s.ID == "" {
		return
	}

	h.mu.Lock()
	h.subs[s.ID] = s
	n := len(h.subs)
	h.mu.Unlock()

	h.log.Info("events.subscriber.join", "subscriber_id", s.ID, "subscribers", n)
}

// Leave removes a subscriber and signals its shutdown.
func (h *Hub) Leave(id string) {
	if h == nil || id == "" {
		return
	}

	h.mu.Lock()
	s := h.subs[id]
	delete(h.subs, id)
	n := len(h.subs)
	h.mu.Unlock()

	// Close after removal so a concurrent broadcast never targets a
	// subscriber that is being torn down.
	if s != nil {
		s.Close()
		h.log.Info("events.subscriber.leave", "subscriber_id", id, "subscribers", n)
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many envelopes were dropped for slow subscribers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Emit implements admission.Sink.
func (h *Hub) Emit(ev admission.Event) {
	if h == nil {
		return
	}

	payload, err := json.Marshal(h.eventPayload(ev))
	if err != nil {
		h.log.Error("events.encode.fail", "kind", string(ev.Kind), "err", err)
		return
	}
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeEvent,
		ID:      ev.ID,
		TS:      ev.At,
		Payload: payload,
	}
	h.broadcast(string(ev.Kind), env)
}

func (h *Hub) broadcast(kind string, env v1.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, s := range h.subs {
		if s == nil || !s.Wants(kind) {
			continue
		}

		select {
		case <-s.Done():
			continue
		default:
		}

		select {
		case s.Send <- env:
		default:
			h.dropped.Add(1)
			h.onDrop()
		}
	}
}

func (h *Hub) fingerprint(token string) string {
	if h.fp == nil || token == "" {
		return ""
	}
	return h.fp.Of(token)
}

func (h *Hub) eventPayload(ev admission.Event) v1.EventPayload {
	p := v1.EventPayload{
		EventID:   ev.ID,
		Kind:      string(ev.Kind),
		Allowed:   ev.Allowed,
		TokenFP:   h.fingerprint(ev.Token),
		SessionID: ev.SessionID,
		ClientID:  ev.Identity,
		IP:        ev.Origin,
		Stream:    ev.Stream,
		Reason:    ev.Reason,
		At:        ev.At.UTC(),
	}
	if ev.Occupant != nil {
		p.Occupant = &v1.OccupantPayload{
			ClientID:  ev.Occupant.Identity,
			IP:        ev.Occupant.Origin,
			StartedAt: ev.Occupant.StartedAt.UTC(),
		}
	}
	return p
}

// SnapshotPayload converts registry records into the wire snapshot.
func (h *Hub) SnapshotPayload(recs []admission.Record) v1.SnapshotPayload {
	out := v1.SnapshotPayload{
		ActiveSessions: len(recs),
		Sessions:       make([]v1.SessionPayload, 0, len(recs)),
	}
	for _, r := range recs {
		out.Sessions = append(out.Sessions, v1.SessionPayload{
			TokenFP:        h.fingerprint(r.Token),
			SessionID:      r.SessionID,
			ClientID:       r.Identity,
			IP:             r.Origin,
			StartedAt:      r.StartedAt.UTC(),
			LastActivityAt: r.LastActivityAt.UTC(),
		})
	}
	return out
}

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.MustULID(ts),
		TS:      ts,
		Payload: payload,
	}
}
