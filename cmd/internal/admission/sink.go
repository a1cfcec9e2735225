package admission

import "time"

// EventKind classifies what happened to a callback or a record.
type EventKind string

const (
	EventPublish       EventKind = "publish"
	EventAdmit         EventKind = "admit"
	EventReconnect     EventKind = "reconnect"
	EventDeny          EventKind = "deny"    // occupied by someone else
	EventDecline       EventKind = "decline" // missing/invalid token, storage down
	EventRelease       EventKind = "release"
	EventHeartbeat     EventKind = "heartbeat"
	EventHeartbeatMiss EventKind = "heartbeat_miss"
	EventEvict         EventKind = "evict"
)

// Eviction reasons carried in Event.Reason.
const (
	ReasonExpired = "expired"
	ReasonRevoked = "revoked"
)

// Occupant describes the holder of a token when a request is denied.
type Occupant struct {
	Identity  string
	Origin    string
	StartedAt time.Time
}

// Event is one admission, denial, release or eviction.
type Event struct {
	ID        string
	Kind      EventKind
	Allowed   bool
	Token     string
	SessionID string
	Identity  string
	Origin    string
	Stream    string
	Reason    string
	At        time.Time

	// Occupant is set on EventDeny only.
	Occupant *Occupant
}

// Sink receives events. Implementations must not block for long: Emit is
// called on the request path (outside registry locks).
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Emit calls f(ev).
func (f SinkFunc) Emit(ev Event) { f(ev) }

// MultiSink fans an event out to every sink in order.
type MultiSink []Sink

// Emit forwards ev to each non-nil sink.
func (m MultiSink) Emit(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ev)
		}
	}
}

// NopSink discards events.
type NopSink struct{}

// Emit does nothing.
func (NopSink) Emit(Event) {}
