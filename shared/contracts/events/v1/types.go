// Package v1 defines the tokengate event stream protocol v1.
//
// It is shared between the server and operator tooling so the wire format
// stays authoritative in one place.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol a client must offer.
const Subprotocol = "tokengate.events.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a stream (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges hello (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeSubscribe narrows the stream to a set of event kinds (client -> server)
	// and is echoed back with the effective filter.
	TypeSubscribe = "subscribe"

	// TypeSnapshot carries the active sessions at subscription time (server -> client).
	TypeSnapshot = "snapshot"
	// TypeEvent carries one admission event (server -> client).
	TypeEvent = "event"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeSubscribe,
		TypeSnapshot,
		TypeEvent,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload may carry an initial kind filter.
type HelloPayload struct {
	Kinds []string `json:"kinds,omitempty"`
}

// HelloAckPayload identifies the stream subscription.
type HelloAckPayload struct {
	SubscriberID string `json:"subscriber_id"`
	Mode         string `json:"mode,omitempty"`
}

// SubscribePayload selects event kinds. An empty list means every kind.
type SubscribePayload struct {
	Kinds []string `json:"kinds"`
}

// SessionPayload is one active session. Tokens never appear on the stream,
// only their fingerprints.
type SessionPayload struct {
	TokenFP        string    `json:"token_fp"`
	SessionID      string    `json:"session_id"`
	ClientID       string    `json:"client_id"`
	IP             string    `json:"ip"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// SnapshotPayload lists the sessions active when the stream started.
type SnapshotPayload struct {
	ActiveSessions int              `json:"active_sessions"`
	Sessions       []SessionPayload `json:"sessions"`
}

// OccupantPayload describes the holder of a token on a deny event.
type OccupantPayload struct {
	ClientID  string    `json:"client_id"`
	IP        string    `json:"ip"`
	StartedAt time.Time `json:"started_at"`
}

// EventPayload is one admission, denial, release or eviction.
type EventPayload struct {
	EventID   string           `json:"event_id"`
	Kind      string           `json:"kind"`
	Allowed   bool             `json:"allowed"`
	TokenFP   string           `json:"token_fp,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
	ClientID  string           `json:"client_id,omitempty"`
	IP        string           `json:"ip,omitempty"`
	Stream    string           `json:"stream,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	At        time.Time        `json:"at"`
	Occupant  *OccupantPayload `json:"occupant,omitempty"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
