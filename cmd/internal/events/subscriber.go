package events

import (
	"strings"
	"sync"
	"sync/atomic"

	v1 "tokengate/shared/contracts/events/v1"
)

// Subscriber is one connected event stream.
//
// Send is never closed by the server so concurrent broadcasts cannot panic;
// done signals the connection goroutines to stop.
type Subscriber struct {
	ID   string
	Send chan v1.Envelope

	// kinds is nil when every kind is wanted.
	kinds atomic.Pointer[map[string]struct{}]

	done      chan struct{}
	closeOnce sync.Once
}

// NewSubscriber constructs a Subscriber with a bounded send queue.
func NewSubscriber(id string, sendQueueSize int) *Subscriber {
	if sendQueueSize <= 0 {
		sendQueueSize = minSendQueueSize
	}
	return &Subscriber{
		ID:   id,
		Send: make(chan v1.Envelope, sendQueueSize),
		done: make(chan struct{}),
	}
}

// SetKinds replaces the kind filter and returns the effective list.
// Blank entries are dropped; an empty result subscribes to everything.
func (s *Subscriber) SetKinds(kinds []string) []string {
	set := make(map[string]struct{}, len(kinds))
	out := make([]string, 0, len(kinds))
	for _, k := range kinds {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, dup := set[k]; dup {
			continue
		}
		set[k] = struct{}{}
		out = append(out, k)
	}
	if len(set) == 0 {
		s.kinds.Store(nil)
		return out
	}
	s.kinds.Store(&set)
	return out
}

// Wants reports whether the subscriber's filter admits kind.
func (s *Subscriber) Wants(kind string) bool {
	set := s.kinds.Load()
	if set == nil {
		return true
	}
	_, ok := (*set)[kind]
	return ok
}

// Done returns a channel that is closed when the subscriber is shutting down.
func (s *Subscriber) Done() <-chan struct{} {
	if s == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

// Close signals shutdown (idempotent). It does not close Send.
func (s *Subscriber) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		close(s.done)
	})
}
