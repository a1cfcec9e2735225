package events

import "time"

// controlBudget meters the control envelopes a subscriber sends. Clients only
// talk during setup (hello, the odd subscribe), so a small burst refilled
// slowly is plenty; envelopes the gateway has to reject cost more, so a
// client stuck in an error loop is cut off quickly.
//
// It is owned by one read loop and is not safe for concurrent use.
type controlBudget struct {
	tokens   float64
	burst    float64
	perToken time.Duration
	last     time.Time
}

const rejectCost = 4

// newControlBudget allows burst envelopes at once, refilled evenly over window.
func newControlBudget(burst int, window time.Duration, now time.Time) *controlBudget {
	if burst <= 0 {
		burst = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &controlBudget{
		tokens:   float64(burst),
		burst:    float64(burst),
		perToken: window / time.Duration(burst),
		last:     now,
	}
}

// spend charges cost at now and reports whether the budget covered it.
// A failed spend leaves the budget empty.
func (b *controlBudget) spend(now time.Time, cost int) bool {
	if elapsed := now.Sub(b.last); elapsed > 0 && b.perToken > 0 {
		b.tokens += float64(elapsed) / float64(b.perToken)
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
		b.last = now
	}

	if b.tokens < float64(cost) {
		b.tokens = 0
		return false
	}
	b.tokens -= float64(cost)
	return true
}
