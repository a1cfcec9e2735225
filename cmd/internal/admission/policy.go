package admission

import (
	"fmt"
	"strings"
)

// Mode selects the occupancy policy. It is fixed for the lifetime of a process.
type Mode string

const (
	// ModeExclusive admits one occupant per token and tolerates reconnects.
	ModeExclusive Mode = "exclusive"
	// ModeShared admits every validated token and tracks nothing.
	ModeShared Mode = "shared"
)

// ParseMode parses a configured mode name.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(ModeExclusive), "single":
		return ModeExclusive, nil
	case string(ModeShared), "shared-unlimited", "unlimited":
		return ModeShared, nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", ErrConfig, s)
	}
}

// Tracks reports whether the mode keeps Session Records.
func (m Mode) Tracks() bool { return m == ModeExclusive }

// Decision is what the exclusive policy says to do with a play request.
type Decision int

const (
	// DecisionCreate creates a record for an unoccupied token.
	DecisionCreate Decision = iota
	// DecisionRefresh reaffirms the existing occupant.
	DecisionRefresh
	// DecisionDeny leaves the existing record alone and rejects the caller.
	DecisionDeny
)

// Decide is the exclusive-mode policy. It is pure: existing is the token's
// current record (nil when unoccupied) and identity is the requester.
// The registry evaluates it inside the token's critical section.
func Decide(existing *Record, identity string) Decision {
	switch {
	case existing == nil:
		return DecisionCreate
	case existing.Identity == identity:
		return DecisionRefresh
	default:
		return DecisionDeny
	}
}
