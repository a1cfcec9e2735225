package admission

import "time"

// Record is one occupancy of a token.
// Values handed out by the Registry are copies; mutating them has no effect.
type Record struct {
	Token     string
	SessionID string

	Identity string
	Origin   string

	StartedAt      time.Time
	LastActivityAt time.Time
}

// Idle returns how long the record has gone without activity at now.
func (r Record) Idle(now time.Time) time.Duration {
	return now.Sub(r.LastActivityAt)
}

// Expired reports whether the record has been idle for at least timeout.
func (r Record) Expired(now time.Time, timeout time.Duration) bool {
	return r.Idle(now) >= timeout
}

// Outcome is the result of a TryAdmit call.
type Outcome int

const (
	// Denied means another occupant holds the token; the registry is unchanged.
	Denied Outcome = iota
	// Admitted means a new record was created.
	Admitted
	// AdmittedAsReconnect means the same occupant returned and its record was refreshed.
	AdmittedAsReconnect
)

func (o Outcome) String() string {
	switch o {
	case Admitted:
		return "admitted"
	case AdmittedAsReconnect:
		return "reconnect"
	default:
		return "denied"
	}
}

// Admission is what TryAdmit returns.
//
// For Admitted and AdmittedAsReconnect, Record is the caller's record after
// the call. For Denied, Record is the untouched record of the current occupant.
type Admission struct {
	Outcome Outcome
	Record  Record
}

// OK reports whether the caller was admitted.
func (a Admission) OK() bool {
	return a.Outcome == Admitted || a.Outcome == AdmittedAsReconnect
}
