package admission

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMissingToken is returned when the callback parameters carry no token marker.
	ErrMissingToken = errors.New("missing token")

	// ErrInvalidToken is returned when the token is not in the valid set.
	ErrInvalidToken = errors.New("invalid token")

	// ErrOccupied is returned when another occupant holds the token in exclusive mode.
	ErrOccupied = errors.New("token occupied")

	// ErrUnknownTokenOnHeartbeat is returned when a heartbeat names a token with no active record.
	ErrUnknownTokenOnHeartbeat = errors.New("unknown token on heartbeat")

	// ErrStorageUnavailable is returned when the token set could not be loaded.
	// The gate fails closed: every token is declined until a reload succeeds.
	ErrStorageUnavailable = errors.New("token storage unavailable")

	// ErrConfig is returned for invalid admission configuration.
	ErrConfig = errors.New("invalid admission config")
)

// OccupiedError carries the current occupant for diagnostics.
// It must only ever reach logs, never the caller of the webhook.
type OccupiedError struct {
	Token     string
	Occupant  string
	Origin    string
	StartedAt time.Time
}

func (e *OccupiedError) Error() string {
	return fmt.Sprintf("%s (ip: %s, started: %s)", ErrOccupied.Error(), e.Origin, e.StartedAt.Format(time.DateTime))
}

func (e *OccupiedError) Unwrap() error { return ErrOccupied }
