package admission

import (
	"errors"
	"log/slog"
	"time"

	"tokengate/cmd/internal/ids"
)

// Authority is the token-validity predicate the gate consumes.
type Authority interface {
	IsValid(token string) bool
	Count() int
	// Available reports whether the last load of the token set succeeded.
	Available() bool
}

// Request is the transport-neutral form of a media server callback.
type Request struct {
	// Param is the raw query-style parameter blob ("?token=...&...").
	Param string
	// Token, when set, is used instead of extracting from Param.
	Token string

	Identity string
	Origin   string
	Stream   string
}

func (r Request) token() (string, error) {
	if r.Token != "" {
		return r.Token, nil
	}
	return ExtractToken(r.Param)
}

// Health is the aggregate status exposed to operators.
type Health struct {
	Mode           Mode
	TotalTokens    int
	ActiveSessions int
	TokensLoaded   bool
}

// Gate is the per-callback entry point: it validates the token, applies the
// configured policy to the Registry and reports every decision to the Sink.
type Gate struct {
	mode   Mode
	tokens Authority
	reg    *Registry
	sink   Sink
	log    *slog.Logger
	now    func() time.Time
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithGateClock overrides the event timestamp source (tests).
func WithGateClock(now func() time.Time) GateOption {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// WithLogger sets the operational logger.
func WithLogger(log *slog.Logger) GateOption {
	return func(g *Gate) {
		if log != nil {
			g.log = log
		}
	}
}

// NewGate builds a Gate. reg may be nil in shared mode.
func NewGate(mode Mode, tokens Authority, reg *Registry, sink Sink, opts ...GateOption) (*Gate, error) {
	if tokens == nil {
		return nil, errors.New("admission: nil token authority")
	}
	if mode.Tracks() && reg == nil {
		return nil, errors.New("admission: exclusive mode requires a registry")
	}
	if sink == nil {
		sink = NopSink{}
	}
	g := &Gate{
		mode:   mode,
		tokens: tokens,
		reg:    reg,
		sink:   sink,
		log:    slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g, nil
}

// Mode returns the configured policy mode.
func (g *Gate) Mode() Mode { return g.mode }

func (g *Gate) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = g.now()
	}
	if ev.ID == "" {
		ev.ID = ids.MustULID(ev.At)
	}
	g.sink.Emit(ev)
}

// Publish records a publish callback. Publishing is always allowed.
func (g *Gate) Publish(req Request) {
	g.emit(Event{
		Kind:    EventPublish,
		Allowed: true,
		Origin:  req.Origin,
		Stream:  req.Stream,
		Reason:  "publish to " + req.Stream,
	})
}

// Play decides a play callback. A nil error means the viewer is admitted.
// Errors are one of ErrMissingToken, ErrInvalidToken, ErrStorageUnavailable
// or an *OccupiedError (matching ErrOccupied).
func (g *Gate) Play(req Request) (Admission, error) {
	token, err := req.token()
	if err != nil {
		g.decline(req, token, err)
		return Admission{}, err
	}

	if err := g.validate(token); err != nil {
		g.decline(req, token, err)
		return Admission{}, err
	}

	if !g.mode.Tracks() {
		g.emit(Event{
			Kind:     EventAdmit,
			Allowed:  true,
			Token:    token,
			Identity: req.Identity,
			Origin:   req.Origin,
			Stream:   req.Stream,
			Reason:   "shared access",
		})
		return Admission{Outcome: Admitted}, nil
	}

	adm := g.reg.TryAdmit(token, req.Identity, req.Origin)
	switch adm.Outcome {
	case Admitted:
		g.emit(Event{
			Kind:      EventAdmit,
			Allowed:   true,
			Token:     token,
			SessionID: adm.Record.SessionID,
			Identity:  req.Identity,
			Origin:    req.Origin,
			Stream:    req.Stream,
			Reason:    "session established",
		})
		return adm, nil

	case AdmittedAsReconnect:
		g.emit(Event{
			Kind:      EventReconnect,
			Allowed:   true,
			Token:     token,
			SessionID: adm.Record.SessionID,
			Identity:  req.Identity,
			Origin:    req.Origin,
			Stream:    req.Stream,
			Reason:    "session resumed",
		})
		return adm, nil
	}

	occ := &OccupiedError{
		Token:     token,
		Occupant:  adm.Record.Identity,
		Origin:    adm.Record.Origin,
		StartedAt: adm.Record.StartedAt,
	}
	g.emit(Event{
		Kind:      EventDeny,
		Token:     token,
		SessionID: adm.Record.SessionID,
		Identity:  req.Identity,
		Origin:    req.Origin,
		Stream:    req.Stream,
		Reason:    occ.Error(),
		Occupant: &Occupant{
			Identity:  adm.Record.Identity,
			Origin:    adm.Record.Origin,
			StartedAt: adm.Record.StartedAt,
		},
	})
	return adm, occ
}

// Stop releases the token named in a stop callback. It never fails: a stop
// without a token, or for a token with no record, is a no-op.
func (g *Gate) Stop(req Request) (Record, bool) {
	token, err := req.token()
	if err != nil {
		return Record{}, false
	}

	var (
		rec Record
		ok  bool
	)
	if g.mode.Tracks() {
		rec, ok = g.reg.Release(token)
	}

	reason := "session released"
	if !ok {
		reason = "no active session"
	}
	g.emit(Event{
		Kind:      EventRelease,
		Allowed:   true,
		Token:     token,
		SessionID: rec.SessionID,
		Identity:  req.Identity,
		Origin:    req.Origin,
		Stream:    req.Stream,
		Reason:    reason,
	})
	return rec, ok
}

// Heartbeat extends the record for the token. In exclusive mode it returns
// ErrUnknownTokenOnHeartbeat when no record exists. In shared mode nothing is
// tracked, so a heartbeat succeeds whenever the token is valid.
func (g *Gate) Heartbeat(req Request) error {
	token, err := req.token()
	if err != nil {
		g.decline(req, token, err)
		return err
	}

	if !g.mode.Tracks() {
		if err := g.validate(token); err != nil {
			g.decline(req, token, err)
			return err
		}
		g.emit(Event{Kind: EventHeartbeat, Allowed: true, Token: token, Origin: req.Origin, Identity: req.Identity})
		return nil
	}

	rec, ok := g.reg.Touch(token)
	if !ok {
		g.emit(Event{
			Kind:     EventHeartbeatMiss,
			Token:    token,
			Identity: req.Identity,
			Origin:   req.Origin,
			Reason:   ErrUnknownTokenOnHeartbeat.Error(),
		})
		return ErrUnknownTokenOnHeartbeat
	}

	g.emit(Event{
		Kind:      EventHeartbeat,
		Allowed:   true,
		Token:     token,
		SessionID: rec.SessionID,
		Identity:  req.Identity,
		Origin:    req.Origin,
	})
	return nil
}

// Sessions returns the current registry snapshot (empty in shared mode).
func (g *Gate) Sessions() []Record {
	if g.reg == nil {
		return []Record{}
	}
	return g.reg.Snapshot()
}

// Health reports aggregate counts.
func (g *Gate) Health() Health {
	h := Health{
		Mode:         g.mode,
		TotalTokens:  g.tokens.Count(),
		TokensLoaded: g.tokens.Available(),
	}
	if g.reg != nil {
		h.ActiveSessions = g.reg.Len()
	}
	return h
}

func (g *Gate) validate(token string) error {
	if g.tokens.IsValid(token) {
		return nil
	}
	if !g.tokens.Available() {
		return ErrStorageUnavailable
	}
	return ErrInvalidToken
}

func (g *Gate) decline(req Request, token string, err error) {
	if errors.Is(err, ErrStorageUnavailable) {
		g.log.Error("admission.storage_unavailable", "err", err)
	}
	g.emit(Event{
		Kind:     EventDecline,
		Token:    token,
		Identity: req.Identity,
		Origin:   req.Origin,
		Stream:   req.Stream,
		Reason:   err.Error(),
	})
}
