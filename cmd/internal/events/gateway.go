package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"tokengate/cmd/internal/admission"
	"tokengate/cmd/internal/ids"
	v1 "tokengate/shared/contracts/events/v1"
)

// SessionSource provides the snapshot sent when a stream starts.
// *admission.Gate satisfies it.
type SessionSource interface {
	Sessions() []admission.Record
	Mode() admission.Mode
}

// GatewayConfig controls the websocket endpoint. Zero values take defaults.
type GatewayConfig struct {
	AllowedOrigins []string
	OriginRequired bool

	// InsecureSkipVerify disables the library's origin verification.
	// Local development only.
	InsecureSkipVerify bool

	WriteTimeout time.Duration
	// HelloTimeout bounds the wait for the first envelope. Once subscribed
	// the client never has to send again.
	HelloTimeout  time.Duration
	SendQueueSize int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	// RateEvents control envelopes at once, refilled over RateWindow.
	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig returns the production defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		AllowedOrigins:   strings.Split(DefaultAllowedOrigins, ","),
		OriginRequired:   true,
		WriteTimeout:     defaultWriteTimeout,
		HelloTimeout:     defaultHelloTimeout,
		SendQueueSize:    defaultSendQueueSize,
		HeartbeatEvery:   heartbeatInterval,
		HeartbeatTimeout: heartbeatTimeout,
		RateEvents:       rateLimitEvents,
		RateWindow:       rateLimitWindow,
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	d := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.HelloTimeout <= 0 {
		c.HelloTimeout = d.HelloTimeout
	}
	switch {
	case c.SendQueueSize <= 0:
		c.SendQueueSize = d.SendQueueSize
	case c.SendQueueSize < minSendQueueSize:
		c.SendQueueSize = minSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = d.HeartbeatEvery
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	return c
}

// Gateway is the websocket entry point for the event stream.
//
// It enforces the origin policy and subprotocol, answers hello with a
// snapshot, then relays hub events until the peer goes away.
type Gateway struct {
	log      *slog.Logger
	hub      *Hub
	sessions SessionSource
	cfg      GatewayConfig

	// Derived for websocket.Accept, which rejects cross-origin handshakes
	// unless the host matches one of these patterns.
	patterns []string
}

// NewGateway constructs a Gateway.
func NewGateway(log *slog.Logger, hub *Hub, sessions SessionSource, cfg GatewayConfig) (*Gateway, error) {
	if hub == nil {
		return nil, errors.New("events: nil hub")
	}
	if sessions == nil {
		return nil, errors.New("events: nil session source")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Gateway{
		log:      log,
		hub:      hub,
		sessions: sessions,
		cfg:      cfg,
		patterns: originPatterns(cfg.AllowedOrigins),
	}, nil
}

// ServeHTTP upgrades the request and runs the stream loop.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := checkOrigin(r, g.cfg.AllowedOrigins, g.cfg.OriginRequired); err != nil {
		g.log.Info("events.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.patterns,
		InsecureSkipVerify: g.cfg.InsecureSkipVerify,
	})
	if err != nil {
		g.log.Error("events.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("events.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sub := NewSubscriber(ids.MustULID(time.Now().UTC()), g.cfg.SendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		closeOnce sync.Once
		joined    bool
	)

	// shutdown is idempotent. It leaves sub.Send open; hub removal happens
	// before the subscriber is closed. Leave is a no-op before hello.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Leave(sub.ID)
			sub.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	budget := newControlBudget(g.cfg.RateEvents, g.cfg.RateWindow, time.Now())

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.Done():
				return
			case env := <-sub.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("events.write.fail", "subscriber_id", sub.ID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("events.ping.fail", "subscriber_id", sub.ID, "failures", failures, "err", err)
					if failures >= maxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		// Only the wait for hello is bounded. An expired read context closes
		// the connection, so after hello liveness is left to the pings.
		readCtx, readCancel := ctx, context.CancelFunc(func() {})
		if !joined {
			readCtx, readCancel = context.WithTimeout(ctx, g.cfg.HelloTimeout)
		}
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				if !joined && ctx.Err() == nil {
					g.log.Info("events.hello.timeout", "subscriber_id", sub.ID)
					shutdown(websocket.StatusPolicyViolation, "hello timeout")
					break readLoop
				}
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				if !g.charge(ctx, sub, budget, rejectCost) {
					shutdown(websocket.StatusPolicyViolation, "rate limited")
					break readLoop
				}
				g.trySendError(ctx, sub, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("events.read.fail", "subscriber_id", sub.ID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		cost := 1
		verr := env.Validate()
		known := env.Type == v1.TypeHello || env.Type == v1.TypeSubscribe
		if verr != nil || !known {
			cost = rejectCost
		}
		if !g.charge(ctx, sub, budget, cost) {
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if verr != nil {
			g.trySendError(ctx, sub, "bad_envelope", verr.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			if joined {
				g.trySendError(ctx, sub, "already_started", "hello already received")
				continue readLoop
			}
			if err := g.onHello(ctx, sub, env); err != nil {
				g.trySendError(ctx, sub, "hello_failed", err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}
			joined = true

		case v1.TypeSubscribe:
			if !joined {
				g.trySendError(ctx, sub, "not_started", "send hello first")
				continue readLoop
			}
			if err := g.onSubscribe(ctx, sub, env); err != nil {
				g.trySendError(ctx, sub, "subscribe_failed", err.Error())
				continue readLoop
			}

		default:
			g.trySendError(ctx, sub, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
}

// onHello acknowledges the stream, queues the snapshot, then joins the hub.
// Joining last keeps the snapshot ahead of any live event on the wire.
func (g *Gateway) onHello(ctx context.Context, sub *Subscriber, env v1.Envelope) error {
	var p v1.HelloPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
	}
	sub.SetKinds(p.Kinds)

	now := time.Now().UTC()

	ackPayload, _ := json.Marshal(v1.HelloAckPayload{
		SubscriberID: sub.ID,
		Mode:         string(g.sessions.Mode()),
	})
	if !g.enqueue(ctx, sub, newEnvelope(v1.TypeHelloAck, ackPayload, now)) {
		return errors.New("backpressure: hello_ack")
	}

	snapPayload, err := json.Marshal(g.hub.SnapshotPayload(g.sessions.Sessions()))
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if !g.enqueue(ctx, sub, newEnvelope(v1.TypeSnapshot, snapPayload, now)) {
		return errors.New("backpressure: snapshot")
	}

	g.hub.Join(sub)
	return nil
}

func (g *Gateway) onSubscribe(ctx context.Context, sub *Subscriber, env v1.Envelope) error {
	var p v1.SubscribePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	kinds := sub.SetKinds(p.Kinds)

	echo, _ := json.Marshal(v1.SubscribePayload{Kinds: kinds})
	if !g.enqueue(ctx, sub, newEnvelope(v1.TypeSubscribe, echo, time.Now().UTC())) {
		return errors.New("backpressure: subscribe echo")
	}
	return nil
}

// charge spends cost from the subscriber's budget. When it runs out the
// client is told why before the caller closes the connection.
func (g *Gateway) charge(ctx context.Context, sub *Subscriber, b *controlBudget, cost int) bool {
	if b.spend(time.Now(), cost) {
		return true
	}
	g.log.Info("events.rate_limited", "subscriber_id", sub.ID)
	g.trySendError(ctx, sub, "rate_limited", "too many envelopes")
	return false
}

func (g *Gateway) trySendError(ctx context.Context, sub *Subscriber, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	_ = g.enqueue(ctx, sub, newEnvelope(v1.TypeError, p, time.Now().UTC()))
}

func (g *Gateway) enqueue(ctx context.Context, sub *Subscriber, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-sub.Done():
		return false
	case sub.Send <- env:
		return true
	default:
		return false
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return readErrBadJSON
	}
	return readErrUnknown
}
