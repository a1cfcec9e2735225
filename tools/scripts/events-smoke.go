// Package main provides a CI-friendly smoke test for the tokengate event stream.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack and the initial snapshot
//   - subscribe echo with the effective kind filter
//   - with -token: on_play admits the first viewer, denies a second one,
//     and both decisions arrive on the stream without the raw token
//   - on_stop releases the session
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "tokengate/shared/contracts/events/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	conn  *websocket.Conn
	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/api/events", "event stream URL")
		hookURL = flag.String("webhook", "http://127.0.0.1:8080", "base URL for callback requests")
		origin  = flag.String("origin", "http://localhost", "Origin header to send")
		token   = flag.String("token", "", "valid token to exercise on_play/on_stop (skipped when empty)")
		timeout = flag.Duration("timeout", 7*time.Second, "per-step timeout")
		verbose = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	if err := validateURL(*wsURL, "ws", "wss"); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if strings.TrimSpace(*origin) != "" {
		if err := validateURL(*origin, "http", "https"); err != nil {
			fatalf("invalid -origin: %v", err)
		}
	}

	root := context.Background()
	c := mustConnect(root, *wsURL, *origin, *timeout)
	defer func() { _ = c.conn.Close(websocket.StatusNormalClosure, "bye") }()

	ack := c.mustRead(root, v1.TypeHelloAck, *timeout)
	var ap v1.HelloAckPayload
	mustUnmarshal(ack, &ap)
	if strings.TrimSpace(ap.SubscriberID) == "" {
		fatalf("hello_ack missing subscriber_id")
	}

	snap := c.mustRead(root, v1.TypeSnapshot, *timeout)
	var sp v1.SnapshotPayload
	mustUnmarshal(snap, &sp)
	if *verbose {
		fmt.Printf("subscribed: id=%s mode=%s active=%d\n", ap.SubscriberID, ap.Mode, sp.ActiveSessions)
	}

	kinds := []string{"admit", "deny", "release"}
	mustWrite(root, c.conn, newEnvelope(v1.TypeSubscribe, v1.SubscribePayload{Kinds: kinds}), *timeout)
	echo := c.mustRead(root, v1.TypeSubscribe, *timeout)
	var ep v1.SubscribePayload
	mustUnmarshal(echo, &ep)
	if strings.Join(ep.Kinds, ",") != strings.Join(kinds, ",") {
		fatalf("subscribe echo mismatch: got=%v want=%v", ep.Kinds, kinds)
	}

	if strings.TrimSpace(*token) == "" {
		fmt.Printf("OK: subscriber=%s active_sessions=%d\n", ap.SubscriberID, sp.ActiveSessions)
		return
	}

	first := fmt.Sprintf("smoke-%d", time.Now().UnixNano())
	second := first + "-b"
	param := "?token=" + url.QueryEscape(*token)

	if code := mustCallback(root, *hookURL+"/api/on_play", first, param, *timeout); code != 0 {
		fatalf("on_play first viewer code=%d want=0", code)
	}
	admit := c.mustEvent(root, "admit", *token, *timeout)

	if code := mustCallback(root, *hookURL+"/api/on_play", second, param, *timeout); code == 0 {
		fatalf("on_play second viewer admitted; is the token already shared?")
	}
	deny := c.mustEvent(root, "deny", *token, *timeout)
	if deny.Occupant == nil || deny.Occupant.ClientID != first {
		fatalf("deny occupant=%+v want client_id=%s", deny.Occupant, first)
	}

	if code := mustCallback(root, *hookURL+"/api/on_stop", first, param, *timeout); code != 0 {
		fatalf("on_stop code=%d want=0", code)
	}
	c.mustEvent(root, "release", *token, *timeout)

	fmt.Printf("OK: subscriber=%s session=%s token_fp=%s\n", ap.SubscriberID, admit.SessionID, admit.TokenFP)
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	ok := false
	for _, s := range schemes {
		if u.Scheme == s {
			ok = true
		}
	}
	if !ok {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func mustConnect(parent context.Context, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect: %v", err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	mustWrite(parent, conn, newEnvelope(v1.TypeHello, v1.HelloPayload{}), stepTimeout)
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}
			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

// mustRead returns the next envelope of wantType. Event envelopes that
// arrive first are skipped; anything else fails the run.
func (c *smokeClient) mustRead(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q: %v", wantType, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q: %v", wantType, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q", wantType)
			}
			switch env.Type {
			case wantType:
				return env
			case v1.TypeError:
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error: code=%q msg=%q", ep.Code, ep.Message)
			case v1.TypeEvent:
				continue
			default:
				fatalf("unexpected envelope type: got=%q want=%q", env.Type, wantType)
			}
		}
	}
}

// mustEvent waits for an event of kind and checks the raw token never leaks.
func (c *smokeClient) mustEvent(parent context.Context, kind, token string, stepTimeout time.Duration) v1.EventPayload {
	deadline := time.Now().Add(stepTimeout)
	for time.Now().Before(deadline) {
		env := c.mustRead(parent, v1.TypeEvent, time.Until(deadline))
		if strings.Contains(string(env.Payload), token) {
			fatalf("raw token leaked on the event stream: %s", env.Payload)
		}
		var p v1.EventPayload
		mustUnmarshal(env, &p)
		if p.Kind == kind {
			return p
		}
	}
	fatalf("timeout waiting for %q event", kind)
	return v1.EventPayload{}
}

func mustCallback(parent context.Context, endpoint, clientID, param string, stepTimeout time.Duration) int {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{
		"client_id": clientID,
		"ip":        "127.0.0.1",
		"app":       "live",
		"stream":    "smoke",
		"param":     param,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(body)))
	if err != nil {
		fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("POST %s: %v", endpoint, err)
	}
	defer res.Body.Close()

	var out struct {
		Code int `json:"code"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		fatalf("decode %s: %v", endpoint, err)
	}
	return out.Code
}

func newEnvelope(typ string, payload any) v1.Envelope {
	b, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("smoke-%s-%d", typ, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: b,
	}
}

func mustWrite(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustUnmarshal(env v1.Envelope, dst any) {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		fatalf("unmarshal %s payload: %v", env.Type, err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
