package webhook

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"tokengate/cmd/internal/admission"
	"tokengate/cmd/internal/tokens"
)

func newTestServer(t *testing.T, mode admission.Mode, valid ...string) (*httptest.Server, *admission.Registry) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := admission.NewRegistry()
	gate, err := admission.NewGate(mode, tokens.Static(valid...), reg, nil, admission.WithLogger(log))
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	h, err := NewHandler(log, gate, Config{})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, reg
}

func post(t *testing.T, srv *httptest.Server, path, body string) int {
	t.Helper()

	res, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("POST %s status=%d want=200", path, res.StatusCode)
	}
	var out codeResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return out.Code
}

func TestPlay_CodeMapping(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, admission.ModeExclusive, "tok_abc123")

	cases := []struct {
		name string
		body string
		want int
	}{
		{name: "admit", body: `{"action":"on_play","client_id":"c1","ip":"1.1.1.1","param":"?token=tok_abc123"}`, want: CodeOK},
		{name: "reconnect", body: `{"client_id":"c1","ip":"1.1.1.1","param":"?token=tok_abc123"}`, want: CodeOK},
		{name: "occupied", body: `{"client_id":"c2","ip":"2.2.2.2","param":"?token=tok_abc123"}`, want: CodeDecline},
		{name: "invalid token", body: `{"client_id":"c3","param":"?token=nope"}`, want: CodeDecline},
		{name: "missing token", body: `{"client_id":"c3","param":""}`, want: CodeDecline},
		{name: "malformed json", body: `{"client_id":`, want: CodeDecline},
		{name: "unknown fields", body: `{"client_id":"c1","param":"?token=tok_abc123","server_id":"vid-1","stream_url":"/live/x"}`, want: CodeOK},
	}
	for _, tc := range cases {
		if got := post(t, srv, "/api/on_play", tc.body); got != tc.want {
			t.Fatalf("%s: code=%d want=%d", tc.name, got, tc.want)
		}
	}
}

func TestPlay_NumericClientID(t *testing.T) {
	t.Parallel()

	srv, reg := newTestServer(t, admission.ModeExclusive, "tok")

	if got := post(t, srv, "/api/on_play", `{"client_id":107,"ip":"1.1.1.1","param":"token=tok"}`); got != CodeOK {
		t.Fatalf("code=%d want=%d", got, CodeOK)
	}
	rec, ok := reg.Get("tok")
	if !ok || rec.Identity != "107" {
		t.Fatalf("record=%+v want identity 107", rec)
	}
	if got := post(t, srv, "/api/on_play", `{"client_id":"107","ip":"1.1.1.1","param":"token=tok"}`); got != CodeOK {
		t.Fatalf("string form of the same id not treated as reconnect")
	}
}

func TestPlay_AnonymousViewersDoNotShareAnIdentity(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, admission.ModeExclusive, "tok")

	if got := post(t, srv, "/api/on_play", `{"ip":"1.1.1.1","param":"token=tok"}`); got != CodeOK {
		t.Fatalf("first anonymous play code=%d", got)
	}
	if got := post(t, srv, "/api/on_play", `{"ip":"2.2.2.2","param":"token=tok"}`); got != CodeDecline {
		t.Fatalf("second anonymous viewer from another host admitted")
	}
}

func TestStopAndPublish_AlwaysZero(t *testing.T) {
	t.Parallel()

	srv, reg := newTestServer(t, admission.ModeExclusive, "tok")
	post(t, srv, "/api/on_play", `{"client_id":"c1","param":"token=tok"}`)

	cases := []struct {
		path string
		body string
	}{
		{path: "/api/on_stop", body: `{"client_id":"c1","param":"token=tok"}`},
		{path: "/api/on_stop", body: `{"client_id":"c1","param":"token=tok"}`},
		{path: "/api/on_stop", body: `{"param":""}`},
		{path: "/api/on_stop", body: `garbage`},
		{path: "/api/on_publish", body: `{"app":"live","stream":"cam1","ip":"10.0.0.9"}`},
		{path: "/api/on_publish", body: `garbage`},
	}
	for _, tc := range cases {
		if got := post(t, srv, tc.path, tc.body); got != CodeOK {
			t.Fatalf("POST %s %s code=%d want=0", tc.path, tc.body, got)
		}
	}
	if reg.Len() != 0 {
		t.Fatalf("stop did not release the record")
	}
}

func TestHeartbeat_Codes(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, admission.ModeExclusive, "tok")

	if got := post(t, srv, "/api/on_heartbeat", `{"token":"tok"}`); got != CodeUnknownSession {
		t.Fatalf("heartbeat before play code=%d want=%d", got, CodeUnknownSession)
	}
	post(t, srv, "/api/on_play", `{"client_id":"c1","param":"token=tok"}`)

	if got := post(t, srv, "/api/on_heartbeat", `{"token":"tok"}`); got != CodeOK {
		t.Fatalf("heartbeat code=%d want=0", got)
	}
	if got := post(t, srv, "/api/on_heartbeat", `{"param":"?token=tok"}`); got != CodeOK {
		t.Fatalf("heartbeat via param code=%d want=0", got)
	}
	if got := post(t, srv, "/api/on_heartbeat", `{}`); got != CodeDecline {
		t.Fatalf("heartbeat without token code=%d want=%d", got, CodeDecline)
	}
}

func TestSharedMode_AdmitsEveryone(t *testing.T) {
	t.Parallel()

	srv, reg := newTestServer(t, admission.ModeShared, "tok")

	for _, id := range []string{"a", "b", "c"} {
		if got := post(t, srv, "/api/on_play", `{"client_id":"`+id+`","param":"token=tok"}`); got != CodeOK {
			t.Fatalf("shared play %s code=%d", id, got)
		}
	}
	if reg.Len() != 0 {
		t.Fatalf("shared mode created records")
	}
}

func TestSessionsAndHealth(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, admission.ModeExclusive, "b", "a", "c")
	post(t, srv, "/api/on_play", `{"client_id":"c2","ip":"2.2.2.2","param":"token=b"}`)
	post(t, srv, "/api/on_play", `{"client_id":"c1","ip":"1.1.1.1","param":"token=a"}`)

	res, err := http.Get(srv.URL + "/api/sessions")
	if err != nil {
		t.Fatalf("GET /api/sessions: %v", err)
	}
	var sessions sessionsResponse
	_ = json.NewDecoder(res.Body).Decode(&sessions)
	res.Body.Close()

	if sessions.ActiveSessions != 2 || sessions.Mode != "exclusive" || len(sessions.Sessions) != 2 {
		t.Fatalf("sessions=%+v", sessions)
	}
	if sessions.Sessions[0].Token != "a" || sessions.Sessions[0].ClientID != "c1" || sessions.Sessions[0].SessionID == "" {
		t.Fatalf("sessions[0]=%+v", sessions.Sessions[0])
	}

	res, err = http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	var health healthResponse
	_ = json.NewDecoder(res.Body).Decode(&health)
	res.Body.Close()

	if health.Status != "running" || health.TotalTokens != 3 || health.ActiveSessions != 2 || !health.TokensLoaded {
		t.Fatalf("health=%+v", health)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, admission.ModeExclusive)

	res, err := http.Get(srv.URL + "/api/on_play")
	if err != nil {
		t.Fatalf("GET /api/on_play: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d want=405", res.StatusCode)
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodPost, "/api/on_play", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	if got := clientIP(r, false).String(); got != "10.0.0.1" {
		t.Fatalf("clientIP(trustProxy=false)=%q want=10.0.0.1", got)
	}
	if got := clientIP(r, true).String(); got != "203.0.113.7" {
		t.Fatalf("clientIP(trustProxy=true)=%q want=203.0.113.7", got)
	}
}

func TestFlexString(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: `"abc"`, want: "abc"},
		{in: `42`, want: "42"},
		{in: `null`, want: ""},
		{in: `true`, wantErr: true},
	}
	for _, tc := range cases {
		var f flexString
		err := json.Unmarshal([]byte(tc.in), &f)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("flexString(%s) expected error", tc.in)
			}
			continue
		}
		if err != nil || string(f) != tc.want {
			t.Fatalf("flexString(%s)=%q,%v want=%q", tc.in, f, err, tc.want)
		}
	}
}
