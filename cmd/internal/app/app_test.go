package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tokengate/cmd/internal/admission"
)

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v4", in: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "port only", in: ":7000", want: "http://127.0.0.1:7000"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := runtimeBaseURL(tc.in); got != tc.want {
				t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
		{in: "https://gate.example.com", want: "wss://gate.example.com"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
	}

	for _, tc := range cases {
		if got := wsBaseURL(tc.in); got != tc.want {
			t.Fatalf("wsBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig returns a file-backed config rooted in a temp dir.
func testConfig(t *testing.T, validTokens ...string) Config {
	t.Helper()

	dir := t.TempDir()
	tokenFile := filepath.Join(dir, "valid_tokens.json")
	b, _ := json.Marshal(validTokens)
	if err := os.WriteFile(tokenFile, b, 0o600); err != nil {
		t.Fatalf("write tokens: %v", err)
	}

	return Config{
		HTTPAddr:             "127.0.0.1:0",
		LogLevel:             "info",
		LogFormat:            "json",
		Mode:                 "exclusive",
		SessionTimeout:       30 * time.Second,
		SweepInterval:        15 * time.Second,
		EvictRevoked:         true,
		TokenSource:          TokenSourceFile,
		TokenFile:            tokenFile,
		TokenReloadInterval:  time.Hour,
		Persist:              "file",
		StateFile:            filepath.Join(dir, "state", "active_sessions.json"),
		PersistDebounce:      10 * time.Millisecond,
		AccessLog:            filepath.Join(dir, "access.log"),
		EventsEnabled:        true,
		EventsAllowedOrigins: []string{"http://localhost"},
		EventsOriginRequired: true,
		MetricsEnabled:       true,
	}
}

func postCode(t *testing.T, url, body string) int {
	t.Helper()

	res, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer res.Body.Close()
	var out struct {
		Code int `json:"code"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out.Code
}

func getStatus(t *testing.T, url string) (int, string) {
	t.Helper()

	res, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(res.Body)
	return res.StatusCode, string(b)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Mode = "round-robin"
	if _, err := New(context.Background(), cfg, quietLogger()); !errors.Is(err, admission.ErrConfig) {
		t.Fatalf("New() err=%v want ErrConfig", err)
	}
}

func TestHandler_EndToEnd(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "tok_abc123")
	a, err := New(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.Close)

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	if code, _ := getStatus(t, srv.URL+"/readyz"); code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before load=%d want=503", code)
	}
	if got := postCode(t, srv.URL+"/api/on_play", `{"client_id":"c1","param":"?token=tok_abc123"}`); got != 1 {
		t.Fatalf("play before load code=%d want=1 (fail closed)", got)
	}

	if err := a.authority.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	if code, _ := getStatus(t, srv.URL+"/readyz"); code != http.StatusOK {
		t.Fatalf("readyz after load=%d want=200", code)
	}
	if got := postCode(t, srv.URL+"/api/on_play", `{"client_id":"c1","ip":"1.1.1.1","param":"?token=tok_abc123"}`); got != 0 {
		t.Fatalf("play code=%d want=0", got)
	}
	if got := postCode(t, srv.URL+"/api/on_play", `{"client_id":"c2","ip":"2.2.2.2","param":"?token=tok_abc123"}`); got != 1 {
		t.Fatalf("second viewer code=%d want=1", got)
	}

	code, body := getStatus(t, srv.URL+"/metrics")
	if code != http.StatusOK || !strings.Contains(body, "tokengate_active_sessions 1") {
		t.Fatalf("metrics status=%d missing active_sessions gauge", code)
	}
	if !strings.Contains(body, `tokengate_events_total{allowed="false",kind="deny"} 1`) {
		t.Fatalf("metrics missing deny counter")
	}

	res, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	res.Body.Close()
	if res.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("security headers missing")
	}

	a.Close()
	b, err := os.ReadFile(cfg.AccessLog)
	if err != nil {
		t.Fatalf("read access log: %v", err)
	}
	if n := strings.Count(string(b), `"msg":"access"`); n != 3 {
		t.Fatalf("access log lines=%d want=3\n%s", n, b)
	}
}

func TestServe_PersistsAndStops(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "tok")
	a, err := New(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.authority.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.serve(ctx, ln) }()

	base := "http://" + ln.Addr().String()
	if got := postCode(t, base+"/api/on_play", `{"client_id":"c1","param":"token=tok"}`); got != 0 {
		t.Fatalf("play code=%d want=0", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not stop")
	}
	a.Close()

	b, err := os.ReadFile(cfg.StateFile)
	if err != nil {
		t.Fatalf("state file not written: %v", err)
	}
	var state map[string]struct {
		ClientID string `json:"client_id"`
	}
	if err := json.Unmarshal(b, &state); err != nil || state["tok"].ClientID != "c1" {
		t.Fatalf("state file=%s err=%v", b, err)
	}
}
