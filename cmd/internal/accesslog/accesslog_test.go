package accesslog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tokengate/cmd/internal/admission"
	"tokengate/cmd/internal/ids"
)

func lines(t *testing.T, b []byte) []map[string]any {
	t.Helper()

	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("line %q is not JSON: %v", sc.Text(), err)
		}
		out = append(out, m)
	}
	return out
}

func TestEmit_AllowAndDeny(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := New(&buf, slog.LevelInfo, nil)

	since := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	l.Emit(admission.Event{Kind: admission.EventAdmit, Allowed: true, Token: "tok_abc123", Origin: "1.1.1.1", Identity: "c1", Reason: "session established"})
	l.Emit(admission.Event{
		Kind: admission.EventDeny, Token: "tok_abc123", Origin: "2.2.2.2", Identity: "c2", Reason: "token in use",
		Occupant: &admission.Occupant{Identity: "c1", Origin: "1.1.1.1", StartedAt: since},
	})
	l.Emit(admission.Event{Kind: admission.EventDecline, Reason: "missing token"})

	got := lines(t, buf.Bytes())
	if len(got) != 3 {
		t.Fatalf("lines=%d want=3", len(got))
	}

	if got[0]["status"] != "allow" || got[0]["action"] != "play" || got[0]["token"] != "tok_abc123" || got[0]["ip"] != "1.1.1.1" {
		t.Fatalf("allow line=%v", got[0])
	}
	if got[1]["status"] != "decline" || got[1]["occupant_ip"] != "1.1.1.1" || got[1]["occupant_since"] != "2026-01-10 09:00:00" {
		t.Fatalf("deny line=%v", got[1])
	}
	if got[1]["level"] != "WARN" {
		t.Fatalf("deny level=%v want=WARN", got[1]["level"])
	}
	if got[2]["token"] != "-" || got[2]["ip"] != "-" {
		t.Fatalf("missing-token line=%v", got[2])
	}
}

func TestEmit_HeartbeatsBelowInfo(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := New(&buf, slog.LevelInfo, nil)
	l.Emit(admission.Event{Kind: admission.EventHeartbeat, Allowed: true, Token: "tok"})
	if buf.Len() != 0 {
		t.Fatalf("heartbeat logged at info: %s", buf.String())
	}

	l = New(&buf, slog.LevelDebug, nil)
	l.Emit(admission.Event{Kind: admission.EventHeartbeat, Allowed: true, Token: "tok"})
	if got := lines(t, buf.Bytes()); len(got) != 1 || got[0]["action"] != "heartbeat" {
		t.Fatalf("debug heartbeat=%v", got)
	}
}

func TestEmit_Fingerprints(t *testing.T) {
	t.Parallel()

	fp, err := ids.NewFingerprinter("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("NewFingerprinter: %v", err)
	}

	var buf bytes.Buffer
	New(&buf, slog.LevelInfo, fp).Emit(admission.Event{Kind: admission.EventRelease, Allowed: true, Token: "tok_abc123"})

	got := lines(t, buf.Bytes())
	if len(got) != 1 || got[0]["token"] != fp.Of("tok_abc123") || got[0]["action"] != "stop" {
		t.Fatalf("line=%v", got)
	}
	if bytes.Contains(buf.Bytes(), []byte("tok_abc123")) {
		t.Fatalf("raw token written: %s", buf.String())
	}
}

func TestOpen_AppendsToFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logs", "access.log")
	for i := 0; i < 2; i++ {
		l, err := Open(Config{Path: path}, nil)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		l.Emit(admission.Event{Kind: admission.EventPublish, Allowed: true, Stream: "live/cam1"})
		if err := l.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := lines(t, b); len(got) != 2 || got[1]["stream"] != "live/cam1" {
		t.Fatalf("file lines=%v", got)
	}
}

func TestAction(t *testing.T) {
	t.Parallel()

	cases := map[admission.EventKind]string{
		admission.EventPublish:       "publish",
		admission.EventReconnect:     "play",
		admission.EventDecline:       "play",
		admission.EventRelease:       "stop",
		admission.EventHeartbeatMiss: "heartbeat",
		admission.EventEvict:         "expire",
	}
	for kind, want := range cases {
		if got := Action(kind); got != want {
			t.Fatalf("Action(%q)=%q want=%q", kind, got, want)
		}
	}
}
