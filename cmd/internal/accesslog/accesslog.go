// Package accesslog writes one structured line per admission event: who asked
// for what, whether it was allowed, and why.
package accesslog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tokengate/cmd/internal/admission"
	"tokengate/cmd/internal/ids"
)

// Config selects the destination.
type Config struct {
	// Path is the file to append to. Empty or "-" writes to stdout.
	Path string
	// Level filters lines. Heartbeats log at debug, declines at warn.
	Level slog.Level
}

// Logger is an admission.Sink that writes access lines.
type Logger struct {
	log    *slog.Logger
	fp     *ids.Fingerprinter
	closer io.Closer
}

// Open creates a Logger for cfg. When fp is non-nil tokens are written as
// fingerprints.
func Open(cfg Config, fp *ids.Fingerprinter) (*Logger, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" || path == "-" {
		return New(os.Stdout, cfg.Level, fp), nil
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("accesslog: create dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("accesslog: open %s: %w", path, err)
	}
	l := New(f, cfg.Level, fp)
	l.closer = f
	return l, nil
}

// New creates a Logger writing JSON lines to w.
func New(w io.Writer, level slog.Level, fp *ids.Fingerprinter) *Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return &Logger{log: slog.New(h), fp: fp}
}

// Close releases the underlying file, if any.
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Emit implements admission.Sink.
func (l *Logger) Emit(ev admission.Event) {
	if l == nil {
		return
	}

	status := "allow"
	level := slog.LevelInfo
	if !ev.Allowed {
		status = "decline"
		level = slog.LevelWarn
	}
	switch ev.Kind {
	case admission.EventHeartbeat, admission.EventHeartbeatMiss:
		level = slog.LevelDebug
	case admission.EventEvict:
		level = slog.LevelInfo
	}

	attrs := []slog.Attr{
		slog.String("status", status),
		slog.String("action", Action(ev.Kind)),
		slog.String("kind", string(ev.Kind)),
		slog.String("token", l.token(ev.Token)),
		slog.String("ip", orDash(ev.Origin)),
	}
	if ev.Identity != "" {
		attrs = append(attrs, slog.String("client_id", ev.Identity))
	}
	if ev.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", ev.SessionID))
	}
	if ev.Stream != "" {
		attrs = append(attrs, slog.String("stream", ev.Stream))
	}
	if ev.Reason != "" {
		attrs = append(attrs, slog.String("reason", ev.Reason))
	}
	if occ := ev.Occupant; occ != nil {
		attrs = append(attrs,
			slog.String("occupant_ip", orDash(occ.Origin)),
			slog.String("occupant_since", occ.StartedAt.Format(time.DateTime)),
		)
	}
	if ev.ID != "" {
		attrs = append(attrs, slog.String("event_id", ev.ID))
	}

	l.log.LogAttrs(context.Background(), level, "access", attrs...)
}

func (l *Logger) token(tok string) string {
	if tok == "" {
		return "-"
	}
	if l.fp != nil {
		return l.fp.Of(tok)
	}
	return tok
}

// Action maps an event kind to the callback that produced it.
func Action(kind admission.EventKind) string {
	switch kind {
	case admission.EventPublish:
		return "publish"
	case admission.EventAdmit, admission.EventReconnect, admission.EventDeny, admission.EventDecline:
		return "play"
	case admission.EventRelease:
		return "stop"
	case admission.EventHeartbeat, admission.EventHeartbeatMiss:
		return "heartbeat"
	case admission.EventEvict:
		return "expire"
	default:
		return string(kind)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
