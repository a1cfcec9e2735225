// Package webhook binds the admission Gate to the media server's HTTP
// callbacks and exposes the session listing and health endpoints.
package webhook

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"tokengate/cmd/internal/admission"
)

// Result codes carried in the callback response body. The media server only
// looks at "code"; the HTTP status is always 200.
const (
	CodeOK             = 0
	CodeDecline        = 1
	CodeUnknownSession = 2
)

// Config controls request parsing.
type Config struct {
	// MaxBodyBytes caps a callback body.
	MaxBodyBytes int64
	// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP
	// when the callback body has no ip.
	TrustProxy bool
}

// DefaultConfig returns the defaults used when fields are zero.
func DefaultConfig() Config {
	return Config{MaxBodyBytes: 64 << 10}
}

// Handler serves the callback routes.
type Handler struct {
	log  *slog.Logger
	cfg  Config
	gate *admission.Gate
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, gate *admission.Gate, cfg Config) (*Handler, error) {
	if gate == nil {
		return nil, errors.New("webhook: nil gate")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	return &Handler{log: log, cfg: cfg, gate: gate}, nil
}

// Routes lists the paths Register installs, for the startup banner.
func Routes() []string {
	return []string{
		"POST /api/on_publish",
		"POST /api/on_play",
		"POST /api/on_stop",
		"POST /api/on_heartbeat",
		"GET  /api/sessions",
		"GET  /health",
	}
}

// Register wires callback routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/api/on_publish", h.handlePublish)
	mux.HandleFunc("/api/on_play", h.handlePlay)
	mux.HandleFunc("/api/on_stop", h.handleStop)
	mux.HandleFunc("/api/on_heartbeat", h.handleHeartbeat)
	mux.HandleFunc("/api/sessions", h.handleSessions)
	mux.HandleFunc("/health", h.handleHealth)
}

// callbackRequest is the media server's callback body. Only the fields used
// here are declared.
type callbackRequest struct {
	Action   string     `json:"action"`
	ClientID flexString `json:"client_id"`
	IP       string     `json:"ip"`
	Vhost    string     `json:"vhost"`
	App      string     `json:"app"`
	Stream   string     `json:"stream"`
	Param    string     `json:"param"`
	Token    string     `json:"token"`
}

type codeResponse struct {
	Code int `json:"code"`
}

func (h *Handler) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var body callbackRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &body); err != nil {
		h.log.Warn("webhook.publish.bad_request", "err", err)
	}

	h.gate.Publish(h.toRequest(r, body))
	writeJSON(w, http.StatusOK, codeResponse{Code: CodeOK})
}

func (h *Handler) handlePlay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var body callbackRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &body); err != nil {
		h.log.Warn("webhook.play.bad_request", "err", err)
		writeJSON(w, http.StatusOK, codeResponse{Code: CodeDecline})
		return
	}

	req := h.toRequest(r, body)
	adm, err := h.gate.Play(req)
	if err != nil {
		var occ *admission.OccupiedError
		if errors.As(err, &occ) {
			h.log.Info("admission.deny",
				"identity", req.Identity,
				"origin", req.Origin,
				"occupant_origin", occ.Origin,
				"occupant_since", occ.StartedAt.Format(time.RFC3339),
			)
		}
		writeJSON(w, http.StatusOK, codeResponse{Code: CodeDecline})
		return
	}

	h.log.Debug("admission.admit", "outcome", adm.Outcome.String(), "session_id", adm.Record.SessionID)
	writeJSON(w, http.StatusOK, codeResponse{Code: CodeOK})
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var body callbackRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &body); err != nil {
		h.log.Warn("webhook.stop.bad_request", "err", err)
		writeJSON(w, http.StatusOK, codeResponse{Code: CodeOK})
		return
	}

	h.gate.Stop(h.toRequest(r, body))
	writeJSON(w, http.StatusOK, codeResponse{Code: CodeOK})
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var body callbackRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &body); err != nil {
		h.log.Warn("webhook.heartbeat.bad_request", "err", err)
		writeJSON(w, http.StatusOK, codeResponse{Code: CodeDecline})
		return
	}

	err := h.gate.Heartbeat(h.toRequest(r, body))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, codeResponse{Code: CodeOK})
	case errors.Is(err, admission.ErrUnknownTokenOnHeartbeat):
		writeJSON(w, http.StatusOK, codeResponse{Code: CodeUnknownSession})
	default:
		writeJSON(w, http.StatusOK, codeResponse{Code: CodeDecline})
	}
}

type sessionView struct {
	Token          string    `json:"token"`
	SessionID      string    `json:"session_id"`
	ClientID       string    `json:"client_id"`
	IP             string    `json:"ip"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type sessionsResponse struct {
	ActiveSessions int           `json:"active_sessions"`
	Mode           string        `json:"mode"`
	Sessions       []sessionView `json:"sessions"`
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	recs := h.gate.Sessions()
	out := sessionsResponse{
		ActiveSessions: len(recs),
		Mode:           string(h.gate.Mode()),
		Sessions:       make([]sessionView, 0, len(recs)),
	}
	for _, rec := range recs {
		out.Sessions = append(out.Sessions, sessionView{
			Token:          rec.Token,
			SessionID:      rec.SessionID,
			ClientID:       rec.Identity,
			IP:             rec.Origin,
			StartedAt:      rec.StartedAt,
			LastActivityAt: rec.LastActivityAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type healthResponse struct {
	Status         string `json:"status"`
	Mode           string `json:"mode"`
	TotalTokens    int    `json:"total_tokens"`
	ActiveSessions int    `json:"active_sessions"`
	TokensLoaded   bool   `json:"tokens_loaded"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	hs := h.gate.Health()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:         "running",
		Mode:           string(hs.Mode),
		TotalTokens:    hs.TotalTokens,
		ActiveSessions: hs.ActiveSessions,
		TokensLoaded:   hs.TokensLoaded,
	})
}

// toRequest maps a callback body onto the Gate's request.
//
// A missing ip falls back to the connection address. A missing client_id
// falls back to the origin address, so two anonymous viewers from different
// hosts are never mistaken for the same occupant.
func (h *Handler) toRequest(r *http.Request, body callbackRequest) admission.Request {
	origin := strings.TrimSpace(body.IP)
	if origin == "" {
		if ip := clientIP(r, h.cfg.TrustProxy); ip != nil {
			origin = ip.String()
		}
	}

	identity := strings.TrimSpace(string(body.ClientID))
	if identity == "" && origin != "" {
		identity = "ip:" + origin
	}

	stream := body.Stream
	if body.App != "" && body.Stream != "" {
		stream = body.App + "/" + body.Stream
	}

	return admission.Request{
		Param:    body.Param,
		Token:    strings.TrimSpace(body.Token),
		Identity: identity,
		Origin:   origin,
		Stream:   stream,
	}
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
