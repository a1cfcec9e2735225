package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"tokengate/cmd/internal/admission"
	"tokengate/cmd/internal/events"
	"tokengate/cmd/internal/ids"
	"tokengate/cmd/internal/persist"
	"tokengate/cmd/internal/pgschema"
)

// Token source kinds.
const (
	TokenSourceFile     = "file"
	TokenSourcePostgres = "postgres"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	MaxBodyBytes      int64
	TrustProxy        bool

	Mode           string
	SessionTimeout time.Duration
	SweepInterval  time.Duration
	EvictRevoked   bool

	TokenSource         string
	TokenFile           string
	TokenReloadInterval time.Duration
	TokenWatch          bool

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32
	// DBApplySchema creates the schema and tables at startup (local runs).
	DBApplySchema bool

	Persist         string
	StateFile       string
	PersistDebounce time.Duration

	AccessLog            string
	AccessLogFingerprint bool
	FingerprintKey       string

	EventsEnabled        bool
	EventsAllowedOrigins []string
	EventsOriginRequired bool

	MetricsEnabled bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("TOKENGATE_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("TOKENGATE_LOG_LEVEL", "info"),
		LogFormat: EnvString("TOKENGATE_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("TOKENGATE_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("TOKENGATE_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("TOKENGATE_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("TOKENGATE_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("TOKENGATE_HTTP_MAX_HEADER_BYTES", 1<<20),
		MaxBodyBytes:      int64(EnvInt("TOKENGATE_HTTP_MAX_BODY_BYTES", 64<<10)),
		TrustProxy:        EnvBool("TOKENGATE_TRUST_PROXY", false),

		Mode:           EnvString("TOKENGATE_MODE", string(admission.ModeExclusive)),
		SessionTimeout: EnvDuration("TOKENGATE_SESSION_TIMEOUT", admission.DefaultSessionTimeout),
		SweepInterval:  EnvDuration("TOKENGATE_SWEEP_INTERVAL", admission.DefaultSweepInterval),
		EvictRevoked:   EnvBool("TOKENGATE_EVICT_REVOKED", true),

		TokenSource:         strings.ToLower(EnvString("TOKENGATE_TOKEN_SOURCE", TokenSourceFile)),
		TokenFile:           EnvString("TOKENGATE_TOKEN_FILE", "valid_tokens.json"),
		TokenReloadInterval: EnvDuration("TOKENGATE_TOKEN_RELOAD_INTERVAL", 30*time.Second),
		TokenWatch:          EnvBool("TOKENGATE_TOKEN_WATCH", true),

		DatabaseURL:   EnvString("TOKENGATE_DATABASE_URL", ""),
		DBSchema:      EnvString("TOKENGATE_DB_SCHEMA", pgschema.DefaultSchema),
		DBMaxConns:    EnvInt32("TOKENGATE_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("TOKENGATE_DB_MIN_CONNS", 0),
		DBApplySchema: EnvBool("TOKENGATE_DB_APPLY_SCHEMA", false),

		Persist:         EnvString("TOKENGATE_PERSIST", string(persist.KindNone)),
		StateFile:       EnvString("TOKENGATE_STATE_FILE", "active_sessions.json"),
		PersistDebounce: EnvDuration("TOKENGATE_PERSIST_DEBOUNCE", persist.DefaultDebounce),

		AccessLog:            EnvString("TOKENGATE_ACCESS_LOG", "access.log"),
		AccessLogFingerprint: EnvBool("TOKENGATE_ACCESS_LOG_FINGERPRINT", false),
		FingerprintKey:       EnvString("TOKENGATE_FINGERPRINT_KEY", ""),

		EventsEnabled:        EnvBool("TOKENGATE_EVENTS_ENABLED", true),
		EventsAllowedOrigins: EnvCSV("TOKENGATE_EVENTS_ALLOWED_ORIGINS", events.DefaultAllowedOrigins),
		EventsOriginRequired: EnvBool("TOKENGATE_EVENTS_ORIGIN_REQUIRED", true),

		MetricsEnabled: EnvBool("TOKENGATE_METRICS_ENABLED", true),
	}
}

// Validate checks cross-field constraints. Every failure wraps admission.ErrConfig.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(c.HTTPAddr) == "" {
		add("TOKENGATE_HTTP_ADDR is empty")
	}
	if _, err := admission.ParseMode(c.Mode); err != nil {
		add("TOKENGATE_MODE: %v", err)
	}
	if c.SessionTimeout <= 0 || c.SweepInterval <= 0 {
		add("TOKENGATE_SESSION_TIMEOUT and TOKENGATE_SWEEP_INTERVAL must be positive")
	}
	if c.SweepInterval > c.SessionTimeout {
		add("TOKENGATE_SWEEP_INTERVAL (%s) exceeds TOKENGATE_SESSION_TIMEOUT (%s)", c.SweepInterval, c.SessionTimeout)
	}

	switch c.TokenSource {
	case TokenSourceFile:
		if strings.TrimSpace(c.TokenFile) == "" {
			add("TOKENGATE_TOKEN_FILE is empty")
		}
	case TokenSourcePostgres:
		if c.DatabaseURL == "" {
			add("TOKENGATE_TOKEN_SOURCE=postgres requires TOKENGATE_DATABASE_URL")
		}
	default:
		add("TOKENGATE_TOKEN_SOURCE: unknown source %q", c.TokenSource)
	}
	if c.TokenReloadInterval <= 0 {
		add("TOKENGATE_TOKEN_RELOAD_INTERVAL must be positive")
	}

	if c.DatabaseURL != "" || c.DBApplySchema {
		if _, err := pgschema.Normalize(c.DBSchema); err != nil {
			add("TOKENGATE_DB_SCHEMA: %v", err)
		}
	}
	if c.DBMinConns > c.DBMaxConns && c.DBMaxConns > 0 {
		add("TOKENGATE_DB_MIN_CONNS exceeds TOKENGATE_DB_MAX_CONNS")
	}

	kind, err := persist.ParseKind(c.Persist)
	if err != nil {
		add("TOKENGATE_PERSIST: %v", err)
	}
	switch kind {
	case persist.KindFile:
		if strings.TrimSpace(c.StateFile) == "" {
			add("TOKENGATE_PERSIST=file requires TOKENGATE_STATE_FILE")
		}
	case persist.KindPostgres:
		if c.DatabaseURL == "" {
			add("TOKENGATE_PERSIST=postgres requires TOKENGATE_DATABASE_URL")
		}
	}

	if k := strings.TrimSpace(c.FingerprintKey); k != "" && len(k) < ids.FingerprintKeyMinBytes {
		add("TOKENGATE_FINGERPRINT_KEY must be at least %d bytes", ids.FingerprintKeyMinBytes)
	}

	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "json", "pretty", "text":
	default:
		add("TOKENGATE_LOG_FORMAT: unknown format %q", c.LogFormat)
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Join(append([]error{admission.ErrConfig}, errs...)...)
}
