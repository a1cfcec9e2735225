// Package pgschema holds the Postgres identifiers and DDL shared by the
// token source and the session persistence store.
package pgschema

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultSchema is used when no schema is configured.
const DefaultSchema = "tokengate"

// Table names.
const (
	TableValidTokens    = "valid_tokens"
	TableActiveSessions = "active_sessions"
)

// ErrInvalidSchema is returned for empty or non-identifier schema names.
var ErrInvalidSchema = errors.New("pgschema: invalid schema identifier")

var identRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Normalize trims schema, applies the default and validates it.
func Normalize(schema string) (string, error) {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		return DefaultSchema, nil
	}
	if !identRE.MatchString(schema) {
		return "", ErrInvalidSchema
	}
	return schema, nil
}

// Ident returns the quoted schema-qualified table name.
func Ident(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

// DDL returns the statements that create the tables tokengate reads and writes.
func DDL(schema string) string {
	return fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  token      TEXT PRIMARY KEY,
  note       TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  revoked_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS %s (
  token            TEXT PRIMARY KEY,
  session_id       TEXT NOT NULL,
  identity         TEXT NOT NULL,
  origin           TEXT NOT NULL DEFAULT '',
  started_at       TIMESTAMPTZ NOT NULL,
  last_activity_at TIMESTAMPTZ NOT NULL
);
`,
		pgx.Identifier{schema}.Sanitize(),
		Ident(schema, TableValidTokens),
		Ident(schema, TableActiveSessions),
	)
}

// Apply runs DDL against pool. Production deployments manage the schema
// out of band; this is for local runs and integration tests.
func Apply(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if pool == nil {
		return errors.New("pgschema: nil pool")
	}
	if _, err := pool.Exec(ctx, DDL(schema)); err != nil {
		return fmt.Errorf("apply schema %s: %w", schema, err)
	}
	return nil
}
