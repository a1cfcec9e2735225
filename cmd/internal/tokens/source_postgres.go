package tokens

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tokengate/cmd/internal/pgschema"
)

// PostgresSource reads non-revoked tokens from <schema>.valid_tokens.
//
// It does not own the pool.
type PostgresSource struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresSource constructs a PostgresSource. An empty schema uses the default.
func NewPostgresSource(pool *pgxpool.Pool, schema string) (*PostgresSource, error) {
	if pool == nil {
		return nil, errors.New("tokens: nil pool")
	}
	schema, err := pgschema.Normalize(schema)
	if err != nil {
		return nil, err
	}
	return &PostgresSource{pool: pool, schema: schema}, nil
}

// Name implements Source.
func (s *PostgresSource) Name() string { return "postgres:" + s.schema }

// Load implements Source.
func (s *PostgresSource) Load(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT token FROM `+pgschema.Ident(s.schema, pgschema.TableValidTokens)+`
		  WHERE revoked_at IS NULL`,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
