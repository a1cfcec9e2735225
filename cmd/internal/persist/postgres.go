package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tokengate/cmd/internal/admission"
	"tokengate/cmd/internal/pgschema"
)

// PostgresStore keeps the snapshot in <schema>.active_sessions.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
//
// Save replaces the table contents in one transaction, so readers of the
// table never see a half-written snapshot.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresStore constructs a PostgresStore. An empty schema uses the default.
func NewPostgresStore(pool *pgxpool.Pool, schema string) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("persist: nil pool")
	}
	schema, err := pgschema.Normalize(schema)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool, schema: schema}, nil
}

// Name implements Store.
func (s *PostgresStore) Name() string { return "postgres:" + s.schema }

var sessionColumns = []string{"token", "session_id", "identity", "origin", "started_at", "last_activity_at"}

// Save implements Store.
func (s *PostgresStore) Save(ctx context.Context, recs []admission.Record) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	table := pgschema.Ident(s.schema, pgschema.TableActiveSessions)

	if _, err := tx.Exec(ctx, `DELETE FROM `+table); err != nil {
		return fmt.Errorf("clear sessions: %w", err)
	}

	if len(recs) > 0 {
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{s.schema, pgschema.TableActiveSessions},
			sessionColumns,
			pgx.CopyFromSlice(len(recs), func(i int) ([]any, error) {
				r := recs[i]
				return []any{r.Token, r.SessionID, r.Identity, r.Origin, r.StartedAt, r.LastActivityAt}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("copy sessions: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// Load implements Store.
func (s *PostgresStore) Load(ctx context.Context) ([]admission.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT token, session_id, identity, origin, started_at, last_activity_at
		   FROM `+pgschema.Ident(s.schema, pgschema.TableActiveSessions)+`
		  ORDER BY token`,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (admission.Record, error) {
		var r admission.Record
		err := row.Scan(&r.Token, &r.SessionID, &r.Identity, &r.Origin, &r.StartedAt, &r.LastActivityAt)
		r.StartedAt = r.StartedAt.UTC()
		r.LastActivityAt = r.LastActivityAt.UTC()
		return r, err
	})
}
