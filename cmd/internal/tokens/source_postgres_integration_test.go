package tokens

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tokengate/cmd/internal/pgschema"
)

// Integration tests run only when TOKENGATE_DATABASE_URL is set.

func TestPostgresSource_SkipsRevoked(t *testing.T) {
	t.Parallel()

	pool := openTestPool(t)
	schema := createTestSchema(t, pool)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	table := pgschema.Ident(schema, pgschema.TableValidTokens)
	if _, err := pool.Exec(ctx,
		`INSERT INTO `+table+` (token, revoked_at) VALUES ('tok_a', NULL), ('tok_b', NULL), ('tok_c', now())`,
	); err != nil {
		t.Fatalf("seed tokens: %v", err)
	}

	src, err := NewPostgresSource(pool, schema)
	if err != nil {
		t.Fatalf("NewPostgresSource: %v", err)
	}
	got, err := src.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	sort.Strings(got)
	if strings.Join(got, ",") != "tok_a,tok_b" {
		t.Fatalf("Load()=%v want=[tok_a tok_b]", got)
	}
}

func openTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("TOKENGATE_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: TOKENGATE_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("ping postgres: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func createTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	b := make([]byte, 6)
	_, _ = rand.Read(b)
	schema := "tokengate_it_" + hex.EncodeToString(b)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := pgschema.Apply(ctx, pool, schema); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	})
	return schema
}
