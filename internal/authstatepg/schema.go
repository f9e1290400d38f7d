package authstatepg

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates the state table if it does not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS auth_state (
    state_key TEXT PRIMARY KEY,
    state_value TEXT NOT NULL DEFAULT ''
);
`)
	return err
}
