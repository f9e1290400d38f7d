// Package authstatepg persists client authentication state in PostgreSQL through pgx.
package authstatepg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tyemirov/staysession/pkg/authclient"
)

// PostgresStateStore implements authclient.StateStore on a pgx pool.
type PostgresStateStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStateStore constructs a store on an existing pool.
func NewPostgresStateStore(pool *pgxpool.Pool) *PostgresStateStore {
	return &PostgresStateStore{pool: pool}
}

// Open builds a pool for databaseURL, ensures the schema, and returns the store.
func Open(ctx context.Context, databaseURL string) (*PostgresStateStore, error) {
	pool, err := BuildPool(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("state_store.pg.open: %w", err)
	}
	if schemaErr := EnsureSchema(ctx, pool); schemaErr != nil {
		pool.Close()
		return nil, fmt.Errorf("state_store.pg.schema: %w", schemaErr)
	}
	return NewPostgresStateStore(pool), nil
}

// Close releases the pool.
func (store *PostgresStateStore) Close() {
	store.pool.Close()
}

// Load reads all state rows.
func (store *PostgresStateStore) Load(ctx context.Context) (authclient.State, error) {
	rows, err := store.pool.Query(ctx, `SELECT state_key, state_value FROM auth_state`)
	if err != nil {
		return authclient.State{}, fmt.Errorf("state_store.pg.load: %w", err)
	}
	values := make(map[string]string, 3)
	var stateKey, stateValue string
	_, scanErr := pgx.ForEachRow(rows, []any{&stateKey, &stateValue}, func() error {
		values[stateKey] = stateValue
		return nil
	})
	if scanErr != nil {
		return authclient.State{}, fmt.Errorf("state_store.pg.load: %w", scanErr)
	}
	return authclient.DecodeState(values)
}

// Save upserts the three state rows in one transaction.
func (store *PostgresStateStore) Save(ctx context.Context, state authclient.State) error {
	values, encodeErr := authclient.EncodeState(state)
	if encodeErr != nil {
		return encodeErr
	}
	err := pgx.BeginFunc(ctx, store.pool, func(transaction pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, stateKey := range []string{authclient.AccessTokenKey, authclient.RefreshTokenKey, authclient.UserKey} {
			batch.Queue(`
INSERT INTO auth_state (state_key, state_value)
VALUES ($1, $2)
ON CONFLICT (state_key) DO UPDATE SET state_value = EXCLUDED.state_value
`, stateKey, values[stateKey])
		}
		return transaction.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("state_store.pg.save: %w", err)
	}
	return nil
}

// Clear deletes every state row.
func (store *PostgresStateStore) Clear(ctx context.Context) error {
	_, err := store.pool.Exec(ctx, `DELETE FROM auth_state WHERE state_key = ANY($1)`,
		[]string{authclient.AccessTokenKey, authclient.RefreshTokenKey, authclient.UserKey})
	if err != nil {
		return fmt.Errorf("state_store.pg.clear: %w", err)
	}
	return nil
}
