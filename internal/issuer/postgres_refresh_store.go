package issuer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRefreshTokenStore persists rotating refresh tokens in PostgreSQL through a pgx pool.
type PostgresRefreshTokenStore struct {
	pool  *pgxpool.Pool
	clock Clock
}

// NewPostgresRefreshTokenStore constructs a store on an existing pool whose schema is in place.
func NewPostgresRefreshTokenStore(pool *pgxpool.Pool, clock Clock) *PostgresRefreshTokenStore {
	if clock == nil {
		clock = systemClock{}
	}
	return &PostgresRefreshTokenStore{pool: pool, clock: clock}
}

// OpenPostgresRefreshTokenStore builds a pool for databaseURL, ensures the refresh_tokens table and returns the store.
func OpenPostgresRefreshTokenStore(ctx context.Context, databaseURL string, clock Clock) (*PostgresRefreshTokenStore, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("refresh_store.open.pgx: %w", err)
	}
	config.MinConns = 1
	config.MaxConns = 8
	config.MaxConnLifetime = 30 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("refresh_store.open.pgx: %w", err)
	}
	if schemaErr := ensureRefreshTokenSchema(ctx, pool); schemaErr != nil {
		pool.Close()
		return nil, fmt.Errorf("refresh_store.schema.pgx: %w", schemaErr)
	}
	return NewPostgresRefreshTokenStore(pool, clock), nil
}

func ensureRefreshTokenSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS refresh_tokens (
    token_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    token_hash TEXT NOT NULL UNIQUE,
    expires_unix BIGINT NOT NULL,
    revoked_at_unix BIGINT NOT NULL DEFAULT 0,
    previous_token_id TEXT NOT NULL DEFAULT '',
    issued_at_unix BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user ON refresh_tokens (user_id);
`)
	return err
}

// Driver labels the store in logs.
func (store *PostgresRefreshTokenStore) Driver() string {
	return "pgx"
}

// Close releases the pool.
func (store *PostgresRefreshTokenStore) Close() {
	store.pool.Close()
}

// Issue inserts a new token row and returns its id and opaque value.
func (store *PostgresRefreshTokenStore) Issue(ctx context.Context, applicationUserID string, expiresUnix int64, previousTokenID string) (string, string, error) {
	opaque, hashValue, err := generateRefreshOpaque()
	if err != nil {
		return "", "", fmt.Errorf("refresh_store.issue.pgx: %w", err)
	}
	now := store.clock.Now().UTC()
	tokenID := newRefreshTokenID(now) + "-" + hashValue[:8]
	_, execErr := store.pool.Exec(ctx, `
INSERT INTO refresh_tokens (token_id, user_id, token_hash, expires_unix, revoked_at_unix, previous_token_id, issued_at_unix)
VALUES ($1, $2, $3, $4, 0, $5, $6)
`, tokenID, applicationUserID, hashValue, expiresUnix, previousTokenID, now.Unix())
	if execErr != nil {
		return "", "", fmt.Errorf("refresh_store.issue.pgx: %w", execErr)
	}
	return tokenID, opaque, nil
}

// Validate checks the opaque token and returns user, token id, and expiry.
func (store *PostgresRefreshTokenStore) Validate(ctx context.Context, tokenOpaque string) (string, string, int64, error) {
	if strings.TrimSpace(tokenOpaque) == "" {
		return "", "", 0, fmt.Errorf("refresh_store.validate.pgx: %w", ErrRefreshTokenEmptyOpaque)
	}
	var applicationUserID, tokenID string
	var expiresUnix, revokedAt int64
	row := store.pool.QueryRow(ctx, `
SELECT user_id, token_id, expires_unix, revoked_at_unix
FROM refresh_tokens
WHERE token_hash = $1
`, hashOpaque(tokenOpaque))
	if scanErr := row.Scan(&applicationUserID, &tokenID, &expiresUnix, &revokedAt); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return "", "", 0, fmt.Errorf("refresh_store.validate.pgx: %w", ErrRefreshTokenNotFound)
		}
		return "", "", 0, fmt.Errorf("refresh_store.validate.pgx: %w", scanErr)
	}
	if revokedAt != 0 {
		return "", "", 0, fmt.Errorf("refresh_store.validate.pgx: %w", ErrRefreshTokenRevoked)
	}
	if time.Unix(expiresUnix, 0).Before(store.clock.Now().UTC()) {
		return "", "", 0, fmt.Errorf("refresh_store.validate.pgx: %w", ErrRefreshTokenExpired)
	}
	return applicationUserID, tokenID, expiresUnix, nil
}

// Revoke marks a token as revoked. Exactly one of several concurrent calls for the same token succeeds.
func (store *PostgresRefreshTokenStore) Revoke(ctx context.Context, tokenID string) error {
	tag, err := store.pool.Exec(ctx, `
UPDATE refresh_tokens
SET revoked_at_unix = $1
WHERE token_id = $2 AND revoked_at_unix = 0
`, store.clock.Now().UTC().Unix(), tokenID)
	if err != nil {
		return fmt.Errorf("refresh_store.revoke.pgx: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if scanErr := store.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM refresh_tokens WHERE token_id = $1)`, tokenID).Scan(&exists); scanErr != nil {
		return fmt.Errorf("refresh_store.revoke.pgx: %w", scanErr)
	}
	if !exists {
		return fmt.Errorf("refresh_store.revoke.pgx: %w", ErrRefreshTokenNotFound)
	}
	return fmt.Errorf("refresh_store.revoke.pgx: %w", ErrRefreshTokenAlreadyRevoked)
}
