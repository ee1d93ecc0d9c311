package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	idempotency "github.com/firefly-oss/lib-common-web-sub000"
)

// PostgresStore persists cached responses in a single postgres table. It
// implements idempotency.ConditionalStore: PutIfAbsent relies on the
// uniqueness of the primary key (INSERT ... ON CONFLICT), which also claims
// rows whose previous entry has expired.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store on top of an existing connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the backing table when it does not exist. Hosts that
// manage schemas through migrations can run the equivalent DDL there instead.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS idempotency_responses (
			key         text PRIMARY KEY,
			status_code int NOT NULL,
			headers     jsonb NOT NULL DEFAULT '{}'::jsonb,
			body        bytea,
			created_at  timestamptz NOT NULL,
			expires_at  timestamptz NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idempotency_responses_expires_at_idx
			ON idempotency_responses (expires_at);
	`)
	if err != nil {
		return fmt.Errorf("create idempotency schema: %w", err)
	}
	return nil
}

// Get retrieves a cached response, treating expired rows as misses.
func (s *PostgresStore) Get(ctx context.Context, key string) (*idempotency.CachedResponse, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT status_code, headers, body, created_at
		FROM idempotency_responses
		WHERE key = $1 AND expires_at > now()
	`, key)

	var (
		response   idempotency.CachedResponse
		rawHeaders []byte
	)
	if err := row.Scan(&response.StatusCode, &rawHeaders, &response.Body, &response.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, idempotency.ErrNotFound
		}
		return nil, fmt.Errorf("select idempotency response: %w", err)
	}

	headers := http.Header{}
	if err := json.Unmarshal(rawHeaders, &headers); err != nil {
		return nil, fmt.Errorf("decode headers for %q: %w", key, err)
	}
	response.Headers = headers
	response.CreatedAt = response.CreatedAt.UTC()
	return &response, nil
}

// Put stores a response, overwriting any existing row for the key.
func (s *PostgresStore) Put(ctx context.Context, key string, response *idempotency.CachedResponse, ttl time.Duration) error {
	rawHeaders, createdAt, err := encodeRow(response)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO idempotency_responses (key, status_code, headers, body, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key) DO UPDATE SET
			status_code = EXCLUDED.status_code,
			headers     = EXCLUDED.headers,
			body        = EXCLUDED.body,
			created_at  = EXCLUDED.created_at,
			expires_at  = EXCLUDED.expires_at
	`, key, response.StatusCode, rawHeaders, response.Body, createdAt, time.Now().UTC().Add(ttl))
	if err != nil {
		return fmt.Errorf("upsert idempotency response: %w", err)
	}
	return nil
}

// PutIfAbsent inserts a response only when no live row exists for the key.
// A row whose expiry has passed counts as absent and is reclaimed in the
// same statement, so a stale marker never blocks a new claim.
func (s *PostgresStore) PutIfAbsent(ctx context.Context, key string, response *idempotency.CachedResponse, ttl time.Duration) (bool, error) {
	rawHeaders, createdAt, err := encodeRow(response)
	if err != nil {
		return false, err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_responses (key, status_code, headers, body, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key) DO UPDATE SET
			status_code = EXCLUDED.status_code,
			headers     = EXCLUDED.headers,
			body        = EXCLUDED.body,
			created_at  = EXCLUDED.created_at,
			expires_at  = EXCLUDED.expires_at
		WHERE idempotency_responses.expires_at <= now()
	`, key, response.StatusCode, rawHeaders, response.Body, createdAt, time.Now().UTC().Add(ttl))
	if err != nil {
		return false, fmt.Errorf("conditional insert idempotency response: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Delete removes the row for key, if any.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM idempotency_responses WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete idempotency response: %w", err)
	}
	return nil
}

// PurgeExpired removes expired rows and reports how many were deleted.
// Intended for a periodic maintenance job in the host service.
func (s *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_responses WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("purge expired idempotency responses: %w", err)
	}
	return tag.RowsAffected(), nil
}

func encodeRow(response *idempotency.CachedResponse) ([]byte, time.Time, error) {
	headers := response.Headers
	if headers == nil {
		headers = http.Header{}
	}
	rawHeaders, err := json.Marshal(headers)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("encode headers: %w", err)
	}
	createdAt := response.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return rawHeaders, createdAt.UTC(), nil
}
