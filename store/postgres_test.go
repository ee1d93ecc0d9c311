//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testcontainers "github.com/testcontainers/testcontainers-go"
	testpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	idempotency "github.com/firefly-oss/lib-common-web-sub000"
	"github.com/firefly-oss/lib-common-web-sub000/store/storetest"
)

func setupTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	ctx := context.Background()

	container, err := testpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		testpostgres.WithDatabase("test"),
		testpostgres.WithUsername("test"),
		testpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s := NewPostgresStore(pool)
	require.NoError(t, s.EnsureSchema(ctx))
	return s
}

func TestPostgresStore_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) (idempotency.ConditionalStore, func(time.Duration)) {
		return setupTestPostgres(t), func(d time.Duration) { time.Sleep(d) }
	})
}

func TestPostgresStore_PurgeExpired(t *testing.T) {
	ctx := context.Background()
	s := setupTestPostgres(t)

	require.NoError(t, s.Put(ctx, "stale", &idempotency.CachedResponse{StatusCode: 200}, 50*time.Millisecond))
	require.NoError(t, s.Put(ctx, "fresh", &idempotency.CachedResponse{StatusCode: 200}, time.Hour))

	time.Sleep(100 * time.Millisecond)

	purged, err := s.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)

	_, err = s.Get(ctx, "fresh")
	assert.NoError(t, err)
}

func TestPostgresStore_EnsureSchemaIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := setupTestPostgres(t)
	assert.NoError(t, s.EnsureSchema(ctx))
}
