// Package storetest provides a contract suite that every store backend must
// pass. Backend test files construct their adapter and run the suite, so the
// semantics the middleware relies on (miss reporting, round-trip fidelity,
// TTL expiry, conditional writes) are verified identically everywhere.
package storetest

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	idempotency "github.com/firefly-oss/lib-common-web-sub000"
)

// Factory builds a fresh, empty store for one subtest. The returned advance
// function moves the backend's notion of time forward (real sleep for wall
// clock backends, FastForward for miniredis).
type Factory func(t *testing.T) (store idempotency.ConditionalStore, advance func(time.Duration))

// Run executes the full contract against the given backend.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	ctx := context.Background()

	t.Run("MissReturnsNotFound", func(t *testing.T) {
		s, _ := newStore(t)

		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, idempotency.ErrNotFound)
	})

	t.Run("PutThenGetRoundTrip", func(t *testing.T) {
		s, _ := newStore(t)

		stored := &idempotency.CachedResponse{
			StatusCode: http.StatusCreated,
			Headers: http.Header{
				"Content-Type": []string{"application/json"},
				"Link":         []string{"</orders/o1>; rel=self", "</orders>; rel=up"},
			},
			Body:      []byte(`{"id":"o1"}`),
			CreatedAt: time.Unix(1700000000, 0).UTC(),
		}
		require.NoError(t, s.Put(ctx, "k1", stored, time.Hour))

		got, err := s.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, stored.StatusCode, got.StatusCode)
		assert.Equal(t, stored.Body, got.Body)
		assert.Equal(t, stored.Headers, got.Headers)
		assert.True(t, stored.CreatedAt.Equal(got.CreatedAt), "created_at drifted: %v vs %v", stored.CreatedAt, got.CreatedAt)
	})

	t.Run("OverwriteReplaces", func(t *testing.T) {
		s, _ := newStore(t)

		first := &idempotency.CachedResponse{StatusCode: 200, Body: []byte("one"), CreatedAt: time.Now().UTC()}
		second := &idempotency.CachedResponse{StatusCode: 201, Body: []byte("two"), CreatedAt: time.Now().UTC()}
		require.NoError(t, s.Put(ctx, "k1", first, time.Hour))
		require.NoError(t, s.Put(ctx, "k1", second, time.Hour))

		got, err := s.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, 201, got.StatusCode)
		assert.Equal(t, []byte("two"), got.Body)
	})

	t.Run("TTLExpiry", func(t *testing.T) {
		s, advance := newStore(t)

		stored := &idempotency.CachedResponse{StatusCode: 200, Body: []byte("soon gone"), CreatedAt: time.Now().UTC()}
		require.NoError(t, s.Put(ctx, "k1", stored, 150*time.Millisecond))

		got, err := s.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, []byte("soon gone"), got.Body)

		advance(300 * time.Millisecond)

		_, err = s.Get(ctx, "k1")
		assert.ErrorIs(t, err, idempotency.ErrNotFound)
	})

	t.Run("KeysDoNotCollide", func(t *testing.T) {
		s, _ := newStore(t)

		require.NoError(t, s.Put(ctx, "a:k1", &idempotency.CachedResponse{StatusCode: 200, Body: []byte("a")}, time.Hour))

		_, err := s.Get(ctx, "b:k1")
		assert.ErrorIs(t, err, idempotency.ErrNotFound)

		got, err := s.Get(ctx, "a:k1")
		require.NoError(t, err)
		assert.Equal(t, []byte("a"), got.Body)
	})

	t.Run("PutIfAbsentClaimsOnce", func(t *testing.T) {
		s, _ := newStore(t)

		marker := &idempotency.CachedResponse{StatusCode: http.StatusProcessing, CreatedAt: time.Now().UTC()}

		claimed, err := s.PutIfAbsent(ctx, "lock:k1", marker, time.Hour)
		require.NoError(t, err)
		assert.True(t, claimed)

		claimed, err = s.PutIfAbsent(ctx, "lock:k1", marker, time.Hour)
		require.NoError(t, err)
		assert.False(t, claimed)
	})

	t.Run("PutIfAbsentReclaimsExpired", func(t *testing.T) {
		s, advance := newStore(t)

		marker := &idempotency.CachedResponse{StatusCode: http.StatusProcessing, CreatedAt: time.Now().UTC()}
		claimed, err := s.PutIfAbsent(ctx, "lock:k1", marker, 150*time.Millisecond)
		require.NoError(t, err)
		require.True(t, claimed)

		advance(300 * time.Millisecond)

		claimed, err = s.PutIfAbsent(ctx, "lock:k1", marker, time.Hour)
		require.NoError(t, err)
		assert.True(t, claimed, "expired marker should not block a new claim")
	})

	t.Run("DeleteReleasesKey", func(t *testing.T) {
		s, _ := newStore(t)

		marker := &idempotency.CachedResponse{StatusCode: http.StatusProcessing, CreatedAt: time.Now().UTC()}
		claimed, err := s.PutIfAbsent(ctx, "lock:k1", marker, time.Hour)
		require.NoError(t, err)
		require.True(t, claimed)

		require.NoError(t, s.Delete(ctx, "lock:k1"))

		claimed, err = s.PutIfAbsent(ctx, "lock:k1", marker, time.Hour)
		require.NoError(t, err)
		assert.True(t, claimed)
	})

	t.Run("DeleteMissingIsNoop", func(t *testing.T) {
		s, _ := newStore(t)
		assert.NoError(t, s.Delete(ctx, "never-stored"))
	})
}
