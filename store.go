package idempotency

import (
	"context"
	"net/http"
	"time"
)

// Store defines the contract for persisting cached responses. Implementations
// typically talk to network-attached backends, so both operations take a
// context and must honor its cancellation.
//
// Get returns ErrNotFound on a miss. For a single key, a Get issued after a
// successful Put for that key must observe the stored value until the TTL
// expires; no ordering is required between unrelated keys.
type Store interface {
	// Get retrieves a cached response by key.
	Get(ctx context.Context, key string) (*CachedResponse, error)

	// Put stores a response under key for the given TTL, overwriting any
	// existing entry.
	Put(ctx context.Context, key string, response *CachedResponse, ttl time.Duration) error
}

// ConditionalStore is an optional upgrade of Store for backends that support
// an atomic "write only if absent" primitive (redis SET NX, SQL insert with
// conflict handling). The middleware uses it to claim in-flight markers so
// that single-admission extends across processes sharing the same backend.
//
// A backend that only implements Store still works: arbitration then covers
// a single process and degrades to best-effort, fail-open across processes.
type ConditionalStore interface {
	Store

	// PutIfAbsent stores the response only when no live entry exists for
	// key. It reports whether this call claimed the key.
	PutIfAbsent(ctx context.Context, key string, response *CachedResponse, ttl time.Duration) (bool, error)

	// Delete removes the entry for key, if any.
	Delete(ctx context.Context, key string) error
}

// CachedResponse is an immutable snapshot of a completed HTTP response. It is
// created once, when the first execution for a key finishes, and replayed
// verbatim for every duplicate request until it expires.
type CachedResponse struct {
	StatusCode int         `json:"status_code"`
	Headers    http.Header `json:"headers"`
	Body       []byte      `json:"body"`
	CreatedAt  time.Time   `json:"created_at"`
}
