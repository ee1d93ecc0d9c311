// Package errcache caches rendered error payloads so that repeated failures
// (a dependency outage producing the same error thousands of times per
// second) do not recompute an identical body on every request. Entries are
// keyed by error code, HTTP status, and request path rather than a client
// header; duplicate rendering is wasteful but not unsafe, so there is no
// in-flight arbitration here.
package errcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	idempotency "github.com/firefly-oss/lib-common-web-sub000"
)

// DefaultTTL keeps error payloads around long enough to absorb a failure
// storm without serving stale bodies for long after recovery.
const DefaultTTL = 5 * time.Minute

// DefaultNamespace isolates error entries from replay entries sharing the
// same backend.
const DefaultNamespace = "errors"

// Cache is a read-through cache for rendered error payloads.
type Cache struct {
	store     idempotency.Store
	ttl       time.Duration
	namespace string
	logger    *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides how long rendered payloads are kept.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithNamespace overrides the key prefix.
func WithNamespace(namespace string) Option {
	return func(c *Cache) { c.namespace = namespace }
}

// WithLogger sets the logger used for fail-open events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// New creates a Cache on top of any idempotency store backend.
func New(store idempotency.Store, opts ...Option) *Cache {
	c := &Cache{
		store:     store,
		ttl:       DefaultTTL,
		namespace: DefaultNamespace,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key derives the deterministic cache key for an error occurrence.
func (c *Cache) Key(code string, status int, path string) string {
	return fmt.Sprintf("%s:%s:%d:%s", c.namespace, code, status, path)
}

// GetOrRender returns the cached payload for (code, status, path) or runs
// render once, caches the result, and returns it. Backend failures on both
// the lookup and the store are logged and ignored: the caller always gets a
// payload as long as render succeeds.
func (c *Cache) GetOrRender(ctx context.Context, code string, status int, path string, render func() ([]byte, error)) ([]byte, error) {
	key := c.Key(code, status, path)

	cached, err := c.store.Get(ctx, key)
	if err != nil && !errors.Is(err, idempotency.ErrNotFound) {
		c.logger.WarnContext(ctx, "error cache lookup failed, rendering",
			slog.String("key", key), slog.Any("error", err))
	}
	if cached != nil {
		return cached.Body, nil
	}

	body, err := render()
	if err != nil {
		return nil, err
	}

	entry := &idempotency.CachedResponse{
		StatusCode: status,
		Body:       body,
		CreatedAt:  time.Now().UTC(),
	}
	if err := c.store.Put(ctx, key, entry, c.ttl); err != nil {
		c.logger.WarnContext(ctx, "error cache put failed, payload not cached",
			slog.String("key", key), slog.Any("error", err))
	}
	return body, nil
}
