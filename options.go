package idempotency

import (
	"log/slog"
	"net/http"
	"time"
)

// Config holds middleware configuration
type Config struct {
	HeaderName    string
	Namespace     string
	TTL           time.Duration
	MarkerTTL     time.Duration
	WaitTimeout   time.Duration
	PollInterval  time.Duration
	KeyFunc       KeyFunc
	StoreResponse StorePredicate
	Exemption     ExemptionFunc
	Logger        *slog.Logger
}

// KeyFunc derives the raw cache key from the request and the client-supplied
// header value. The configured namespace is prefixed afterwards.
type KeyFunc func(r *http.Request, idempotencyKey string) (string, error)

// StorePredicate decides, from the response status code, whether a completed
// response should be cached for replay.
type StorePredicate func(statusCode int) bool

// ExemptionFunc reports whether a request opts out of idempotency handling
// regardless of method or header presence.
type ExemptionFunc func(r *http.Request) bool

// Option is a functional option for configuring the middleware
type Option func(*Config)

// WithHeaderName sets the HTTP header name for idempotency keys
func WithHeaderName(name string) Option {
	return func(c *Config) {
		c.HeaderName = name
	}
}

// WithNamespace sets the key prefix that isolates this middleware's entries
// from unrelated usages of the same backend.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithTTL sets the time-to-live for cached responses
func WithTTL(ttl time.Duration) Option {
	return func(c *Config) {
		c.TTL = ttl
	}
}

// WithMarkerTTL bounds how long an in-flight marker survives on a shared
// backend. It caps the lockout window after a process crashes mid-execution.
func WithMarkerTTL(ttl time.Duration) Option {
	return func(c *Config) {
		c.MarkerTTL = ttl
	}
}

// WithWait makes duplicate requests wait up to timeout for the first
// execution to finish, re-checking the store every interval, before falling
// back to a 409 response. The default (zero timeout) answers 409 immediately.
func WithWait(timeout, interval time.Duration) Option {
	return func(c *Config) {
		c.WaitTimeout = timeout
		if interval > 0 {
			c.PollInterval = interval
		}
	}
}

// WithKeyFunc sets a custom key derivation function
func WithKeyFunc(fn KeyFunc) Option {
	return func(c *Config) {
		c.KeyFunc = fn
	}
}

// WithStorePredicate overrides which status codes are cached for replay.
// The default caches everything below http.StatusInternalServerError, so a
// transient server error never poisons future retries with the same key.
func WithStorePredicate(fn StorePredicate) Option {
	return func(c *Config) {
		c.StoreResponse = fn
	}
}

// WithExemption installs a per-request opt-out check, evaluated before any
// other step. Useful for skipping whole route groups by path.
func WithExemption(fn ExemptionFunc) Option {
	return func(c *Config) {
		c.Exemption = fn
	}
}

// WithLogger sets the logger used for fail-open events (backend errors,
// swallowed Put failures). Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}
