// Package idempotency provides HTTP middleware that makes mutating requests
// safe to retry. A client attaches an idempotency key to a request; no matter
// how many times a request carrying that key arrives, the downstream handler
// executes at most once and every caller receives the response the first
// execution produced. Commonly used in payment and financial APIs.
package idempotency

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

const (
	// DefaultHeaderName is the default HTTP header for idempotency keys
	DefaultHeaderName = "Idempotency-Key"
	// DefaultNamespace prefixes every key so entries cannot collide with
	// unrelated usages of the same backend
	DefaultNamespace = "idem"
	// DefaultTTL is the default time-to-live for cached responses, chosen
	// to outlive realistic client retry windows
	DefaultTTL = 24 * time.Hour
	// DefaultMarkerTTL bounds how long a crashed execution can block a key
	// on a shared backend
	DefaultMarkerTTL = 30 * time.Second
	// DefaultPollInterval is how often a waiting duplicate re-checks the
	// store for the first execution's result
	DefaultPollInterval = 50 * time.Millisecond

	// ReplayedHeader marks responses served from the idempotency cache
	ReplayedHeader = "X-Idempotency-Replayed"
)

// Middleware returns an HTTP middleware that enforces idempotency for
// POST, PUT, and PATCH requests carrying the configured key header.
//
// Pipeline per request: eligibility check and key extraction, store lookup,
// in-flight arbitration, then either replay of the cached response or a
// single execution whose result is captured and stored. Backend trouble
// never fails the request: a failed lookup counts as a miss and a failed
// store is logged and swallowed.
func Middleware(store Store, opts ...Option) func(http.Handler) http.Handler {
	config := &Config{
		HeaderName:   DefaultHeaderName,
		Namespace:    DefaultNamespace,
		TTL:          DefaultTTL,
		MarkerTTL:    DefaultMarkerTTL,
		PollInterval: DefaultPollInterval,
		StoreResponse: func(statusCode int) bool {
			return statusCode < http.StatusInternalServerError
		},
	}

	for _, opt := range opts {
		opt(config)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	policy := keyPolicy{
		headerName: config.HeaderName,
		namespace:  config.Namespace,
		keyFunc:    config.KeyFunc,
		exemption:  config.Exemption,
	}
	registry := NewInFlightRegistry(store, config.MarkerTTL, config.Logger)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, eligible, err := policy.resolve(r)
			if err != nil {
				http.Error(w, "invalid idempotency key", http.StatusBadRequest)
				return
			}
			if !eligible {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()

			cached, err := store.Get(ctx, key)
			if err != nil && !errors.Is(err, ErrNotFound) {
				config.Logger.WarnContext(ctx, "idempotency lookup failed, failing open",
					slog.String("key", key), slog.Any("error", err))
			}
			if cached != nil {
				writeCachedResponse(w, cached)
				return
			}

			admission, found := registry.TryAdmit(ctx, key)
			switch admission {
			case Replayed:
				writeCachedResponse(w, found)
				return
			case AlreadyInFlight:
				if late := awaitResult(ctx, store, key, config); late != nil {
					writeCachedResponse(w, late)
					return
				}
				writeInProgress(w)
				return
			}

			// Admitted. Release must run on every exit path, including a
			// handler panic, or the key stays locked for future retries.
			defer registry.Release(context.WithoutCancel(ctx), key)

			recorder := newRecorder(w)
			next.ServeHTTP(recorder, r)

			if !config.StoreResponse(recorder.statusCode) {
				return
			}
			response := recorder.snapshot()
			if err := store.Put(context.WithoutCancel(ctx), key, response, config.TTL); err != nil {
				// The response already reached the client; only replay of
				// future duplicates is lost.
				config.Logger.WarnContext(ctx, "idempotency store put failed, response not cached",
					slog.String("key", key), slog.Any("error", err))
			}
		})
	}
}

// awaitResult polls the store until the first execution publishes its
// response, the wait budget runs out, or the request is cancelled. A zero
// WaitTimeout disables waiting.
func awaitResult(ctx context.Context, store Store, key string, config *Config) *CachedResponse {
	if config.WaitTimeout <= 0 {
		return nil
	}

	deadline := time.NewTimer(config.WaitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			return nil
		case <-ticker.C:
			cached, err := store.Get(ctx, key)
			if err != nil && !errors.Is(err, ErrNotFound) {
				config.Logger.WarnContext(ctx, "idempotency lookup failed while waiting",
					slog.String("key", key), slog.Any("error", err))
				continue
			}
			if cached != nil {
				return cached
			}
		}
	}
}

// writeCachedResponse replays a stored response verbatim: status, headers
// (per-name value order preserved), and body bytes, plus a replay marker.
func writeCachedResponse(w http.ResponseWriter, cached *CachedResponse) {
	for name, values := range cached.Headers {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.Header().Set(ReplayedHeader, "true")
	w.WriteHeader(cached.StatusCode)
	w.Write(cached.Body)
}

// writeInProgress answers a duplicate whose original execution has not yet
// finished. 409 is definitive: the client may poll or re-submit later.
func writeInProgress(w http.ResponseWriter) {
	http.Error(w, ErrRequestInProgress.Error(), http.StatusConflict)
}
