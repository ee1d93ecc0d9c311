package idempotency

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Admission is the outcome of InFlightRegistry.TryAdmit.
type Admission int

const (
	// Admitted means the caller won arbitration and must execute the
	// request, then call Release when done.
	Admitted Admission = iota
	// AlreadyInFlight means another request holding the same key is still
	// executing and no cached response exists yet.
	AlreadyInFlight
	// Replayed means a cached response appeared during admission; the
	// caller should serve it and never invoke the downstream handler.
	Replayed
)

// InFlightRegistry arbitrates concurrent requests sharing one key before a
// cached response exists. Within a process admission is atomic: of N
// concurrent TryAdmit calls for the same key exactly one returns Admitted.
// When the store supports conditional writes the same guarantee is extended
// across processes by claiming a sentinel marker with a short TTL.
type InFlightRegistry struct {
	mu   sync.Mutex
	keys map[string]struct{}

	store     Store
	markerTTL time.Duration
	logger    *slog.Logger
}

// NewInFlightRegistry creates a registry backed by the given store.
func NewInFlightRegistry(store Store, markerTTL time.Duration, logger *slog.Logger) *InFlightRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &InFlightRegistry{
		keys:      make(map[string]struct{}),
		store:     store,
		markerTTL: markerTTL,
		logger:    logger,
	}
}

// TryAdmit attempts to claim key for execution. On Replayed the returned
// response is non-nil and must be served as-is. The registry never blocks
// waiting for another execution; that policy belongs to the caller.
func (g *InFlightRegistry) TryAdmit(ctx context.Context, key string) (Admission, *CachedResponse) {
	g.mu.Lock()
	if _, busy := g.keys[key]; busy {
		g.mu.Unlock()
		return AlreadyInFlight, nil
	}
	g.keys[key] = struct{}{}
	g.mu.Unlock()

	// A response may have landed between the caller's lookup and our
	// local claim; re-check before committing to an execution.
	if cached, err := g.store.Get(ctx, key); err == nil && cached != nil {
		g.releaseLocal(key)
		return Replayed, cached
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		g.logger.WarnContext(ctx, "idempotency store get failed during admission, failing open",
			slog.String("key", key), slog.Any("error", err))
	}

	cs, ok := g.store.(ConditionalStore)
	if !ok {
		return Admitted, nil
	}

	claimed, err := cs.PutIfAbsent(ctx, markerKey(key), newInFlightMarker(), g.markerTTL)
	if err != nil {
		// Fail open: the local claim still holds for this process.
		g.logger.WarnContext(ctx, "idempotency marker claim failed, degrading to process-local admission",
			slog.String("key", key), slog.Any("error", err))
		return Admitted, nil
	}
	if !claimed {
		g.releaseLocal(key)
		return AlreadyInFlight, nil
	}
	return Admitted, nil
}

// Release removes the in-flight claim for key. It must run on every exit
// path out of an admitted execution, including failures and cancellation,
// or future requests with a recycled key are locked out until the marker
// TTL expires.
func (g *InFlightRegistry) Release(ctx context.Context, key string) {
	g.releaseLocal(key)
	if cs, ok := g.store.(ConditionalStore); ok {
		if err := cs.Delete(ctx, markerKey(key)); err != nil {
			g.logger.WarnContext(ctx, "idempotency marker delete failed, marker expires with its TTL",
				slog.String("key", key), slog.Any("error", err))
		}
	}
}

func (g *InFlightRegistry) releaseLocal(key string) {
	g.mu.Lock()
	delete(g.keys, key)
	g.mu.Unlock()
}

func markerKey(key string) string {
	return "lock:" + key
}

// newInFlightMarker builds the sentinel stored while an execution is in
// progress on a shared backend. Its value is never replayed; only the key's
// presence matters.
func newInFlightMarker() *CachedResponse {
	return &CachedResponse{
		StatusCode: http.StatusProcessing,
		CreatedAt:  time.Now().UTC(),
	}
}
