package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type exemptCtxKey struct{}

// Exempt is a middleware that marks every request passing through it as
// opted out of idempotency handling. It must sit ahead of the idempotency
// middleware in the chain; for per-route opt-out on routers that run global
// middleware first, use WithExemption instead.
func Exempt(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), exemptCtxKey{}, true)))
	})
}

// IsExempt reports whether the request was marked by Exempt.
func IsExempt(r *http.Request) bool {
	v, _ := r.Context().Value(exemptCtxKey{}).(bool)
	return v
}

// keyPolicy decides whether a request is handled at all and, if so, derives
// the scoped cache key for it.
type keyPolicy struct {
	headerName string
	namespace  string
	keyFunc    KeyFunc
	exemption  ExemptionFunc
}

// resolve returns the fully scoped key and whether the request is eligible.
// A non-nil error means the key function rejected the request; eligibility
// false with a nil error means the request passes through untouched.
func (p keyPolicy) resolve(r *http.Request) (string, bool, error) {
	if IsExempt(r) {
		return "", false, nil
	}
	if p.exemption != nil && p.exemption(r) {
		return "", false, nil
	}
	if !isMutatingMethod(r.Method) {
		return "", false, nil
	}

	// Idempotency is opt-in per request: a blank header value is treated
	// the same as an absent one, never as a valid key.
	raw := strings.TrimSpace(r.Header.Get(p.headerName))
	if raw == "" {
		return "", false, nil
	}

	derived := raw
	if p.keyFunc != nil {
		var err error
		derived, err = p.keyFunc(r, raw)
		if err != nil {
			return "", false, err
		}
	}
	return p.namespace + ":" + derived, true, nil
}

// isMutatingMethod returns true for methods that are non-idempotent at the
// transport level. Reads and deletes are never intercepted.
func isMutatingMethod(method string) bool {
	return method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch
}

// FingerprintKeyFunc is an optional KeyFunc that scopes the client key to
// the request it was first used with, by appending a hash of method, path,
// and body. Two requests reusing a key with different payloads then cache
// under different entries instead of replaying each other.
func FingerprintKeyFunc(r *http.Request, idempotencyKey string) (string, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return "", err
	}
	r.Body = io.NopCloser(bytes.NewBuffer(body))

	h := sha256.New()
	h.Write([]byte(r.Method))
	h.Write([]byte(r.URL.Path))
	h.Write(body)
	return fmt.Sprintf("%s:%x", idempotencyKey, h.Sum(nil)), nil
}
