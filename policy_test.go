package idempotency

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPolicy() keyPolicy {
	return keyPolicy{headerName: DefaultHeaderName, namespace: DefaultNamespace}
}

func TestKeyPolicy_EligibleMethodsOnly(t *testing.T) {
	p := newPolicy()

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodPatch} {
		r := httptest.NewRequest(method, "/orders", nil)
		r.Header.Set(DefaultHeaderName, "abc123")
		key, ok, err := p.resolve(r)
		require.NoError(t, err)
		assert.True(t, ok, "%s should be eligible", method)
		assert.Equal(t, "idem:abc123", key)
	}

	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodDelete, http.MethodOptions} {
		r := httptest.NewRequest(method, "/orders", nil)
		r.Header.Set(DefaultHeaderName, "abc123")
		_, ok, err := p.resolve(r)
		require.NoError(t, err)
		assert.False(t, ok, "%s should never be intercepted", method)
	}
}

func TestKeyPolicy_MissingOrBlankHeaderIsIneligible(t *testing.T) {
	p := newPolicy()

	r := httptest.NewRequest(http.MethodPost, "/orders", nil)
	_, ok, err := p.resolve(r)
	require.NoError(t, err)
	assert.False(t, ok)

	for _, blank := range []string{"", "   ", "\t", " \n "} {
		r := httptest.NewRequest(http.MethodPost, "/orders", nil)
		r.Header.Set(DefaultHeaderName, blank)
		_, ok, err := p.resolve(r)
		require.NoError(t, err)
		assert.False(t, ok, "blank value %q must be treated as absent", blank)
	}
}

func TestKeyPolicy_HeaderValueIsTrimmed(t *testing.T) {
	p := newPolicy()

	r := httptest.NewRequest(http.MethodPost, "/orders", nil)
	r.Header.Set(DefaultHeaderName, "  abc123  ")
	key, ok, err := p.resolve(r)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "idem:abc123", key)
}

func TestKeyPolicy_NamespaceScopesKeys(t *testing.T) {
	a := keyPolicy{headerName: DefaultHeaderName, namespace: "svc-a"}
	b := keyPolicy{headerName: DefaultHeaderName, namespace: "svc-b"}

	r := httptest.NewRequest(http.MethodPost, "/orders", nil)
	r.Header.Set(DefaultHeaderName, "abc123")

	keyA, _, err := a.resolve(r)
	require.NoError(t, err)
	keyB, _, err := b.resolve(r)
	require.NoError(t, err)

	assert.NotEqual(t, keyA, keyB)
}

func TestKeyPolicy_ExemptMarkerWins(t *testing.T) {
	p := newPolicy()

	r := httptest.NewRequest(http.MethodPost, "/orders", nil)
	r.Header.Set(DefaultHeaderName, "abc123")

	var sawExempt bool
	Exempt(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawExempt = IsExempt(r)
		_, ok, err := p.resolve(r)
		assert.NoError(t, err)
		assert.False(t, ok, "exempt marker must win over method and header")
	})).ServeHTTP(httptest.NewRecorder(), r)

	assert.True(t, sawExempt)
}

func TestKeyPolicy_ExemptionFuncWins(t *testing.T) {
	p := newPolicy()
	p.exemption = func(r *http.Request) bool { return strings.HasPrefix(r.URL.Path, "/webhooks") }

	r := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil)
	r.Header.Set(DefaultHeaderName, "abc123")
	_, ok, err := p.resolve(r)
	require.NoError(t, err)
	assert.False(t, ok)

	r = httptest.NewRequest(http.MethodPost, "/orders", nil)
	r.Header.Set(DefaultHeaderName, "abc123")
	_, ok, err = p.resolve(r)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestKeyPolicy_KeyFuncErrorPropagates(t *testing.T) {
	p := newPolicy()
	p.keyFunc = func(*http.Request, string) (string, error) {
		return "", errors.New("boom")
	}

	r := httptest.NewRequest(http.MethodPost, "/orders", nil)
	r.Header.Set(DefaultHeaderName, "abc123")
	_, _, err := p.resolve(r)
	assert.Error(t, err)
}

func TestFingerprintKeyFunc_DistinguishesBodies(t *testing.T) {
	r1 := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewBufferString(`{"amount":100}`))
	r2 := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewBufferString(`{"amount":200}`))

	k1, err := FingerprintKeyFunc(r1, "abc123")
	require.NoError(t, err)
	k2, err := FingerprintKeyFunc(r2, "abc123")
	require.NoError(t, err)

	assert.NotEqual(t, k1, k2)

	// The body must remain readable by the downstream handler.
	remaining := new(bytes.Buffer)
	_, err = remaining.ReadFrom(r1.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"amount":100}`, remaining.String())
}
