package idempotency

import (
	"bytes"
	"net/http"
	"time"
)

// responseRecorder tees a response to the client while capturing status,
// headers, and body bytes for caching.
type responseRecorder struct {
	http.ResponseWriter
	statusCode  int
	body        *bytes.Buffer
	wroteHeader bool
}

func newRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
		body:           &bytes.Buffer{},
	}
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	if r.wroteHeader {
		return
	}
	r.statusCode = statusCode
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// snapshot freezes what was written into an immutable CachedResponse.
func (r *responseRecorder) snapshot() *CachedResponse {
	body := make([]byte, r.body.Len())
	copy(body, r.body.Bytes())
	return &CachedResponse{
		StatusCode: r.statusCode,
		Headers:    r.Header().Clone(),
		Body:       body,
		CreatedAt:  time.Now().UTC(),
	}
}
