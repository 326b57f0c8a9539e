// Package middleware carries the small HTTP middlewares mounted in
// front of the WebSocket endpoint.
package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type ctxKey int

const requestIDKey ctxKey = iota

// HeaderRequestID is the header a fronting proxy may use to supply its
// own correlation ID; it is echoed back on the response.
const HeaderRequestID = "X-Request-ID"

// WithRequestID tags every request with a correlation ID, reusing a
// caller-supplied X-Request-ID when present so bridge logs can be
// joined with an upstream proxy's.
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)

		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext returns the request ID set by WithRequestID, or "" if
// the middleware did not run for this request.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
