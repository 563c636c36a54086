// Package middleware holds the request pipeline: correlation ids, request
// logging, panic recovery, metrics, the authentication gate, the
// session-validity check, and rate limiting. Order matters and is fixed
// by the server: recovery, request id, logging, metrics, rate limit,
// authentication, session validity.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/felthorpe/acsp-members/pkg/contextkeys"
)

// HeaderRequestID carries the request correlation id
const HeaderRequestID = "X-Request-Id"

// RequestID attaches a correlation id to the request context and echoes
// it on the response. An inbound id is reused so callers can correlate
// across services; otherwise one is generated.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, requestID)
		ctx := contextkeys.WithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
