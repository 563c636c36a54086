package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/felthorpe/acsp-members/pkg/httputil"
	"github.com/felthorpe/acsp-members/pkg/observability"
)

// Recovery turns a handler panic into a logged 500 response. Identity is
// carried on the request context, so an abandoned request leaves nothing
// behind for the next one to observe.
func Recovery(logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.
						WithField("panic", rec).
						WithField("path", r.URL.Path).
						WithField("stack", string(debug.Stack())).
						Error("handler panicked")
					httputil.WriteInternalError(w)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
