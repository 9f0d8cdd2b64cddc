package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Timeout returns middleware that bounds the request context. Handlers are
// expected to honour ctx.Done(); watch creation passes the context down to
// page navigation. If the handler returns after the deadline without writing
// anything, a 504 Gateway Timeout is sent.
func Timeout(timeout time.Duration) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			startTime := time.Now()
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			rw, ok := w.(*responseWriter)
			if !ok {
				rw = &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			}

			next.ServeHTTP(rw, r.WithContext(ctx))

			if !rw.wroteHeader && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				writeErrorResponse(rw, http.StatusGatewayTimeout, "Request timeout", startTime)
			}
		})
	}
}
