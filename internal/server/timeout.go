package server

import (
	"context"
	"net/http"
	"time"
)

// TimeoutMiddleware bounds the request context. It is cooperative: handlers
// observe the deadline through ctx.Done(). A non-positive timeout disables it.
// Streaming routes are mounted outside of it and bound themselves.
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
