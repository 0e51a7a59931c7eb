package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	logpkg "github.com/benvon/webglue/internal/logger"
	"go.uber.org/zap"
)

// DefaultRequestTimeout bounds admin API requests when no timeout is configured.
const DefaultRequestTimeout = 30 * time.Second

// Timeout cancels the request context after timeout and answers 503 if the
// handler has not written a response by then. The ORM session sees the 503 and
// rolls back.
func Timeout(timeout time.Duration, logger *zap.Logger) func(http.Handler) http.Handler {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			http.TimeoutHandler(next, timeout, `{"success":false,"error":"Service Unavailable","message":"Request timed out"}`).
				ServeHTTP(w, r.WithContext(ctx))

			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				logger.Warn("request_timeout",
					zap.String("method", r.Method),
					zap.String("path", logpkg.SanitizePath(r.URL.Path)),
					zap.Duration("timeout", timeout),
				)
			}
		})
	}
}
