package middleware

import (
	"context"
	"net/http"

	logpkg "github.com/benvon/webglue/internal/logger"
	"github.com/benvon/webglue/internal/orm"
	"go.uber.org/zap"
)

// SessionManager is the part of orm.Extension the Session middleware drives.
type SessionManager interface {
	BeforeRequest(ctx context.Context) (context.Context, *orm.Session, error)
	Teardown(s *orm.Session, failed bool) error
}

var _ SessionManager = (*orm.Extension)(nil)

// Session hands every request its own ORM session and releases it when the handler
// returns. A request counts as failed when the handler panics or answers with a
// status of 400 or above; failed requests never commit.
func Session(ext SessionManager, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, s, err := ext.BeforeRequest(r.Context())
			if err != nil {
				logger.Error("session_acquire_failed",
					zap.String("error", logpkg.SanitizeError(err)),
					zap.String("path", logpkg.SanitizePath(r.URL.Path)),
				)
				respondErrorJSON(w, r, http.StatusServiceUnavailable, "Service Unavailable", "Database is not available", logger)
				return
			}

			wrapped := newResponseWriter(w)
			failed := true
			defer func() {
				// Teardown logs its own failures.
				_ = ext.Teardown(s, failed)
			}()

			next.ServeHTTP(wrapped, r.WithContext(ctx))
			failed = wrapped.statusCode >= http.StatusBadRequest
		})
	}
}
