package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	logpkg "github.com/benvon/webglue/internal/logger"
	"github.com/benvon/webglue/internal/request"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	stdlibmw "github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	memorystore "github.com/ulule/limiter/v3/drivers/store/memory"
	redisstore "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

const (
	// DefaultRateLimit is used when RateLimit is given an empty rate.
	DefaultRateLimit = "100-M"
	rateLimitPrefix  = "webglue_ratelimit"
	redisPingTimeout = 5 * time.Second
)

// RateLimitStore is a limiter store together with whatever must be closed on shutdown.
type RateLimitStore struct {
	limiter.Store
	client *redis.Client
}

// Close releases the Redis connection, if any.
func (s *RateLimitStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Backend names the store kind for logs.
func (s *RateLimitStore) Backend() string {
	if s.client != nil {
		return "redis"
	}
	return "memory"
}

// NewRateLimitStore returns a Redis-backed store when redisURL is set and an
// in-process store otherwise.
func NewRateLimitStore(ctx context.Context, redisURL string) (*RateLimitStore, error) {
	if redisURL == "" {
		return &RateLimitStore{
			Store: memorystore.NewStoreWithOptions(limiter.StoreOptions{
				Prefix:          rateLimitPrefix,
				CleanUpInterval: limiter.DefaultCleanUpInterval,
			}),
		}, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	store, err := redisstore.NewStoreWithOptions(client, limiter.StoreOptions{
		Prefix:   rateLimitPrefix,
		MaxRetry: limiter.DefaultMaxRetry,
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to create Redis rate limit store: %w", err)
	}
	return &RateLimitStore{Store: store, client: client}, nil
}

// RateLimit limits requests per client IP. rate uses the limiter format, e.g. "100-M".
// Preflight requests are not counted.
func RateLimit(store limiter.Store, rate string, logger *zap.Logger) (func(http.Handler) http.Handler, error) {
	if rate == "" {
		rate = DefaultRateLimit
	}
	parsed, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, fmt.Errorf("invalid rate limit %q: %w", rate, err)
	}
	instance := limiter.New(store, parsed)

	mw := stdlibmw.NewMiddleware(instance,
		stdlibmw.WithKeyGetter(request.ClientIP),
		stdlibmw.WithLimitReachedHandler(func(w http.ResponseWriter, r *http.Request) {
			logger.Warn("rate_limit_exceeded",
				zap.String("client_ip", request.ClientIP(r)),
				zap.String("path", logpkg.SanitizePath(r.URL.Path)),
			)
			respondErrorJSON(w, r, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded", logger)
		}),
		stdlibmw.WithErrorHandler(func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error("rate_limit_store_failed", zap.Error(err))
			respondErrorJSON(w, r, http.StatusInternalServerError, "Internal Server Error", "Rate limiter unavailable", logger)
		}),
	)

	return func(next http.Handler) http.Handler {
		limited := mw.Handler(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if request.IsPreflight(r) {
				next.ServeHTTP(w, r)
				return
			}
			limited.ServeHTTP(w, r)
		})
	}, nil
}
