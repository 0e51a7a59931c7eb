package main

import (
	"net/http"
	"time"

	"github.com/benvon/webglue/internal/handlers"
	"github.com/benvon/webglue/internal/metrics"
	"github.com/benvon/webglue/internal/middleware"
	"github.com/benvon/webglue/internal/orm"
	"github.com/benvon/webglue/internal/telemetry"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// routerDeps are the components the HTTP pipeline is assembled from.
type routerDeps struct {
	ext       *orm.Extension
	cors      *middleware.CORSReloader
	rateLimit func(http.Handler) http.Handler
	timeout   time.Duration
	adminAPI  bool
	hsts      bool
	tracing   bool
	metrics   *metrics.Metrics
	log       *zap.Logger
}

// newHandler builds the server pipeline:
// ErrorHandler -> Logging -> SecurityHeaders -> CORS -> router. The API subrouter adds
// the rate limit, the ORM session, a timeout and body checks.
func newHandler(d routerDeps) http.Handler {
	r := mux.NewRouter().UseEncodedPath()
	if d.tracing {
		r.Use(telemetry.Middleware(telemetry.DefaultServiceName, nil))
	}
	if d.metrics != nil {
		r.Use(d.metrics.Middleware())
		r.Handle("/metrics", d.metrics.Handler()).Methods("GET")
	}

	healthChecker := handlers.NewHealthChecker(d.ext, d.log)
	r.HandleFunc("/healthz", healthChecker.HealthCheck).Methods("GET")
	r.HandleFunc("/version", handlers.VersionInfo).Methods("GET")

	if d.adminAPI {
		handlers.NewOpenAPIHandler(d.log).RegisterRoutes(r)
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	if d.rateLimit != nil {
		api.Use(d.rateLimit)
	}
	// Timeout runs inside Session: a timed out request reports 503 to Session, which
	// rolls the transaction back even if the abandoned handler is still running.
	api.Use(middleware.Session(d.ext, d.log))
	api.Use(middleware.Timeout(d.timeout, d.log))
	api.Use(middleware.ContentType(d.log))
	api.Use(middleware.MaxRequestSize(middleware.DefaultMaxRequestSize, d.log))

	if d.adminAPI {
		policies := handlers.NewCorsPolicyHandler(d.cors, d.log)
		policies.RegisterRoutes(api.PathPrefix("/cors/policies").Subrouter())
		d.log.Info("admin_api_enabled", zap.String("prefix", "/api/v1/cors/policies"))
	}

	// Preflights of rules with automatic_options disabled reach the router.
	r.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	var h http.Handler = r
	h = d.cors.Middleware()(h)
	h = middleware.SecurityHeaders(d.hsts)(h)
	h = middleware.Logging(d.log)(h)
	h = middleware.ErrorHandler(d.log)(h)
	return h
}
