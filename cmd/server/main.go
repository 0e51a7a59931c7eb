package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benvon/webglue/internal/config"
	"github.com/benvon/webglue/internal/database"
	"github.com/benvon/webglue/internal/logger"
	"github.com/benvon/webglue/internal/metrics"
	"github.com/benvon/webglue/internal/middleware"
	"github.com/benvon/webglue/internal/models"
	"github.com/benvon/webglue/internal/orm"
	"github.com/benvon/webglue/internal/telemetry"
	"go.uber.org/zap"
)

func main() {
	debugFlag := flag.Bool("debug", false, "Enable debug logging, including SQL statements when echo is on")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	debugMode := cfg.ServerDebugMode || *debugFlag

	zapLogger, err := logger.New(debugMode, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() {
		_ = logger.Sync(zapLogger)
	}()

	zapLogger.Info("starting_server",
		zap.Bool("debug_mode", debugMode),
		zap.String("server_port", cfg.ServerPort),
		zap.Int("static_cors_rules", len(cfg.CORSResources)),
		zap.Strings("database_binds", bindNames(cfg.DatabaseBinds)),
		zap.Strings("engine_options", cfg.DatabaseEngineOptions.Keys()),
		zap.Bool("otel_enabled", cfg.OTELEnabled),
	)

	tracing := false
	if cfg.OTELEnabled {
		tp, err := telemetry.InitTracer(context.Background(), telemetry.Config{
			Endpoint: cfg.OTELEndpoint,
			Insecure: true,
		})
		if err != nil {
			zapLogger.Warn("failed_to_initialize_otel_tracer", zap.Error(err))
		} else {
			tracing = true
			zapLogger.Info("otel_tracer_initialized", zap.String("endpoint", cfg.OTELEndpoint))
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := telemetry.Shutdown(shutdownCtx, tp); err != nil {
					zapLogger.Error("failed_to_shutdown_otel_tracer", zap.Error(err))
				}
			}()
		}
	}

	ext := orm.New(cfg.ORM(), orm.WithLogger(zapLogger))
	initCtx, initCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	err = ext.Init(initCtx)
	initCancel()
	if err != nil {
		zapLogger.Fatal("failed_to_connect_to_database", zap.Error(err))
	}
	defer func() {
		if err := ext.Close(); err != nil {
			zapLogger.Warn("failed_to_close_database_engines", zap.Error(err))
		}
	}()

	if err := ext.AutoMigrate(&models.CorsPolicy{}); err != nil {
		zapLogger.Fatal("failed_to_migrate_database", zap.Error(err))
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	corsReloader := middleware.NewCORSReloader(
		database.NewCorsPolicyRepository(ext.DB()),
		cfg.CORSResources,
		zapLogger,
		cfg.CORSReloadInterval,
	)
	if err := corsReloader.Reload(bgCtx); err != nil {
		zapLogger.Fatal("failed_to_build_cors_table", zap.Error(err))
	}
	go corsReloader.Start(bgCtx)

	var rateLimitMW func(http.Handler) http.Handler
	if cfg.RateLimit != "" {
		store, err := middleware.NewRateLimitStore(bgCtx, cfg.RedisURL)
		if err != nil {
			zapLogger.Fatal("failed_to_create_rate_limit_store", zap.Error(err))
		}
		defer func() {
			if err := store.Close(); err != nil {
				zapLogger.Warn("failed_to_close_rate_limit_store", zap.Error(err))
			}
		}()
		rateLimitMW, err = middleware.RateLimit(store, cfg.RateLimit, zapLogger)
		if err != nil {
			zapLogger.Fatal("invalid_rate_limit", zap.Error(err))
		}
		zapLogger.Info("rate_limit_enabled",
			zap.String("rate", cfg.RateLimit),
			zap.String("backend", store.Backend()),
		)
	}

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New()
		m.TrackDatabase(ext)
		m.TrackCORSRules(func() int {
			if h := corsReloader.Handler(); h != nil {
				return len(h.Resources())
			}
			return 0
		})
		zapLogger.Info("metrics_enabled", zap.String("path", "/metrics"))
	}

	srv := &http.Server{
		Addr: ":" + cfg.ServerPort,
		Handler: newHandler(routerDeps{
			ext:       ext,
			cors:      corsReloader,
			rateLimit: rateLimitMW,
			timeout:   cfg.RequestTimeout,
			adminAPI:  cfg.AdminAPIEnabled,
			hsts:      cfg.EnableHSTS,
			tracing:   tracing,
			metrics:   m,
			log:       zapLogger,
		}),
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		zapLogger.Info("server_starting", zap.String("port", cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("server_failed_to_start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zapLogger.Info("server_shutting_down")
	bgCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		zapLogger.Error("server_forced_to_shutdown", zap.Error(err))
	}

	zapLogger.Info("server_exited")
}

func bindNames(binds map[string]string) []string {
	names := make([]string, 0, len(binds))
	for name := range binds {
		names = append(names, name)
	}
	return names
}
