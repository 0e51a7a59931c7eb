package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const healthCheckTimeout = 5 * time.Second

// DatabaseChecker is the part of orm.Extension the health check uses.
type DatabaseChecker interface {
	Ping(ctx context.Context) error
	Stats() map[string]sql.DBStats
}

// HealthChecker handles health check requests
type HealthChecker struct {
	db  DatabaseChecker
	log *zap.Logger
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(db DatabaseChecker, log *zap.Logger) *HealthChecker {
	if log == nil {
		log = zap.NewNop()
	}
	return &HealthChecker{db: db, log: log}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string               `json:"status"`
	Timestamp string               `json:"timestamp"`
	Checks    map[string]string    `json:"checks,omitempty"`
	Pools     map[string]PoolStats `json:"pools,omitempty"`
}

// PoolStats is the subset of sql.DBStats reported per engine.
type PoolStats struct {
	MaxOpenConnections int   `json:"max_open_connections"`
	OpenConnections    int   `json:"open_connections"`
	InUse              int   `json:"in_use"`
	Idle               int   `json:"idle"`
	WaitCount          int64 `json:"wait_count"`
	WaitDurationMs     int64 `json:"wait_duration_ms"`
}

// HealthCheck handles the /healthz endpoint. ?mode=extended adds a database
// ping and pool statistics.
func (h *HealthChecker) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	statusCode := http.StatusOK

	if r.URL.Query().Get("mode") == "extended" {
		checks := make(map[string]string)
		if err := h.checkDatabase(r.Context()); err != nil {
			response.Status = "unhealthy"
			checks["database"] = "unhealthy"
			h.log.Warn("health_check_database_failed", zap.Error(err))
		} else {
			checks["database"] = "healthy"
		}
		response.Checks = checks
		response.Pools = poolStats(h.db.Stats())

		if response.Status == "unhealthy" {
			statusCode = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.log.Error("failed_to_encode_health_response", zap.Error(err))
	}
}

func (h *HealthChecker) checkDatabase(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	return h.db.Ping(ctx)
}

func poolStats(stats map[string]sql.DBStats) map[string]PoolStats {
	if len(stats) == 0 {
		return nil
	}
	out := make(map[string]PoolStats, len(stats))
	for name, s := range stats {
		out[name] = PoolStats{
			MaxOpenConnections: s.MaxOpenConnections,
			OpenConnections:    s.OpenConnections,
			InUse:              s.InUse,
			Idle:               s.Idle,
			WaitCount:          s.WaitCount,
			WaitDurationMs:     s.WaitDuration.Milliseconds(),
		}
	}
	return out
}
