package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benvon/webglue/internal/cors"
	"go.uber.org/zap"
)

// PolicySource supplies stored CORS resources. database.CorsPolicyRepository implements it.
type PolicySource interface {
	Resources(ctx context.Context) ([]cors.Resource, error)
}

// CORSReloader serves the CORS rule table built from static resources merged with
// stored policies, and rebuilds it on an interval or on demand.
type CORSReloader struct {
	source   PolicySource
	static   []cors.Resource
	log      *zap.Logger
	interval time.Duration

	mu      sync.RWMutex
	current *cors.Handler
}

// NewCORSReloader creates a reloader. source may be nil, in which case only the static
// resources are served. A stored policy replaces the static resource with the same pattern.
func NewCORSReloader(source PolicySource, static []cors.Resource, log *zap.Logger, reloadInterval time.Duration) *CORSReloader {
	if log == nil {
		log = zap.NewNop()
	}
	return &CORSReloader{
		source:   source,
		static:   static,
		log:      log,
		interval: reloadInterval,
	}
}

// Middleware returns a middleware that applies the current rule table.
func (r *CORSReloader) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			h := r.Handler()
			if h == nil {
				next.ServeHTTP(w, req)
				return
			}
			h.Wrap(next).ServeHTTP(w, req)
		})
	}
}

// Handler returns the rule table currently served, or nil before the first Reload.
func (r *CORSReloader) Handler() *cors.Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Start runs the reload loop until ctx is cancelled.
func (r *CORSReloader) Start(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = r.Reload(ctx)
		}
	}
}

// Reload rebuilds the rule table. When the stored policies cannot be read, the static
// table is served. When the merged table does not compile, the previous table stays
// in place and the error is returned.
func (r *CORSReloader) Reload(ctx context.Context) error {
	resources := r.static
	stored := 0
	if r.source != nil {
		rows, err := r.source.Resources(ctx)
		if err != nil {
			r.log.Warn("cors_policy_load_failed", zap.Error(err))
		} else {
			resources = mergeResources(r.static, rows)
			stored = len(rows)
		}
	}

	h, err := cors.New(resources, cors.WithLogger(r.log))
	if err != nil {
		r.log.Error("cors_policy_invalid", zap.Error(err))
		if r.Handler() != nil {
			return fmt.Errorf("rebuild cors table: %w", err)
		}
		// nothing served yet: fall back to the static table alone
		h, err = cors.New(r.static, cors.WithLogger(r.log))
		if err != nil {
			return fmt.Errorf("build static cors table: %w", err)
		}
		stored = 0
	}

	r.mu.Lock()
	r.current = h
	r.mu.Unlock()

	r.log.Debug("cors_policy_reloaded",
		zap.Int("rules", len(h.Resources())),
		zap.Int("stored_rules", stored),
	)
	return nil
}

// mergeResources keeps the order of static, replacing entries whose pattern is
// overridden, and appends the remaining stored resources.
func mergeResources(static, stored []cors.Resource) []cors.Resource {
	byPattern := make(map[string]cors.Resource, len(stored))
	for _, s := range stored {
		byPattern[strings.TrimSpace(s.Pattern)] = s
	}
	out := make([]cors.Resource, 0, len(static)+len(stored))
	used := make(map[string]bool, len(stored))
	for _, s := range static {
		key := strings.TrimSpace(s.Pattern)
		if override, ok := byPattern[key]; ok {
			out = append(out, override)
			used[key] = true
			continue
		}
		out = append(out, s)
	}
	for _, s := range stored {
		key := strings.TrimSpace(s.Pattern)
		if !used[key] {
			out = append(out, s)
			used[key] = true
		}
	}
	return out
}
