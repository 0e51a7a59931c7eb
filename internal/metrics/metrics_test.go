package metrics

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeStats map[string]sql.DBStats

func (f fakeStats) Stats() map[string]sql.DBStats { return f }

func TestMiddleware_LabelsByRouteTemplate(t *testing.T) {
	t.Parallel()

	m := New()
	r := mux.NewRouter().UseEncodedPath()
	r.Use(m.Middleware())
	r.HandleFunc("/api/v1/cors/policies/{pattern}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}).Methods("GET")
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	for _, path := range []string{"/api/v1/cors/policies/%2Fa", "/api/v1/cors/policies/%2Fb", "/healthz"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	tests := []struct {
		route string
		code  string
		want  float64
	}{
		{"/api/v1/cors/policies/{pattern}", "404", 2},
		{"/healthz", "200", 1},
	}
	for _, tt := range tests {
		got := testutil.ToFloat64(m.requests.WithLabelValues(tt.route, "GET", tt.code))
		if got != tt.want {
			t.Errorf("requests{route=%q,code=%s} = %v, want %v", tt.route, tt.code, got, tt.want)
		}
	}
	if n := testutil.CollectAndCount(m.duration); n != 2 {
		t.Errorf("duration series = %d, want 2", n)
	}
}

func TestTrackDatabase(t *testing.T) {
	t.Parallel()

	m := New()
	m.TrackDatabase(fakeStats{
		"default": {MaxOpenConnections: 10, OpenConnections: 3, InUse: 2, Idle: 1, WaitCount: 4, WaitDuration: 2 * time.Second},
		"reports": {MaxOpenConnections: 1},
	})

	expected := `
# HELP webglue_db_in_use_connections Connections currently in use.
# TYPE webglue_db_in_use_connections gauge
webglue_db_in_use_connections{bind="default"} 2
webglue_db_in_use_connections{bind="reports"} 0
# HELP webglue_db_wait_duration_seconds_total Time spent waiting for a connection.
# TYPE webglue_db_wait_duration_seconds_total counter
webglue_db_wait_duration_seconds_total{bind="default"} 2
webglue_db_wait_duration_seconds_total{bind="reports"} 0
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"webglue_db_in_use_connections", "webglue_db_wait_duration_seconds_total"); err != nil {
		t.Error(err)
	}
}

func TestTrackCORSRules(t *testing.T) {
	t.Parallel()

	m := New()
	rules := 3
	m.TrackCORSRules(func() int { return rules })

	expected := `
# HELP webglue_cors_rules Rules in the CORS table currently served.
# TYPE webglue_cors_rules gauge
webglue_cors_rules 3
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "webglue_cors_rules"); err != nil {
		t.Error(err)
	}
}

func TestHandler(t *testing.T) {
	t.Parallel()

	m := New()
	m.TrackCORSRules(func() int { return 1 })

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	for _, want := range []string{"webglue_cors_rules 1", "go_goroutines"} {
		if !strings.Contains(w.Body.String(), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
