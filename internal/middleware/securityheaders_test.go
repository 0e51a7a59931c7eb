package middleware

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSecurityHeaders(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		hsts     bool
		tls      bool
		proto    string
		wantHSTS bool
	}{
		{name: "hsts disabled", hsts: false, tls: true},
		{name: "plain http", hsts: true},
		{name: "tls", hsts: true, tls: true, wantHSTS: true},
		{name: "forwarded https", hsts: true, proto: "https", wantHSTS: true},
		{name: "forwarded list", hsts: true, proto: "HTTPS, http", wantHSTS: true},
		{name: "forwarded http", hsts: true, proto: "http"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			if tt.tls {
				req.TLS = &tls.ConnectionState{}
			}
			if tt.proto != "" {
				req.Header.Set("X-Forwarded-Proto", tt.proto)
			}
			w := httptest.NewRecorder()
			SecurityHeaders(tt.hsts)(okHandler()).ServeHTTP(w, req)

			for _, kv := range apiSecurityHeaders {
				if got := w.Header().Get(kv[0]); got != kv[1] {
					t.Errorf("%s = %q, want %q", kv[0], got, kv[1])
				}
			}
			if got := w.Header().Get("Strict-Transport-Security") != ""; got != tt.wantHSTS {
				t.Errorf("HSTS present = %v, want %v", got, tt.wantHSTS)
			}
		})
	}
}
