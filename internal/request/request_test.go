package request

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientIP(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		wantIP  string
	}{
		{"x-forwarded-for", map[string]string{"X-Forwarded-For": "1.2.3.4"}, "", "1.2.3.4"},
		{"x-forwarded-for first", map[string]string{"X-Forwarded-For": " 1.2.3.4 , 5.6.7.8 "}, "", "1.2.3.4"},
		{"x-real-ip", map[string]string{"X-Real-IP": "9.9.9.9"}, "", "9.9.9.9"},
		{"remote addr without port", nil, "10.0.0.1:12345", "10.0.0.1"},
		{"remote addr ipv6", nil, "[::1]:8080", "::1"},
		{"remote addr without port already", nil, "10.0.0.2", "10.0.0.2"},
		{"xff over xri", map[string]string{"X-Forwarded-For": "1.2.3.4", "X-Real-IP": "9.9.9.9"}, "", "1.2.3.4"},
		{"empty xff entry falls through", map[string]string{"X-Forwarded-For": " , 5.6.7.8", "X-Real-IP": "9.9.9.9"}, "", "9.9.9.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest("GET", "/", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if tt.remote != "" {
				r.RemoteAddr = tt.remote
			}
			got := ClientIP(r)
			if got != tt.wantIP {
				t.Errorf("ClientIP() = %q, want %q", got, tt.wantIP)
			}
		})
	}
}

func TestIsPreflight(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		method  string
		headers map[string]string
		want    bool
	}{
		{"preflight", http.MethodOptions, map[string]string{"Origin": "https://a.example.com", "Access-Control-Request-Method": "PUT"}, true},
		{"plain options", http.MethodOptions, map[string]string{"Origin": "https://a.example.com"}, false},
		{"no origin", http.MethodOptions, map[string]string{"Access-Control-Request-Method": "PUT"}, false},
		{"get with cors headers", http.MethodGet, map[string]string{"Origin": "https://a.example.com", "Access-Control-Request-Method": "PUT"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(tt.method, "/", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := IsPreflight(r); got != tt.want {
				t.Errorf("IsPreflight() = %v, want %v", got, tt.want)
			}
		})
	}
}
