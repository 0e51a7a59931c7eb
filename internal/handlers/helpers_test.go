package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	ts, ok := body["timestamp"].(string)
	if !ok {
		t.Fatal("timestamp missing")
	}
	if _, err := time.Parse(time.RFC3339, ts); err != nil {
		t.Errorf("timestamp %q is not RFC3339: %v", ts, err)
	}
	return body
}

func TestRespondJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		data   any
		check  func(*testing.T, any)
	}{
		{
			name:   "object",
			status: http.StatusOK,
			data:   map[string]string{"pattern": "/api/*"},
			check: func(t *testing.T, data any) {
				m, ok := data.(map[string]any)
				if !ok || m["pattern"] != "/api/*" {
					t.Errorf("data = %v", data)
				}
			},
		},
		{
			name:   "nil data",
			status: http.StatusCreated,
			check: func(t *testing.T, data any) {
				if data != nil {
					t.Errorf("data = %v, want nil", data)
				}
			},
		},
		{
			name:   "slice",
			status: http.StatusOK,
			data:   []string{"GET", "PUT"},
			check: func(t *testing.T, data any) {
				if s, ok := data.([]any); !ok || len(s) != 2 {
					t.Errorf("data = %v", data)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			w := httptest.NewRecorder()
			respondJSON(w, tt.status, tt.data)

			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			body := decodeEnvelope(t, w)
			if body["success"] != true {
				t.Error("success should be true")
			}
			tt.check(t, body["data"])
		})
	}
}

func TestRespondJSONError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		message     string
		wantMessage string
	}{
		{"plain", "CORS policy not found", "CORS policy not found"},
		{"control characters", "bad\x00pattern\x1b", "badpattern"},
		{"truncated", strings.Repeat("x", 250), strings.Repeat("x", maxClientMessageLength) + "..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			w := httptest.NewRecorder()
			respondJSONError(w, http.StatusNotFound, "Not Found", tt.message)

			if w.Code != http.StatusNotFound {
				t.Errorf("status = %d, want 404", w.Code)
			}
			body := decodeEnvelope(t, w)
			if body["success"] != false {
				t.Error("success should be false")
			}
			if body["error"] != "Not Found" {
				t.Errorf("error = %v", body["error"])
			}
			if body["message"] != tt.wantMessage {
				t.Errorf("message = %q, want %q", body["message"], tt.wantMessage)
			}
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	t.Parallel()

	type payload struct {
		Pattern string `json:"pattern"`
	}

	tests := []struct {
		name     string
		body     string
		limit    int64
		wantErr  bool
		tooLarge bool
	}{
		{name: "valid", body: `{"pattern":"/api/*"}`},
		{name: "trailing whitespace", body: "{\"pattern\":\"/api/*\"}\n"},
		{name: "empty", body: "", wantErr: true},
		{name: "unknown field", body: `{"pattern":"/a","extra":1}`, wantErr: true},
		{name: "wrong type", body: `{"pattern":5}`, wantErr: true},
		{name: "second document", body: `{"pattern":"/a"} {"pattern":"/b"}`, wantErr: true},
		{name: "over limit", body: `{"pattern":"/a/very/long/pattern"}`, limit: 8, wantErr: true, tooLarge: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(tt.body))
			if tt.limit > 0 {
				r.Body = http.MaxBytesReader(httptest.NewRecorder(), r.Body, tt.limit)
			}
			var dst payload
			err := decodeJSON(r, &dst)
			if (err != nil) != tt.wantErr {
				t.Fatalf("decodeJSON() error = %v, wantErr %v", err, tt.wantErr)
			}
			if errors.Is(err, errBodyTooLarge) != tt.tooLarge {
				t.Errorf("errors.Is(err, errBodyTooLarge) = %v, want %v", !tt.tooLarge, tt.tooLarge)
			}
			if !tt.wantErr && dst.Pattern != "/api/*" {
				t.Errorf("Pattern = %q", dst.Pattern)
			}
		})
	}
}
