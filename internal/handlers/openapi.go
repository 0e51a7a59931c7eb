package handlers

import (
	_ "embed"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

//go:embed openapi.yaml
var openAPISpec []byte

// OpenAPIHandler serves the API description compiled into the binary.
type OpenAPIHandler struct {
	log *zap.Logger

	once    sync.Once
	jsonDoc []byte
	jsonErr error
}

// NewOpenAPIHandler creates a new OpenAPI handler
func NewOpenAPIHandler(log *zap.Logger) *OpenAPIHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &OpenAPIHandler{log: log}
}

// RegisterRoutes registers OpenAPI routes
func (h *OpenAPIHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/v1/openapi.yaml", h.ServeYAML).Methods("GET")
	r.HandleFunc("/api/v1/openapi.json", h.ServeJSON).Methods("GET")
}

// ServeYAML serves the OpenAPI spec in YAML format
func (h *OpenAPIHandler) ServeYAML(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	if _, err := w.Write(openAPISpec); err != nil {
		h.log.Debug("openapi_write_failed", zap.Error(err))
	}
}

// ServeJSON serves the OpenAPI spec converted to JSON.
func (h *OpenAPIHandler) ServeJSON(w http.ResponseWriter, r *http.Request) {
	h.once.Do(func() {
		var doc map[string]any
		if h.jsonErr = yaml.Unmarshal(openAPISpec, &doc); h.jsonErr == nil {
			h.jsonDoc, h.jsonErr = json.Marshal(doc)
		}
	})
	if h.jsonErr != nil {
		h.log.Error("openapi_convert_failed", zap.Error(h.jsonErr))
		respondJSONError(w, http.StatusInternalServerError, "Internal Server Error", "Failed to encode OpenAPI specification")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(h.jsonDoc); err != nil {
		h.log.Debug("openapi_write_failed", zap.Error(err))
	}
}
