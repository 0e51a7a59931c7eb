package handlers

import (
	"net/http"
	"runtime"
)

// Version is overridden at build time with -ldflags "-X github.com/benvon/webglue/internal/handlers.Version=...".
var Version = "dev"

// VersionResponse is the body of GET /version.
type VersionResponse struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
}

// VersionInfo handles the /version endpoint.
func VersionInfo(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, VersionResponse{
		Version:   Version,
		GoVersion: runtime.Version(),
	})
}
