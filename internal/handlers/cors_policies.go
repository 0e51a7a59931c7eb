package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/benvon/webglue/internal/cors"
	"github.com/benvon/webglue/internal/database"
	logpkg "github.com/benvon/webglue/internal/logger"
	"github.com/benvon/webglue/internal/orm"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Reloader rebuilds the served CORS table after a stored policy changes.
type Reloader interface {
	Reload(ctx context.Context) error
}

// CorsPolicyHandler serves the admin API over stored CORS policies. Every request
// runs inside the ORM session the Session middleware put in its context.
type CorsPolicyHandler struct {
	reloader Reloader
	log      *zap.Logger
}

// NewCorsPolicyHandler creates the handler. reloader may be nil.
func NewCorsPolicyHandler(reloader Reloader, log *zap.Logger) *CorsPolicyHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &CorsPolicyHandler{reloader: reloader, log: log}
}

// RegisterRoutes registers policy routes on the given router
// The router should already have the /cors/policies prefix. Patterns in the path are
// URL-escaped ("/api/*" becomes "%2Fapi%2F%2A"), so the root router must use UseEncodedPath.
func (h *CorsPolicyHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("", h.ListPolicies).Methods("GET")
	r.HandleFunc("", h.PutPolicy).Methods("PUT")
	r.HandleFunc("/{pattern}", h.GetPolicy).Methods("GET")
	r.HandleFunc("/{pattern}", h.DeletePolicy).Methods("DELETE")
}

// ListPolicies returns every stored policy.
func (h *CorsPolicyHandler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.repository(w, r)
	if !ok {
		return
	}
	resources, err := repo.Resources(r.Context())
	if err != nil {
		h.log.Error("cors_policy_list_failed", zap.Error(err))
		respondJSONError(w, http.StatusInternalServerError, "Internal Server Error", "Failed to list CORS policies")
		return
	}
	respondJSON(w, http.StatusOK, resources)
}

// GetPolicy returns the stored policy for the pattern in the path.
func (h *CorsPolicyHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	pattern, ok := patternVar(w, r)
	if !ok {
		return
	}
	repo, ok := h.repository(w, r)
	if !ok {
		return
	}
	row, err := repo.Get(r.Context(), pattern)
	if errors.Is(err, database.ErrPolicyNotFound) {
		respondJSONError(w, http.StatusNotFound, "Not Found", "CORS policy not found")
		return
	}
	if err != nil {
		h.log.Error("cors_policy_get_failed", zap.Error(err))
		respondJSONError(w, http.StatusInternalServerError, "Internal Server Error", "Failed to load CORS policy")
		return
	}
	respondJSON(w, http.StatusOK, database.ToResource(*row))
}

// PutPolicy creates or replaces the policy named by the body's pattern.
func (h *CorsPolicyHandler) PutPolicy(w http.ResponseWriter, r *http.Request) {
	var res cors.Resource
	if err := decodeJSON(r, &res); err != nil {
		if errors.Is(err, errBodyTooLarge) {
			respondJSONError(w, http.StatusRequestEntityTooLarge, "Request Entity Too Large", err.Error())
			return
		}
		respondJSONError(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	res.Pattern = strings.TrimSpace(res.Pattern)
	// compiling a one-rule table checks both the policy fields and the pattern
	if _, err := cors.New([]cors.Resource{res}); err != nil {
		respondJSONError(w, http.StatusUnprocessableEntity, "Unprocessable Entity", err.Error())
		return
	}

	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.Begin(); err != nil {
		h.log.Error("cors_policy_begin_failed", zap.Error(err))
		respondJSONError(w, http.StatusInternalServerError, "Internal Server Error", "Failed to store CORS policy")
		return
	}
	repo := database.NewCorsPolicyRepository(s.DB())
	if err := repo.Set(r.Context(), database.FromResource(res)); err != nil {
		h.log.Error("cors_policy_store_failed",
			zap.String("pattern", logpkg.SanitizeString(res.Pattern, logpkg.MaxPathLength)),
			zap.Error(err),
		)
		respondJSONError(w, http.StatusInternalServerError, "Internal Server Error", "Failed to store CORS policy")
		return
	}
	if err := s.Commit(); err != nil {
		h.log.Error("cors_policy_commit_failed", zap.Error(err))
		respondJSONError(w, http.StatusInternalServerError, "Internal Server Error", "Failed to store CORS policy")
		return
	}

	h.log.Info("cors_policy_stored",
		zap.String("pattern", logpkg.SanitizeString(res.Pattern, logpkg.MaxPathLength)),
		zap.String("session_id", s.ID()),
	)
	h.reload(r.Context())

	stored, err := database.NewCorsPolicyRepository(s.DB()).Get(r.Context(), res.Pattern)
	if err != nil {
		respondJSON(w, http.StatusOK, res)
		return
	}
	respondJSON(w, http.StatusOK, database.ToResource(*stored))
}

// DeletePolicy removes the stored policy for the pattern in the path.
func (h *CorsPolicyHandler) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	pattern, ok := patternVar(w, r)
	if !ok {
		return
	}
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	err := database.NewCorsPolicyRepository(s.DB()).Delete(r.Context(), pattern)
	if errors.Is(err, database.ErrPolicyNotFound) {
		respondJSONError(w, http.StatusNotFound, "Not Found", "CORS policy not found")
		return
	}
	if err != nil {
		h.log.Error("cors_policy_delete_failed", zap.Error(err))
		respondJSONError(w, http.StatusInternalServerError, "Internal Server Error", "Failed to delete CORS policy")
		return
	}

	h.log.Info("cors_policy_deleted",
		zap.String("pattern", logpkg.SanitizeString(pattern, logpkg.MaxPathLength)),
		zap.String("session_id", s.ID()),
	)
	h.reload(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (h *CorsPolicyHandler) reload(ctx context.Context) {
	if h.reloader == nil {
		return
	}
	if err := h.reloader.Reload(ctx); err != nil {
		h.log.Warn("cors_policy_reload_failed", zap.Error(err))
	}
}

func (h *CorsPolicyHandler) session(w http.ResponseWriter, r *http.Request) (*orm.Session, bool) {
	s, ok := orm.SessionFromContext(r.Context())
	if !ok {
		h.log.Error("database_session_missing", zap.String("path", logpkg.SanitizePath(r.URL.Path)))
		respondJSONError(w, http.StatusInternalServerError, "Internal Server Error", "Database session not available")
		return nil, false
	}
	return s, true
}

func (h *CorsPolicyHandler) repository(w http.ResponseWriter, r *http.Request) (*database.CorsPolicyRepository, bool) {
	s, ok := h.session(w, r)
	if !ok {
		return nil, false
	}
	return database.NewCorsPolicyRepository(s.DB()), true
}

func patternVar(w http.ResponseWriter, r *http.Request) (string, bool) {
	pattern, err := url.PathUnescape(mux.Vars(r)["pattern"])
	if err != nil || strings.TrimSpace(pattern) == "" {
		respondJSONError(w, http.StatusBadRequest, "Bad Request", "Invalid pattern")
		return "", false
	}
	return pattern, true
}
