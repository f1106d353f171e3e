package handlers

import (
	"net/http"
	"time"

	"github.com/nomis52/goingest/buildinfo"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status     string     `json:"status"`
	Version    string     `json:"version"`
	ActiveRuns int        `json:"active_runs"`
	NextRun    *time.Time `json:"next_run,omitempty"`
}

// HealthHandler reports that the server is up.
type HealthHandler struct {
	provider HealthProvider
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(provider HealthProvider) *HealthHandler {
	return &HealthHandler{provider: provider}
}

// ServeHTTP implements http.Handler.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:     "ok",
		Version:    buildinfo.Version(),
		ActiveRuns: h.provider.ActiveRuns(),
		NextRun:    h.provider.NextRun(),
	})
}
