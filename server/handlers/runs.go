package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nomis52/goingest/scheduler"
)

// TriggerRequest is the optional body of POST /api/runs.
type TriggerRequest struct {
	// LogicalTime defaults to the current time.
	LogicalTime *time.Time `json:"logical_time,omitempty"`
}

// TriggerResponse is returned when a run was accepted.
type TriggerResponse struct {
	RunID string `json:"run_id"`
}

// RunsHandler lists runs and triggers new manual runs.
type RunsHandler struct {
	trigger RunTrigger
	status  RunStatusProvider
	now     func() time.Time
}

// NewRunsHandler creates a new RunsHandler.
func NewRunsHandler(trigger RunTrigger, status RunStatusProvider) *RunsHandler {
	return &RunsHandler{trigger: trigger, status: status, now: time.Now}
}

// ServeHTTP implements http.Handler for GET and POST /api/runs.
func (h *RunsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, h.status.History())
		return
	}

	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: fmt.Sprintf("invalid JSON: %v", err),
		})
		return
	}

	logical := h.now().UTC().Truncate(time.Second)
	if req.LogicalTime != nil {
		logical = req.LogicalTime.UTC()
	}

	runID, err := h.trigger.Trigger(scheduler.KindManual, logical)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, TriggerResponse{RunID: runID})
}

// RunHandler returns the snapshot of one run.
type RunHandler struct {
	status RunStatusProvider
}

// NewRunHandler creates a new RunHandler.
func NewRunHandler(status RunStatusProvider) *RunHandler {
	return &RunHandler{status: status}
}

// ServeHTTP implements http.Handler for GET /api/runs/{id}.
func (h *RunHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snap, err := h.status.Status(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// RunLogsHandler returns the captured task logs of a run.
type RunLogsHandler struct {
	logs RunLogsProvider
}

// NewRunLogsHandler creates a new RunLogsHandler.
func NewRunLogsHandler(logs RunLogsProvider) *RunLogsHandler {
	return &RunLogsHandler{logs: logs}
}

// ServeHTTP implements http.Handler for GET /api/runs/{id}/logs.
func (h *RunLogsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logs, err := h.logs.Logs(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// CancelHandler cancels a live run.
type CancelHandler struct {
	canceller RunCanceller
}

// NewCancelHandler creates a new CancelHandler.
func NewCancelHandler(canceller RunCanceller) *CancelHandler {
	return &CancelHandler{canceller: canceller}
}

// ServeHTTP implements http.Handler for POST /api/runs/{id}/cancel.
func (h *CancelHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.canceller.Cancel(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, TriggerResponse{RunID: id})
}
