package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nomis52/goingest/config"
	"github.com/nomis52/goingest/logging"
	"github.com/nomis52/goingest/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// fakeRuns implements every run-facing provider interface.
type fakeRuns struct {
	triggered  []time.Time
	triggerErr error
	cancelled  []string
	runs       map[string]scheduler.RunSnapshot
	logs       map[string][]logging.LogEntry
}

func (f *fakeRuns) Trigger(kind scheduler.RunKind, logicalTime time.Time) (string, error) {
	if f.triggerErr != nil {
		return "", f.triggerErr
	}
	f.triggered = append(f.triggered, logicalTime)
	return scheduler.RunID(kind, logicalTime), nil
}

func (f *fakeRuns) Cancel(runID string) error {
	if _, ok := f.runs[runID]; !ok {
		return fmt.Errorf("%w: %s", scheduler.ErrRunNotFound, runID)
	}
	f.cancelled = append(f.cancelled, runID)
	return nil
}

func (f *fakeRuns) Status(runID string) (scheduler.RunSnapshot, error) {
	snap, ok := f.runs[runID]
	if !ok {
		return scheduler.RunSnapshot{}, fmt.Errorf("%w: %s", scheduler.ErrRunNotFound, runID)
	}
	return snap, nil
}

func (f *fakeRuns) History() []scheduler.RunSnapshot {
	var out []scheduler.RunSnapshot
	for _, s := range f.runs {
		out = append(out, s)
	}
	return out
}

func (f *fakeRuns) Logs(runID string) (map[string][]logging.LogEntry, error) {
	if _, err := f.Status(runID); err != nil {
		return nil, err
	}
	return map[string][]logging.LogEntry{"fetch": f.logs[runID]}, nil
}

func (f *fakeRuns) ActiveRuns() int { return len(f.runs) }

func (f *fakeRuns) NextRun() *time.Time {
	t := time.Date(2021, 1, 2, 0, 0, 0, 0, time.UTC)
	return &t
}

const runID = "manual__2021-01-01T00:00:00Z"

func newFake() *fakeRuns {
	return &fakeRuns{
		runs: map[string]scheduler.RunSnapshot{
			runID: {
				RunID: runID,
				DAGID: "nyc_taxi",
				Kind:  scheduler.KindManual,
				State: scheduler.RunSuccess,
				Tasks: []scheduler.TaskInstance{{TaskID: "fetch", State: scheduler.TaskSuccess, Attempt: 1}},
			},
		},
		logs: map[string][]logging.LogEntry{
			runID: {{Level: "INFO", Message: "fetching source"}},
		},
	}
}

func TestHealthHandler(t *testing.T) {
	w := httptest.NewRecorder()
	NewHealthHandler(newFake()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var resp HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.ActiveRuns)
	require.NotNil(t, resp.NextRun)
}

type staticConfig struct{ cfg config.Config }

func (s staticConfig) Config() config.Config { return s.cfg }

func TestConfigHandler(t *testing.T) {
	cfg := config.Config{
		DAG:     config.DAGConfig{ID: "nyc_taxi", Schedule: "@daily"},
		Storage: config.StorageConfig{Bucket: "lake"},
		Notify:  config.NotifyConfig{SMTP: config.SMTPConfig{Host: "smtp.example.com", Password: "hunter2"}},
	}

	w := httptest.NewRecorder()
	NewConfigHandler(staticConfig{cfg}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/config", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/yaml", w.Header().Get("Content-Type"))
	assert.NotContains(t, w.Body.String(), "hunter2")

	var resp config.Config
	require.NoError(t, yaml.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "nyc_taxi", resp.DAG.ID)
	assert.Equal(t, "lake", resp.Storage.Bucket)
	assert.Equal(t, "REDACTED", resp.Notify.SMTP.Password)
}

func TestRunsHandler_Trigger(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantRunID  string
	}{
		{
			name:       "explicit logical time",
			body:       `{"logical_time": "2021-03-01T00:00:00Z"}`,
			wantStatus: http.StatusAccepted,
			wantRunID:  "manual__2021-03-01T00:00:00Z",
		},
		{
			name:       "empty body uses now",
			wantStatus: http.StatusAccepted,
			wantRunID:  "manual__2024-06-01T12:30:00Z",
		},
		{
			name:       "invalid json",
			body:       `{"logical_time": `,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid time",
			body:       `{"logical_time": "yesterday"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "concurrency limit",
			err:        &scheduler.ConcurrencyLimitError{DAGID: "nyc_taxi", Limit: 1},
			wantStatus: http.StatusConflict,
		},
		{
			name:       "run exists",
			err:        scheduler.ErrRunExists,
			wantStatus: http.StatusConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFake()
			fake.triggerErr = tt.err
			h := NewRunsHandler(fake, fake)
			h.now = func() time.Time { return time.Date(2024, 6, 1, 12, 30, 0, 500, time.UTC) }

			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader(tt.body)))

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantRunID == "" {
				var resp ErrorResponse
				require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
				assert.NotEmpty(t, resp.Error)
				return
			}
			var resp TriggerResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, tt.wantRunID, resp.RunID)
		})
	}
}

func TestRunsHandler_List(t *testing.T) {
	fake := newFake()
	w := httptest.NewRecorder()
	NewRunsHandler(fake, fake).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/runs", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var runs []map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&runs))
	require.Len(t, runs, 1)
	assert.Equal(t, runID, runs[0]["run_id"])
	assert.Equal(t, "success", runs[0]["state"])
}

func request(method, target, id string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.SetPathValue("id", id)
	return req
}

func TestRunHandler(t *testing.T) {
	fake := newFake()
	h := NewRunHandler(fake)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, request(http.MethodGet, "/api/runs/"+runID, runID))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"success"`)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, request(http.MethodGet, "/api/runs/nope", "nope"))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRunLogsHandler(t *testing.T) {
	fake := newFake()
	h := NewRunLogsHandler(fake)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, request(http.MethodGet, "/api/runs/"+runID+"/logs", runID))
	assert.Equal(t, http.StatusOK, w.Code)
	var logs map[string][]logging.LogEntry
	require.NoError(t, json.NewDecoder(w.Body).Decode(&logs))
	require.Len(t, logs["fetch"], 1)
	assert.Equal(t, "fetching source", logs["fetch"][0].Message)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, request(http.MethodGet, "/api/runs/nope/logs", "nope"))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelHandler(t *testing.T) {
	fake := newFake()
	h := NewCancelHandler(fake)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, request(http.MethodPost, "/api/runs/"+runID+"/cancel", runID))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{runID}, fake.cancelled)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, request(http.MethodPost, "/api/runs/nope/cancel", "nope"))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
