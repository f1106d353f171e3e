package app

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nomis52/goingest/config"
	"github.com/nomis52/goingest/metrics"
	"github.com/nomis52/goingest/notify"
	"github.com/nomis52/goingest/runstore"
	"github.com/nomis52/goingest/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, sourceURL string) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Parse([]byte(`
dag:
  id: nyc_taxi
  schedule: manual
  retry:
    max_attempts: 1
source:
  url: "` + sourceURL + `/{{.File}}"
  file: 'trips_{{.LogicalTime.Format "2006-01"}}.csv'
  download_dir: ` + filepath.Join(dir, "downloads") + `
storage:
  bucket: lake
  local_root: ` + filepath.Join(dir, "objects") + `
warehouse:
  table: trips_data_all.external_table
scheduler:
  state_dir: ` + filepath.Join(dir, "state") + `
`))
	require.NoError(t, err)
	return cfg
}

func TestNew_RunsPipelineAndPersists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "a,b\n1,2\n")
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	reg, err := metrics.NewScrapeRegistry()
	require.NoError(t, err)

	a, err := New(cfg, testLogger(), reg)
	require.NoError(t, err)
	require.NotNil(t, a.Metrics)
	assert.Equal(t, []string{"fetch", "upload", "register"}, a.DAG.TopologicalOrder())

	logical := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	runID, err := a.Runner.Trigger(scheduler.KindManual, logical)
	require.NoError(t, err)
	a.Runner.Wait()

	snap, err := a.Runner.Status(runID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.RunSuccess, snap.State)

	// A second process sees the persisted run.
	store, err := runstore.NewDiskStore(filepath.Join(cfg.Scheduler.StateDir, "runs"), 10, testLogger())
	require.NoError(t, err)
	rec, ok := store.Get("nyc_taxi", runID)
	require.True(t, ok)
	assert.Equal(t, "success", rec.State)

	_, err = os.Stat(cfg.Warehouse.CatalogPath)
	assert.NoError(t, err)
}

func TestNewStore(t *testing.T) {
	store, err := NewStore(config.SchedulerConfig{}, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &runstore.MemoryStore{}, store)

	store, err = NewStore(config.SchedulerConfig{StateDir: t.TempDir(), History: 5}, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &runstore.DiskStore{}, store)
}

func TestNewNotifier(t *testing.T) {
	assert.IsType(t, &notify.LogNotifier{}, NewNotifier(config.NotifyConfig{}, testLogger()))

	smtp := config.NotifyConfig{SMTP: config.SMTPConfig{Host: "smtp.example.com", Port: 25, From: "a@example.com"}}
	assert.IsType(t, &notify.EmailNotifier{}, NewNotifier(smtp, testLogger()))
}
