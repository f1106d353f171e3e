package runstore

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nomis52/goingest/dag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

// finishedRun builds a terminal record with one succeeded task.
func finishedRun(dagID string, logical time.Time) RunRecord {
	ended := logical.Add(time.Minute)
	return RunRecord{
		RunID:       "scheduled__" + logical.Format(time.RFC3339),
		DAGID:       dagID,
		Kind:        "scheduled",
		LogicalTime: logical,
		State:       "success",
		StartedAt:   &logical,
		EndedAt:     &ended,
		Tasks: map[string]TaskRecord{
			"fetch": {
				State:   "success",
				Attempt: 1,
				Result:  &dag.TaskResult{OK: true, Payload: map[string]string{"local_path": "/tmp/x"}},
			},
		},
	}
}

func TestNewDiskStore(t *testing.T) {
	store, err := NewDiskStore(t.TempDir(), 10, testLogger())
	require.NoError(t, err)
	require.NotNil(t, store)

	assert.Empty(t, store.List("ingest"))
}

func TestDiskStore_Save(t *testing.T) {
	tmpDir := t.TempDir()
	store, err := NewDiskStore(tmpDir, 10, testLogger())
	require.NoError(t, err)

	run := finishedRun("ingest", time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, store.Save(run))

	files, err := os.ReadDir(tmpDir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "ingest__scheduled__2021-01-01T00-00-00Z.json", files[0].Name())

	got, ok := store.Get("ingest", run.RunID)
	require.True(t, ok)
	assert.Equal(t, run.Tasks, got.Tasks)
}

func TestDiskStore_SaveOverwrites(t *testing.T) {
	tmpDir := t.TempDir()
	store, err := NewDiskStore(tmpDir, 10, testLogger())
	require.NoError(t, err)

	run := finishedRun("ingest", time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC))
	run.State = "running"
	run.EndedAt = nil
	require.NoError(t, store.Save(run))

	run.State = "success"
	require.NoError(t, store.Save(run))

	files, err := os.ReadDir(tmpDir)
	require.NoError(t, err)
	assert.Len(t, files, 1, "same run must map to the same file")

	got, ok := store.Get("ingest", run.RunID)
	require.True(t, ok)
	assert.Equal(t, "success", got.State)
}

func TestDiskStore_SaveWithoutIDs(t *testing.T) {
	store, err := NewDiskStore(t.TempDir(), 10, testLogger())
	require.NoError(t, err)

	err = store.Save(RunRecord{DAGID: "ingest"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot save run without dag id and run id")
}

func TestDiskStore_LoadsExistingRuns(t *testing.T) {
	tmpDir := t.TempDir()
	run := finishedRun("ingest", time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC))

	store1, err := NewDiskStore(tmpDir, 10, testLogger())
	require.NoError(t, err)
	require.NoError(t, store1.Save(run))

	store2, err := NewDiskStore(tmpDir, 10, testLogger())
	require.NoError(t, err)

	runs := store2.List("ingest")
	require.Len(t, runs, 1)
	assert.Equal(t, run.RunID, runs[0].RunID)
	assert.True(t, run.LogicalTime.Equal(runs[0].LogicalTime))
	assert.Equal(t, run.Tasks["fetch"].Result.Payload, runs[0].Tasks["fetch"].Result.Payload)
}

func TestDiskStore_ListOrder(t *testing.T) {
	store, err := NewDiskStore(t.TempDir(), 10, testLogger())
	require.NoError(t, err)

	base := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Save(finishedRun("ingest", base.Add(time.Duration(i)*24*time.Hour))))
	}
	require.NoError(t, store.Save(finishedRun("other", base)))

	runs := store.List("ingest")
	require.Len(t, runs, 3)
	for i := 0; i < len(runs)-1; i++ {
		assert.True(t, runs[i].LogicalTime.After(runs[i+1].LogicalTime))
	}
}

func TestDiskStore_MaxCount(t *testing.T) {
	tmpDir := t.TempDir()
	maxCount := 5
	store, err := NewDiskStore(tmpDir, maxCount, testLogger())
	require.NoError(t, err)

	base := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		require.NoError(t, store.Save(finishedRun("ingest", base.Add(time.Duration(i)*time.Hour))))
	}

	// An unfinished run is never pruned.
	pending := finishedRun("ingest", base.Add(-time.Hour))
	pending.EndedAt = nil
	pending.State = "running"
	require.NoError(t, store.Save(pending))

	require.NoError(t, store.Reload())

	runs := store.List("ingest")
	assert.Len(t, runs, maxCount+1)

	_, ok := store.Get("ingest", pending.RunID)
	assert.True(t, ok)

	files, err := os.ReadDir(tmpDir)
	require.NoError(t, err)
	assert.Len(t, files, maxCount+1)
}

func TestDiskStore_IgnoresNonJSONFiles(t *testing.T) {
	tmpDir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "file.txt"), []byte("test"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "broken.json"), []byte("{"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(tmpDir, "subdir"), 0755))

	store, err := NewDiskStore(tmpDir, 10, testLogger())
	require.NoError(t, err)

	assert.Empty(t, store.List("ingest"))
}

func TestDiskStore_GetReturnsCopy(t *testing.T) {
	store, err := NewDiskStore(t.TempDir(), 10, testLogger())
	require.NoError(t, err)

	run := finishedRun("ingest", time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, store.Save(run))

	got, _ := store.Get("ingest", run.RunID)
	got.Tasks["fetch"].Result.Payload["local_path"] = "modified"
	got.State = "modified"

	again, _ := store.Get("ingest", run.RunID)
	assert.Equal(t, "success", again.State)
	assert.Equal(t, "/tmp/x", again.Tasks["fetch"].Result.Payload["local_path"])
}

func TestDiskStore_PruneKeepsWatermark(t *testing.T) {
	store, err := NewDiskStore(t.TempDir(), 2, testLogger())
	require.NoError(t, err)

	base := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	scheduled := finishedRun("ingest", base)
	require.NoError(t, store.Save(scheduled))
	for i := 1; i <= 4; i++ {
		manual := finishedRun("ingest", base.Add(time.Duration(i)*time.Hour))
		manual.Kind = "manual"
		manual.RunID = "manual__" + manual.LogicalTime.Format(time.RFC3339)
		require.NoError(t, store.Save(manual))
	}

	runs := store.List("ingest")
	require.Len(t, runs, 3)
	_, ok := store.Get("ingest", scheduled.RunID)
	assert.True(t, ok)

	wm, ok := LastScheduled(store, "ingest")
	require.True(t, ok)
	assert.Equal(t, base, wm)

	// A newer scheduled run takes over, and the old one is pruned.
	require.NoError(t, store.Save(finishedRun("ingest", base.Add(24*time.Hour))))
	_, ok = store.Get("ingest", scheduled.RunID)
	assert.False(t, ok)
	assert.Len(t, store.List("ingest"), 2)
}
