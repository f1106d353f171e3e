package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapturingLoggerHook_SeparatesTasksAndRuns(t *testing.T) {
	base := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	logs := NewTaskLogs(0)
	hook := NewCapturingLoggerHook(logs)

	fetch := hook.LoggerForTask(base, "run1", "fetch")
	upload := hook.LoggerForTask(base, "run1", "upload")
	again := hook.LoggerForTask(base, "run2", "fetch")

	fetch.Info("from fetch")
	upload.Info("from upload")
	again.Info("from second run")

	require.Len(t, logs.ForTask("run1", "fetch"), 1)
	require.Len(t, logs.ForTask("run1", "upload"), 1)
	require.Len(t, logs.ForTask("run2", "fetch"), 1)
	assert.Equal(t, "from second run", logs.ForTask("run2", "fetch")[0].Message)
}

func TestCapturingLoggerHook_SameTaskAccumulates(t *testing.T) {
	base := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	logs := NewTaskLogs(0)
	hook := NewCapturingLoggerHook(logs)

	hook.LoggerForTask(base, "run1", "fetch").Info("attempt 1")
	hook.LoggerForTask(base, "run1", "fetch").Info("attempt 2")

	got := logs.ForTask("run1", "fetch")
	require.Len(t, got, 2)
	assert.Equal(t, "attempt 1", got[0].Message)
	assert.Equal(t, "attempt 2", got[1].Message)
}
