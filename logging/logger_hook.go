package logging

import (
	"log/slog"
)

// LoggerHook derives the logger handed to a task's run function.
// It lets the scheduler stay unaware of how task logs are kept.
type LoggerHook interface {
	LoggerForTask(base *slog.Logger, runID, taskID string) *slog.Logger
}

// CapturingLoggerHook captures task logs into a TaskLogs store.
type CapturingLoggerHook struct {
	logs *TaskLogs
}

// NewCapturingLoggerHook creates a hook writing into logs.
func NewCapturingLoggerHook(logs *TaskLogs) *CapturingLoggerHook {
	return &CapturingLoggerHook{logs: logs}
}

// LoggerForTask wraps base so every record is also stored under runID/taskID.
func (p *CapturingLoggerHook) LoggerForTask(base *slog.Logger, runID, taskID string) *slog.Logger {
	return slog.New(NewCapturingHandler(base.Handler(), p.logs, runID, taskID))
}
