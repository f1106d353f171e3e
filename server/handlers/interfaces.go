// Package handlers provides HTTP handlers for the goingest server.
//
// Each handler implements http.Handler and reaches server state through the
// small interfaces below, avoiding circular imports.
package handlers

import (
	"time"

	"github.com/nomis52/goingest/config"
	"github.com/nomis52/goingest/logging"
	"github.com/nomis52/goingest/scheduler"
)

// ConfigProvider provides access to the current configuration.
type ConfigProvider interface {
	Config() config.Config
}

// RunTrigger starts manual runs.
type RunTrigger interface {
	Trigger(kind scheduler.RunKind, logicalTime time.Time) (string, error)
}

// RunCanceller cancels live runs.
type RunCanceller interface {
	Cancel(runID string) error
}

// RunStatusProvider provides run snapshots.
type RunStatusProvider interface {
	Status(runID string) (scheduler.RunSnapshot, error)
	History() []scheduler.RunSnapshot
}

// RunLogsProvider provides captured task logs.
type RunLogsProvider interface {
	Logs(runID string) (map[string][]logging.LogEntry, error)
}

// HealthProvider reports scheduler liveness details.
type HealthProvider interface {
	ActiveRuns() int
	NextRun() *time.Time
}
