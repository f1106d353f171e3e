package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrRunExists is returned when a live run with the same ID already exists.
	ErrRunExists = errors.New("run already active")

	// ErrRunNotFound is returned when a run ID is unknown.
	ErrRunNotFound = errors.New("run not found")

	// ErrInvalidRun is returned when a run cannot be executed in its current state.
	ErrInvalidRun = errors.New("run is not queued")

	// ErrRunFailed is returned by Execute when the run ends FAILED.
	ErrRunFailed = errors.New("run failed")

	// ErrRunCancelled is returned by Execute when the run was cancelled.
	ErrRunCancelled = errors.New("run cancelled")
)

// ConcurrencyLimitError is returned when a DAG already has max_active_runs live runs.
type ConcurrencyLimitError struct {
	DAGID string
	Limit int
}

func (e *ConcurrencyLimitError) Error() string {
	return fmt.Sprintf("dag %q already has %d active run(s)", e.DAGID, e.Limit)
}
