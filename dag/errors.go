package dag

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidTask is returned when a task definition is malformed.
	ErrInvalidTask = errors.New("invalid task")

	// ErrInvalidSchedule is returned when a schedule expression cannot be parsed.
	ErrInvalidSchedule = errors.New("invalid schedule")
)

// CycleError reports a dependency cycle. Path starts and ends with the same task.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return "dependency cycle detected"
	}
	return "dependency cycle detected: " + strings.Join(e.Path, " -> ")
}

// UnknownDependencyError reports a dependency on a task that is not in the DAG.
type UnknownDependencyError struct {
	TaskID     string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("task %q depends on unknown task %q", e.TaskID, e.Dependency)
}

// DuplicateTaskError reports two tasks sharing an ID.
type DuplicateTaskError struct {
	TaskID string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("task %q already exists", e.TaskID)
}

func invalidTaskf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTask, fmt.Sprintf(format, args...))
}
