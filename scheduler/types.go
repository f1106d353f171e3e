package scheduler

import (
	"time"

	"github.com/nomis52/goingest/dag"
)

// RunState is the lifecycle state of a run.
type RunState int

const (
	// RunQueued indicates the run was created but the scheduler has not started it.
	RunQueued RunState = iota
	// RunRunning indicates the scheduler is processing the run.
	RunRunning
	// RunSuccess indicates every task instance succeeded.
	RunSuccess
	// RunFailed indicates at least one task instance could not succeed.
	RunFailed
)

// String returns a human-readable representation of the RunState.
func (s RunState) String() string {
	switch s {
	case RunQueued:
		return "queued"
	case RunRunning:
		return "running"
	case RunSuccess:
		return "success"
	case RunFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalJSON implements json.Marshaler.
func (s RunState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// IsTerminal reports whether the run has finished.
func (s RunState) IsTerminal() bool {
	return s == RunSuccess || s == RunFailed
}

func parseRunState(s string) (RunState, bool) {
	for st := RunQueued; st <= RunFailed; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return RunQueued, false
}

// TaskState is the execution state of a task instance.
type TaskState int

const (
	// TaskPending indicates the instance is waiting for its dependencies.
	TaskPending TaskState = iota
	// TaskQueued indicates the instance is runnable and waiting for a worker.
	TaskQueued
	// TaskRunning indicates an attempt is executing.
	TaskRunning
	// TaskSuccess indicates an attempt succeeded.
	TaskSuccess
	// TaskFailed indicates every allowed attempt failed.
	TaskFailed
	// TaskUpstreamFailed indicates a dependency can never succeed, so the task never ran.
	TaskUpstreamFailed
	// TaskRetrying indicates an attempt failed and the next one waits for its backoff delay.
	TaskRetrying
	// TaskCancelled indicates the run was cancelled before the instance finished.
	TaskCancelled
)

// String returns a human-readable representation of the TaskState.
func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskQueued:
		return "queued"
	case TaskRunning:
		return "running"
	case TaskSuccess:
		return "success"
	case TaskFailed:
		return "failed"
	case TaskUpstreamFailed:
		return "upstream_failed"
	case TaskRetrying:
		return "retrying"
	case TaskCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// MarshalJSON implements json.Marshaler.
func (s TaskState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// IsTerminal reports whether the instance will never change state again.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskSuccess, TaskFailed, TaskUpstreamFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// blocksDownstream reports whether dependents of an instance in this state can never run.
func (s TaskState) blocksDownstream() bool {
	return s == TaskFailed || s == TaskUpstreamFailed || s == TaskCancelled
}

func parseTaskState(s string) (TaskState, bool) {
	for st := TaskPending; st <= TaskCancelled; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return TaskPending, false
}

// RunKind records why a run was created.
type RunKind string

const (
	// KindManual is a run triggered explicitly with a chosen logical time.
	KindManual RunKind = "manual"
	// KindScheduled is a run created for a schedule interval.
	KindScheduled RunKind = "scheduled"
)

// RunID derives the identifier of a run from its kind and logical time.
func RunID(kind RunKind, logicalTime time.Time) string {
	return string(kind) + "__" + logicalTime.UTC().Format(time.RFC3339)
}

// TaskInstance is a point-in-time copy of a task's execution record within a run.
type TaskInstance struct {
	TaskID    string          `json:"task_id"`
	State     TaskState       `json:"state"`
	Attempt   int             `json:"attempt"`
	LastError string          `json:"last_error,omitempty"`
	Result    *dag.TaskResult `json:"result,omitempty"`
	StartedAt *time.Time      `json:"started_at,omitempty"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
}

// RunSnapshot is a point-in-time copy of a run. Tasks are in topological order.
type RunSnapshot struct {
	RunID       string         `json:"run_id"`
	DAGID       string         `json:"dag_id"`
	Kind        RunKind        `json:"kind"`
	LogicalTime time.Time      `json:"logical_time"`
	State       RunState       `json:"state"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	EndedAt     *time.Time     `json:"ended_at,omitempty"`
	Tasks       []TaskInstance `json:"tasks"`
}

// Task returns the snapshot of a single task instance.
func (s RunSnapshot) Task(id string) (TaskInstance, bool) {
	for _, ti := range s.Tasks {
		if ti.TaskID == id {
			return ti, true
		}
	}
	return TaskInstance{}, false
}
