package dag

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RunFunc performs the work of a task.
// Returning an error, or a TaskResult with OK set to false, fails the attempt.
type RunFunc func(ctx context.Context, tc TaskContext) (TaskResult, error)

// Task is a named unit of work within a DAG.
type Task struct {
	// ID uniquely identifies the task within its DAG.
	ID string

	// Run is invoked once per attempt.
	Run RunFunc

	// Dependencies lists the IDs of tasks that must succeed before this one runs.
	Dependencies []string

	// RetryPolicy controls how many attempts are made and the delay between them.
	RetryPolicy RetryPolicy

	// OnFailureNotify is the contact notified once the task fails permanently.
	// Empty disables notification.
	OnFailureNotify string
}

// TaskContext is the read-only view handed to a RunFunc.
type TaskContext struct {
	DAGID       string
	RunID       string
	TaskID      string
	LogicalTime time.Time

	// Attempt is the 1-based number of the attempt being executed.
	Attempt int

	// Upstream holds the results of the task's declared dependencies.
	Upstream map[string]TaskResult

	// Logger is scoped to this task instance.
	Logger *slog.Logger
}

// UpstreamValue looks up a payload value in the result of the named dependency.
func (tc TaskContext) UpstreamValue(taskID, key string) (string, bool) {
	res, ok := tc.Upstream[taskID]
	if !ok {
		return "", false
	}
	v, ok := res.Payload[key]
	return v, ok
}

// TaskResult is the outcome of a single task attempt.
type TaskResult struct {
	// OK distinguishes success from failure.
	OK bool `json:"ok"`
	// Payload carries location references and other small values to downstream tasks.
	Payload map[string]string `json:"payload,omitempty"`
	// Message is an optional human readable summary.
	Message string `json:"message,omitempty"`
}

// Success builds a successful TaskResult.
func Success(payload map[string]string, message string) TaskResult {
	return TaskResult{OK: true, Payload: payload, Message: message}
}

// BackoffKind selects how the delay between attempts grows.
type BackoffKind int

const (
	// BackoffFixed waits RetryPolicy.Delay between every attempt.
	BackoffFixed BackoffKind = iota
	// BackoffExponential doubles the delay after each failure, capped at MaxDelay.
	BackoffExponential
)

// String returns the config name of the backoff kind.
func (k BackoffKind) String() string {
	switch k {
	case BackoffFixed:
		return "fixed"
	case BackoffExponential:
		return "exponential"
	default:
		return "unknown"
	}
}

// ParseBackoffKind converts a config string into a BackoffKind.
func ParseBackoffKind(s string) (BackoffKind, bool) {
	switch s {
	case "", "fixed":
		return BackoffFixed, true
	case "exponential":
		return BackoffExponential, true
	default:
		return BackoffFixed, false
	}
}

// RetryPolicy bounds the attempts made for a task.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first. Zero means 1.
	MaxAttempts int
	Backoff     BackoffKind
	// Delay is the wait before the second attempt.
	Delay time.Duration
	// MaxDelay caps exponential growth. Zero means uncapped.
	MaxDelay time.Duration
}

// Attempts returns the effective maximum number of attempts.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// NewBackOff returns a fresh backoff sequence for one task instance.
// The sequence carries no jitter so retry timing is reproducible.
func (p RetryPolicy) NewBackOff() backoff.BackOff {
	if p.Backoff != BackoffExponential {
		return backoff.NewConstantBackOff(p.Delay)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Delay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	} else {
		b.MaxInterval = time.Duration(1<<63 - 1)
	}
	b.Reset()
	return b
}
