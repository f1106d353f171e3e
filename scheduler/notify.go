package scheduler

import (
	"context"
	"time"
)

// Notification describes a task instance that exhausted its attempts.
type Notification struct {
	DAGID       string
	RunID       string
	TaskID      string
	Contact     string
	LogicalTime time.Time
	Attempts    int
	Err         string
}

// Notifier delivers failure notifications. Delivery errors are logged by the
// scheduler and never retried.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, n Notification) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}
