// Package runner manages the runs of one DAG for the goingest server.
//
// The runner handles:
//   - Starting runs in the background
//   - Enforcing the DAG's max_active_runs through the scheduler
//   - Reporting live and historical run status with captured task logs
//   - Resuming runs a previous process left unfinished
//
// # Example
//
//	r := runner.New(d, store, logger)
//	runID, err := r.Trigger(scheduler.KindManual, time.Now())
//	if err != nil {
//	    var limit *scheduler.ConcurrencyLimitError
//	    if errors.As(err, &limit) {
//	        // Too many active runs
//	    }
//	}
//	snap, _ := r.Status(runID)
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nomis52/goingest/dag"
	"github.com/nomis52/goingest/logging"
	"github.com/nomis52/goingest/runstore"
	"github.com/nomis52/goingest/scheduler"
)

const defaultMaxLogRuns = 100

// Runner triggers and tracks runs of a single DAG.
type Runner struct {
	dag       *dag.DAG
	store     runstore.Store
	logs      *logging.TaskLogs
	logger    *slog.Logger
	sched     *scheduler.Scheduler
	schedOpts []scheduler.Option
	finished  chan struct{}

	wg sync.WaitGroup
}

// Option configures a Runner.
type Option func(*Runner)

// WithSchedulerOptions passes options to the scheduler the runner creates.
func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return func(r *Runner) {
		r.schedOpts = append(r.schedOpts, opts...)
	}
}

// WithTaskLogs sets where task logs are captured.
func WithTaskLogs(logs *logging.TaskLogs) Option {
	return func(r *Runner) {
		r.logs = logs
	}
}

// New creates a Runner for d. Run records are checkpointed to store.
func New(d *dag.DAG, store runstore.Store, logger *slog.Logger, opts ...Option) *Runner {
	r := &Runner{
		dag:    d,
		store:  store,
		logger:   logger.With("component", "runner", "dag_id", d.ID()),
		finished: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logs == nil {
		r.logs = logging.NewTaskLogs(defaultMaxLogRuns)
	}

	schedOpts := []scheduler.Option{
		scheduler.WithLogger(logger),
		scheduler.WithStore(store),
		scheduler.WithLogHook(logging.NewCapturingLoggerHook(r.logs)),
	}
	r.sched = scheduler.New(append(schedOpts, r.schedOpts...)...)
	return r
}

// DAG returns the DAG the runner executes.
func (r *Runner) DAG() *dag.DAG { return r.dag }

// Trigger creates a run for logicalTime and executes it in the background.
// It fails with *scheduler.ConcurrencyLimitError when the DAG is at its limit and
// with scheduler.ErrRunExists when a run for the same kind and time exists.
func (r *Runner) Trigger(kind scheduler.RunKind, logicalTime time.Time) (string, error) {
	run, err := r.sched.CreateRun(r.dag, logicalTime, kind)
	if err != nil {
		return "", err
	}
	r.start(run)
	return run.ID(), nil
}

// TriggerScheduled creates a scheduled run for logicalTime.
func (r *Runner) TriggerScheduled(logicalTime time.Time) (string, error) {
	return r.Trigger(scheduler.KindScheduled, logicalTime)
}

// Watermark returns the logical time of the latest scheduled run.
func (r *Runner) Watermark() (time.Time, bool) {
	return runstore.LastScheduled(r.store, r.dag.ID())
}

// Resume re-executes runs the store holds as unfinished, oldest first.
// Tasks that already succeeded keep their results and are not run again.
// Runs refused by the scheduler are reported in the returned error.
func (r *Runner) Resume() ([]string, error) {
	var resumed []string
	var errs []error
	for _, rec := range runstore.Unfinished(r.store, r.dag.ID()) {
		run, err := r.sched.Restore(r.dag, rec)
		if err != nil {
			r.logger.Warn("could not resume run", "run_id", rec.RunID, "error", err)
			errs = append(errs, fmt.Errorf("resuming %s: %w", rec.RunID, err))
			continue
		}
		r.logger.Info("resuming run", "run_id", rec.RunID, "state", rec.State)
		r.start(run)
		resumed = append(resumed, run.ID())
	}
	return resumed, errors.Join(errs...)
}

// Cancel cancels a live run.
func (r *Runner) Cancel(runID string) error {
	run, ok := r.sched.Lookup(r.dag.ID(), runID)
	if !ok || !run.Cancel() {
		return fmt.Errorf("%w: no active run %s", scheduler.ErrRunNotFound, runID)
	}
	r.logger.Info("run cancellation requested", "run_id", runID)
	return nil
}

// Status returns a snapshot of a live or persisted run.
func (r *Runner) Status(runID string) (scheduler.RunSnapshot, error) {
	if run, ok := r.sched.Lookup(r.dag.ID(), runID); ok {
		return run.Snapshot(), nil
	}
	if rec, ok := r.store.Get(r.dag.ID(), runID); ok {
		return scheduler.SnapshotFromRecord(r.dag, rec), nil
	}
	return scheduler.RunSnapshot{}, fmt.Errorf("%w: %s", scheduler.ErrRunNotFound, runID)
}

// History returns every known run, most recent logical time first.
func (r *Runner) History() []scheduler.RunSnapshot {
	records := r.store.List(r.dag.ID())
	out := make([]scheduler.RunSnapshot, 0, len(records))
	for _, rec := range records {
		if run, ok := r.sched.Lookup(r.dag.ID(), rec.RunID); ok {
			out = append(out, run.Snapshot())
			continue
		}
		out = append(out, scheduler.SnapshotFromRecord(r.dag, rec))
	}
	return out
}

// Logs returns the captured log entries of a run keyed by task ID.
// Logs of runs executed by an earlier process are not available.
func (r *Runner) Logs(runID string) (map[string][]logging.LogEntry, error) {
	if _, err := r.Status(runID); err != nil {
		return nil, err
	}
	return r.logs.ForRun(runID), nil
}

// ActiveRuns returns the number of live runs.
func (r *Runner) ActiveRuns() int {
	return r.sched.ActiveRuns(r.dag.ID())
}

// RunFinished signals after a run finishes and its concurrency slot is free.
// Signals coalesce: one receive may stand for several finished runs.
func (r *Runner) RunFinished() <-chan struct{} {
	return r.finished
}

// Wait blocks until every run started by the runner has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) start(run *scheduler.Run) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			select {
			case r.finished <- struct{}{}:
			default:
			}
		}()
		if err := r.sched.Execute(context.Background(), run); err != nil {
			r.logger.Warn("run did not succeed", "run_id", run.ID(), "error", err)
			return
		}
		r.logger.Info("run completed", "run_id", run.ID())
	}()
}
