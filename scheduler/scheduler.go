package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nomis52/goingest/dag"
	"github.com/nomis52/goingest/logging"
	"github.com/nomis52/goingest/metrics"
	"github.com/nomis52/goingest/runstore"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultWorkers is the worker pool size used when WithWorkers is not given.
	DefaultWorkers = 4
	// DefaultNotifyTimeout bounds one failure notification.
	DefaultNotifyTimeout = 30 * time.Second
)

// Scheduler creates runs and executes them.
// It enforces max_active_runs per DAG across every run it created or restored.
type Scheduler struct {
	workers       int
	notifyTimeout time.Duration
	logger        *slog.Logger
	logHook  logging.LoggerHook
	notifier Notifier
	store    runstore.Store
	metrics  *metrics.IngestMetrics
	now      func() time.Time

	mu     sync.Mutex
	active map[string]map[string]*Run // dagID -> runID -> run
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithWorkers sets how many run functions may execute concurrently within a run.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithLogger sets the scheduler's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger.With("component", "scheduler")
	}
}

// WithLogHook sets the hook deriving the logger passed to run functions.
func WithLogHook(hook logging.LoggerHook) Option {
	return func(s *Scheduler) {
		s.logHook = hook
	}
}

// WithNotifier sets where failure notifications go.
func WithNotifier(n Notifier) Option {
	return func(s *Scheduler) {
		s.notifier = n
	}
}

// WithNotifyTimeout bounds how long a notifier may take to deliver one notification.
func WithNotifyTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.notifyTimeout = d
		}
	}
}

// WithStore enables checkpointing of run records.
func WithStore(store runstore.Store) Option {
	return func(s *Scheduler) {
		s.store = store
	}
}

// WithMetrics records attempt, notification and run metrics.
func WithMetrics(m *metrics.IngestMetrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithClock overrides the source of timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// New creates a Scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		workers:       DefaultWorkers,
		notifyTimeout: DefaultNotifyTimeout,
		logger:        slog.Default().With("component", "scheduler"),
		now:           time.Now,
		active:        make(map[string]map[string]*Run),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRun creates a QUEUED run of d for logicalTime with every instance PENDING.
// It fails with *ConcurrencyLimitError when d already has max_active_runs live runs,
// and with ErrRunExists when the run ID is live or already persisted. A scheduled
// run at or before the DAG's schedule watermark is also refused, so a tick whose
// record was pruned from the store does not run again.
func (s *Scheduler) CreateRun(d *dag.DAG, logicalTime time.Time, kind RunKind) (*Run, error) {
	run := newRun(d, kind, logicalTime.UTC())
	if s.store != nil {
		if _, ok := s.store.Get(d.ID(), run.id); ok {
			return nil, fmt.Errorf("%w: %s", ErrRunExists, run.id)
		}
		if kind == KindScheduled {
			if wm, ok := runstore.LastScheduled(s.store, d.ID()); ok && !run.logicalTime.After(wm) {
				return nil, fmt.Errorf("%w: %s is not after the schedule watermark %s", ErrRunExists, run.id, wm.Format(time.RFC3339))
			}
		}
	}
	if err := s.admit(run); err != nil {
		return nil, err
	}
	s.checkpoint(run)
	return run, nil
}

// Restore rebuilds a QUEUED run from a persisted record. Instances that succeeded keep
// their result and are not executed again; every other instance starts over.
func (s *Scheduler) Restore(d *dag.DAG, rec runstore.RunRecord) (*Run, error) {
	if rec.DAGID != d.ID() || rec.RunID == "" {
		return nil, fmt.Errorf("%w: record %q belongs to dag %q", ErrInvalidRun, rec.RunID, rec.DAGID)
	}
	run := restoreRun(d, rec)
	if err := s.admit(run); err != nil {
		return nil, err
	}
	s.checkpoint(run)
	return run, nil
}

// Lookup returns a live run.
func (s *Scheduler) Lookup(dagID, runID string) (*Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.active[dagID][runID]
	return run, ok
}

// ActiveRuns returns the number of live runs of a DAG.
func (s *Scheduler) ActiveRuns(dagID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active[dagID])
}

func (s *Scheduler) admit(run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dagID := run.DAGID()
	runs := s.active[dagID]
	if _, ok := runs[run.id]; ok {
		return fmt.Errorf("%w: %s", ErrRunExists, run.id)
	}
	if limit := run.dag.MaxActiveRuns(); len(runs) >= limit {
		return &ConcurrencyLimitError{DAGID: dagID, Limit: limit}
	}
	if runs == nil {
		runs = make(map[string]*Run)
		s.active[dagID] = runs
	}
	runs[run.id] = run
	return nil
}

func (s *Scheduler) release(run *Run) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dagID := run.DAGID()
	delete(s.active[dagID], run.id)
	if len(s.active[dagID]) == 0 {
		delete(s.active, dagID)
	}
}

// job is a QUEUED instance handed to a worker.
type job struct {
	taskID   string
	upstream map[string]dag.TaskResult
}

// attemptDone reports a finished (or skipped) attempt back to the coordinator.
type attemptDone struct {
	taskID  string
	attempt int
	result  dag.TaskResult
	err     error
	skipped bool
}

// Execute drives a QUEUED run to a terminal state. It returns nil when the run
// succeeds, an error wrapping ErrRunCancelled when it was cancelled, and an error
// wrapping ErrRunFailed otherwise. The run reaches its terminal state and releases
// its concurrency slot before Execute waits for outstanding failure notifications,
// each of which is bounded by the notify timeout.
//
// A single coordinating goroutine owns scheduling decisions; run functions execute
// on a bounded pool of workers.
func (s *Scheduler) Execute(ctx context.Context, run *Run) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := s.now()
	cancelRequested, err := run.begin(start, cancel)
	if err != nil {
		return fmt.Errorf("executing %s: %w", run.id, err)
	}
	defer s.release(run)
	if cancelRequested {
		cancel()
	}

	logger := s.logger.With("dag_id", run.DAGID(), "run_id", run.id)
	logger.Info("run started", "logical_time", run.logicalTime, "tasks", run.dag.Len())
	s.metrics.RunStarted(run.DAGID())
	s.checkpoint(run)

	size := run.dag.Len()
	jobs := make(chan job, size)
	events := make(chan attemptDone, size)

	var g errgroup.Group
	for i := 0; i < min(s.workers, max(size, 1)); i++ {
		g.Go(func() error {
			for j := range jobs {
				events <- s.attempt(ctx, run, j, logger)
			}
			return nil
		})
	}

	var notifications sync.WaitGroup
	cancelled := s.coordinate(ctx, run, jobs, events, &notifications, logger)

	close(jobs)
	_ = g.Wait()

	state, notSucceeded := run.finish(s.now())
	s.checkpoint(run)
	s.release(run)
	took := s.now().Sub(start)
	s.metrics.RunFinished(run.DAGID(), state.String(), took)
	notifications.Wait()

	switch {
	case cancelled:
		logger.Warn("run cancelled", "state", state, "duration", took)
		return fmt.Errorf("%w: %s", ErrRunCancelled, run.id)
	case state == RunFailed:
		logger.Error("run failed", "state", state, "duration", took, "not_succeeded", notSucceeded)
		return fmt.Errorf("%w: %s: tasks did not succeed: %s", ErrRunFailed, run.id, strings.Join(notSucceeded, ", "))
	default:
		logger.Info("run succeeded", "state", state, "duration", took)
		return nil
	}
}

// coordinate is the scan-promote loop. It returns once no instance can make
// progress, reporting whether the run was cancelled.
func (s *Scheduler) coordinate(ctx context.Context, run *Run, jobs chan<- job, events <-chan attemptDone, notifications *sync.WaitGroup, logger *slog.Logger) bool {
	order := run.dag.TopologicalOrder()
	retries := make(map[string]time.Time)
	inFlight := 0

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		if ctx.Err() != nil {
			s.cancelRun(run, events, inFlight, logger)
			return true
		}

		inFlight += s.scan(run, order, jobs, logger)
		if inFlight == 0 && len(retries) == 0 {
			return false
		}

		var timerC <-chan time.Time
		if next, ok := earliest(retries); ok {
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(time.Until(next))
			timerC = timer.C
		}

		select {
		case ev := <-events:
			inFlight--
			if ev.skipped {
				continue
			}
			s.complete(ctx, run, ev, retries, notifications, logger)

		case <-timerC:
			now := time.Now()
			for id, due := range retries {
				if !due.After(now) {
					delete(retries, id)
					run.releaseRetry(id)
				}
			}

		case <-ctx.Done():
		}
	}
}

// scan walks the instances in topological order, marking instances whose
// dependencies can never succeed UPSTREAM_FAILED and queueing runnable ones.
// Returns the number of jobs queued.
func (s *Scheduler) scan(run *Run, order []string, jobs chan<- job, logger *slog.Logger) int {
	queued := 0
	changed := false
	for _, id := range order {
		if run.markUpstreamFailed(id, s.now()) {
			logger.Warn("task upstream failed", "task_id", id)
			changed = true
			continue
		}
		if upstream, ok := run.promote(id); ok {
			jobs <- job{taskID: id, upstream: upstream}
			queued++
		}
	}
	if changed {
		s.checkpoint(run)
	}
	return queued
}

// complete applies a finished attempt and schedules the follow-up.
func (s *Scheduler) complete(ctx context.Context, run *Run, ev attemptDone, retries map[string]time.Time, notifications *sync.WaitGroup, logger *slog.Logger) {
	task, _ := run.dag.Task(ev.taskID)
	out := run.finishAttempt(ev.taskID, ev.attempt, ev.result, ev.err, task.RetryPolicy, s.now())
	logger = logger.With("task_id", ev.taskID, "attempt", ev.attempt)

	switch out.kind {
	case outcomeIgnored:
		return
	case outcomeSucceeded:
		logger.Info("task succeeded")
		s.metrics.TaskAttempt(run.DAGID(), ev.taskID, metrics.OutcomeSuccess)
	case outcomeRetry:
		logger.Warn("task attempt failed, retrying", "error", out.err, "delay", out.delay)
		s.metrics.TaskAttempt(run.DAGID(), ev.taskID, metrics.OutcomeRetry)
		retries[ev.taskID] = time.Now().Add(out.delay)
	case outcomeFailed:
		logger.Error("task failed", "error", out.err)
		s.metrics.TaskAttempt(run.DAGID(), ev.taskID, metrics.OutcomeFailed)
		if task.OnFailureNotify != "" {
			s.notify(ctx, run, task, ev.attempt, out.err, notifications, logger)
		}
	}
	s.checkpoint(run)
}

// cancelRun marks every unfinished instance CANCELLED and waits for in-flight attempts.
func (s *Scheduler) cancelRun(run *Run, events <-chan attemptDone, inFlight int, logger *slog.Logger) {
	cancelled := run.cancelInstances(s.now())
	logger.Warn("cancelling run", "cancelled_tasks", cancelled, "in_flight", inFlight)
	s.checkpoint(run)
	for ; inFlight > 0; inFlight-- {
		<-events
	}
}

// attempt executes one attempt of a queued instance on a worker goroutine.
func (s *Scheduler) attempt(ctx context.Context, run *Run, j job, runLogger *slog.Logger) attemptDone {
	if ctx.Err() != nil {
		return attemptDone{taskID: j.taskID, skipped: true}
	}
	attempt, ok := run.startAttempt(j.taskID, s.now())
	if !ok {
		return attemptDone{taskID: j.taskID, skipped: true}
	}

	task, _ := run.dag.Task(j.taskID)
	logger := runLogger
	if s.logHook != nil {
		logger = s.logHook.LoggerForTask(runLogger, run.id, j.taskID)
	}
	logger = logger.With("task_id", j.taskID, "attempt", attempt)
	logger.Debug("task attempt started")

	tc := dag.TaskContext{
		DAGID:       run.DAGID(),
		RunID:       run.id,
		TaskID:      j.taskID,
		LogicalTime: run.logicalTime,
		Attempt:     attempt,
		Upstream:    j.upstream,
		Logger:      logger,
	}
	res, err := invoke(ctx, task.Run, tc)
	return attemptDone{taskID: j.taskID, attempt: attempt, result: res, err: err}
}

// invoke calls a run function, converting a panic into an attempt error.
func invoke(ctx context.Context, fn dag.RunFunc, tc dag.TaskContext) (res dag.TaskResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", tc.TaskID, r)
		}
	}()
	return fn(ctx, tc)
}

// notify sends a failure notification off the coordinating goroutine.
func (s *Scheduler) notify(ctx context.Context, run *Run, task dag.Task, attempts int, cause error, wg *sync.WaitGroup, logger *slog.Logger) {
	if s.notifier == nil {
		logger.Warn("no notifier configured, dropping failure notification", "contact", task.OnFailureNotify)
		return
	}
	n := Notification{
		DAGID:       run.DAGID(),
		RunID:       run.id,
		TaskID:      task.ID,
		Contact:     task.OnFailureNotify,
		LogicalTime: run.logicalTime,
		Attempts:    attempts,
		Err:         cause.Error(),
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		err := s.notifier.Notify(ctx, n)
		s.metrics.Notification(n.DAGID, n.TaskID, err)
		if err != nil {
			logger.Error("failure notification not delivered", "contact", n.Contact, "error", err)
			return
		}
		logger.Info("failure notification sent", "contact", n.Contact)
	}()
}

func (s *Scheduler) checkpoint(run *Run) {
	if s.store == nil {
		return
	}
	if err := s.store.Save(run.Record()); err != nil {
		s.logger.Error("failed to checkpoint run", "dag_id", run.DAGID(), "run_id", run.id, "error", err)
	}
}

func earliest(due map[string]time.Time) (time.Time, bool) {
	var next time.Time
	found := false
	for _, t := range due {
		if !found || t.Before(next) {
			next = t
			found = true
		}
	}
	return next, found
}
