package scheduler

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nomis52/goingest/dag"
	"github.com/nomis52/goingest/runstore"
)

// Run is one execution of a DAG for a logical time.
// The run owns its task instances; every transition happens under mu.
type Run struct {
	id          string
	kind        RunKind
	logicalTime time.Time
	dag         *dag.DAG

	mu              sync.Mutex
	state           RunState
	startedAt       *time.Time
	endedAt         *time.Time
	instances       map[string]*instance
	cancelRequested bool
	cancelFn        context.CancelFunc
}

// instance is the mutable record behind a TaskInstance.
type instance struct {
	state     TaskState
	attempt   int
	lastErr   string
	result    *dag.TaskResult
	startedAt *time.Time
	endedAt   *time.Time
	backoff   backoff.BackOff
}

func newRun(d *dag.DAG, kind RunKind, logicalTime time.Time) *Run {
	r := &Run{
		id:          RunID(kind, logicalTime),
		kind:        kind,
		logicalTime: logicalTime,
		dag:         d,
		state:       RunQueued,
		instances:   make(map[string]*instance, d.Len()),
	}
	for _, id := range d.TopologicalOrder() {
		r.instances[id] = &instance{state: TaskPending}
	}
	return r
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// DAGID returns the identifier of the DAG this run executes.
func (r *Run) DAGID() string { return r.dag.ID() }

// Kind returns why the run was created.
func (r *Run) Kind() RunKind { return r.kind }

// LogicalTime returns the schedule interval (or manual time) the run is for.
func (r *Run) LogicalTime() time.Time { return r.logicalTime }

// State returns the current run state.
func (r *Run) State() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Cancel requests cancellation. Non-terminal task instances become CANCELLED,
// in-flight run functions see their context cancelled and no new attempt starts.
// Returns false if the run already finished.
func (r *Run) Cancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.IsTerminal() {
		return false
	}
	r.cancelRequested = true
	if r.cancelFn != nil {
		r.cancelFn()
	}
	return true
}

// TaskInstance returns a copy of the named task's execution record.
func (r *Run) TaskInstance(taskID string) (TaskInstance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[taskID]
	if !ok {
		return TaskInstance{}, false
	}
	return inst.snapshot(taskID), true
}

// Snapshot returns a consistent copy of the run and all its task instances.
func (r *Run) Snapshot() RunSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := RunSnapshot{
		RunID:       r.id,
		DAGID:       r.dag.ID(),
		Kind:        r.kind,
		LogicalTime: r.logicalTime,
		State:       r.state,
		StartedAt:   copyTime(r.startedAt),
		EndedAt:     copyTime(r.endedAt),
		Tasks:       make([]TaskInstance, 0, len(r.instances)),
	}
	for _, id := range r.dag.TopologicalOrder() {
		snap.Tasks = append(snap.Tasks, r.instances[id].snapshot(id))
	}
	return snap
}

// Record returns the persisted form of the run.
func (r *Run) Record() runstore.RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := runstore.RunRecord{
		RunID:       r.id,
		DAGID:       r.dag.ID(),
		Kind:        string(r.kind),
		LogicalTime: r.logicalTime,
		State:       r.state.String(),
		StartedAt:   copyTime(r.startedAt),
		EndedAt:     copyTime(r.endedAt),
		Tasks:       make(map[string]runstore.TaskRecord, len(r.instances)),
	}
	for id, inst := range r.instances {
		rec.Tasks[id] = runstore.TaskRecord{
			State:     inst.state.String(),
			Attempt:   inst.attempt,
			LastError: inst.lastErr,
			Result:    copyResult(inst.result),
		}
	}
	return rec
}

// restoreRun rebuilds a run from a persisted record. Instances that succeeded keep
// their result and attempt count; every other instance starts over as PENDING.
func restoreRun(d *dag.DAG, rec runstore.RunRecord) *Run {
	r := newRun(d, RunKind(rec.Kind), rec.LogicalTime)
	r.id = rec.RunID
	for id, inst := range r.instances {
		tr, ok := rec.Tasks[id]
		if !ok {
			continue
		}
		if st, _ := parseTaskState(tr.State); st == TaskSuccess && tr.Result != nil {
			inst.state = TaskSuccess
			inst.attempt = tr.Attempt
			inst.result = copyResult(tr.Result)
		}
	}
	return r
}

// SnapshotFromRecord builds a snapshot of a persisted run. Tasks follow d's
// topological order; tasks missing from the record are reported PENDING.
func SnapshotFromRecord(d *dag.DAG, rec runstore.RunRecord) RunSnapshot {
	state, _ := parseRunState(rec.State)
	snap := RunSnapshot{
		RunID:       rec.RunID,
		DAGID:       rec.DAGID,
		Kind:        RunKind(rec.Kind),
		LogicalTime: rec.LogicalTime,
		State:       state,
		StartedAt:   copyTime(rec.StartedAt),
		EndedAt:     copyTime(rec.EndedAt),
		Tasks:       make([]TaskInstance, 0, d.Len()),
	}
	for _, id := range d.TopologicalOrder() {
		tr := rec.Tasks[id]
		st, _ := parseTaskState(tr.State)
		snap.Tasks = append(snap.Tasks, TaskInstance{
			TaskID:    id,
			State:     st,
			Attempt:   tr.Attempt,
			LastError: tr.LastError,
			Result:    copyResult(tr.Result),
		})
	}
	return snap
}

// begin moves a queued run to RUNNING.
func (r *Run) begin(now time.Time, cancel context.CancelFunc) (cancelRequested bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != RunQueued {
		return false, ErrInvalidRun
	}
	r.state = RunRunning
	r.startedAt = &now
	r.cancelFn = cancel
	return r.cancelRequested, nil
}

// markUpstreamFailed moves a PENDING instance whose dependency can never succeed
// to UPSTREAM_FAILED. Reports whether a transition happened.
func (r *Run) markUpstreamFailed(taskID string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst := r.instances[taskID]
	if inst.state != TaskPending {
		return false
	}
	for _, dep := range r.deps(taskID) {
		if r.instances[dep].state.blocksDownstream() {
			inst.state = TaskUpstreamFailed
			inst.endedAt = &now
			return true
		}
	}
	return false
}

// promote moves a runnable PENDING instance to QUEUED and returns the upstream
// results its run function will see.
func (r *Run) promote(taskID string) (map[string]dag.TaskResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst := r.instances[taskID]
	if inst.state != TaskPending {
		return nil, false
	}
	deps := r.deps(taskID)
	upstream := make(map[string]dag.TaskResult, len(deps))
	for _, dep := range deps {
		d := r.instances[dep]
		if d.state != TaskSuccess {
			return nil, false
		}
		upstream[dep] = *copyResult(d.result)
	}
	inst.state = TaskQueued
	return upstream, true
}

// startAttempt moves a QUEUED instance to RUNNING and returns the attempt number.
// It refuses when the instance was cancelled while queued.
func (r *Run) startAttempt(taskID string, now time.Time) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst := r.instances[taskID]
	if inst.state != TaskQueued {
		return 0, false
	}
	inst.state = TaskRunning
	inst.attempt++
	if inst.startedAt == nil {
		inst.startedAt = &now
	}
	return inst.attempt, true
}

type outcomeKind int

const (
	outcomeIgnored outcomeKind = iota
	outcomeSucceeded
	outcomeRetry
	outcomeFailed
)

type attemptOutcome struct {
	kind  outcomeKind
	delay time.Duration
	err   error
}

// finishAttempt applies the result of an attempt. Results for an instance that is
// no longer RUNNING that attempt (e.g. cancelled) are ignored.
func (r *Run) finishAttempt(taskID string, attempt int, res dag.TaskResult, runErr error, policy dag.RetryPolicy, now time.Time) attemptOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst := r.instances[taskID]
	if inst.state != TaskRunning || inst.attempt != attempt {
		return attemptOutcome{kind: outcomeIgnored}
	}

	if runErr == nil && !res.OK {
		msg := res.Message
		if msg == "" {
			msg = "task reported failure"
		}
		runErr = errors.New(msg)
	}

	if runErr == nil {
		inst.state = TaskSuccess
		inst.result = copyResult(&res)
		inst.endedAt = &now
		return attemptOutcome{kind: outcomeSucceeded}
	}

	inst.lastErr = runErr.Error()
	if inst.attempt < policy.Attempts() {
		if inst.backoff == nil {
			inst.backoff = policy.NewBackOff()
		}
		delay := inst.backoff.NextBackOff()
		if delay == backoff.Stop || delay < 0 {
			delay = 0
		}
		inst.state = TaskRetrying
		return attemptOutcome{kind: outcomeRetry, delay: delay, err: runErr}
	}

	inst.state = TaskFailed
	inst.endedAt = &now
	return attemptOutcome{kind: outcomeFailed, err: runErr}
}

// releaseRetry moves a RETRYING instance back to PENDING once its delay elapsed.
func (r *Run) releaseRetry(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst := r.instances[taskID]
	if inst.state != TaskRetrying {
		return false
	}
	inst.state = TaskPending
	return true
}

// cancelInstances marks every non-terminal instance CANCELLED.
func (r *Run) cancelInstances(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var cancelled []string
	for _, id := range r.dag.TopologicalOrder() {
		inst := r.instances[id]
		if inst.state.IsTerminal() {
			continue
		}
		inst.state = TaskCancelled
		inst.endedAt = &now
		cancelled = append(cancelled, id)
	}
	return cancelled
}

// live reports whether any instance can still make progress.
func (r *Run) live() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, inst := range r.instances {
		if !inst.state.IsTerminal() {
			return true
		}
	}
	return false
}

// finish derives the terminal run state and returns the IDs of instances that did not succeed.
func (r *Run) finish(now time.Time) (RunState, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var notSucceeded []string
	for _, id := range r.dag.TopologicalOrder() {
		if r.instances[id].state != TaskSuccess {
			notSucceeded = append(notSucceeded, id)
		}
	}

	r.state = RunSuccess
	if len(notSucceeded) > 0 {
		r.state = RunFailed
	}
	r.endedAt = &now
	r.cancelFn = nil
	return r.state, notSucceeded
}

func (r *Run) stateOf(taskID string) TaskState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.instances[taskID].state
}

// deps returns the dependencies of a task. Caller holds mu.
func (r *Run) deps(taskID string) []string {
	t, _ := r.dag.Task(taskID)
	return t.Dependencies
}

func (inst *instance) snapshot(taskID string) TaskInstance {
	return TaskInstance{
		TaskID:    taskID,
		State:     inst.state,
		Attempt:   inst.attempt,
		LastError: inst.lastErr,
		Result:    copyResult(inst.result),
		StartedAt: copyTime(inst.startedAt),
		EndedAt:   copyTime(inst.endedAt),
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyResult(res *dag.TaskResult) *dag.TaskResult {
	if res == nil {
		return nil
	}
	out := *res
	out.Payload = maps.Clone(res.Payload)
	return &out
}
