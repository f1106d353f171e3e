// Package scheduler executes runs of a dag.DAG.
//
// # Runs
//
// A Run is one execution of a DAG for a logical time. CreateRun makes a QUEUED
// run with every task instance PENDING, refusing when the DAG already has
// max_active_runs live runs. Restore rebuilds a run from a persisted record so
// tasks that already succeeded are not executed again.
//
// # Execution
//
// Execute drives a run to SUCCESS or FAILED. One coordinating goroutine scans the
// instances in topological order:
//   - a PENDING instance with a FAILED, UPSTREAM_FAILED or CANCELLED dependency
//     becomes UPSTREAM_FAILED and never runs
//   - a PENDING instance whose dependencies all succeeded becomes QUEUED and is
//     handed to the worker pool, which moves it to RUNNING and calls its run function
//
// A failed attempt is retried after the task's backoff delay while attempts remain;
// the last failure makes the instance FAILED and fires the task's failure
// notification once. Unrelated branches keep running.
//
// # Cancellation
//
// Run.Cancel, or cancelling the context given to Execute, marks every unfinished
// instance CANCELLED, cancels the context seen by in-flight run functions and
// starts nothing new. A cancelled run ends FAILED.
package scheduler
