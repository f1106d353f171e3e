// Package dag defines tasks and the immutable dependency graph they form.
//
// # Overview
//
// A DAG is built once from a list of tasks and then shared, read-only, by every
// run created from it. Construction validates the whole graph up front:
//
//   - task IDs are unique (*DuplicateTaskError)
//   - every dependency names a task in the same DAG (*UnknownDependencyError)
//   - the dependency relation has no cycles, including self-dependencies (*CycleError)
//
// No partial DAG is ever returned.
//
// # Tasks
//
// Dependencies are explicit on each task rather than inferred from declaration
// order:
//
//	fetch := dag.Task{ID: "fetch", Run: fetchFn}
//	upload := dag.Task{ID: "upload", Run: uploadFn, Dependencies: []string{"fetch"}}
//
//	d, err := dag.Build("ingest", []dag.Task{fetch, upload},
//	    dag.WithSchedule("@daily"),
//	    dag.WithMaxActiveRuns(1),
//	)
//
// A task's RunFunc receives a TaskContext holding the results of its declared
// dependencies only, and returns a TaskResult whose Payload carries location
// references (paths, URIs) to downstream tasks.
//
// # Ordering
//
// TopologicalOrder is computed once at Build with Kahn's algorithm. When several
// tasks are ready at the same time the smallest ID is released first, so the
// order is a pure function of the graph.
//
// There is no process-wide registry: callers hold the *DAG and pass it to the
// scheduler explicitly.
package dag
