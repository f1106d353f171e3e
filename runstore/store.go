// Package runstore persists run records so a restarted process does not
// re-execute tasks that already succeeded.
package runstore

import (
	"maps"
	"sort"
	"time"

	"github.com/nomis52/goingest/dag"
)

// Store manages persistence of run records.
type Store interface {
	// Save inserts or replaces the record for (DAGID, RunID).
	Save(RunRecord) error
	// Get returns the record for a run.
	Get(dagID, runID string) (RunRecord, bool)
	// List returns the runs of a DAG, most recent logical time first.
	List(dagID string) []RunRecord
}

// RunRecord is the persisted form of a run.
type RunRecord struct {
	RunID       string                `json:"run_id"`
	DAGID       string                `json:"dag_id"`
	Kind        string                `json:"kind"`
	LogicalTime time.Time             `json:"logical_time"`
	State       string                `json:"state"`
	StartedAt   *time.Time            `json:"started_at,omitempty"`
	EndedAt     *time.Time            `json:"ended_at,omitempty"`
	Tasks       map[string]TaskRecord `json:"tasks"`
}

// TaskRecord is the persisted form of a task instance.
type TaskRecord struct {
	State     string          `json:"state"`
	Attempt   int             `json:"attempt"`
	LastError string          `json:"last_error,omitempty"`
	Result    *dag.TaskResult `json:"result,omitempty"`
}

// Finished reports whether the run reached a terminal state.
func (r RunRecord) Finished() bool {
	return r.EndedAt != nil
}

// Clone returns a deep copy of the record.
func (r RunRecord) Clone() RunRecord {
	out := r
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		out.EndedAt = &t
	}
	out.Tasks = make(map[string]TaskRecord, len(r.Tasks))
	for id, tr := range r.Tasks {
		if tr.Result != nil {
			res := *tr.Result
			res.Payload = maps.Clone(tr.Result.Payload)
			tr.Result = &res
		}
		out.Tasks[id] = tr
	}
	return out
}

// sortRecords orders records by logical time descending, then run ID.
func sortRecords(records []RunRecord) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].LogicalTime.Equal(records[j].LogicalTime) {
			return records[i].LogicalTime.After(records[j].LogicalTime)
		}
		return records[i].RunID > records[j].RunID
	})
}

func key(dagID, runID string) string {
	return dagID + "/" + runID
}

// LastScheduled returns the latest logical time of a scheduled run of dagID.
// Manual runs do not move the schedule watermark.
func LastScheduled(store Store, dagID string) (time.Time, bool) {
	rec, ok := lastScheduled(store.List(dagID))
	return rec.LogicalTime, ok
}

// lastScheduled returns the first scheduled record of records sorted by sortRecords.
func lastScheduled(records []RunRecord) (RunRecord, bool) {
	for _, rec := range records {
		if rec.Kind == "scheduled" {
			return rec, true
		}
	}
	return RunRecord{}, false
}

// Unfinished returns the runs of dagID that never reached a terminal state,
// oldest logical time first.
func Unfinished(store Store, dagID string) []RunRecord {
	var out []RunRecord
	records := store.List(dagID)
	for i := len(records) - 1; i >= 0; i-- {
		if !records[i].Finished() {
			out = append(out, records[i])
		}
	}
	return out
}
