package logging

import (
	"maps"
	"slices"
	"sync"
	"time"
)

// LogEntry is a single captured log record.
type LogEntry struct {
	Time       time.Time      `json:"time"`
	Level      string         `json:"level"`
	Message    string         `json:"message"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// TaskLogs stores captured log lines per run and task.
// Only the most recent maxRuns runs are retained; zero keeps everything.
type TaskLogs struct {
	mu      sync.RWMutex
	runs    map[string]map[string][]LogEntry // runID -> taskID -> entries
	order   []string                         // runIDs, oldest first
	maxRuns int
}

// NewTaskLogs creates an empty store retaining at most maxRuns runs.
func NewTaskLogs(maxRuns int) *TaskLogs {
	return &TaskLogs{
		runs:    make(map[string]map[string][]LogEntry),
		maxRuns: maxRuns,
	}
}

// Add appends an entry for a task of a run.
func (s *TaskLogs) Add(runID, taskID string, entry LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, ok := s.runs[runID]
	if !ok {
		tasks = make(map[string][]LogEntry)
		s.runs[runID] = tasks
		s.order = append(s.order, runID)
		s.evict()
	}
	tasks[taskID] = append(tasks[taskID], entry)
}

// ForTask returns a copy of the entries logged by one task of a run.
func (s *TaskLogs) ForTask(runID, taskID string) []LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, ok := s.runs[runID][taskID]
	if !ok {
		return nil
	}
	return slices.Clone(entries)
}

// ForRun returns a copy of every task's entries for a run, keyed by task ID.
func (s *TaskLogs) ForRun(runID string) map[string][]LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]LogEntry, len(s.runs[runID]))
	for taskID, entries := range s.runs[runID] {
		out[taskID] = slices.Clone(entries)
	}
	return out
}

// Runs returns the IDs of runs with captured logs, oldest first.
func (s *TaskLogs) Runs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.order)
}

// Forget drops everything captured for a run.
func (s *TaskLogs) Forget(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.runs, runID)
	s.order = slices.DeleteFunc(s.order, func(id string) bool { return id == runID })
}

// evict drops the oldest runs beyond maxRuns. Caller holds mu.
func (s *TaskLogs) evict() {
	if s.maxRuns <= 0 {
		return
	}
	for len(s.order) > s.maxRuns {
		delete(s.runs, s.order[0])
		s.order = s.order[1:]
	}
}

func cloneAttrs(attrs map[string]any) map[string]any {
	if len(attrs) == 0 {
		return nil
	}
	return maps.Clone(attrs)
}
