package runstore

import (
	"fmt"
	"sync"
)

// MemoryStore keeps run records in memory only (no persistence).
type MemoryStore struct {
	runs map[string]RunRecord
	mu   sync.Mutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs: make(map[string]RunRecord),
	}
}

// Save stores a copy of the record.
func (s *MemoryStore) Save(record RunRecord) error {
	if record.DAGID == "" || record.RunID == "" {
		return fmt.Errorf("cannot save run without dag id and run id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[key(record.DAGID, record.RunID)] = record.Clone()
	return nil
}

// Get returns a copy of the record for a run.
func (s *MemoryStore) Get(dagID, runID string) (RunRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[key(dagID, runID)]
	if !ok {
		return RunRecord{}, false
	}
	return r.Clone(), true
}

// List returns copies of the runs for a DAG, most recent first.
func (s *MemoryStore) List(dagID string) []RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]RunRecord, 0)
	for _, r := range s.runs {
		if r.DAGID == dagID {
			result = append(result, r.Clone())
		}
	}
	sortRecords(result)
	return result
}
