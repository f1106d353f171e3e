package runstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DiskStore persists run records to disk as one JSON file per run.
// Saving the same run again overwrites its file.
type DiskStore struct {
	dir      string
	logger   *slog.Logger
	maxCount int
	runs     map[string]RunRecord // protected by mu
	mu       sync.Mutex
}

// NewDiskStore creates a new disk-backed store.
// The directory is created if it doesn't exist, and existing runs are loaded.
// maxCount bounds the number of finished runs kept per DAG; unfinished runs are never pruned.
func NewDiskStore(dir string, maxCount int, logger *slog.Logger) (*DiskStore, error) {
	s := &DiskStore{
		dir:      dir,
		logger:   logger,
		maxCount: maxCount,
		runs:     make(map[string]RunRecord),
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	runs, err := s.load()
	if err != nil {
		logger.Warn("failed to load existing runs", "error", err)
	} else {
		s.runs = runs
	}

	return s, nil
}

// Save persists a run to disk and updates the in-memory representation.
func (s *DiskStore) Save(record RunRecord) error {
	if record.DAGID == "" || record.RunID == "" {
		return fmt.Errorf("cannot save run without dag id and run id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	path := s.path(record.DAGID, record.RunID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write run file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace run file: %w", err)
	}

	s.runs[key(record.DAGID, record.RunID)] = record.Clone()
	s.prune(record.DAGID)

	s.logger.Debug("saved run to disk", "path", path, "state", record.State)
	return nil
}

// Get returns a copy of the record for a run.
func (s *DiskStore) Get(dagID, runID string) (RunRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[key(dagID, runID)]
	if !ok {
		return RunRecord{}, false
	}
	return r.Clone(), true
}

// List returns copies of the runs for a DAG, most recent first.
func (s *DiskStore) List(dagID string) []RunRecord {
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

// Reload re-loads all runs from disk.
func (s *DiskStore) Reload() error {
	runs, err := s.load()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = runs

	return nil
}

// prune drops the oldest finished runs of a DAG beyond maxCount. Caller holds mu.
// The latest scheduled run is always kept since it carries the schedule watermark.
func (s *DiskStore) prune(dagID string) {
	if s.maxCount <= 0 {
		return
	}

	var finished []RunRecord
	for _, r := range s.runs {
		if r.DAGID == dagID && r.Finished() {
			finished = append(finished, r)
		}
	}
	if len(finished) <= s.maxCount {
		return
	}

	sortRecords(finished)
	watermark, hasWatermark := lastScheduled(finished)
	for _, r := range finished[s.maxCount:] {
		if hasWatermark && r.RunID == watermark.RunID {
			continue
		}
		delete(s.runs, key(r.DAGID, r.RunID))
		path := s.path(r.DAGID, r.RunID)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove pruned run file", "file", path, "error", err)
		}
	}
}

// load loads all runs from disk.
func (s *DiskStore) load() (map[string]RunRecord, error) {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	runs := make(map[string]RunRecord, len(files))
	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".json" {
			continue
		}

		path := filepath.Join(s.dir, file.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("failed to read run file", "file", path, "error", err)
			continue
		}

		var run RunRecord
		if err := json.Unmarshal(data, &run); err != nil {
			s.logger.Warn("failed to parse run file", "file", path, "error", err)
			continue
		}
		if run.DAGID == "" || run.RunID == "" {
			s.logger.Warn("ignoring run file without identifiers", "file", path)
			continue
		}

		runs[key(run.DAGID, run.RunID)] = run
	}

	s.logger.Info("loaded run history from disk", "count", len(runs))

	return runs, nil
}

// path returns the file for a run. IDs are sanitized so they are safe as file names.
func (s *DiskStore) path(dagID, runID string) string {
	return filepath.Join(s.dir, sanitize(dagID)+"__"+sanitize(runID)+".json")
}

var fileNameReplacer = strings.NewReplacer("/", "_", "\\", "_", ":", "-", " ", "_")

func sanitize(s string) string {
	return fileNameReplacer.Replace(s)
}
