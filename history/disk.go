package history

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/google/renameio/v2"

	"github.com/nomis52/goactivate/logging"
	"github.com/nomis52/goactivate/orchestrator"
)

// DiskStore persists history as one JSON file per operation.
type DiskStore struct {
	dir      string
	logger   *slog.Logger
	maxCount int

	mu      sync.Mutex
	records []diskRecord // most recent first
}

type diskRecord struct {
	Record
	file string
}

var _ Store = (*DiskStore)(nil)

// NewDiskStore creates a disk-backed store keeping at most maxCount records.
// The directory is created if it doesn't exist, and existing records are
// loaded.
func NewDiskStore(dir string, maxCount int, logger *slog.Logger) (*DiskStore, error) {
	if maxCount <= 0 {
		maxCount = DefaultMaxCount
	}
	s := &DiskStore{
		dir:      dir,
		logger:   logger.With("component", "history"),
		maxCount: maxCount,
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Save writes the record atomically, then drops the oldest records beyond
// the retention limit from disk.
func (s *DiskStore) Save(status orchestrator.AggregateStatus, logs []logging.Entry) error {
	if status.ID == "" {
		return fmt.Errorf("cannot archive operation without id")
	}

	rec := diskRecord{
		Record: clone(Record{Status: status, Logs: logs}),
		file:   status.StartedAt.UTC().Format("2006-01-02T15-04-05") + "_" + status.ID + ".json",
	}
	data, err := json.MarshalIndent(rec.Record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal operation %s: %w", status.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, rec.file)
	if err := renameio.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write history file: %w", err)
	}

	s.records = append([]diskRecord{rec}, s.records...)
	sortRecords(s.records)
	for len(s.records) > s.maxCount {
		oldest := s.records[len(s.records)-1]
		s.records = s.records[:len(s.records)-1]
		if err := os.Remove(filepath.Join(s.dir, oldest.file)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove expired history file", "file", oldest.file, "error", err)
		}
	}

	s.logger.Debug("archived operation", "id", status.ID, "path", path)
	return nil
}

// List returns the archived statuses, most recent first.
func (s *DiskStore) List() []orchestrator.AggregateStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]orchestrator.AggregateStatus, len(s.records))
	for i, r := range s.records {
		result[i] = r.Status.Clone()
	}
	return result
}

// Get returns the record of one operation.
func (s *DiskStore) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.records {
		if r.Status.ID == id {
			return clone(r.Record), true
		}
	}
	return Record{}, false
}

// Reload re-reads every record from disk. Unreadable files are skipped.
func (s *DiskStore) Reload() error {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read history directory: %w", err)
	}

	records := make([]diskRecord, 0, min(len(files), s.maxCount))
	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".json" {
			continue
		}

		path := filepath.Join(s.dir, file.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("failed to read history file", "file", path, "error", err)
			continue
		}

		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			s.logger.Warn("failed to parse history file", "file", path, "error", err)
			continue
		}
		if rec.Status.ID == "" {
			s.logger.Warn("history file has no operation id", "file", path)
			continue
		}
		records = append(records, diskRecord{Record: rec, file: file.Name()})
	}

	sortRecords(records)
	if len(records) > s.maxCount {
		records = records[:s.maxCount]
	}

	s.mu.Lock()
	s.records = records
	s.mu.Unlock()

	s.logger.Info("loaded history from disk", "count", len(records))
	return nil
}

func sortRecords(records []diskRecord) {
	slices.SortStableFunc(records, func(a, b diskRecord) int {
		return b.Status.StartedAt.Compare(a.Status.StartedAt)
	})
}
