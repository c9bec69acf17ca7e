package history

import (
	"fmt"
	"sync"

	"github.com/nomis52/goactivate/logging"
	"github.com/nomis52/goactivate/orchestrator"
)

// MemoryStore keeps history in memory only (no persistence).
type MemoryStore struct {
	maxCount int

	mu      sync.Mutex
	records []Record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a store keeping at most maxCount records. A
// non-positive maxCount selects DefaultMaxCount.
func NewMemoryStore(maxCount int) *MemoryStore {
	if maxCount <= 0 {
		maxCount = DefaultMaxCount
	}
	return &MemoryStore{maxCount: maxCount}
}

// Save archives an ended operation.
func (s *MemoryStore) Save(status orchestrator.AggregateStatus, logs []logging.Entry) error {
	if status.ID == "" {
		return fmt.Errorf("cannot archive operation without id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Prepend to keep most recent first
	s.records = append([]Record{clone(Record{Status: status, Logs: logs})}, s.records...)
	if len(s.records) > s.maxCount {
		s.records = s.records[:s.maxCount]
	}
	return nil
}

// List returns the archived statuses, most recent first.
func (s *MemoryStore) List() []orchestrator.AggregateStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]orchestrator.AggregateStatus, len(s.records))
	for i, r := range s.records {
		result[i] = r.Status.Clone()
	}
	return result
}

// Get returns the record of one operation.
func (s *MemoryStore) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.records {
		if r.Status.ID == id {
			return clone(r), true
		}
	}
	return Record{}, false
}
