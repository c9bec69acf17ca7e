// Package history archives ended operations.
//
// Two stores implement orchestrator.Archive:
//   - MemoryStore keeps records for the lifetime of the process.
//   - DiskStore writes one JSON file per operation and reloads them on start.
//
// Records are immutable once saved. Lists are ordered most recent first.
package history

import (
	"github.com/nomis52/goactivate/logging"
	"github.com/nomis52/goactivate/orchestrator"
)

// DefaultMaxCount is the retention used when none is configured.
const DefaultMaxCount = 100

// Record is one archived operation.
type Record struct {
	Status orchestrator.AggregateStatus `json:"status"`
	Logs   []logging.Entry              `json:"logs,omitempty"`
}

// Store is an operation archive.
type Store interface {
	orchestrator.Archive
	// List returns the archived statuses, most recent first.
	List() []orchestrator.AggregateStatus
	// Get returns the record of one operation.
	Get(id string) (Record, bool)
}

func clone(r Record) Record {
	r.Status = r.Status.Clone()
	if r.Logs != nil {
		r.Logs = append([]logging.Entry(nil), r.Logs...)
	}
	return r
}
