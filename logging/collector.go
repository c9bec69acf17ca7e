package logging

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultMaxEntries bounds the records kept per operation.
const DefaultMaxEntries = 1000

// Entry is one captured log record.
type Entry struct {
	Time       time.Time      `json:"time"`
	Level      string         `json:"level"`
	Message    string         `json:"message"`
	RequestID  string         `json:"request_id"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Collector stores captured records per operation. When an operation exceeds
// its limit the oldest records are dropped.
type Collector struct {
	maxEntries int

	mu      sync.RWMutex
	entries map[string][]Entry
}

// NewCollector creates a collector keeping at most maxEntries records per
// operation. Zero selects DefaultMaxEntries.
func NewCollector(maxEntries int) *Collector {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Collector{
		maxEntries: maxEntries,
		entries:    make(map[string][]Entry),
	}
}

// Add appends a record to the operation.
func (c *Collector) Add(operationID string, entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := append(c.entries[operationID], entry)
	if over := len(entries) - c.maxEntries; over > 0 {
		entries = append([]Entry(nil), entries[over:]...)
	}
	c.entries[operationID] = entries
}

// Entries returns a copy of the operation's records, oldest first.
func (c *Collector) Entries(operationID string) []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries, ok := c.entries[operationID]
	if !ok {
		return nil
	}
	result := make([]Entry, len(entries))
	copy(result, entries)
	return result
}

// Forget drops the operation's records.
func (c *Collector) Forget(operationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, operationID)
}

// Logger wraps base so every record is also captured for the request.
func (c *Collector) Logger(base *slog.Logger, operationID, requestID string) *slog.Logger {
	return slog.New(&captureHandler{
		next:        base.Handler(),
		collector:   c,
		operationID: operationID,
		requestID:   requestID,
	})
}
