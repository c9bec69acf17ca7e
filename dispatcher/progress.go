package dispatcher

import (
	"sync"
)

// progress is the bookkeeping of one process instance: the task indices that
// were dispatched, those that reached a terminal outcome, and the last
// percent reported. Each record has its own lock so parallel branches of one
// instance never contend with another instance.
type progress struct {
	mu        sync.Mutex
	total     int
	completed map[int]struct{}
	finished  map[int]struct{}
	percent   int

	// signal serializes signals sent to the instance.
	signal sync.Mutex
}

// complete adds index to the completed set and returns the new percent.
// The percent never decreases and stays below 100; only the success
// sentinel reports 100.
func (p *progress) complete(index int) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.completed[index] = struct{}{}
	if pct := Percent(len(p.completed), p.total); pct > p.percent {
		p.percent = pct
	}
	return p.percent
}

// finish marks index as terminal and reports whether every task of the
// instance has finished. A step still pending keeps the record alive.
func (p *progress) finish(index int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finished[index] = struct{}{}
	return p.total > 0 && len(p.finished) >= p.total
}

// Percent is (completed - 1) * 100 / total, clamped to [0, 99]. It lags one
// task behind to account for the step still in flight. A total of zero
// yields 0.
func Percent(completed, total int) int {
	if total <= 0 || completed <= 1 {
		return 0
	}
	return min((completed-1)*100/total, 99)
}

// arena owns one progress record per active process instance.
type arena struct {
	mu      sync.Mutex
	records map[string]*progress
}

func newArena() *arena {
	return &arena{records: make(map[string]*progress)}
}

// get returns the record of the instance, creating it on first use.
func (a *arena) get(instanceID string, total int) *progress {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.records[instanceID]
	if !ok {
		p = &progress{total: total, completed: make(map[int]struct{}), finished: make(map[int]struct{})}
		a.records[instanceID] = p
	}
	return p
}

// lookup returns the record of the instance if it exists.
func (a *arena) lookup(instanceID string) (*progress, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.records[instanceID]
	return p, ok
}

func (a *arena) release(instanceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.records, instanceID)
}

func (a *arena) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}
