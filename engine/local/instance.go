package local

import (
	"sync"

	"github.com/nomis52/goactivate/engine"
)

type instance struct {
	id  string
	def *definition

	mu sync.Mutex
	// active counts the tokens still running, parked ones included.
	active int
	// arrivals counts the tokens that reached each joining junction.
	arrivals map[string]int
	// points holds every wait point created, keyed by wait vertex id.
	points        map[string]*waitPoint
	failedRegions map[string]bool
	terminus      string
	diagnostic    string
	lastActivity  string
}

type waitPoint struct {
	inst        *instance
	executionID string
	activityID  string
	signalled   bool
	ch          chan engine.SignalVars
}

func newInstance(id string, def *definition) *instance {
	return &instance{
		id:            id,
		def:           def,
		arrivals:      make(map[string]int),
		points:        make(map[string]*waitPoint),
		failedRegions: make(map[string]bool),
	}
}

func (i *instance) release() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.active--
}

func (i *instance) setActivity(name string) {
	if name == "" {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.lastActivity = name
}

func (i *instance) endedLocked() bool {
	return i.terminus != "" && i.active == 0
}
