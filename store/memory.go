package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nomis52/goactivate/lifecycle"
	"github.com/nomis52/goactivate/topology"
)

type itemKey struct {
	entityID int64
	itemType string
}

// MemoryStore keeps everything in memory only (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	topologies map[string]topology.Document
	items      map[itemKey]ItemState
	statuses   map[string]TopologyStatus
	now        func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		topologies: make(map[string]topology.Document),
		items:      make(map[itemKey]ItemState),
		statuses:   make(map[string]TopologyStatus),
		now:        time.Now,
	}
}

// SaveTopology stores a copy of the topology.
func (s *MemoryStore) SaveTopology(ctx context.Context, t *topology.Topology) error {
	if t.ID == "" {
		return fmt.Errorf("topology id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topologies[t.ID] = t.Document()
	return nil
}

// ListTopologies returns copies of every topology ordered by id.
func (s *MemoryStore) ListTopologies(ctx context.Context) ([]*topology.Topology, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.topologies))
	for id := range s.topologies {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	result := make([]*topology.Topology, 0, len(ids))
	for _, id := range ids {
		t, err := s.topologies[id].Build()
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, nil
}

// FindDeployedInstanceByTopologyID returns a copy of the topology.
func (s *MemoryStore) FindDeployedInstanceByTopologyID(ctx context.Context, topologyID string) (*topology.Topology, error) {
	s.mu.RLock()
	doc, ok := s.topologies[topologyID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("topology %q: %w", topologyID, ErrNotFound)
	}
	return doc.Build()
}

// UpdateDeploymentState records the state of one entity.
func (s *MemoryStore) UpdateDeploymentState(ctx context.Context, entityID int64, itemType string, state lifecycle.DeploymentState, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[itemKey{entityID, itemType}] = ItemState{
		EntityID:  entityID,
		ItemType:  itemType,
		State:     state,
		Message:   message,
		UpdatedAt: s.now(),
	}
	return nil
}

// ItemState returns the recorded state of one entity.
func (s *MemoryStore) ItemState(ctx context.Context, entityID int64, itemType string) (ItemState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.items[itemKey{entityID, itemType}]
	if !ok {
		return ItemState{}, fmt.Errorf("entity %d of type %s: %w", entityID, itemType, ErrNotFound)
	}
	return state, nil
}

// SetAndPersistStatus records the status line of a topology.
func (s *MemoryStore) SetAndPersistStatus(ctx context.Context, topologyID string, state lifecycle.DeploymentState, message string, percent int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[topologyID] = TopologyStatus{
		TopologyID: topologyID,
		State:      state,
		Message:    message,
		Percent:    percent,
		UpdatedAt:  s.now(),
	}
	return nil
}

// Status returns the status line of a topology.
func (s *MemoryStore) Status(ctx context.Context, topologyID string) (TopologyStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.statuses[topologyID]
	if !ok {
		return TopologyStatus{}, fmt.Errorf("status of topology %q: %w", topologyID, ErrNotFound)
	}
	return status, nil
}
