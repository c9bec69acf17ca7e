// Package store defines the entity store the activation core reads
// topologies from and records deployment states in, with an in-memory
// implementation. store/sqlite persists the same model.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/nomis52/goactivate/lifecycle"
	"github.com/nomis52/goactivate/topology"
)

// ErrNotFound is returned when a topology or record does not exist.
var ErrNotFound = errors.New("not found")

// ItemState is the recorded deployment state of one entity.
type ItemState struct {
	EntityID  int64                     `json:"entity_id"`
	ItemType  string                    `json:"item_type"`
	State     lifecycle.DeploymentState `json:"state"`
	Message   string                    `json:"message,omitempty"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

// TopologyStatus is the persisted status line of a deployed topology.
type TopologyStatus struct {
	TopologyID string                    `json:"topology_id"`
	State      lifecycle.DeploymentState `json:"state"`
	Message    string                    `json:"message,omitempty"`
	Percent    int                       `json:"percent"`
	UpdatedAt  time.Time                 `json:"updated_at"`
}

// Store is the entity store.
type Store interface {
	// SaveTopology creates or replaces a topology.
	SaveTopology(ctx context.Context, t *topology.Topology) error
	// ListTopologies returns every topology ordered by id.
	ListTopologies(ctx context.Context) ([]*topology.Topology, error)
	// FindDeployedInstanceByTopologyID loads a topology. It returns
	// ErrNotFound for unknown ids.
	FindDeployedInstanceByTopologyID(ctx context.Context, topologyID string) (*topology.Topology, error)

	// UpdateDeploymentState records the state of one entity.
	UpdateDeploymentState(ctx context.Context, entityID int64, itemType string, state lifecycle.DeploymentState, message string) error
	// ItemState returns the recorded state of one entity.
	ItemState(ctx context.Context, entityID int64, itemType string) (ItemState, error)

	// SetAndPersistStatus records the status line of a topology.
	SetAndPersistStatus(ctx context.Context, topologyID string, state lifecycle.DeploymentState, message string, percent int) error
	// Status returns the status line of a topology.
	Status(ctx context.Context, topologyID string) (TopologyStatus, error)
}
