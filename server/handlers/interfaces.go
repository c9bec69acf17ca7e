// Package handlers provides HTTP handlers for the activator server.
//
// Each handler is in its own file and implements http.Handler.
// Handlers use interfaces to access server dependencies, avoiding
// circular imports.
package handlers

import (
	"context"

	"github.com/nomis52/goactivate/config"
	"github.com/nomis52/goactivate/history"
	"github.com/nomis52/goactivate/lifecycle"
	"github.com/nomis52/goactivate/logging"
	"github.com/nomis52/goactivate/orchestrator"
	"github.com/nomis52/goactivate/process"
	"github.com/nomis52/goactivate/server/cron"
	"github.com/nomis52/goactivate/topology"
)

// Operations submits and tracks operations.
type Operations interface {
	Run(topologyID string, op lifecycle.Operation) (orchestrator.AggregateStatus, error)
	Plan(ctx context.Context, topologyID string, op lifecycle.Operation) (*process.Graph, error)
	Status(id string) (orchestrator.AggregateStatus, error)
	Refresh(ctx context.Context, id string) (orchestrator.AggregateStatus, error)
	RefreshAll(ctx context.Context) []orchestrator.AggregateStatus
}

// TopologyLister lists the stored topologies.
type TopologyLister interface {
	ListTopologies(ctx context.Context) ([]*topology.Topology, error)
}

// LogProvider returns the records captured for a running operation.
type LogProvider interface {
	Entries(operationID string) []logging.Entry
}

// HistoryProvider provides access to archived operations.
type HistoryProvider interface {
	List() []orchestrator.AggregateStatus
	Get(id string) (history.Record, bool)
}

// ScheduleProvider describes the cron schedules.
type ScheduleProvider interface {
	Entries() []cron.Entry
}

// ConfigProvider provides access to the current configuration.
type ConfigProvider interface {
	Config() *config.Config
}

// Reloader reloads the topology documents and returns the ids it saved.
type Reloader interface {
	ReloadTopologies(ctx context.Context) ([]string, error)
}
