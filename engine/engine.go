// Package engine defines the contract with the process engine that executes
// submitted process graphs.
//
// The activation core only deploys a graph, starts an instance, inspects its
// wait points and progress, and signals task outcomes back. Any runtime
// honouring these semantics can back it; engine/local is the in-process
// implementation.
//
// # Task execution
//
// When a token reaches a task or sentinel vertex the engine calls the
// TaskExecutor registered with it. Tasks are executed asynchronously: the
// token moves on to the task's wait vertex, which parks until Signal is called
// for its execution id. Sentinels run to completion before the token moves on.
package engine

import (
	"context"
	"errors"

	"github.com/nomis52/goactivate/lifecycle"
	"github.com/nomis52/goactivate/process"
)

// ErrWaitPointNotFound is returned by Signal when no active wait point has the
// execution id.
var ErrWaitPointNotFound = errors.New("wait point not found")

// ErrInstanceNotFound is returned for unknown instance ids.
var ErrInstanceNotFound = errors.New("process instance not found")

// ErrDefinitionNotFound is returned for unknown definition ids.
var ErrDefinitionNotFound = errors.New("process definition not found")

// WaitPoint is a wait vertex a token is parked at.
type WaitPoint struct {
	// ExecutionID identifies the parked token; it is the Signal target.
	ExecutionID string
	// ActivityID is the wait vertex id.
	ActivityID string
}

// SignalVars are the variables delivered with a signal. An empty ErrCode
// means the step succeeded.
type SignalVars struct {
	ErrCode    string         `json:"err_code,omitempty"`
	ErrMessage string         `json:"err_message,omitempty"`
	EntityID   int64          `json:"entity_id"`
	EntityType string         `json:"entity_type"`
	Step       lifecycle.Step `json:"step"`
}

// Activation is handed to the TaskExecutor for one task or sentinel.
type Activation struct {
	InstanceID string
	VertexID   string
	Task       process.TaskRef
	// Vars holds the variables of the signal that led here. For the failure
	// sentinel these describe the failed step.
	Vars SignalVars
}

// TaskExecutor runs tasks on behalf of the engine.
type TaskExecutor interface {
	ExecuteTask(ctx context.Context, activation Activation)
}

// TaskExecutorFunc adapts a function to TaskExecutor.
type TaskExecutorFunc func(ctx context.Context, activation Activation)

// ExecuteTask calls f.
func (f TaskExecutorFunc) ExecuteTask(ctx context.Context, activation Activation) {
	f(ctx, activation)
}

// Engine is the process engine collaborator.
type Engine interface {
	// Deploy registers a process graph and returns its definition id.
	Deploy(ctx context.Context, g *process.Graph) (string, error)
	// Start creates a running instance of a deployed definition.
	Start(ctx context.Context, definitionID string) (string, error)
	// IsEnded reports whether the instance reached a terminus and has no
	// active tokens left.
	IsEnded(ctx context.Context, instanceID string) (bool, error)
	// ActiveWaitPoints lists the wait points the instance is parked at.
	ActiveWaitPoints(ctx context.Context, instanceID string) ([]WaitPoint, error)
	// Signal resumes the token parked at the execution id.
	Signal(ctx context.Context, executionID string, vars SignalVars) error
	// MostRecentActivity returns the name of the most recently entered named
	// vertex, or "" when none was entered yet.
	MostRecentActivity(ctx context.Context, instanceID string) (string, error)
	// Terminus returns the end vertex the instance reached and a diagnostic
	// describing a failure, or "" while the instance has not ended.
	Terminus(ctx context.Context, instanceID string) (vertexID string, diagnostic string, err error)
}
