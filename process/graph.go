// Package process describes executable process graphs: typed vertices joined
// by conditioned edges, as submitted to a process engine.
//
// A graph is generated from dependency graphs with Lower and minimized with
// Simplify. The shape of every generated graph is
//
//	start -> region -> success sentinel -> end
//	         region boundary -> failure sentinel -> end
//
// where the region holds one phase per lifecycle step. Inside a phase each
// node becomes task -> wait -> branch, and the branch routes errors to the
// region's error end, which fires the boundary.
package process

import (
	"errors"
	"fmt"
	"slices"

	"github.com/nomis52/goactivate/lifecycle"
)

// Request names reserved for the sentinel tasks.
const (
	SuccessRequest = "__activation_success__"
	FailureRequest = "__activation_failure__"
)

// Kind is the type of a vertex.
type Kind int

const (
	// KindStart begins the process, or a region when Parent is set.
	KindStart Kind = iota
	// KindEnd terminates the process, or completes a region when Parent is set.
	KindEnd
	// KindTask runs one lifecycle step of one item.
	KindTask
	// KindWait blocks until the task's outcome is signalled.
	KindWait
	// KindBranch routes on the signalled error code.
	KindBranch
	// KindJunction forks to every outgoing edge after joining every incoming one.
	KindJunction
	// KindSentinel runs the global success or failure request.
	KindSentinel
	// KindErrorEnd aborts the branch and fires the region's boundary.
	KindErrorEnd
	// KindRegion wraps the phase chain.
	KindRegion
	// KindBoundary catches errors raised inside the region it is attached to.
	KindBoundary
	// KindLink passes the flow through unchanged.
	KindLink
)

var kindNames = map[Kind]string{
	KindStart:    "start",
	KindEnd:      "end",
	KindTask:     "task",
	KindWait:     "wait",
	KindBranch:   "branch",
	KindJunction: "junction",
	KindSentinel: "sentinel",
	KindErrorEnd: "error_end",
	KindRegion:   "region",
	KindBoundary: "boundary",
	KindLink:     "link",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// JunctionMode is the explicit notation of a junction after simplification.
type JunctionMode int

const (
	// JunctionImplicit has not been classified yet.
	JunctionImplicit JunctionMode = iota
	// JunctionFork has one incoming and several outgoing edges.
	JunctionFork
	// JunctionJoin has several incoming and one outgoing edge.
	JunctionJoin
	// JunctionMixed joins several incoming and forks to several outgoing edges.
	JunctionMixed
)

func (m JunctionMode) String() string {
	switch m {
	case JunctionFork:
		return "fork"
	case JunctionJoin:
		return "join"
	case JunctionMixed:
		return "mixed"
	default:
		return "implicit"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m JunctionMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Condition guards an edge leaving a branch.
type Condition int

const (
	// CondNone is always taken.
	CondNone Condition = iota
	// CondNoError is taken when the step succeeded.
	CondNoError
	// CondError is taken when the step failed.
	CondError
)

func (c Condition) String() string {
	switch c {
	case CondNoError:
		return "no_error"
	case CondError:
		return "error"
	default:
		return "none"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c Condition) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Matches reports whether the edge is taken for the signalled error code.
func (c Condition) Matches(errCode string) bool {
	switch c {
	case CondNoError:
		return errCode == ""
	case CondError:
		return errCode != ""
	default:
		return true
	}
}

// TaskRef is the implementation reference of a task or sentinel vertex.
type TaskRef struct {
	// RequestName is unique within the process.
	RequestName string         `json:"request_name"`
	ItemName    string         `json:"item_name"`
	ItemType    string         `json:"item_type"`
	EntityID    int64          `json:"entity_id"`
	Step        lifecycle.Step `json:"step"`
	// Index is the position of the task among all tasks of the process.
	Index int `json:"index"`
	// Total is the number of tasks in the process.
	Total       int    `json:"total"`
	OperationID string `json:"operation_id,omitempty"`
	// WaitID is the wait vertex that receives the task's outcome.
	WaitID string `json:"wait_id,omitempty"`
}

// IsSentinel returns true for the global success and failure requests.
func (t TaskRef) IsSentinel() bool {
	return t.RequestName == SuccessRequest || t.RequestName == FailureRequest
}

// Vertex is a node of the process graph.
type Vertex struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`
	Name string `json:"name,omitempty"`
	// Parent is the region containing the vertex; empty at the top level.
	Parent   string       `json:"parent,omitempty"`
	Task     *TaskRef     `json:"task,omitempty"`
	Junction JunctionMode `json:"junction,omitempty"`
	// AttachedTo is the region a boundary catches errors for.
	AttachedTo string `json:"attached_to,omitempty"`
}

// Edge is a directed flow between two vertices.
type Edge struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Condition Condition `json:"condition,omitempty"`
}

// Graph is an executable process description.
type Graph struct {
	Name        string    `json:"name"`
	OperationID string    `json:"operation_id,omitempty"`
	Vertices    []*Vertex `json:"vertices"`
	Edges       []*Edge   `json:"edges"`
	// SuccessEndID is the terminus reached when every phase completed.
	SuccessEndID string `json:"success_end_id"`
	// FailureEndID is the terminus reached after the boundary fired.
	FailureEndID string `json:"failure_end_id"`
	// TaskCount is the number of task vertices, excluding sentinels.
	TaskCount int `json:"task_count"`

	nextEdge int
}

// Vertex returns the vertex with the id, or nil.
func (g *Graph) Vertex(id string) *Vertex {
	for _, v := range g.Vertices {
		if v.ID == id {
			return v
		}
	}
	return nil
}

// Incoming returns the edges ending at the vertex.
func (g *Graph) Incoming(id string) []*Edge {
	var result []*Edge
	for _, e := range g.Edges {
		if e.To == id {
			result = append(result, e)
		}
	}
	return result
}

// Outgoing returns the edges leaving the vertex.
func (g *Graph) Outgoing(id string) []*Edge {
	var result []*Edge
	for _, e := range g.Edges {
		if e.From == id {
			result = append(result, e)
		}
	}
	return result
}

// VerticesOf returns the vertices of the kind, in graph order.
func (g *Graph) VerticesOf(kind Kind) []*Vertex {
	var result []*Vertex
	for _, v := range g.Vertices {
		if v.Kind == kind {
			result = append(result, v)
		}
	}
	return result
}

// Tasks returns the task references of every task vertex.
func (g *Graph) Tasks() []TaskRef {
	var result []TaskRef
	for _, v := range g.VerticesOf(KindTask) {
		result = append(result, *v.Task)
	}
	return result
}

// Validate checks the structural rules every engine relies on.
func (g *Graph) Validate() error {
	ids := make(map[string]*Vertex, len(g.Vertices))
	starts := 0
	for _, v := range g.Vertices {
		if v.ID == "" {
			return errors.New("vertex without id")
		}
		if _, dup := ids[v.ID]; dup {
			return fmt.Errorf("duplicate vertex %s", v.ID)
		}
		ids[v.ID] = v
		if v.Kind == KindStart && v.Parent == "" {
			starts++
		}
		if (v.Kind == KindTask || v.Kind == KindSentinel) && v.Task == nil {
			return fmt.Errorf("%s vertex %s has no task reference", v.Kind, v.ID)
		}
	}
	if starts != 1 {
		return fmt.Errorf("process must have exactly one start, found %d", starts)
	}

	for _, e := range g.Edges {
		if _, ok := ids[e.From]; !ok {
			return fmt.Errorf("edge %s starts at unknown vertex %s", e.ID, e.From)
		}
		if _, ok := ids[e.To]; !ok {
			return fmt.Errorf("edge %s ends at unknown vertex %s", e.ID, e.To)
		}
	}

	for _, v := range g.Vertices {
		switch v.Kind {
		case KindBoundary:
			region, ok := ids[v.AttachedTo]
			if !ok || region.Kind != KindRegion {
				return fmt.Errorf("boundary %s is not attached to a region", v.ID)
			}
		case KindTask:
			if w, ok := ids[v.Task.WaitID]; !ok || w.Kind != KindWait {
				return fmt.Errorf("task %s has no wait vertex", v.ID)
			}
		}
		if v.Parent != "" {
			if p, ok := ids[v.Parent]; !ok || p.Kind != KindRegion {
				return fmt.Errorf("vertex %s has unknown parent %s", v.ID, v.Parent)
			}
		}
	}
	return nil
}

func (g *Graph) addVertex(v *Vertex) *Vertex {
	g.Vertices = append(g.Vertices, v)
	return v
}

func (g *Graph) addEdge(from, to string, cond Condition) *Edge {
	var id string
	for {
		g.nextEdge++
		id = fmt.Sprintf("flow_%d", g.nextEdge)
		if !slices.ContainsFunc(g.Edges, func(e *Edge) bool { return e.ID == id }) {
			break
		}
	}
	e := &Edge{
		ID:        id,
		From:      from,
		To:        to,
		Condition: cond,
	}
	g.Edges = append(g.Edges, e)
	return e
}

func (g *Graph) removeVertex(id string) {
	g.Vertices = slices.DeleteFunc(g.Vertices, func(v *Vertex) bool { return v.ID == id })
}

func (g *Graph) removeEdges(remove ...*Edge) {
	g.Edges = slices.DeleteFunc(g.Edges, func(e *Edge) bool { return slices.Contains(remove, e) })
}
