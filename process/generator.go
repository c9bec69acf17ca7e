package process

import (
	"errors"
	"fmt"

	"github.com/nomis52/goactivate/depgraph"
	"github.com/nomis52/goactivate/lifecycle"
	"github.com/nomis52/goactivate/topology"
)

// Options parameterize Lower.
type Options struct {
	// Name labels the process.
	Name string
	// OperationID is copied into every task reference.
	OperationID string
	// Topology identifies the deployed instance the sentinels update.
	Topology *topology.Topology
}

// Lower turns the dependency graphs of consecutive phases into one process
// graph. Each phase starts once the previous phase completed. Phases for
// reverse steps flow from dependents to the items they depend on.
//
// Lower records the entry and exit vertex of every node on the node itself.
func Lower(phases []*depgraph.Graph, opts Options) (*Graph, error) {
	if len(phases) == 0 {
		return nil, errors.New("no phases to lower")
	}
	if opts.Topology == nil {
		return nil, errors.New("topology is required")
	}

	total := 0
	for _, phase := range phases {
		total += phase.Len()
	}

	l := &lowering{
		g:     &Graph{Name: opts.Name, OperationID: opts.OperationID, TaskCount: total},
		opts:  opts,
		total: total,
	}
	g := l.g

	start := g.addVertex(&Vertex{ID: "start", Kind: KindStart, Name: "start"})
	region := g.addVertex(&Vertex{ID: "region", Kind: KindRegion, Name: opts.Name})
	regionStart := g.addVertex(&Vertex{ID: "region_start", Kind: KindStart, Parent: region.ID})
	regionEnd := g.addVertex(&Vertex{ID: "region_end", Kind: KindEnd, Parent: region.ID})
	l.errorEnd = g.addVertex(&Vertex{ID: "error_end", Kind: KindErrorEnd, Name: "step failed", Parent: region.ID}).ID

	prev := regionStart.ID
	for i, phase := range phases {
		phaseStart, phaseEnd := l.phase(phase, region.ID)
		if i == 0 {
			l.flow(prev, phaseStart)
		} else {
			link := g.addVertex(&Vertex{
				ID:     fmt.Sprintf("link_%s", phase.Step),
				Kind:   KindLink,
				Parent: region.ID,
			})
			l.flow(prev, link.ID)
			l.flow(link.ID, phaseStart)
		}
		prev = phaseEnd
	}
	l.flow(prev, regionEnd.ID)

	last := phases[len(phases)-1].Step
	success := g.addVertex(&Vertex{
		ID:   "success_sentinel",
		Kind: KindSentinel,
		Name: "activation succeeded",
		Task: l.sentinel(SuccessRequest, last),
	})
	successEnd := g.addVertex(&Vertex{ID: "success_end", Kind: KindEnd, Name: "succeeded"})
	boundary := g.addVertex(&Vertex{ID: "boundary", Kind: KindBoundary, AttachedTo: region.ID})
	failure := g.addVertex(&Vertex{
		ID:   "failure_sentinel",
		Kind: KindSentinel,
		Name: "activation failed",
		Task: l.sentinel(FailureRequest, last),
	})
	failureEnd := g.addVertex(&Vertex{ID: "failure_end", Kind: KindEnd, Name: "failed"})

	l.flow(start.ID, region.ID)
	l.flow(region.ID, success.ID)
	l.flow(success.ID, successEnd.ID)
	l.flow(boundary.ID, failure.ID)
	l.flow(failure.ID, failureEnd.ID)

	g.SuccessEndID = successEnd.ID
	g.FailureEndID = failureEnd.ID

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("generated invalid process: %w", err)
	}
	return g, nil
}

type lowering struct {
	g        *Graph
	opts     Options
	total    int
	index    int
	errorEnd string
}

// phase lowers one dependency graph and returns its start and end junctions.
func (l *lowering) phase(dg *depgraph.Graph, parent string) (string, string) {
	step := dg.Step
	reverse := step.IsReverse()

	start := l.g.addVertex(&Vertex{
		ID:     fmt.Sprintf("phase_%s_start", step),
		Kind:   KindJunction,
		Name:   fmt.Sprintf("%s started", step),
		Parent: parent,
	})
	end := l.g.addVertex(&Vertex{
		ID:     fmt.Sprintf("phase_%s_end", step),
		Kind:   KindJunction,
		Name:   fmt.Sprintf("%s completed", step),
		Parent: parent,
	})

	for _, n := range dg.Nodes {
		preds, succs := flowNeighbours(n, reverse)
		prefix := fmt.Sprintf("%s_%s", step, n.Name())

		task := l.g.addVertex(&Vertex{
			ID:     "task_" + prefix,
			Kind:   KindTask,
			Name:   fmt.Sprintf("%s %s", step, n.Item.DisplayName()),
			Parent: parent,
			Task: &TaskRef{
				RequestName: fmt.Sprintf("%s:%s", step, n.Name()),
				ItemName:    n.Name(),
				ItemType:    n.Item.Type,
				EntityID:    n.Item.ID,
				Step:        step,
				Index:       l.index,
				Total:       l.total,
				OperationID: l.opts.OperationID,
				WaitID:      "wait_" + prefix,
			},
		})
		l.index++
		wait := l.g.addVertex(&Vertex{
			ID:     task.Task.WaitID,
			Kind:   KindWait,
			Name:   fmt.Sprintf("waiting for %s", n.Item.DisplayName()),
			Parent: parent,
		})
		branch := l.g.addVertex(&Vertex{
			ID:     "branch_" + prefix,
			Kind:   KindBranch,
			Parent: parent,
		})

		l.flow(task.ID, wait.ID)
		l.flow(wait.ID, branch.ID)
		l.g.addEdge(branch.ID, l.errorEnd, CondError)

		n.EntryID = task.ID
		if len(preds) > 1 {
			join := l.g.addVertex(&Vertex{ID: "join_" + prefix, Kind: KindJunction, Parent: parent})
			l.flow(join.ID, task.ID)
			n.EntryID = join.ID
		}

		n.ExitID = branch.ID
		if len(succs) > 1 {
			fork := l.g.addVertex(&Vertex{ID: "fork_" + prefix, Kind: KindJunction, Parent: parent})
			l.flow(branch.ID, fork.ID)
			n.ExitID = fork.ID
		}
	}

	for _, n := range dg.Nodes {
		preds, succs := flowNeighbours(n, reverse)
		if len(preds) == 0 {
			l.flow(start.ID, n.EntryID)
		}
		for _, p := range preds {
			l.flow(p.ExitID, n.EntryID)
		}
		if len(succs) == 0 {
			l.flow(n.ExitID, end.ID)
		}
	}

	if dg.Len() == 0 {
		l.flow(start.ID, end.ID)
	}
	return start.ID, end.ID
}

// flow adds an edge. Edges leaving a branch continue only when the step
// succeeded.
func (l *lowering) flow(from, to string) {
	cond := CondNone
	if v := l.g.Vertex(from); v != nil && v.Kind == KindBranch {
		cond = CondNoError
	}
	l.g.addEdge(from, to, cond)
}

func (l *lowering) sentinel(name string, step lifecycle.Step) *TaskRef {
	return &TaskRef{
		RequestName: name,
		ItemName:    l.opts.Topology.ID,
		ItemType:    l.opts.Topology.Type,
		EntityID:    l.opts.Topology.EntityID,
		Step:        step,
		Index:       l.total,
		Total:       l.total,
		OperationID: l.opts.OperationID,
	}
}

// flowNeighbours returns the nodes that run before and after n.
func flowNeighbours(n *depgraph.Node, reverse bool) (before, after []*depgraph.Node) {
	if reverse {
		return n.DependedBy, n.DependsOn
	}
	return n.DependsOn, n.DependedBy
}
