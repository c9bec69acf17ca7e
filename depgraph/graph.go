// Package depgraph turns the dependency tree of a topology into a graph of
// schedulable nodes for one lifecycle step.
//
// Items whose type has no handler at the step are transparent: they do not
// become nodes, and items depending on them attach to the nearest scheduled
// ancestors instead. In sequential mode the graph degenerates into a single
// chain, one node after another, consistent with every dependency.
package depgraph

import (
	"fmt"
	"slices"

	"github.com/nomis52/goactivate/lifecycle"
	"github.com/nomis52/goactivate/plugin"
	"github.com/nomis52/goactivate/topology"
)

// Mode selects how dependency edges are materialized.
type Mode int

const (
	// Parallel keeps every dependency edge so independent nodes can run
	// concurrently.
	Parallel Mode = iota
	// Sequential orders all nodes into one chain.
	Sequential
)

// String returns the mode name.
func (m Mode) String() string {
	if m == Sequential {
		return "sequential"
	}
	return "parallel"
}

// ModeFor returns Parallel when parallel is true, Sequential otherwise.
func ModeFor(parallel bool) Mode {
	if parallel {
		return Parallel
	}
	return Sequential
}

// Node is an item chosen for execution at a step.
type Node struct {
	Item    *topology.Item
	Handler plugin.Handler

	// DependsOn and DependedBy hold distinct nodes in insertion order.
	DependsOn  []*Node
	DependedBy []*Node

	// EntryID and ExitID are the process vertices the node is reached through
	// and left from. They are set when the node is lowered.
	EntryID string
	ExitID  string

	// Index is the position of the node in Graph.Nodes.
	Index int
}

// Name returns the item name.
func (n *Node) Name() string {
	return n.Item.Name
}

func (n *Node) String() string {
	return n.Item.Name
}

// depth counts the hops from n to the head of its chain.
func (n *Node) depth() int {
	d := 0
	for cur := n; len(cur.DependsOn) > 0; cur = cur.DependsOn[0] {
		d++
	}
	return d
}

// Graph is the set of schedulable nodes for one step.
type Graph struct {
	Step lifecycle.Step
	Mode Mode
	// Nodes holds the nodes in insertion order: a node follows the nodes of
	// its topology dependencies. Sequential splicing can link a node to a
	// later one, so Chain is the execution order in that mode.
	Nodes []*Node

	byName map[string]*Node
}

// Node returns the node for the item name, or nil when the item was not
// scheduled.
func (g *Graph) Node(name string) *Node {
	return g.byName[name]
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.Nodes)
}

// Names returns the node names in materialization order.
func (g *Graph) Names() []string {
	names := make([]string, len(g.Nodes))
	for i, n := range g.Nodes {
		names[i] = n.Name()
	}
	return names
}

// Heads returns the nodes without dependencies.
func (g *Graph) Heads() []*Node {
	var result []*Node
	for _, n := range g.Nodes {
		if len(n.DependsOn) == 0 {
			result = append(result, n)
		}
	}
	return result
}

// Chain returns the nodes in chain order. It is only meaningful in
// sequential mode and returns nil otherwise.
func (g *Graph) Chain() []*Node {
	if g.Mode != Sequential || len(g.Nodes) == 0 {
		return nil
	}
	heads := g.Heads()
	if len(heads) != 1 {
		return nil
	}
	var chain []*Node
	for cur := heads[0]; cur != nil; {
		chain = append(chain, cur)
		if len(cur.DependedBy) == 0 {
			break
		}
		cur = cur.DependedBy[0]
	}
	return chain
}

// CheckChain verifies that no node has more than one predecessor or
// successor.
func (g *Graph) CheckChain() error {
	for _, n := range g.Nodes {
		if err := checkNode(n); err != nil {
			return err
		}
	}
	return nil
}

func checkNode(n *Node) error {
	if len(n.DependsOn) > 1 || len(n.DependedBy) > 1 {
		return fmt.Errorf("%w: node %s has %d predecessors and %d successors",
			ErrChainInvariant, n.Name(), len(n.DependsOn), len(n.DependedBy))
	}
	return nil
}

func link(from, to *Node) {
	if from == to {
		return
	}
	if !slices.Contains(to.DependsOn, from) {
		to.DependsOn = append(to.DependsOn, from)
	}
	if !slices.Contains(from.DependedBy, to) {
		from.DependedBy = append(from.DependedBy, to)
	}
}

func unlink(from, to *Node) {
	to.DependsOn = slices.DeleteFunc(to.DependsOn, func(n *Node) bool { return n == from })
	from.DependedBy = slices.DeleteFunc(from.DependedBy, func(n *Node) bool { return n == to })
}
