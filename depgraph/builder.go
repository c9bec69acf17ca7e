package depgraph

import (
	"fmt"
	"slices"

	"github.com/nomis52/goactivate/lifecycle"
	"github.com/nomis52/goactivate/plugin"
	"github.com/nomis52/goactivate/topology"
)

// Build walks the items reachable from roots and returns the nodes that have
// a handler at step. Each item is resolved exactly once, however many items
// depend on it. Resolver errors and dependency cycles abort the build.
func Build(roots []*topology.Item, step lifecycle.Step, resolver plugin.Resolver, mode Mode) (*Graph, error) {
	b := &builder{
		step:     step,
		resolver: resolver,
		mode:     mode,
		memo:     make(map[string][]*Node),
		visiting: make(map[string]int),
		graph: &Graph{
			Step:   step,
			Mode:   mode,
			byName: make(map[string]*Node),
		},
	}

	for _, root := range roots {
		if _, err := b.visit(root); err != nil {
			return nil, err
		}
	}
	return b.graph, nil
}

type builder struct {
	step     lifecycle.Step
	resolver plugin.Resolver
	mode     Mode

	// memo maps an item name to the nodes that stand for it: the item's own
	// node, or for a transparent item the nodes of its dependencies.
	memo map[string][]*Node
	// visiting maps the names on the current path to their position in path.
	visiting map[string]int
	path     []string

	graph *Graph
}

func (b *builder) visit(item *topology.Item) ([]*Node, error) {
	if nodes, ok := b.memo[item.Name]; ok {
		return nodes, nil
	}
	if pos, ok := b.visiting[item.Name]; ok {
		cycle := append(slices.Clone(b.path[pos:]), item.Name)
		return nil, &CyclicDependencyError{Path: cycle}
	}

	b.visiting[item.Name] = len(b.path)
	b.path = append(b.path, item.Name)
	defer func() {
		delete(b.visiting, item.Name)
		b.path = b.path[:len(b.path)-1]
	}()

	handler, err := b.resolver.Resolve(item.Type, b.step)
	if err != nil {
		return nil, fmt.Errorf("item %s: %w", item.Name, err)
	}

	var deps []*Node
	for _, dep := range item.DependsOn {
		nodes, err := b.visit(dep)
		if err != nil {
			return nil, err
		}
		for _, n := range nodes {
			if !slices.Contains(deps, n) {
				deps = append(deps, n)
			}
		}
	}

	if handler == nil {
		b.memo[item.Name] = deps
		return deps, nil
	}

	node := &Node{
		Item:    item,
		Handler: handler,
		Index:   len(b.graph.Nodes),
	}

	switch b.mode {
	case Sequential:
		if err := b.insert(node, deps); err != nil {
			return nil, err
		}
	default:
		for _, dep := range deps {
			link(dep, node)
		}
	}

	b.graph.Nodes = append(b.graph.Nodes, node)
	b.graph.byName[item.Name] = node
	result := []*Node{node}
	b.memo[item.Name] = result
	return result, nil
}

// insert places node into the chain after its deepest dependency, splicing
// it in front of that dependency's current successor. Dependencies with a
// smaller depth are earlier in the chain, so every constraint still holds.
func (b *builder) insert(node *Node, deps []*Node) error {
	var pred *Node
	best := -1
	for _, dep := range deps {
		if d := dep.depth(); d > best {
			pred, best = dep, d
		}
	}

	if pred == nil {
		heads := b.graph.Heads()
		if len(heads) == 0 {
			return nil
		}
		pred = heads[0]
	}

	var succ *Node
	if len(pred.DependedBy) > 0 {
		succ = pred.DependedBy[0]
		unlink(pred, succ)
		link(node, succ)
	}
	link(pred, node)

	for _, n := range []*Node{pred, node, succ} {
		if n == nil {
			continue
		}
		if err := checkNode(n); err != nil {
			return err
		}
	}
	return nil
}
