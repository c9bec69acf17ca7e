package process_test

import (
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/goactivate/depgraph"
	"github.com/nomis52/goactivate/lifecycle"
	"github.com/nomis52/goactivate/plugin"
	"github.com/nomis52/goactivate/plugin/plugintest"
	"github.com/nomis52/goactivate/process"
	"github.com/nomis52/goactivate/topology"
)

func newTopology(t *testing.T, defs ...string) *topology.Topology {
	t.Helper()
	doc := topology.Document{ID: "shop", EntityID: 1, Type: "deployment"}
	for i, def := range defs {
		name, deps, _ := strings.Cut(def, ":")
		item := topology.ItemDocument{Name: name, Type: "service", ID: int64(i + 10)}
		if deps != "" {
			item.DependsOn = strings.Split(deps, ",")
		}
		doc.Items = append(doc.Items, item)
	}
	topo, err := doc.Build()
	require.NoError(t, err)
	return topo
}

func lower(t *testing.T, topo *topology.Topology, op lifecycle.Operation, mode depgraph.Mode) *process.Graph {
	t.Helper()
	registry := plugin.NewRegistry()
	require.NoError(t, registry.Register(plugintest.New("service", []string{"service"})))

	var phases []*depgraph.Graph
	for _, step := range op.Phases() {
		dg, err := depgraph.Build(topo.Roots(), step, registry, mode)
		require.NoError(t, err)
		phases = append(phases, dg)
	}
	g, err := process.Lower(phases, process.Options{Name: "test", OperationID: "op-1", Topology: topo})
	require.NoError(t, err)
	return g
}

// flows renders the edges as sorted "from -> to [condition]" lines.
func flows(g *process.Graph) []string {
	result := make([]string, 0, len(g.Edges))
	for _, e := range g.Edges {
		result = append(result, fmt.Sprintf("%s -> %s [%s]", e.From, e.To, e.Condition))
	}
	sort.Strings(result)
	return result
}

func junctions(g *process.Graph) map[string]process.JunctionMode {
	result := make(map[string]process.JunctionMode)
	for _, v := range g.VerticesOf(process.KindJunction) {
		result[v.ID] = v.Junction
	}
	return result
}

func TestLower_ParallelFanOut(t *testing.T) {
	topo := newTopology(t, "a", "b:a", "c:a")
	g := lower(t, topo, lifecycle.OperationStart, depgraph.Parallel)

	fork := g.Vertex("fork_START_a")
	require.NotNil(t, fork)
	var targets []string
	for _, e := range g.Outgoing(fork.ID) {
		targets = append(targets, e.To)
	}
	assert.Equal(t, []string{"task_START_b", "task_START_c"}, targets)
	assert.Len(t, g.Incoming("phase_START_end"), 2)

	removed := process.Simplify(g)
	assert.Equal(t, 1, removed)
	assert.Equal(t, map[string]process.JunctionMode{
		"fork_START_a":    process.JunctionFork,
		"phase_START_end": process.JunctionJoin,
	}, junctions(g))
	require.NoError(t, g.Validate())
}

func TestLower_Reverse(t *testing.T) {
	topo := newTopology(t, "a", "b:a", "c:a")
	g := lower(t, topo, lifecycle.OperationStop, depgraph.Parallel)
	process.Simplify(g)

	// Dependents stop first and a waits for both.
	assert.Equal(t, map[string]process.JunctionMode{
		"phase_STOP_start": process.JunctionFork,
		"join_STOP_a":      process.JunctionJoin,
	}, junctions(g))

	out := flows(g)
	assert.Contains(t, out, "branch_STOP_b -> join_STOP_a [no_error]")
	assert.Contains(t, out, "branch_STOP_c -> join_STOP_a [no_error]")
	assert.Contains(t, out, "join_STOP_a -> task_STOP_a [none]")
	assert.Contains(t, out, "branch_STOP_a -> region_end [no_error]")
}

func TestSimplify_Linear(t *testing.T) {
	topo := newTopology(t, "a", "b:a")
	g := lower(t, topo, lifecycle.OperationStart, depgraph.Parallel)
	process.Simplify(g)

	want := []string{
		"boundary -> failure_sentinel [none]",
		"branch_START_a -> error_end [error]",
		"branch_START_a -> task_START_b [no_error]",
		"branch_START_b -> error_end [error]",
		"branch_START_b -> region_end [no_error]",
		"failure_sentinel -> failure_end [none]",
		"region -> success_sentinel [none]",
		"region_start -> task_START_a [none]",
		"start -> region [none]",
		"success_sentinel -> success_end [none]",
		"task_START_a -> wait_START_a [none]",
		"task_START_b -> wait_START_b [none]",
		"wait_START_a -> branch_START_a [none]",
		"wait_START_b -> branch_START_b [none]",
	}
	if diff := cmp.Diff(want, flows(g)); diff != "" {
		t.Errorf("simplified flows mismatch (-want +got):\n%s", diff)
	}
}

func TestSimplify_LinearPhasesLeaveNoPassThrough(t *testing.T) {
	topo := newTopology(t, "a", "b:a", "c:b")
	for _, mode := range []depgraph.Mode{depgraph.Parallel, depgraph.Sequential} {
		t.Run(mode.String(), func(t *testing.T) {
			g := lower(t, topo, lifecycle.OperationActivate, mode)
			assert.Len(t, g.VerticesOf(process.KindLink), 2)

			process.Simplify(g)
			assert.Empty(t, g.VerticesOf(process.KindJunction))
			assert.Empty(t, g.VerticesOf(process.KindLink))
			assert.Contains(t, flows(g), "branch_INIT_c -> task_ACTIVATE_a [no_error]")
			assert.Contains(t, flows(g), "branch_ACTIVATE_c -> task_FIRSTSTART_a [no_error]")
			require.NoError(t, g.Validate())

			assert.Zero(t, process.Simplify(g))
		})
	}
}

func TestSimplify_EmptyPhase(t *testing.T) {
	topo := newTopology(t, "a")
	registry := plugin.NewRegistry()
	require.NoError(t, registry.Register(plugintest.New("service", []string{"service"}, lifecycle.Activate)))

	var phases []*depgraph.Graph
	for _, step := range lifecycle.OperationActivate.Phases() {
		dg, err := depgraph.Build(topo.Roots(), step, registry, depgraph.Parallel)
		require.NoError(t, err)
		phases = append(phases, dg)
	}
	g, err := process.Lower(phases, process.Options{Name: "test", Topology: topo})
	require.NoError(t, err)
	process.Simplify(g)

	assert.Empty(t, g.VerticesOf(process.KindJunction))
	assert.Contains(t, flows(g), "region_start -> task_ACTIVATE_a [none]")
	assert.Contains(t, flows(g), "branch_ACTIVATE_a -> region_end [no_error]")
}

func TestLower_TaskRefs(t *testing.T) {
	topo := newTopology(t, "a", "b:a", "c:a")
	g := lower(t, topo, lifecycle.OperationActivate, depgraph.Parallel)

	tasks := g.Tasks()
	require.Len(t, tasks, 9)
	assert.Equal(t, 9, g.TaskCount)
	for i, task := range tasks {
		assert.Equal(t, i, task.Index)
		assert.Equal(t, 9, task.Total)
		assert.Equal(t, "op-1", task.OperationID)
		assert.Equal(t, process.KindWait, g.Vertex(task.WaitID).Kind)
		assert.False(t, task.IsSentinel())
	}
	assert.Equal(t, process.TaskRef{
		RequestName: "ACTIVATE:b",
		ItemName:    "b",
		ItemType:    "service",
		EntityID:    11,
		Step:        lifecycle.Activate,
		Index:       4,
		Total:       9,
		OperationID: "op-1",
		WaitID:      "wait_ACTIVATE_b",
	}, tasks[4])

	success := g.Vertex("success_sentinel").Task
	assert.True(t, success.IsSentinel())
	assert.Equal(t, process.SuccessRequest, success.RequestName)
	assert.Equal(t, int64(1), success.EntityID)
	assert.Equal(t, "deployment", success.ItemType)
	assert.Equal(t, lifecycle.FirstStart, success.Step)

	assert.Equal(t, "region", g.Vertex("boundary").AttachedTo)
	assert.Equal(t, "success_end", g.SuccessEndID)
	assert.Equal(t, "failure_end", g.FailureEndID)
}

func TestLower_Errors(t *testing.T) {
	_, err := process.Lower(nil, process.Options{})
	assert.Error(t, err)

	_, err = process.Lower([]*depgraph.Graph{{Step: lifecycle.Start}}, process.Options{})
	assert.Error(t, err)
}

func TestCondition_Matches(t *testing.T) {
	tests := []struct {
		cond    process.Condition
		errCode string
		want    bool
	}{
		{process.CondNone, "", true},
		{process.CondNone, "failed", true},
		{process.CondNoError, "", true},
		{process.CondNoError, "failed", false},
		{process.CondError, "", false},
		{process.CondError, "failed", true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%q", tt.cond, tt.errCode), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cond.Matches(tt.errCode))
		})
	}
}
