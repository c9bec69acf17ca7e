// Package local implements engine.Engine in process.
//
// Each token runs on its own goroutine and walks the process graph:
//
//   - task vertices hand the task to the TaskExecutor on a new goroutine and
//     move on to the task's wait vertex
//   - wait vertices park until Signal is called for their execution id
//   - branch vertices follow the edges whose condition matches the signalled
//     error code
//   - junctions join every incoming edge, then fork to every outgoing edge
//   - an error end fires the boundary of its region once; tokens still
//     running in the region finish their step but the region never completes
//
// The wait point of a task is registered before the task is handed to the
// executor, so a signal sent while the token is still on its way is kept
// until the token arrives.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/nomis52/goactivate/engine"
	"github.com/nomis52/goactivate/process"
)

// Engine executes process graphs with goroutine tokens.
type Engine struct {
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	executor    engine.TaskExecutor
	definitions map[string]*definition
	instances   map[string]*instance
	// waits holds the unsignalled wait points by execution id.
	waits map[string]*waitPoint
}

var _ engine.Engine = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger.With("component", "engine")
	}
}

// WithExecutor sets the executor tasks are handed to.
func WithExecutor(executor engine.TaskExecutor) Option {
	return func(e *Engine) {
		e.executor = executor
	}
}

// New creates an engine. Close releases its goroutines.
func New(opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		logger:      slog.Default().With("component", "engine"),
		ctx:         ctx,
		cancel:      cancel,
		definitions: make(map[string]*definition),
		instances:   make(map[string]*instance),
		waits:       make(map[string]*waitPoint),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetExecutor replaces the executor. It exists for executors that need the
// engine themselves.
func (e *Engine) SetExecutor(executor engine.TaskExecutor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executor = executor
}

// Close stops every token and waits for running goroutines to return.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

type definition struct {
	graph    *process.Graph
	vertices map[string]*process.Vertex
	out      map[string][]*process.Edge
	inCount  map[string]int
	// regionStart and boundary are keyed by region id.
	regionStart map[string]string
	boundary    map[string]string
	start       string
}

// Deploy validates and registers the graph.
func (e *Engine) Deploy(ctx context.Context, g *process.Graph) (string, error) {
	if err := g.Validate(); err != nil {
		return "", fmt.Errorf("invalid process %s: %w", g.Name, err)
	}

	def := &definition{
		graph:       g,
		vertices:    make(map[string]*process.Vertex, len(g.Vertices)),
		out:         make(map[string][]*process.Edge),
		inCount:     make(map[string]int),
		regionStart: make(map[string]string),
		boundary:    make(map[string]string),
	}
	for _, v := range g.Vertices {
		def.vertices[v.ID] = v
		switch {
		case v.Kind == process.KindStart && v.Parent == "":
			def.start = v.ID
		case v.Kind == process.KindStart:
			def.regionStart[v.Parent] = v.ID
		case v.Kind == process.KindBoundary:
			def.boundary[v.AttachedTo] = v.ID
		}
	}
	for _, edge := range g.Edges {
		def.out[edge.From] = append(def.out[edge.From], edge)
		def.inCount[edge.To]++
	}
	for _, v := range g.VerticesOf(process.KindRegion) {
		if _, ok := def.regionStart[v.ID]; !ok {
			return "", fmt.Errorf("invalid process %s: region %s has no start", g.Name, v.ID)
		}
	}

	id := uuid.NewString()
	e.mu.Lock()
	e.definitions[id] = def
	e.mu.Unlock()

	e.logger.Debug("process deployed", "definition_id", id, "process", g.Name,
		"vertices", len(g.Vertices), "edges", len(g.Edges))
	return id, nil
}

// Start creates an instance and starts its first token.
func (e *Engine) Start(ctx context.Context, definitionID string) (string, error) {
	e.mu.Lock()
	def, ok := e.definitions[definitionID]
	if !ok {
		e.mu.Unlock()
		return "", fmt.Errorf("%w: %s", engine.ErrDefinitionNotFound, definitionID)
	}
	inst := newInstance(uuid.NewString(), def)
	e.instances[inst.id] = inst
	e.mu.Unlock()

	e.logger.Info("process instance started", "instance_id", inst.id, "process", def.graph.Name)
	e.spawn(inst, def.start, engine.SignalVars{})
	return inst.id, nil
}

// IsEnded reports whether the instance reached a terminus with no token left.
func (e *Engine) IsEnded(ctx context.Context, instanceID string) (bool, error) {
	inst, err := e.instance(instanceID)
	if err != nil {
		return false, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.endedLocked(), nil
}

// ActiveWaitPoints lists the registered wait points of the instance.
func (e *Engine) ActiveWaitPoints(ctx context.Context, instanceID string) ([]engine.WaitPoint, error) {
	inst, err := e.instance(instanceID)
	if err != nil {
		return nil, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()

	var result []engine.WaitPoint
	for _, w := range inst.points {
		if !w.signalled {
			result = append(result, engine.WaitPoint{ExecutionID: w.executionID, ActivityID: w.activityID})
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ActivityID < result[j].ActivityID })
	return result, nil
}

// Signal delivers vars to the wait point. Each wait point accepts one signal.
func (e *Engine) Signal(ctx context.Context, executionID string, vars engine.SignalVars) error {
	e.mu.Lock()
	w, ok := e.waits[executionID]
	if ok {
		delete(e.waits, executionID)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", engine.ErrWaitPointNotFound, executionID)
	}

	w.inst.mu.Lock()
	w.signalled = true
	w.inst.mu.Unlock()

	w.ch <- vars
	return nil
}

// MostRecentActivity returns the name of the last task or sentinel entered.
func (e *Engine) MostRecentActivity(ctx context.Context, instanceID string) (string, error) {
	inst, err := e.instance(instanceID)
	if err != nil {
		return "", err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.lastActivity, nil
}

// Terminus returns the end vertex reached and the failure diagnostic.
func (e *Engine) Terminus(ctx context.Context, instanceID string) (string, string, error) {
	inst, err := e.instance(instanceID)
	if err != nil {
		return "", "", err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if !inst.endedLocked() {
		return "", "", nil
	}
	return inst.terminus, inst.diagnostic, nil
}

func (e *Engine) instance(id string) (*instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrInstanceNotFound, id)
	}
	return inst, nil
}

func (e *Engine) spawn(inst *instance, vertexID string, vars engine.SignalVars) {
	inst.mu.Lock()
	inst.active++
	inst.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer inst.release()
		e.run(inst, vertexID, vars)
	}()
}

func (e *Engine) run(inst *instance, vertexID string, vars engine.SignalVars) {
	for {
		next := e.visit(inst, inst.def.vertices[vertexID], &vars)
		if len(next) == 0 {
			return
		}
		for _, id := range next[1:] {
			e.spawn(inst, id, vars)
		}
		vertexID = next[0]
	}
}

// visit performs the vertex's action and returns the vertices the token
// continues to.
func (e *Engine) visit(inst *instance, v *process.Vertex, vars *engine.SignalVars) []string {
	def := inst.def
	switch v.Kind {
	case process.KindRegion:
		return []string{def.regionStart[v.ID]}

	case process.KindEnd:
		if v.Parent != "" {
			inst.mu.Lock()
			failed := inst.failedRegions[v.Parent]
			inst.mu.Unlock()
			if failed {
				return nil
			}
			return e.follow(def, v.Parent, "")
		}
		inst.mu.Lock()
		if inst.terminus == "" {
			inst.terminus = v.ID
		}
		inst.mu.Unlock()
		e.logger.Info("process instance reached end", "instance_id", inst.id, "end", v.ID)
		return nil

	case process.KindTask:
		inst.setActivity(v.Name)
		w := e.register(inst, v.Task.WaitID)
		e.logger.Debug("task started", "instance_id", inst.id, "request", v.Task.RequestName,
			"execution_id", w.executionID)
		act := engine.Activation{InstanceID: inst.id, VertexID: v.ID, Task: *v.Task, Vars: *vars}
		if executor := e.currentExecutor(); executor != nil {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				executor.ExecuteTask(e.ctx, act)
			}()
		}
		return e.follow(def, v.ID, "")

	case process.KindSentinel:
		inst.setActivity(v.Name)
		if executor := e.currentExecutor(); executor != nil {
			executor.ExecuteTask(e.ctx, engine.Activation{
				InstanceID: inst.id, VertexID: v.ID, Task: *v.Task, Vars: *vars,
			})
		}
		return e.follow(def, v.ID, "")

	case process.KindWait:
		w := e.register(inst, v.ID)
		select {
		case received := <-w.ch:
			*vars = received
			return e.follow(def, v.ID, "")
		case <-e.ctx.Done():
			return nil
		}

	case process.KindBranch:
		return e.follow(def, v.ID, vars.ErrCode)

	case process.KindJunction:
		expected := def.inCount[v.ID]
		if expected > 1 {
			inst.mu.Lock()
			inst.arrivals[v.ID]++
			arrived := inst.arrivals[v.ID]
			inst.mu.Unlock()
			if arrived < expected {
				return nil
			}
		}
		return e.follow(def, v.ID, "")

	case process.KindErrorEnd:
		inst.mu.Lock()
		fired := inst.failedRegions[v.Parent]
		if !fired {
			inst.failedRegions[v.Parent] = true
			inst.diagnostic = vars.ErrMessage
		}
		inst.mu.Unlock()
		if fired {
			return nil
		}
		e.logger.Warn("step failed, boundary fired", "instance_id", inst.id,
			"entity_id", vars.EntityID, "step", vars.Step.String(), "error", vars.ErrMessage)
		if boundary, ok := def.boundary[v.Parent]; ok {
			return []string{boundary}
		}
		return nil

	default:
		return e.follow(def, v.ID, "")
	}
}

// follow returns the targets of the outgoing edges taken for errCode.
func (e *Engine) follow(def *definition, from, errCode string) []string {
	var next []string
	for _, edge := range def.out[from] {
		if edge.Condition.Matches(errCode) {
			next = append(next, edge.To)
		}
	}
	return next
}

// register returns the wait point of the wait vertex, creating it on first
// use. Tasks register their wait point before they are executed.
func (e *Engine) register(inst *instance, activityID string) *waitPoint {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if w, ok := inst.points[activityID]; ok {
		return w
	}
	w := &waitPoint{
		inst:        inst,
		executionID: uuid.NewString(),
		activityID:  activityID,
		ch:          make(chan engine.SignalVars, 1),
	}
	inst.points[activityID] = w

	e.mu.Lock()
	e.waits[w.executionID] = w
	e.mu.Unlock()
	return w
}

func (e *Engine) currentExecutor() engine.TaskExecutor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.executor
}
