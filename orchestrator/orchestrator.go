package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nomis52/goactivate/depgraph"
	"github.com/nomis52/goactivate/dispatcher"
	"github.com/nomis52/goactivate/engine"
	"github.com/nomis52/goactivate/lifecycle"
	"github.com/nomis52/goactivate/logging"
	"github.com/nomis52/goactivate/metrics"
	"github.com/nomis52/goactivate/plugin"
	"github.com/nomis52/goactivate/process"
	"github.com/nomis52/goactivate/store"
	"github.com/nomis52/goactivate/topology"
)

// ErrUnknownRequest is returned for operation ids the orchestrator never
// issued.
var ErrUnknownRequest = errors.New("unknown operation")

// ErrOperationInProgress is returned when the topology already has an
// operation that has not ended.
var ErrOperationInProgress = errors.New("operation already in progress")

// Archive receives every operation once it ended.
type Archive interface {
	Save(status AggregateStatus, logs []logging.Entry) error
}

// tracked is one entry of the status table.
type tracked struct {
	status AggregateStatus
	// successEndID is the terminus the instance must reach to succeed.
	successEndID string
}

// Orchestrator runs operations against topologies. It plans each operation
// into a process graph, submits it to the engine and follows it to its end.
type Orchestrator struct {
	logger       *slog.Logger
	engine       engine.Engine
	resolver     plugin.Resolver
	dispatcher   *dispatcher.Dispatcher
	store        store.Store
	archive      Archive
	collector    *logging.Collector
	metrics      *metrics.Activation
	mode         depgraph.Mode
	messageLimit int
	now          func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	statuses map[string]*tracked
}

var _ dispatcher.StatusSink = (*Orchestrator)(nil)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets a custom logger for the orchestrator
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger.With("component", "orchestrator")
	}
}

// WithStore sets the entity store topologies are loaded from.
func WithStore(s store.Store) Option {
	return func(o *Orchestrator) {
		o.store = s
	}
}

// WithArchive archives ended operations.
func WithArchive(a Archive) Option {
	return func(o *Orchestrator) {
		o.archive = a
	}
}

// WithCollector sets the collector holding the handler logs of every
// operation. The logs are archived with the operation and then dropped.
func WithCollector(c *logging.Collector) Option {
	return func(o *Orchestrator) {
		o.collector = c
	}
}

// WithMetrics sets the metrics recorded per operation.
func WithMetrics(m *metrics.Activation) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithMode selects parallel or sequential dependency graphs.
func WithMode(mode depgraph.Mode) Option {
	return func(o *Orchestrator) {
		o.mode = mode
	}
}

// WithMessageLimit caps failure messages, in runes.
func WithMessageLimit(limit int) Option {
	return func(o *Orchestrator) {
		o.messageLimit = limit
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// New creates an orchestrator submitting to eng. It becomes the status sink
// of d, which must be the executor registered with eng.
func New(eng engine.Engine, resolver plugin.Resolver, d *dispatcher.Dispatcher, opts ...Option) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		logger:       slog.Default().With("component", "orchestrator"),
		engine:       eng,
		resolver:     resolver,
		dispatcher:   d,
		store:        store.NewMemoryStore(),
		metrics:      metrics.NopActivation(),
		mode:         depgraph.Parallel,
		messageLimit: dispatcher.DefaultMessageLimit,
		now:          time.Now,
		ctx:          ctx,
		cancel:       cancel,
		statuses:     make(map[string]*tracked),
	}
	for _, opt := range opts {
		opt(o)
	}
	d.SetStatusSink(o)
	return o
}

// Close stops submitting and waits for in-flight submissions to return.
// Process instances already started keep running on the engine.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

// Activate runs the INIT, ACTIVATE and FIRSTSTART phases.
func (o *Orchestrator) Activate(topologyID string) (AggregateStatus, error) {
	return o.Run(topologyID, lifecycle.OperationActivate)
}

// Start runs the START phase.
func (o *Orchestrator) Start(topologyID string) (AggregateStatus, error) {
	return o.Run(topologyID, lifecycle.OperationStart)
}

// Stop runs the STOP phase, dependents first.
func (o *Orchestrator) Stop(topologyID string) (AggregateStatus, error) {
	return o.Run(topologyID, lifecycle.OperationStop)
}

// Delete runs the DELETE phase, dependents first.
func (o *Orchestrator) Delete(topologyID string) (AggregateStatus, error) {
	return o.Run(topologyID, lifecycle.OperationDelete)
}

// Run starts op against the topology and returns its status without
// waiting. Planning and submission happen in the background; their failures
// are reported on the status.
//
// Run returns ErrOperationInProgress if the topology has an operation that
// has not ended.
func (o *Orchestrator) Run(topologyID string, op lifecycle.Operation) (AggregateStatus, error) {
	if len(op.Phases()) == 0 {
		return AggregateStatus{}, fmt.Errorf("unknown operation %q", op)
	}

	o.mu.Lock()
	for _, t := range o.statuses {
		if t.status.TopologyID == topologyID && !t.status.State.IsTerminal() {
			o.mu.Unlock()
			return AggregateStatus{}, fmt.Errorf("topology %s: %w (%s)", topologyID, ErrOperationInProgress, t.status.ID)
		}
	}
	status := AggregateStatus{
		ID:         uuid.NewString(),
		TopologyID: topologyID,
		Operation:  op,
		State:      Pending,
		Title:      fmt.Sprintf("%s %s", op, topologyID),
		StartedAt:  o.now(),
	}
	o.statuses[status.ID] = &tracked{status: status}
	o.mu.Unlock()

	o.logger.Info("operation requested", "id", status.ID, "topology", topologyID, "operation", op)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.submit(o.ctx, status.ID, topologyID, op)
	}()
	return status.Clone(), nil
}

func (o *Orchestrator) submit(ctx context.Context, id, topologyID string, op lifecycle.Operation) {
	logger := o.logger.With("id", id, "topology", topologyID, "operation", op)

	topo, g, err := o.plan(ctx, topologyID, op, id)
	if err != nil {
		o.fail(ctx, id, fmt.Errorf("planning %s: %w", op, err))
		return
	}
	title := fmt.Sprintf("%s %s", op, topo.DisplayName())
	o.update(id, func(t *tracked) {
		t.status.Title = title
		t.successEndID = g.SuccessEndID
	})

	definitionID, err := o.engine.Deploy(ctx, g)
	if err != nil {
		o.fail(ctx, id, fmt.Errorf("deploying process: %w", err))
		return
	}
	instanceID, err := o.engine.Start(ctx, definitionID)
	if err != nil {
		o.fail(ctx, id, fmt.Errorf("starting process: %w", err))
		return
	}

	o.update(id, func(t *tracked) {
		t.status.InstanceID = instanceID
		if t.status.State == Pending {
			t.status.State = Running
		}
	})
	if err := o.store.SetAndPersistStatus(ctx, topologyID, lifecycle.StateInProgress, title, 0); err != nil {
		logger.Warn("failed to persist status", "error", err)
	}
	logger.Info("process started", "instance_id", instanceID, "tasks", g.TaskCount)
}

// Plan builds the simplified process graph op would submit, without
// submitting it.
func (o *Orchestrator) Plan(ctx context.Context, topologyID string, op lifecycle.Operation) (*process.Graph, error) {
	_, g, err := o.plan(ctx, topologyID, op, "")
	return g, err
}

func (o *Orchestrator) plan(ctx context.Context, topologyID string, op lifecycle.Operation, operationID string) (*topology.Topology, *process.Graph, error) {
	phases := op.Phases()
	if len(phases) == 0 {
		return nil, nil, fmt.Errorf("unknown operation %q", op)
	}

	topo, err := o.store.FindDeployedInstanceByTopologyID(ctx, topologyID)
	if err != nil {
		return nil, nil, err
	}

	graphs := make([]*depgraph.Graph, 0, len(phases))
	for _, step := range phases {
		dg, err := depgraph.Build(topo.Roots(), step, o.resolver, o.mode)
		if err != nil {
			return nil, nil, fmt.Errorf("%s phase: %w", step, err)
		}
		graphs = append(graphs, dg)
	}

	g, err := process.Lower(graphs, process.Options{
		Name:        fmt.Sprintf("%s-%s", topo.ID, op),
		OperationID: operationID,
		Topology:    topo,
	})
	if err != nil {
		return nil, nil, err
	}
	removed := process.Simplify(g)
	o.logger.Debug("process planned", "topology", topologyID, "operation", op, "tasks", g.TaskCount,
		"vertices", len(g.Vertices), "simplified", removed)
	return topo, g, nil
}

// Refresh brings the status up to date with the engine and returns a copy.
// An operation that has not started its instance yet, or that already
// ended, is returned unchanged.
func (o *Orchestrator) Refresh(ctx context.Context, id string) (AggregateStatus, error) {
	o.mu.RLock()
	t, ok := o.statuses[id]
	var (
		status     AggregateStatus
		successEnd string
	)
	if ok {
		status = t.status.Clone()
		successEnd = t.successEndID
	}
	o.mu.RUnlock()
	if !ok {
		return AggregateStatus{}, fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	if status.InstanceID == "" || status.State.IsTerminal() {
		return status, nil
	}

	ended, err := o.engine.IsEnded(ctx, status.InstanceID)
	if err != nil {
		return status, fmt.Errorf("checking instance %s: %w", status.InstanceID, err)
	}

	if !ended {
		activity, err := o.engine.MostRecentActivity(ctx, status.InstanceID)
		if err != nil {
			return status, fmt.Errorf("reading activity of %s: %w", status.InstanceID, err)
		}
		if activity == "" {
			return status, nil
		}
		return o.update(id, func(t *tracked) {
			t.status.Subtitle = activity
		}), nil
	}

	terminus, diagnostic, err := o.engine.Terminus(ctx, status.InstanceID)
	if err != nil {
		return status, fmt.Errorf("reading terminus of %s: %w", status.InstanceID, err)
	}
	if terminus == successEnd {
		return o.succeed(ctx, id), nil
	}
	if diagnostic == "" {
		diagnostic = fmt.Sprintf("process ended at %s", terminus)
	}
	return o.fail(ctx, id, errors.New(diagnostic)), nil
}

// RefreshAll refreshes every operation that has not ended and returns all
// statuses, newest first.
func (o *Orchestrator) RefreshAll(ctx context.Context) []AggregateStatus {
	for _, s := range o.Statuses() {
		if s.State.IsTerminal() {
			continue
		}
		if _, err := o.Refresh(ctx, s.ID); err != nil {
			o.logger.Warn("failed to refresh operation", "id", s.ID, "error", err)
		}
	}
	return o.Statuses()
}

// Await refreshes the status every interval until the operation ended.
func (o *Orchestrator) Await(ctx context.Context, id string, interval time.Duration) (AggregateStatus, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		status, err := o.Refresh(ctx, id)
		if err != nil {
			return status, err
		}
		if status.State.IsTerminal() {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Status returns a copy of the status without refreshing it.
func (o *Orchestrator) Status(id string) (AggregateStatus, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	t, ok := o.statuses[id]
	if !ok {
		return AggregateStatus{}, fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	return t.status.Clone(), nil
}

// Statuses returns copies of every status, newest first.
func (o *Orchestrator) Statuses() []AggregateStatus {
	o.mu.RLock()
	result := make([]AggregateStatus, 0, len(o.statuses))
	for _, t := range o.statuses {
		result = append(result, t.status.Clone())
	}
	o.mu.RUnlock()

	slices.SortFunc(result, func(a, b AggregateStatus) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	return result
}

// ReportProgress merges a dispatcher progress report into the status of its
// operation. The percent never decreases.
func (o *Orchestrator) ReportProgress(p dispatcher.Progress) {
	o.mu.Lock()
	t, ok := o.statuses[p.OperationID]
	if !ok || t.status.State.IsTerminal() {
		o.mu.Unlock()
		return
	}
	if p.Percent > t.status.Percent {
		t.status.Percent = p.Percent
	}
	t.status.Subtitle = p.Subtitle
	if p.Failed && t.status.Message == "" {
		t.status.Message = p.Message
	}
	status := t.status.Clone()
	o.mu.Unlock()

	o.metrics.Percent.With(prometheus.Labels{"topology": status.TopologyID}).Set(float64(status.Percent))
	if p.Final {
		return
	}
	if err := o.store.SetAndPersistStatus(o.ctx, status.TopologyID, lifecycle.StateInProgress, status.Subtitle, status.Percent); err != nil {
		o.logger.Warn("failed to persist status", "id", status.ID, "error", err)
	}
}

func (o *Orchestrator) succeed(ctx context.Context, id string) AggregateStatus {
	status, changed := o.finish(id, func(s *AggregateStatus) {
		s.State = Succeeded
		s.Percent = 100
		s.Subtitle = "completed"
	})
	if !changed {
		return status
	}

	state := status.Operation.FinalStep().SuccessState()
	if err := o.store.SetAndPersistStatus(ctx, status.TopologyID, state, "", 100); err != nil {
		o.logger.Warn("failed to persist status", "id", id, "error", err)
	}
	o.logger.Info("operation succeeded", "id", id, "topology", status.TopologyID,
		"operation", status.Operation, "duration", status.Duration(o.now()))
	return status
}

// fail marks the operation failed with a summary of cause and records the
// failure on the topology.
func (o *Orchestrator) fail(ctx context.Context, id string, cause error) AggregateStatus {
	message := dispatcher.Summarize(cause.Error(), o.messageLimit)
	status, changed := o.finish(id, func(s *AggregateStatus) {
		s.State = Failed
		s.Message = message
		s.Subtitle = "failed"
	})
	if !changed {
		return status
	}

	if err := o.store.SetAndPersistStatus(ctx, status.TopologyID, lifecycle.StateFailed, message, status.Percent); err != nil {
		o.logger.Warn("failed to persist status", "id", id, "error", err)
	}
	o.logger.Error("operation failed", "id", id, "topology", status.TopologyID,
		"operation", status.Operation, "error", message)
	return status
}

// finish applies the terminal transition once. It reports false if the
// operation had already ended.
func (o *Orchestrator) finish(id string, mutate func(*AggregateStatus)) (AggregateStatus, bool) {
	o.mu.Lock()
	t, ok := o.statuses[id]
	if !ok {
		o.mu.Unlock()
		return AggregateStatus{}, false
	}
	if t.status.State.IsTerminal() {
		status := t.status.Clone()
		o.mu.Unlock()
		return status, false
	}
	mutate(&t.status)
	ended := o.now()
	t.status.EndedAt = &ended
	status := t.status.Clone()
	o.mu.Unlock()

	outcome := metrics.OutcomeSucceeded
	if status.State == Failed {
		outcome = metrics.OutcomeFailed
	}
	o.metrics.Operations.With(prometheus.Labels{"operation": string(status.Operation), "outcome": outcome}).Inc()
	o.metrics.Percent.With(prometheus.Labels{"topology": status.TopologyID}).Set(float64(status.Percent))

	if status.InstanceID != "" {
		o.dispatcher.Forget(status.InstanceID)
	}

	var logs []logging.Entry
	if o.collector != nil {
		logs = o.collector.Entries(id)
	}
	if o.archive != nil {
		if err := o.archive.Save(status, logs); err != nil {
			o.logger.Error("failed to archive operation", "id", id, "error", err)
		} else if o.collector != nil {
			o.collector.Forget(id)
		}
	}
	return status, true
}

func (o *Orchestrator) update(id string, mutate func(*tracked)) AggregateStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.statuses[id]
	if !ok {
		return AggregateStatus{}
	}
	mutate(t)
	return t.status.Clone()
}
