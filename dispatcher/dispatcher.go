// Package dispatcher runs the lifecycle steps requested by the process engine.
//
// For every task the engine reaches, the Dispatcher resolves the single
// handler serving the item type and step, invokes it, and signals the outcome
// back to the task's wait point. Handlers that return a pending outcome are
// tracked and polled, by PollAll or a Sweeper, until they finish or their
// tracking window elapses.
//
// The two sentinel requests are not routed to a handler: they record the
// final deployment state of the topology.
//
// Progress is kept per process instance. Every dispatched task adds its index
// to the instance's completed set, and the percent reported to the
// StatusSink is derived from it.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nomis52/goactivate/engine"
	"github.com/nomis52/goactivate/lifecycle"
	"github.com/nomis52/goactivate/logging"
	"github.com/nomis52/goactivate/metrics"
	"github.com/nomis52/goactivate/plugin"
	"github.com/nomis52/goactivate/process"
	"github.com/nomis52/goactivate/store"
)

// Defaults applied by New.
const (
	DefaultTimeout              = 4 * time.Hour
	DefaultSlowHandlerThreshold = 2 * time.Second
	DefaultSignalRetryDelay     = 3 * time.Second
)

// ErrCodeFailed is the error code signalled for a failed step.
const ErrCodeFailed = "failed"

// Request is one step to run against one item.
type Request struct {
	InstanceID string
	// ID is unique within the process instance.
	ID          string
	OperationID string
	Step        lifecycle.Step
	EntityID    int64
	ItemType    string
	ItemName    string
	// PriorError is the error message carried into the step, if any.
	PriorError string
	// Index and Total position the task for percent calculation.
	Index  int
	Total  int
	WaitID string
}

// RequestFromActivation builds the request for an engine activation.
func RequestFromActivation(act engine.Activation) Request {
	t := act.Task
	return Request{
		InstanceID:  act.InstanceID,
		ID:          t.RequestName,
		OperationID: t.OperationID,
		Step:        t.Step,
		EntityID:    t.EntityID,
		ItemType:    t.ItemType,
		ItemName:    t.ItemName,
		PriorError:  act.Vars.ErrMessage,
		Index:       t.Index,
		Total:       t.Total,
		WaitID:      t.WaitID,
	}
}

// StepOutcome is the state of one dispatched step.
type StepOutcome struct {
	Request Request
	Handler string
	Status  plugin.Status
	// Message is the user visible summary. For failures it names the item
	// and step.
	Message string
	// Err is the failure cause, a *HandlerFailure.
	Err     error
	Elapsed time.Duration
	Percent int
}

// Failed reports whether the step failed.
func (o *StepOutcome) Failed() bool {
	return o.Status == plugin.StatusFailed
}

// Progress is reported to the StatusSink after every completion.
type Progress struct {
	OperationID string
	InstanceID  string
	Step        lifecycle.Step
	Percent     int
	// Subtitle names the step that just reported.
	Subtitle string
	// Failed is set when the step failed; Message holds the summary.
	Failed  bool
	Message string
	// Final is set by the sentinels.
	Final bool
}

// StatusSink receives progress updates, usually the orchestrator.
type StatusSink interface {
	ReportProgress(p Progress)
}

// Config holds the dispatcher tunables. Zero values select the defaults.
type Config struct {
	DefaultTimeout       time.Duration
	SlowHandlerThreshold time.Duration
	SignalRetryDelay     time.Duration
	MessageLimit         int
}

func (c *Config) setDefaults() {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.SlowHandlerThreshold <= 0 {
		c.SlowHandlerThreshold = DefaultSlowHandlerThreshold
	}
	if c.SignalRetryDelay <= 0 {
		c.SignalRetryDelay = DefaultSignalRetryDelay
	}
	if c.MessageLimit <= 0 {
		c.MessageLimit = DefaultMessageLimit
	}
}

// pendingStep is a step whose handler returned a running outcome.
type pendingStep struct {
	req     Request
	handler plugin.Handler
	target  plugin.Target
	prior   *plugin.Outcome
	started time.Time
	timeout time.Duration
}

// Dispatcher runs steps for the process engine. It implements
// engine.TaskExecutor.
type Dispatcher struct {
	logger    *slog.Logger
	engine    engine.Engine
	resolver  plugin.Resolver
	store     store.Store
	metrics   *metrics.Activation
	collector *logging.Collector
	sink      StatusSink
	cfg       Config
	now       func() time.Time

	progress *arena

	mu      sync.Mutex
	pending map[string]*pendingStep
}

var _ engine.TaskExecutor = (*Dispatcher)(nil)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger.With("component", "dispatcher")
	}
}

// WithStore sets the entity store deployment states are recorded in.
func WithStore(s store.Store) Option {
	return func(d *Dispatcher) {
		d.store = s
	}
}

// WithMetrics sets the metrics recorded for every step.
func WithMetrics(m *metrics.Activation) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithCollector captures the logs of every handler call.
func WithCollector(c *logging.Collector) Option {
	return func(d *Dispatcher) {
		d.collector = c
	}
}

// WithStatusSink sets the receiver of progress updates.
func WithStatusSink(sink StatusSink) Option {
	return func(d *Dispatcher) {
		d.sink = sink
	}
}

// WithConfig sets the tunables.
func WithConfig(cfg Config) Option {
	return func(d *Dispatcher) {
		d.cfg = cfg
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// New creates a dispatcher signalling eng and resolving handlers with
// resolver.
func New(eng engine.Engine, resolver plugin.Resolver, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger:   slog.Default().With("component", "dispatcher"),
		engine:   eng,
		resolver: resolver,
		store:    store.NewMemoryStore(),
		metrics:  metrics.NopActivation(),
		now:      time.Now,
		progress: newArena(),
		pending:  make(map[string]*pendingStep),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.cfg.setDefaults()
	return d
}

// SetStatusSink replaces the status sink. It exists for sinks that need the
// dispatcher themselves.
func (d *Dispatcher) SetStatusSink(sink StatusSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = sink
}

// ExecuteTask is called by the engine for every task and sentinel.
func (d *Dispatcher) ExecuteTask(ctx context.Context, act engine.Activation) {
	if act.Task.IsSentinel() {
		d.finish(ctx, act)
		return
	}

	req := RequestFromActivation(act)
	outcome, err := d.Dispatch(ctx, req)
	if err != nil {
		// Resolution errors abort the branch like any other failure.
		outcome = d.failure(ctx, req, "", err, 0)
		outcome.Percent = d.recordCompletion(req)
		d.reportStep(ctx, outcome)
	}
	if outcome.Status.IsTerminal() {
		d.OnComplete(ctx, outcome)
	}
}

// Dispatch runs the step. A step with no handler succeeds as a no-op. A
// running outcome is tracked until PollStatus reports it finished.
//
// Resolution errors, a *plugin.ConfigurationError or *plugin.NoHandlerError,
// are returned without invoking any handler. Handler errors and panics are
// returned as failed outcomes.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*StepOutcome, error) {
	handler, err := d.resolver.Resolve(req.ItemType, req.Step)
	if err != nil {
		var cfgErr *plugin.ConfigurationError
		if errors.As(err, &cfgErr) {
			d.logger.Error("ambiguous handler binding, halting step", "request", req.ID, "error", err)
		}
		return nil, fmt.Errorf("resolving handler for %s: %w", req.ID, err)
	}

	var outcome *StepOutcome
	if handler == nil {
		outcome = &StepOutcome{Request: req, Status: plugin.StatusSucceeded, Message: "no-op"}
		d.metrics.Steps.With(stepLabels(req, metrics.OutcomeNoop)).Inc()
	} else {
		outcome = d.execute(ctx, req, handler)
	}

	outcome.Percent = d.recordCompletion(req)
	d.reportStep(ctx, outcome)
	return outcome, nil
}

func (d *Dispatcher) execute(ctx context.Context, req Request, handler plugin.Handler) *StepOutcome {
	target := d.target(req)
	labels := prometheus.Labels{"step": req.Step.String(), "item_type": req.ItemType}

	start := d.now()
	result, err := d.callHandler(req, func() (*plugin.Outcome, error) {
		return handler.Execute(ctx, req.Step, target)
	})
	elapsed := d.now().Sub(start)

	d.metrics.StepDuration.With(labels).Observe(elapsed.Seconds())
	if elapsed > d.cfg.SlowHandlerThreshold {
		d.metrics.SlowHandlers.With(labels).Inc()
		d.logger.Warn("handler returned slowly, long work should run asynchronously",
			"handler", handler.Name(), "request", req.ID, "elapsed", elapsed)
	}

	switch {
	case err != nil:
		return d.failure(ctx, req, handler.Name(), err, elapsed)
	case result == nil:
		return d.failure(ctx, req, handler.Name(), errors.New("handler returned no outcome"), elapsed)
	case result.Status == plugin.StatusFailed:
		return d.failure(ctx, req, handler.Name(), errors.New(result.Message), elapsed)
	case result.Status == plugin.StatusRunning:
		timeout := result.Timeout
		if timeout <= 0 {
			timeout = d.cfg.DefaultTimeout
		}
		d.track(&pendingStep{
			req:     req,
			handler: handler,
			target:  target,
			prior:   result,
			started: start,
			timeout: timeout,
		})
		return &StepOutcome{Request: req, Handler: handler.Name(), Status: plugin.StatusRunning,
			Message: result.Message, Elapsed: elapsed}
	default:
		d.metrics.Steps.With(stepLabels(req, metrics.OutcomeSucceeded)).Inc()
		return &StepOutcome{Request: req, Handler: handler.Name(), Status: plugin.StatusSucceeded,
			Message: result.Message, Elapsed: elapsed}
	}
}

// PollStatus polls a pending step. It fails the step with ErrTimeout once
// its tracking window has elapsed. A finished step stops being tracked.
func (d *Dispatcher) PollStatus(ctx context.Context, instanceID, requestID string) (*StepOutcome, error) {
	key := pendingKey(instanceID, requestID)
	d.mu.Lock()
	p, ok := d.pending[key]
	var prior *plugin.Outcome
	if ok {
		prior = p.prior
	}
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no pending step %s in instance %s", requestID, instanceID)
	}

	elapsed := d.now().Sub(p.started)
	var outcome *StepOutcome
	if elapsed > p.timeout {
		err := fmt.Errorf("%w after %s", ErrTimeout, elapsed.Round(time.Second))
		outcome = d.failure(ctx, p.req, p.handler.Name(), err, elapsed)
		d.metrics.Steps.With(stepLabels(p.req, metrics.OutcomeTimeout)).Inc()
	} else {
		result, err := d.callHandler(p.req, func() (*plugin.Outcome, error) {
			return p.handler.Poll(ctx, p.req.Step, p.target, prior)
		})
		switch {
		case err != nil:
			outcome = d.failure(ctx, p.req, p.handler.Name(), err, elapsed)
		case result == nil:
			outcome = d.failure(ctx, p.req, p.handler.Name(), errUntrackable, elapsed)
		case result.Status == plugin.StatusFailed:
			outcome = d.failure(ctx, p.req, p.handler.Name(), errors.New(result.Message), elapsed)
		case result.Status == plugin.StatusRunning:
			d.mu.Lock()
			p.prior = result
			d.mu.Unlock()
			outcome = &StepOutcome{Request: p.req, Handler: p.handler.Name(), Status: plugin.StatusRunning,
				Message: result.Message, Elapsed: elapsed}
		default:
			d.metrics.Steps.With(stepLabels(p.req, metrics.OutcomeSucceeded)).Inc()
			outcome = &StepOutcome{Request: p.req, Handler: p.handler.Name(), Status: plugin.StatusSucceeded,
				Message: result.Message, Elapsed: elapsed}
		}
	}

	if outcome.Status.IsTerminal() && !d.untrack(key, p.req.Step) {
		return nil, fmt.Errorf("step %s in instance %s already finished", requestID, instanceID)
	}
	outcome.Percent = d.recordCompletion(p.req)
	d.reportStep(ctx, outcome)
	return outcome, nil
}

// PollAll polls every pending step and completes the finished ones. It
// returns the number of steps that finished.
func (d *Dispatcher) PollAll(ctx context.Context) int {
	d.mu.Lock()
	steps := make([]*pendingStep, 0, len(d.pending))
	for _, p := range d.pending {
		steps = append(steps, p)
	}
	d.mu.Unlock()
	slices.SortFunc(steps, func(a, b *pendingStep) int { return a.req.Index - b.req.Index })

	finished := 0
	for _, p := range steps {
		if ctx.Err() != nil {
			break
		}
		outcome, err := d.PollStatus(ctx, p.req.InstanceID, p.req.ID)
		if err != nil {
			// Finished concurrently.
			continue
		}
		if outcome.Status.IsTerminal() {
			finished++
			d.OnComplete(ctx, outcome)
		}
	}
	return finished
}

// Pending returns the number of tracked steps.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// OnComplete signals the outcome to the step's wait point. A wait point
// that is not registered yet gets one retry after the signal retry delay;
// after that the signal is dropped with a warning.
//
// The bookkeeping of the instance is released once every task reached a
// terminal outcome.
func (d *Dispatcher) OnComplete(ctx context.Context, outcome *StepOutcome) {
	req := outcome.Request
	vars := engine.SignalVars{
		EntityID:   req.EntityID,
		EntityType: req.ItemType,
		Step:       req.Step,
	}
	if outcome.Failed() {
		vars.ErrCode = ErrCodeFailed
		vars.ErrMessage = outcome.Message
	}

	err := d.signal(ctx, req, vars)
	if errors.Is(err, engine.ErrWaitPointNotFound) {
		d.logger.Debug("wait point not registered yet, retrying", "request", req.ID,
			"delay", d.cfg.SignalRetryDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.cfg.SignalRetryDelay):
		}
		err = d.signal(ctx, req, vars)
	}
	switch {
	case errors.Is(err, engine.ErrWaitPointNotFound):
		d.metrics.DroppedSignals.With(prometheus.Labels{"step": req.Step.String()}).Inc()
		d.logger.Warn("signal dropped, wait point not found", "instance_id", req.InstanceID,
			"request", req.ID, "wait", req.WaitID)
	case err != nil:
		d.logger.Warn("signal failed", "instance_id", req.InstanceID, "request", req.ID, "error", err)
	}

	if p, ok := d.progress.lookup(req.InstanceID); ok && p.finish(req.Index) {
		d.progress.release(req.InstanceID)
	}
}

func (d *Dispatcher) signal(ctx context.Context, req Request, vars engine.SignalVars) error {
	if p, ok := d.progress.lookup(req.InstanceID); ok {
		p.signal.Lock()
		defer p.signal.Unlock()
	}

	points, err := d.engine.ActiveWaitPoints(ctx, req.InstanceID)
	if err != nil {
		return err
	}
	for _, w := range points {
		if w.ActivityID == req.WaitID {
			return d.engine.Signal(ctx, w.ExecutionID, vars)
		}
	}
	return fmt.Errorf("%w: %s", engine.ErrWaitPointNotFound, req.WaitID)
}

// Forget drops the bookkeeping and pending steps of an ended instance.
func (d *Dispatcher) Forget(instanceID string) {
	d.progress.release(instanceID)

	d.mu.Lock()
	defer d.mu.Unlock()
	for key, p := range d.pending {
		if p.req.InstanceID == instanceID {
			delete(d.pending, key)
			d.metrics.PendingSteps.With(prometheus.Labels{"step": p.req.Step.String()}).Set(float64(d.pendingForStepLocked(p.req.Step)))
		}
	}
}

// finish handles the success and failure sentinels.
func (d *Dispatcher) finish(ctx context.Context, act engine.Activation) {
	t := act.Task
	sink := d.statusSink()

	if t.RequestName == process.SuccessRequest {
		state := t.Step.SuccessState()
		if err := d.store.UpdateDeploymentState(ctx, t.EntityID, t.ItemType, state, ""); err != nil {
			d.logger.Error("failed to record deployment state", "entity_id", t.EntityID, "error", err)
		}
		d.logger.Info("activation succeeded", "instance_id", act.InstanceID, "topology", t.ItemName,
			"state", state)
		if sink != nil {
			sink.ReportProgress(Progress{
				OperationID: t.OperationID,
				InstanceID:  act.InstanceID,
				Step:        t.Step,
				Percent:     100,
				Subtitle:    "activation succeeded",
				Final:       true,
			})
		}
		d.progress.release(act.InstanceID)
		return
	}

	message := act.Vars.ErrMessage
	if message == "" {
		message = "activation failed"
	}
	if err := d.store.UpdateDeploymentState(ctx, t.EntityID, t.ItemType, lifecycle.StateFailed, message); err != nil {
		d.logger.Error("failed to record deployment state", "entity_id", t.EntityID, "error", err)
	}
	d.logger.Error("activation failed", "instance_id", act.InstanceID, "topology", t.ItemName,
		"failed_step", act.Vars.Step.String(), "error", message)

	percent := 0
	if p, ok := d.progress.lookup(act.InstanceID); ok {
		p.mu.Lock()
		percent = p.percent
		p.mu.Unlock()
	}
	if sink != nil {
		sink.ReportProgress(Progress{
			OperationID: t.OperationID,
			InstanceID:  act.InstanceID,
			Step:        act.Vars.Step,
			Percent:     percent,
			Subtitle:    "activation failed",
			Failed:      true,
			Message:     message,
			Final:       true,
		})
	}
	d.progress.release(act.InstanceID)
}

// failure builds a failed outcome and records the failed item state.
func (d *Dispatcher) failure(ctx context.Context, req Request, handler string, cause error, elapsed time.Duration) *StepOutcome {
	err := &HandlerFailure{Handler: handler, Item: req.ItemName, Step: req.Step, Err: cause}
	message := Summarize(fmt.Sprintf("%s %s: %v", req.Step, req.ItemName, cause), d.cfg.MessageLimit)

	d.logger.Error("step failed", "request", req.ID, "handler", handler, "error", cause)
	if !errors.Is(cause, ErrTimeout) {
		d.metrics.Steps.With(stepLabels(req, metrics.OutcomeFailed)).Inc()
	}
	if serr := d.store.UpdateDeploymentState(ctx, req.EntityID, req.ItemType, lifecycle.StateFailed, message); serr != nil {
		d.logger.Error("failed to record deployment state", "entity_id", req.EntityID, "error", serr)
	}
	return &StepOutcome{
		Request: req,
		Handler: handler,
		Status:  plugin.StatusFailed,
		Message: message,
		Err:     err,
		Elapsed: elapsed,
	}
}

// recordCompletion adds the task to its instance's completed set.
func (d *Dispatcher) recordCompletion(req Request) int {
	return d.progress.get(req.InstanceID, req.Total).complete(req.Index)
}

// reportStep records successful item states and forwards progress.
func (d *Dispatcher) reportStep(ctx context.Context, outcome *StepOutcome) {
	req := outcome.Request
	if outcome.Status == plugin.StatusSucceeded && outcome.Handler != "" {
		if err := d.store.UpdateDeploymentState(ctx, req.EntityID, req.ItemType, req.Step.SuccessState(), ""); err != nil {
			d.logger.Error("failed to record deployment state", "entity_id", req.EntityID, "error", err)
		}
	}

	sink := d.statusSink()
	if sink == nil {
		return
	}
	sink.ReportProgress(Progress{
		OperationID: req.OperationID,
		InstanceID:  req.InstanceID,
		Step:        req.Step,
		Percent:     outcome.Percent,
		Subtitle:    fmt.Sprintf("%s %s: %s", req.Step, req.ItemName, outcome.Status),
		Failed:      outcome.Failed(),
		Message:     outcome.Message,
	})
}

func (d *Dispatcher) statusSink() StatusSink {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sink
}

func (d *Dispatcher) target(req Request) plugin.Target {
	logger := d.logger.With("request", req.ID)
	if d.collector != nil {
		logger = d.collector.Logger(d.logger, req.OperationID, req.ID)
	}
	ctx := map[string]string{
		"operation_id": req.OperationID,
		"instance_id":  req.InstanceID,
	}
	if req.PriorError != "" {
		ctx["prior_error"] = req.PriorError
	}
	return plugin.Target{
		RequestID: req.ID,
		EntityID:  req.EntityID,
		ItemType:  req.ItemType,
		Name:      req.ItemName,
		Context:   ctx,
		Logger:    logger,
	}
}

func (d *Dispatcher) track(p *pendingStep) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending[pendingKey(p.req.InstanceID, p.req.ID)] = p
	d.metrics.PendingSteps.With(prometheus.Labels{"step": p.req.Step.String()}).Set(float64(d.pendingForStepLocked(p.req.Step)))
}

// untrack stops tracking the step and reports whether it was still tracked.
func (d *Dispatcher) untrack(key string, step lifecycle.Step) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pending[key]; !ok {
		return false
	}
	delete(d.pending, key)
	d.metrics.PendingSteps.With(prometheus.Labels{"step": step.String()}).Set(float64(d.pendingForStepLocked(step)))
	return true
}

func (d *Dispatcher) pendingForStepLocked(step lifecycle.Step) int {
	n := 0
	for _, p := range d.pending {
		if p.req.Step == step {
			n++
		}
	}
	return n
}

func pendingKey(instanceID, requestID string) string {
	return instanceID + "/" + requestID
}

func stepLabels(req Request, outcome string) prometheus.Labels {
	return prometheus.Labels{"step": req.Step.String(), "item_type": req.ItemType, "outcome": outcome}
}

// callHandler runs fn, converting a panic into an error.
func (d *Dispatcher) callHandler(req Request, fn func() (*plugin.Outcome, error)) (result *plugin.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked", "request", req.ID, "panic", r, "stack", string(debug.Stack()))
			result, err = nil, fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return fn()
}
