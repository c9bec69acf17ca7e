package orchestrator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nomis52/goactivate/depgraph"
	"github.com/nomis52/goactivate/dispatcher"
	"github.com/nomis52/goactivate/engine"
	"github.com/nomis52/goactivate/engine/local"
	"github.com/nomis52/goactivate/lifecycle"
	"github.com/nomis52/goactivate/logging"
	"github.com/nomis52/goactivate/orchestrator"
	"github.com/nomis52/goactivate/plugin"
	"github.com/nomis52/goactivate/plugin/plugintest"
	"github.com/nomis52/goactivate/process"
	"github.com/nomis52/goactivate/store"
	"github.com/nomis52/goactivate/topology"
)

// Test helpers
// ---------------------------------------------------------------------

type archive struct {
	mu    sync.Mutex
	saved []orchestrator.AggregateStatus
	logs  [][]logging.Entry
}

func (a *archive) Save(status orchestrator.AggregateStatus, logs []logging.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saved = append(a.saved, status)
	a.logs = append(a.logs, logs)
	return nil
}

func (a *archive) all() ([]orchestrator.AggregateStatus, [][]logging.Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]orchestrator.AggregateStatus(nil), a.saved...), append([][]logging.Entry(nil), a.logs...)
}

// gatedEngine holds Deploy until the gate is closed.
type gatedEngine struct {
	*local.Engine
	gate chan struct{}
}

func (g *gatedEngine) Deploy(ctx context.Context, pg *process.Graph) (string, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return g.Engine.Deploy(ctx, pg)
}

type harness struct {
	orch      *orchestrator.Orchestrator
	store     *store.MemoryStore
	archive   *archive
	collector *logging.Collector
	close     func()
}

type harnessOptions struct {
	mode depgraph.Mode
	wrap func(*local.Engine) engine.Engine
	doc  *topology.Document
}

func shopDocument() topology.Document {
	return topology.Document{
		ID: "shop", EntityID: 1, Type: "deployment", Label: "Web shop",
		Items: []topology.ItemDocument{
			{Name: "a", Type: "service", ID: 10},
			{Name: "b", Type: "service", ID: 11, DependsOn: []string{"a"}},
			{Name: "c", Type: "service", ID: 12, DependsOn: []string{"a"}},
		},
	}
}

func newHarness(t *testing.T, handlers []plugin.Handler, opts harnessOptions) *harness {
	t.Helper()
	registry := plugin.NewRegistry(plugin.WithLogger(logging.Discard()))
	require.NoError(t, registry.Register(handlers...))

	doc := shopDocument()
	if opts.doc != nil {
		doc = *opts.doc
	}
	topo, err := doc.Build()
	require.NoError(t, err)
	s := store.NewMemoryStore()
	require.NoError(t, s.SaveTopology(context.Background(), topo))

	eng := local.New(local.WithLogger(logging.Discard()))
	var submitTo engine.Engine = eng
	if opts.wrap != nil {
		submitTo = opts.wrap(eng)
	}

	collector := logging.NewCollector(100)
	d := dispatcher.New(eng, registry,
		dispatcher.WithLogger(logging.Discard()),
		dispatcher.WithStore(s),
		dispatcher.WithCollector(collector))
	eng.SetExecutor(d)

	a := &archive{}
	orch := orchestrator.New(submitTo, registry, d,
		orchestrator.WithLogger(logging.Discard()),
		orchestrator.WithStore(s),
		orchestrator.WithArchive(a),
		orchestrator.WithCollector(collector),
		orchestrator.WithMode(opts.mode))

	var once sync.Once
	h := &harness{orch: orch, store: s, archive: a, collector: collector}
	h.close = func() {
		once.Do(func() {
			orch.Close()
			eng.Close()
		})
	}
	t.Cleanup(h.close)
	return h
}

func await(t *testing.T, orch *orchestrator.Orchestrator, id string) orchestrator.AggregateStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := orch.Await(ctx, id, 5*time.Millisecond)
	require.NoError(t, err)
	return status
}

// Tests
// ---------------------------------------------------------------------

func TestOrchestrator_ActivateSucceeds(t *testing.T) {
	defer goleak.VerifyNone(t)

	handler := plugintest.New("service", []string{"service"})
	h := newHarness(t, []plugin.Handler{handler}, harnessOptions{})
	defer h.close()

	status, err := h.orch.Activate("shop")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.OperationActivate, status.Operation)
	assert.NotEmpty(t, status.ID)
	assert.False(t, status.State.IsTerminal())

	final := await(t, h.orch, status.ID)
	assert.Equal(t, orchestrator.Succeeded, final.State)
	assert.Equal(t, 100, final.Percent)
	assert.Equal(t, "activate Web shop", final.Title)
	assert.NotEmpty(t, final.InstanceID)
	assert.Empty(t, final.Message)
	require.NotNil(t, final.EndedAt)

	// Three items across three phases.
	assert.Len(t, handler.ExecutedNames(), 9)

	ctx := context.Background()
	line, err := h.store.Status(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateStarted, line.State)
	assert.Equal(t, 100, line.Percent)

	item, err := h.store.ItemState(ctx, 11, "service")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateStarted, item.State)

	saved, _ := h.archive.all()
	require.Len(t, saved, 1)
	assert.Equal(t, final.ID, saved[0].ID)

	// Refreshing an ended operation changes nothing and archives nothing.
	again, err := h.orch.Refresh(ctx, status.ID)
	require.NoError(t, err)
	assert.Equal(t, final, again)
	saved, _ = h.archive.all()
	assert.Len(t, saved, 1)
}

func TestOrchestrator_HandlerFailure(t *testing.T) {
	handler := plugintest.New("service", []string{"service"})
	handler.ExecuteFunc = func(_ context.Context, step lifecycle.Step, target plugin.Target) (*plugin.Outcome, error) {
		if step == lifecycle.Activate && target.Name == "b" {
			panic("boom")
		}
		return plugin.Succeeded(""), nil
	}
	h := newHarness(t, []plugin.Handler{handler}, harnessOptions{mode: depgraph.Parallel})

	status, err := h.orch.Activate("shop")
	require.NoError(t, err)

	final := await(t, h.orch, status.ID)
	assert.Equal(t, orchestrator.Failed, final.State)
	assert.Contains(t, final.Message, "ACTIVATE b")
	assert.Contains(t, final.Message, "handler panicked: boom")
	assert.Less(t, final.Percent, 100)

	ctx := context.Background()
	line, err := h.store.Status(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateFailed, line.State)
	assert.Equal(t, final.Message, line.Message)

	b, err := h.store.ItemState(ctx, 11, "service")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateFailed, b.State)

	// The sibling branch still completed.
	c, err := h.store.ItemState(ctx, 12, "service")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateCreated, c.State)
}

func TestOrchestrator_PlanningFailures(t *testing.T) {
	tests := []struct {
		name        string
		topology    string
		handlers    func() []plugin.Handler
		wantMessage string
	}{
		{
			name:     "unknown topology",
			topology: "missing",
			handlers: func() []plugin.Handler {
				return []plugin.Handler{plugintest.New("service", []string{"service"})}
			},
			wantMessage: "not found",
		},
		{
			name:     "ambiguous handler",
			topology: "shop",
			handlers: func() []plugin.Handler {
				return []plugin.Handler{
					plugintest.New("first", []string{"service"}),
					plugintest.New("second", []string{"service"}, lifecycle.Activate),
				}
			},
			wantMessage: "ambiguous handler for type service at step ACTIVATE: first, second",
		},
		{
			name:     "unmanaged item type",
			topology: "shop",
			handlers: func() []plugin.Handler {
				return []plugin.Handler{plugintest.New("database", []string{"database"})}
			},
			wantMessage: "no handler registered for item type service",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handlers := tt.handlers()
			h := newHarness(t, handlers, harnessOptions{})

			status, err := h.orch.Activate(tt.topology)
			require.NoError(t, err)

			final := await(t, h.orch, status.ID)
			assert.Equal(t, orchestrator.Failed, final.State)
			assert.Contains(t, final.Message, tt.wantMessage)
			assert.Empty(t, final.InstanceID)

			line, err := h.store.Status(context.Background(), tt.topology)
			require.NoError(t, err)
			assert.Equal(t, lifecycle.StateFailed, line.State)

			for _, handler := range handlers {
				assert.Empty(t, handler.(*plugintest.Handler).Calls())
			}
		})
	}
}

func TestOrchestrator_OperationInProgress(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, []plugin.Handler{plugintest.New("service", []string{"service"})}, harnessOptions{
		wrap: func(e *local.Engine) engine.Engine { return &gatedEngine{Engine: e, gate: gate} },
	})

	first, err := h.orch.Activate("shop")
	require.NoError(t, err)

	_, err = h.orch.Stop("shop")
	assert.ErrorIs(t, err, orchestrator.ErrOperationInProgress)

	// Not started yet, so refresh returns the status unchanged.
	pending, err := h.orch.Refresh(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.Pending, pending.State)
	assert.Empty(t, pending.InstanceID)

	close(gate)
	final := await(t, h.orch, first.ID)
	assert.Equal(t, orchestrator.Succeeded, final.State)

	second, err := h.orch.Stop("shop")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.Succeeded, await(t, h.orch, second.ID).State)

	statuses := h.orch.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, second.ID, statuses[0].ID)
}

func TestOrchestrator_StopRunsDependentsFirst(t *testing.T) {
	handler := plugintest.New("service", []string{"service"})
	h := newHarness(t, []plugin.Handler{handler}, harnessOptions{mode: depgraph.Sequential})

	status, err := h.orch.Stop("shop")
	require.NoError(t, err)
	final := await(t, h.orch, status.ID)
	require.Equal(t, orchestrator.Succeeded, final.State)

	names := handler.ExecutedNames()
	require.Len(t, names, 3)
	assert.Equal(t, "a", names[2])

	ctx := context.Background()
	line, err := h.store.Status(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateStopped, line.State)

	a, err := h.store.ItemState(ctx, 10, "service")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateStopped, a.State)
}

func TestOrchestrator_Plan(t *testing.T) {
	h := newHarness(t, []plugin.Handler{plugintest.New("service", []string{"service"})}, harnessOptions{})

	g, err := h.orch.Plan(context.Background(), "shop", lifecycle.OperationActivate)
	require.NoError(t, err)
	require.NoError(t, g.Validate())
	assert.Equal(t, 9, g.TaskCount)
	assert.Equal(t, "shop-activate", g.Name)

	_, err = h.orch.Plan(context.Background(), "missing", lifecycle.OperationStart)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Planning submits nothing.
	assert.Empty(t, h.orch.Statuses())
}

func TestOrchestrator_UnknownRequest(t *testing.T) {
	h := newHarness(t, nil, harnessOptions{})

	_, err := h.orch.Refresh(context.Background(), "nope")
	assert.ErrorIs(t, err, orchestrator.ErrUnknownRequest)

	_, err = h.orch.Status("nope")
	assert.ErrorIs(t, err, orchestrator.ErrUnknownRequest)

	_, err = h.orch.Run("shop", lifecycle.Operation("restart"))
	assert.Error(t, err)
}

func TestOrchestrator_ReportProgress(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, []plugin.Handler{plugintest.New("service", []string{"service"})}, harnessOptions{
		wrap: func(e *local.Engine) engine.Engine { return &gatedEngine{Engine: e, gate: gate} },
	})

	status, err := h.orch.Activate("shop")
	require.NoError(t, err)

	h.orch.ReportProgress(dispatcher.Progress{OperationID: status.ID, Percent: 40, Subtitle: "ACTIVATE a: succeeded"})
	h.orch.ReportProgress(dispatcher.Progress{OperationID: status.ID, Percent: 20, Subtitle: "ACTIVATE b: failed",
		Failed: true, Message: "ACTIVATE b: disk full"})
	h.orch.ReportProgress(dispatcher.Progress{OperationID: status.ID, Percent: 30, Subtitle: "ACTIVATE c: failed",
		Failed: true, Message: "ACTIVATE c: quota"})
	h.orch.ReportProgress(dispatcher.Progress{OperationID: "unknown", Percent: 90})

	got, err := h.orch.Status(status.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, got.Percent)
	assert.Equal(t, "ACTIVATE c: failed", got.Subtitle)
	assert.Equal(t, "ACTIVATE b: disk full", got.Message)

	line, err := h.store.Status(context.Background(), "shop")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateInProgress, line.State)
	assert.Equal(t, 40, line.Percent)
}

func TestOrchestrator_ArchivesHandlerLogs(t *testing.T) {
	handler := plugintest.New("service", []string{"service"})
	handler.ExecuteFunc = func(_ context.Context, step lifecycle.Step, target plugin.Target) (*plugin.Outcome, error) {
		target.Logger.Info("step ran", "step", step.String())
		return plugin.Succeeded(""), nil
	}
	h := newHarness(t, []plugin.Handler{handler}, harnessOptions{})

	status, err := h.orch.Start("shop")
	require.NoError(t, err)
	final := await(t, h.orch, status.ID)
	require.Equal(t, orchestrator.Succeeded, final.State)

	_, logs := h.archive.all()
	require.Len(t, logs, 1)
	require.Len(t, logs[0], 3)
	for _, entry := range logs[0] {
		assert.Equal(t, "step ran", entry.Message)
		assert.Equal(t, "START", entry.Attributes["step"])
	}
	assert.Nil(t, h.collector.Entries(status.ID))
}

func TestOrchestrator_DependencyCycle(t *testing.T) {
	doc := topology.Document{
		ID: "loop", EntityID: 2, Type: "deployment",
		Items: []topology.ItemDocument{
			{Name: "x", Type: "service", ID: 20, DependsOn: []string{"y"}},
			{Name: "y", Type: "service", ID: 21, DependsOn: []string{"x"}},
		},
	}
	h := newHarness(t, []plugin.Handler{plugintest.New("service", []string{"service"})}, harnessOptions{doc: &doc})

	status, err := h.orch.Activate("loop")
	require.NoError(t, err)
	final := await(t, h.orch, status.ID)
	assert.Equal(t, orchestrator.Failed, final.State)
	assert.Contains(t, final.Message, "dependency cycle: x -> y -> x")
}
