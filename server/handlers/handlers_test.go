package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/nomis52/goactivate/buildinfo"
	"github.com/nomis52/goactivate/config"
	"github.com/nomis52/goactivate/depgraph"
	"github.com/nomis52/goactivate/history"
	"github.com/nomis52/goactivate/lifecycle"
	"github.com/nomis52/goactivate/logging"
	"github.com/nomis52/goactivate/orchestrator"
	"github.com/nomis52/goactivate/plugin"
	"github.com/nomis52/goactivate/process"
	"github.com/nomis52/goactivate/server/cron"
	"github.com/nomis52/goactivate/store"
	"github.com/nomis52/goactivate/topology"
)

// Test helpers

type mockOperations struct {
	statuses map[string]orchestrator.AggregateStatus
	runErr   error
	planErr  error
	ran      []string
}

func (m *mockOperations) Run(topologyID string, op lifecycle.Operation) (orchestrator.AggregateStatus, error) {
	m.ran = append(m.ran, fmt.Sprintf("%s %s", op, topologyID))
	if m.runErr != nil {
		return orchestrator.AggregateStatus{}, m.runErr
	}
	return orchestrator.AggregateStatus{ID: "op-new", TopologyID: topologyID, Operation: op, State: orchestrator.Pending}, nil
}

func (m *mockOperations) Plan(ctx context.Context, topologyID string, op lifecycle.Operation) (*process.Graph, error) {
	if m.planErr != nil {
		return nil, m.planErr
	}
	return &process.Graph{Name: topologyID + "-" + string(op), TaskCount: 2}, nil
}

func (m *mockOperations) Status(id string) (orchestrator.AggregateStatus, error) {
	status, ok := m.statuses[id]
	if !ok {
		return orchestrator.AggregateStatus{}, orchestrator.ErrUnknownRequest
	}
	return status, nil
}

func (m *mockOperations) Refresh(ctx context.Context, id string) (orchestrator.AggregateStatus, error) {
	return m.Status(id)
}

func (m *mockOperations) RefreshAll(ctx context.Context) []orchestrator.AggregateStatus {
	var all []orchestrator.AggregateStatus
	for _, s := range m.statuses {
		all = append(all, s)
	}
	return all
}

type mockLogs map[string][]logging.Entry

func (m mockLogs) Entries(id string) []logging.Entry {
	return m[id]
}

type mockSchedules []cron.Entry

func (m mockSchedules) Entries() []cron.Entry {
	return m
}

type mockLister struct {
	topologies []*topology.Topology
	err        error
}

func (m *mockLister) ListTopologies(context.Context) ([]*topology.Topology, error) {
	return m.topologies, m.err
}

type mockConfigProvider struct {
	config *config.Config
}

func (m *mockConfigProvider) Config() *config.Config {
	return m.config
}

type mockReloader struct {
	loaded []string
	err    error
}

func (m *mockReloader) ReloadTopologies(context.Context) ([]string, error) {
	return m.loaded, m.err
}

func newArchive(t *testing.T, records ...history.Record) *history.MemoryStore {
	t.Helper()
	h := history.NewMemoryStore(10)
	for _, r := range records {
		require.NoError(t, h.Save(r.Status, r.Logs))
	}
	return h
}

func serve(t *testing.T, method, pattern string, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	r.Method(method, pattern, h)
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

// Tests

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "missing topology", err: fmt.Errorf("topology %q: %w", "x", store.ErrNotFound), want: http.StatusNotFound},
		{name: "unknown operation", err: orchestrator.ErrUnknownRequest, want: http.StatusNotFound},
		{name: "in progress", err: fmt.Errorf("shop: %w", orchestrator.ErrOperationInProgress), want: http.StatusConflict},
		{name: "ambiguous handler", err: fmt.Errorf("INIT phase: %w", &plugin.ConfigurationError{ItemType: "vm"}), want: http.StatusUnprocessableEntity},
		{name: "unmanaged type", err: &plugin.NoHandlerError{ItemType: "vm"}, want: http.StatusUnprocessableEntity},
		{name: "cycle", err: &depgraph.CyclicDependencyError{Path: []string{"a", "b", "a"}}, want: http.StatusUnprocessableEntity},
		{name: "other", err: errors.New("disk full"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestHealthHandler(t *testing.T) {
	started := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := NewHealthHandler(ServerProperties{Build: buildinfo.Get(), StartedAt: started, Hostname: "node1", StoreDriver: "sqlite", Parallel: true})
	h.now = func() time.Time { return started.Add(90 * time.Second) }

	w := serve(t, http.MethodGet, "/health", h, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	resp := decode[map[string]any](t, w)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "node1", resp["hostname"])
	assert.Equal(t, "1m30s", resp["uptime"])
	assert.Equal(t, "sqlite", resp["store"])
	assert.Equal(t, true, resp["parallel"])
	assert.Contains(t, resp, "build")
}

func TestRunHandler(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		runErr   error
		wantCode int
	}{
		{name: "accepted", target: "/api/topologies/shop/activate", wantCode: http.StatusAccepted},
		{name: "operation names ignore case", target: "/api/topologies/shop/STOP", wantCode: http.StatusAccepted},
		{name: "unknown operation", target: "/api/topologies/shop/restart", wantCode: http.StatusBadRequest},
		{name: "in progress", target: "/api/topologies/shop/start", runErr: orchestrator.ErrOperationInProgress, wantCode: http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ops := &mockOperations{runErr: tt.runErr}
			w := serve(t, http.MethodPost, "/api/topologies/{id}/{operation}", NewRunHandler(logging.Discard(), ops), tt.target)
			assert.Equal(t, tt.wantCode, w.Code)
			if tt.wantCode == http.StatusAccepted {
				status := decode[orchestrator.AggregateStatus](t, w)
				assert.Equal(t, "op-new", status.ID)
				assert.Equal(t, "shop", status.TopologyID)
			}
		})
	}
}

func TestPlanHandler(t *testing.T) {
	ops := &mockOperations{}
	w := serve(t, http.MethodGet, "/api/topologies/{id}/plan", NewPlanHandler(ops), "/api/topologies/shop/plan?operation=stop")
	require.Equal(t, http.StatusOK, w.Code)
	g := decode[process.Graph](t, w)
	assert.Equal(t, "shop-stop", g.Name)

	w = serve(t, http.MethodGet, "/api/topologies/{id}/plan", NewPlanHandler(ops), "/api/topologies/shop/plan")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "shop-activate", decode[process.Graph](t, w).Name)

	ops.planErr = fmt.Errorf("topology %q: %w", "shop", store.ErrNotFound)
	w = serve(t, http.MethodGet, "/api/topologies/{id}/plan", NewPlanHandler(ops), "/api/topologies/shop/plan")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, decode[ErrorResponse](t, w).Error, "not found")
}

func TestOperationHandler(t *testing.T) {
	ops := &mockOperations{statuses: map[string]orchestrator.AggregateStatus{
		"live": {ID: "live", State: orchestrator.Running},
	}}
	archive := newArchive(t, history.Record{Status: orchestrator.AggregateStatus{ID: "old", State: orchestrator.Succeeded}})
	h := NewOperationHandler(ops, archive)

	tests := []struct {
		id        string
		wantCode  int
		wantState orchestrator.State
	}{
		{id: "live", wantCode: http.StatusOK, wantState: orchestrator.Running},
		{id: "old", wantCode: http.StatusOK, wantState: orchestrator.Succeeded},
		{id: "nope", wantCode: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			w := serve(t, http.MethodGet, "/api/operations/{id}", h, "/api/operations/"+tt.id)
			assert.Equal(t, tt.wantCode, w.Code)
			if tt.wantCode == http.StatusOK {
				assert.Equal(t, tt.wantState, decode[orchestrator.AggregateStatus](t, w).State)
			}
		})
	}
}

func TestOperationsHandler_Empty(t *testing.T) {
	w := serve(t, http.MethodGet, "/api/operations", NewOperationsHandler(&mockOperations{}), "/api/operations")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestLogsHandler(t *testing.T) {
	ops := &mockOperations{statuses: map[string]orchestrator.AggregateStatus{
		"live":  {ID: "live"},
		"quiet": {ID: "quiet"},
	}}
	logs := mockLogs{"live": {{Level: "INFO", Message: "starting", RequestID: "START:db"}}}
	archive := newArchive(t, history.Record{
		Status: orchestrator.AggregateStatus{ID: "old"},
		Logs:   []logging.Entry{{Level: "ERROR", Message: "refused", RequestID: "START:api"}},
	})
	h := NewLogsHandler(ops, logs, archive)

	tests := []struct {
		id          string
		wantCode    int
		wantMessage string
	}{
		{id: "live", wantCode: http.StatusOK, wantMessage: "starting"},
		{id: "old", wantCode: http.StatusOK, wantMessage: "refused"},
		{id: "quiet", wantCode: http.StatusOK},
		{id: "nope", wantCode: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			w := serve(t, http.MethodGet, "/api/operations/{id}/logs", h, "/api/operations/"+tt.id+"/logs")
			require.Equal(t, tt.wantCode, w.Code)
			if tt.wantCode != http.StatusOK {
				return
			}
			entries := decode[[]logging.Entry](t, w)
			if tt.wantMessage == "" {
				assert.Empty(t, entries)
				return
			}
			require.Len(t, entries, 1)
			assert.Equal(t, tt.wantMessage, entries[0].Message)
		})
	}
}

func TestHistoryHandler(t *testing.T) {
	w := serve(t, http.MethodGet, "/api/history", NewHistoryHandler(newArchive(t)), "/api/history")
	assert.JSONEq(t, "[]", w.Body.String())

	archive := newArchive(t, history.Record{Status: orchestrator.AggregateStatus{ID: "a"}})
	w = serve(t, http.MethodGet, "/api/history", NewHistoryHandler(archive), "/api/history")
	statuses := decode[[]orchestrator.AggregateStatus](t, w)
	require.Len(t, statuses, 1)
	assert.Equal(t, "a", statuses[0].ID)
}

func TestTopologiesHandler(t *testing.T) {
	topo, err := topology.Parse([]byte(`
id: shop
entity_id: 1
type: deployment
items:
  - {name: db, type: database, id: 10}
  - {name: api, type: service, id: 11, depends_on: [db]}
`))
	require.NoError(t, err)

	w := serve(t, http.MethodGet, "/api/topologies", NewTopologiesHandler(&mockLister{topologies: []*topology.Topology{topo}}), "/api/topologies")
	require.Equal(t, http.StatusOK, w.Code)
	docs := decode[[]topology.Document](t, w)
	require.Len(t, docs, 1)
	assert.Equal(t, []string{"db"}, docs[0].Items[1].DependsOn)

	w = serve(t, http.MethodGet, "/api/topologies", NewTopologiesHandler(&mockLister{err: errors.New("db locked")}), "/api/topologies")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestSchedulesHandler(t *testing.T) {
	w := serve(t, http.MethodGet, "/api/schedules", NewSchedulesHandler(mockSchedules(nil)), "/api/schedules")
	assert.JSONEq(t, "[]", w.Body.String())

	next := time.Date(2026, 1, 2, 2, 0, 0, 0, time.UTC)
	w = serve(t, http.MethodGet, "/api/schedules", NewSchedulesHandler(mockSchedules{
		{Topology: "shop", Operation: lifecycle.OperationStart, Schedule: "0 2 * * *", NextRun: next},
	}), "/api/schedules")
	entries := decode[[]cron.Entry](t, w)
	require.Len(t, entries, 1)
	assert.Equal(t, next, entries[0].NextRun)
}

func TestConfigHandler(t *testing.T) {
	cfg := &config.Config{
		Plugins: []config.PluginConfig{{
			Name: "remote", Kind: config.PluginSSH, ItemTypes: []string{"service"},
			SSH: config.SSHConfig{Host: "deploy.example.com:22", User: "deploy", PrivateKeyFile: "/etc/keys/id"},
		}},
	}
	w := serve(t, http.MethodGet, "/api/config", NewConfigHandler(&mockConfigProvider{config: cfg}), "/api/config")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/yaml", w.Header().Get("Content-Type"))
	assert.NotContains(t, w.Body.String(), "/etc/keys/id")

	var resp config.Config
	require.NoError(t, yaml.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "deploy.example.com:22", resp.Plugins[0].SSH.Host)

	w = serve(t, http.MethodGet, "/api/config", NewConfigHandler(&mockConfigProvider{config: cfg}), "/api/config?format=json")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "deploy.example.com:22")
	assert.NotContains(t, w.Body.String(), "/etc/keys/id")

	w = serve(t, http.MethodGet, "/api/config", NewConfigHandler(&mockConfigProvider{config: cfg}), "/api/config?format=toml")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReloadHandler(t *testing.T) {
	w := serve(t, http.MethodPost, "/reload", NewReloadHandler(logging.Discard(), &mockReloader{loaded: []string{"shop", "crm"}}), "/reload")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, ReloadResponse{Loaded: []string{"shop", "crm"}}, decode[ReloadResponse](t, w))

	w = serve(t, http.MethodPost, "/reload", NewReloadHandler(logging.Discard(), &mockReloader{}), "/reload")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"loaded":[]}`, w.Body.String())

	w = serve(t, http.MethodPost, "/reload", NewReloadHandler(logging.Discard(),
		&mockReloader{loaded: []string{"shop"}, err: errors.New("topology file not found")}), "/reload")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	resp := decode[ReloadResponse](t, w)
	assert.Equal(t, []string{"shop"}, resp.Loaded)
	assert.Equal(t, "topology file not found", resp.Error)
}
