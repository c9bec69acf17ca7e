package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/goactivate/config"
	"github.com/nomis52/goactivate/lifecycle"
	"github.com/nomis52/goactivate/logging"
	"github.com/nomis52/goactivate/orchestrator"
)

const shopTopology = `
id: shop
entity_id: 1
type: deployment
label: Web shop
items:
  - name: db
    type: database
    id: 10
  - name: api
    type: service
    id: 11
    depends_on: [db]
`

// Test helpers

func writeConfig(t *testing.T, failAPI bool, extra string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	topoPath := filepath.Join(dir, "shop.yaml")
	require.NoError(t, os.WriteFile(topoPath, []byte(shopTopology), 0644))

	plugin := `
plugins:
  - name: sim
    kind: simulated
    item_types: [database, service]
`
	if failAPI {
		plugin += `    simulated:
      fail:
        api: port in use
`
	}
	cfg, err := config.Parse([]byte("topologies: [" + topoPath + "]" + plugin + extra))
	require.NoError(t, err)
	return cfg
}

func await(t *testing.T, a *App, id string) orchestrator.AggregateStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := a.Orchestrator.Await(ctx, id, 10*time.Millisecond)
	require.NoError(t, err)
	return status
}

// Tests

func TestNew_RunsOperation(t *testing.T) {
	cfg := writeConfig(t, false, "")
	a, err := New(context.Background(), cfg, WithLogger(logging.Discard()))
	require.NoError(t, err)
	defer a.Close()

	status, err := a.Orchestrator.Run("shop", lifecycle.OperationStop)
	require.NoError(t, err)
	final := await(t, a, status.ID)
	assert.Equal(t, orchestrator.Succeeded, final.State)
	assert.Equal(t, 100, final.Percent)

	archived := a.History.List()
	require.Len(t, archived, 1)
	assert.Equal(t, status.ID, archived[0].ID)
}

func TestNew_HandlerFailure(t *testing.T) {
	cfg := writeConfig(t, true, "")
	a, err := New(context.Background(), cfg, WithLogger(logging.Discard()))
	require.NoError(t, err)
	defer a.Close()

	status, err := a.Orchestrator.Activate("shop")
	require.NoError(t, err)
	final := await(t, a, status.ID)
	assert.Equal(t, orchestrator.Failed, final.State)
	assert.Contains(t, final.Message, "port in use")
}

func TestNew_SQLiteStoreAndDiskHistory(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, false, `
store:
  driver: sqlite
  path: `+filepath.Join(dir, "activator.db")+`
history:
  dir: `+filepath.Join(dir, "history")+`
`)
	a, err := New(context.Background(), cfg, WithLogger(logging.Discard()))
	require.NoError(t, err)
	defer a.Close()

	topologies, err := a.Store.ListTopologies(context.Background())
	require.NoError(t, err)
	require.Len(t, topologies, 1)
	assert.Equal(t, "shop", topologies[0].ID)

	status, err := a.Orchestrator.Start("shop")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.Succeeded, await(t, a, status.ID).State)

	entries, err := os.ReadDir(filepath.Join(dir, "history"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestNew_BadTopologyFile(t *testing.T) {
	cfg := writeConfig(t, false, "")
	cfg.Topologies = append(cfg.Topologies, filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := New(context.Background(), cfg, WithLogger(logging.Discard()))
	assert.ErrorContains(t, err, "missing.yaml")
}

func TestNewSweeper(t *testing.T) {
	cfg := writeConfig(t, false, "")
	a, err := New(context.Background(), cfg, WithLogger(logging.Discard()))
	require.NoError(t, err)
	defer a.Close()

	sweeper, err := a.NewSweeper()
	require.NoError(t, err)
	sweeper.Sweep(context.Background())
}
