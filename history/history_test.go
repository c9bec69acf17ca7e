package history

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/goactivate/lifecycle"
	"github.com/nomis52/goactivate/logging"
	"github.com/nomis52/goactivate/orchestrator"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func status(i int) orchestrator.AggregateStatus {
	started := base.Add(time.Duration(i) * time.Hour)
	ended := started.Add(time.Minute)
	return orchestrator.AggregateStatus{
		ID:         fmt.Sprintf("op-%d", i),
		TopologyID: "shop",
		Operation:  lifecycle.OperationActivate,
		InstanceID: fmt.Sprintf("inst-%d", i),
		State:      orchestrator.Succeeded,
		Percent:    100,
		Title:      "activate shop",
		StartedAt:  started,
		EndedAt:    &ended,
	}
}

func stores(t *testing.T, maxCount int) map[string]Store {
	disk, err := NewDiskStore(t.TempDir(), maxCount, logging.Discard())
	require.NoError(t, err)
	return map[string]Store{
		"memory": NewMemoryStore(maxCount),
		"disk":   disk,
	}
}

func TestStore_SaveAndGet(t *testing.T) {
	for name, s := range stores(t, 10) {
		t.Run(name, func(t *testing.T) {
			assert.Empty(t, s.List())

			logs := []logging.Entry{{Time: base, Level: "INFO", Message: "created", RequestID: "ACTIVATE:db"}}
			require.NoError(t, s.Save(status(1), logs))

			got, ok := s.Get("op-1")
			require.True(t, ok)
			assert.Equal(t, "op-1", got.Status.ID)
			assert.Equal(t, orchestrator.Succeeded, got.Status.State)
			assert.True(t, base.Add(time.Hour).Equal(got.Status.StartedAt))
			require.Len(t, got.Logs, 1)
			assert.Equal(t, "created", got.Logs[0].Message)

			// Records are copies.
			got.Logs[0].Message = "changed"
			again, _ := s.Get("op-1")
			assert.Equal(t, "created", again.Logs[0].Message)

			_, ok = s.Get("op-2")
			assert.False(t, ok)
		})
	}
}

func TestStore_RequiresID(t *testing.T) {
	for name, s := range stores(t, 10) {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, s.Save(orchestrator.AggregateStatus{}, nil))
		})
	}
}

func TestStore_MostRecentFirstAndRetention(t *testing.T) {
	for name, s := range stores(t, 3) {
		t.Run(name, func(t *testing.T) {
			for _, i := range []int{2, 0, 4, 1, 3} {
				require.NoError(t, s.Save(status(i), nil))
			}

			list := s.List()
			require.Len(t, list, 3)
			for i := 0; i < len(list)-1; i++ {
				assert.True(t, list[i].StartedAt.After(list[i+1].StartedAt))
			}
			assert.Equal(t, "op-4", list[0].ID)
		})
	}
}

func TestDiskStore_Reload(t *testing.T) {
	dir := t.TempDir()
	s, err := NewDiskStore(dir, 3, logging.Discard())
	require.NoError(t, err)
	for i := range 5 {
		require.NoError(t, s.Save(status(i), nil))
	}

	// Expired records are removed from disk.
	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, files, 3)

	reopened, err := NewDiskStore(dir, 3, logging.Discard())
	require.NoError(t, err)
	list := reopened.List()
	require.Len(t, list, 3)
	assert.Equal(t, []string{"op-4", "op-3", "op-2"}, []string{list[0].ID, list[1].ID, list[2].ID})
	require.NotNil(t, list[0].EndedAt)
	assert.Equal(t, lifecycle.OperationActivate, list[0].Operation)
}

func TestDiskStore_SkipsUnreadableFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "anonymous.json"), []byte(`{"status":{}}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))

	s, err := NewDiskStore(dir, 10, logging.Discard())
	require.NoError(t, err)
	assert.Empty(t, s.List())

	require.NoError(t, s.Save(status(7), nil))
	require.NoError(t, s.Reload())
	assert.Len(t, s.List(), 1)
}

func TestDiskStore_FileName(t *testing.T) {
	dir := t.TempDir()
	s, err := NewDiskStore(dir, 10, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, s.Save(status(0), nil))

	_, err = os.Stat(filepath.Join(dir, "2026-03-01T12-00-00_op-0.json"))
	assert.NoError(t, err)
}
