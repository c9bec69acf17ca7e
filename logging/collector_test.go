package logging

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Logger(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	c := NewCollector(0)
	logger := c.Logger(base, "op-1", "ACTIVATE:db")

	logger.Debug("connecting", "host", "db.internal")
	logger.With("attempt", 2).Info("provisioned", "took", 3*time.Second)
	logger.WithGroup("vm").Warn("slow disk", "id", 10)
	logger.Error("failed", "error", errors.New("quota exceeded"))

	entries := c.Entries("op-1")
	require.Len(t, entries, 4)

	for _, e := range entries {
		assert.Equal(t, "ACTIVATE:db", e.RequestID)
	}

	assert.Equal(t, "DEBUG", entries[0].Level)
	assert.Equal(t, "connecting", entries[0].Message)
	assert.Equal(t, "db.internal", entries[0].Attributes["host"])

	assert.Equal(t, "provisioned", entries[1].Message)
	assert.Equal(t, int64(2), entries[1].Attributes["attempt"])
	assert.Equal(t, "3s", entries[1].Attributes["took"])

	assert.Equal(t, int64(10), entries[2].Attributes["vm.id"])
	assert.Equal(t, "quota exceeded", entries[3].Attributes["error"])

	// The base handler still filters by its own level.
	out := buf.String()
	assert.NotContains(t, out, "connecting")
	assert.Contains(t, out, "provisioned")
	assert.Contains(t, out, "vm.id=10")
}

func TestCollector_Bounded(t *testing.T) {
	c := NewCollector(3)
	for i := range 5 {
		c.Add("op", Entry{Message: fmt.Sprintf("m%d", i)})
	}

	entries := c.Entries("op")
	require.Len(t, entries, 3)
	assert.Equal(t, "m2", entries[0].Message)
	assert.Equal(t, "m4", entries[2].Message)
}

func TestCollector_EntriesAreCopies(t *testing.T) {
	c := NewCollector(10)
	c.Add("op", Entry{Message: "original"})

	entries := c.Entries("op")
	entries[0].Message = "changed"

	assert.Equal(t, "original", c.Entries("op")[0].Message)
}

func TestCollector_Forget(t *testing.T) {
	c := NewCollector(10)
	c.Add("op-1", Entry{Message: "a"})
	c.Add("op-2", Entry{Message: "b"})

	c.Forget("op-1")

	assert.Nil(t, c.Entries("op-1"))
	assert.Len(t, c.Entries("op-2"), 1)
	assert.Nil(t, c.Entries("unknown"))
}

func TestCollector_Concurrent(t *testing.T) {
	c := NewCollector(1000)
	base := Discard()

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger := c.Logger(base, "op", fmt.Sprintf("req-%d", i))
			for range 20 {
				logger.Info("tick")
			}
		}()
	}
	wg.Wait()

	assert.Len(t, c.Entries("op"), 200)
}
