package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/goactivate/lifecycle"
	"github.com/nomis52/goactivate/logging"
	"github.com/nomis52/goactivate/orchestrator"
)

func TestNewManager(t *testing.T) {
	manager, err := NewManager([]Schedule{
		{Topology: "shop", Operation: lifecycle.OperationStart, Spec: "0 6 * * *"},
		{Topology: "shop", Operation: lifecycle.OperationStop, Spec: "0 22 * * *"},
	}, &mockRunner{}, logging.Discard())
	require.NoError(t, err)

	entries := manager.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "shop", entries[0].Topology)
	assert.Equal(t, lifecycle.OperationStart, entries[0].Operation)
	assert.Equal(t, "0 6 * * *", entries[0].Schedule)
	assert.Equal(t, 6, entries[0].NextRun.Hour())
	assert.Equal(t, 22, entries[1].NextRun.Hour())
}

func TestNewManager_InvalidSpec(t *testing.T) {
	manager, err := NewManager([]Schedule{
		{Topology: "shop", Operation: lifecycle.OperationStart, Spec: "bogus"},
	}, &mockRunner{}, logging.Discard())
	assert.ErrorIs(t, err, ErrInvalidCronSpec)
	assert.Nil(t, manager)
}

func TestManager_NextRun(t *testing.T) {
	manager, err := NewManager([]Schedule{
		{Topology: "shop", Operation: lifecycle.OperationStart, Spec: "0 2 * * *"},
		{Topology: "shop", Operation: lifecycle.OperationStop, Spec: "0 14 * * *"},
		{Topology: "billing", Operation: lifecycle.OperationStart, Spec: "0 20 * * *"},
	}, &mockRunner{}, logging.Discard())
	require.NoError(t, err)

	earliest := manager.triggers[0].NextRun()
	for _, trigger := range manager.triggers[1:] {
		if next := trigger.NextRun(); next.Before(earliest) {
			earliest = next
		}
	}
	assert.Equal(t, earliest, manager.NextRun())
}

func TestManager_NextRun_NoTriggers(t *testing.T) {
	manager, err := NewManager(nil, &mockRunner{}, logging.Discard())
	require.NoError(t, err)
	assert.True(t, manager.NextRun().IsZero())
	assert.Empty(t, manager.Entries())
}

func TestManager_RunSubmitsOperations(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "submitted"},
		{name: "in progress is skipped", err: orchestrator.ErrOperationInProgress},
		{name: "failure is logged", err: errors.New("store unavailable")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &mockRunner{err: tt.err}
			manager, err := NewManager([]Schedule{
				{Topology: "shop", Operation: lifecycle.OperationStart, Spec: "@every 1s"},
			}, runner, logging.Discard())
			require.NoError(t, err)

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- manager.Run(ctx) }()

			assert.Eventually(t, func() bool { return runner.count.Load() >= 1 }, 3*time.Second, 10*time.Millisecond)
			cancel()
			require.NoError(t, <-done)

			runner.mu.Lock()
			defer runner.mu.Unlock()
			assert.Equal(t, Schedule{Topology: "shop", Operation: lifecycle.OperationStart}, runner.runs[0])
		})
	}
}

func TestManager_RunStopsOnCancel(t *testing.T) {
	runner := &mockRunner{}
	manager, err := NewManager([]Schedule{
		{Topology: "shop", Operation: lifecycle.OperationStart, Spec: "0 2 * * *"},
		{Topology: "billing", Operation: lifecycle.OperationStart, Spec: "0 3 * * *"},
	}, runner, logging.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, manager.Run(ctx))
	assert.Equal(t, int32(0), runner.count.Load())
}
