// Package storetest provides contract tests for store.Store implementations.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/goactivate/lifecycle"
	"github.com/nomis52/goactivate/store"
	"github.com/nomis52/goactivate/topology"
)

// Factory creates a fresh store for each test invocation.
type Factory func(t *testing.T) store.Store

func shop(t *testing.T) *topology.Topology {
	t.Helper()
	topo, err := topology.Document{
		ID:       "shop",
		EntityID: 1,
		Type:     "deployment",
		Label:    "Web shop",
		Items: []topology.ItemDocument{
			{Name: "db", Type: "database", ID: 10},
			{Name: "api", Type: "service", ID: 11, DependsOn: []string{"db"}},
		},
	}.Build()
	require.NoError(t, err)
	return topo
}

// Run exercises the store.Store contract.
func Run(t *testing.T, factory Factory) {
	t.Run("SaveAndFindTopology", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		require.NoError(t, s.SaveTopology(ctx, shop(t)))

		got, err := s.FindDeployedInstanceByTopologyID(ctx, "shop")
		require.NoError(t, err)
		assert.Equal(t, "Web shop", got.Label)
		assert.Equal(t, int64(1), got.EntityID)
		require.Len(t, got.Items, 2)
		api := got.Item("api")
		require.NotNil(t, api)
		require.Len(t, api.DependsOn, 1)
		assert.Same(t, got.Item("db"), api.DependsOn[0])
	})

	t.Run("SaveReplacesTopology", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		topo := shop(t)
		require.NoError(t, s.SaveTopology(ctx, topo))

		topo.Label = "Renamed"
		require.NoError(t, s.SaveTopology(ctx, topo))

		got, err := s.FindDeployedInstanceByTopologyID(ctx, "shop")
		require.NoError(t, err)
		assert.Equal(t, "Renamed", got.Label)

		all, err := s.ListTopologies(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("ListTopologiesOrdered", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		for _, id := range []string{"zeta", "alpha", "mid"} {
			require.NoError(t, s.SaveTopology(ctx, &topology.Topology{ID: id, Type: "deployment"}))
		}
		all, err := s.ListTopologies(ctx)
		require.NoError(t, err)
		var ids []string
		for _, topo := range all {
			ids = append(ids, topo.ID)
		}
		assert.Equal(t, []string{"alpha", "mid", "zeta"}, ids)
	})

	t.Run("FindUnknownTopology", func(t *testing.T) {
		s := factory(t)
		_, err := s.FindDeployedInstanceByTopologyID(context.Background(), "missing")
		assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
	})

	t.Run("UpdateDeploymentState", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		_, err := s.ItemState(ctx, 10, "database")
		assert.True(t, errors.Is(err, store.ErrNotFound))

		require.NoError(t, s.UpdateDeploymentState(ctx, 10, "database", lifecycle.StateCreated, ""))
		require.NoError(t, s.UpdateDeploymentState(ctx, 10, "database", lifecycle.StateFailed, "disk full"))

		got, err := s.ItemState(ctx, 10, "database")
		require.NoError(t, err)
		assert.Equal(t, lifecycle.StateFailed, got.State)
		assert.Equal(t, "disk full", got.Message)
		assert.False(t, got.UpdatedAt.IsZero())

		// Same entity id, different type is a different record.
		_, err = s.ItemState(ctx, 10, "service")
		assert.True(t, errors.Is(err, store.ErrNotFound))
	})

	t.Run("SetAndPersistStatus", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		_, err := s.Status(ctx, "shop")
		assert.True(t, errors.Is(err, store.ErrNotFound))

		require.NoError(t, s.SetAndPersistStatus(ctx, "shop", lifecycle.StateInProgress, "activating", 40))
		require.NoError(t, s.SetAndPersistStatus(ctx, "shop", lifecycle.StateStarted, "", 100))

		got, err := s.Status(ctx, "shop")
		require.NoError(t, err)
		assert.Equal(t, "shop", got.TopologyID)
		assert.Equal(t, lifecycle.StateStarted, got.State)
		assert.Empty(t, got.Message)
		assert.Equal(t, 100, got.Percent)
	})
}
