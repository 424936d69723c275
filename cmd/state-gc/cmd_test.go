package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celestiaorg/celestia-state-gc/nodebuilder"
	"github.com/celestiaorg/celestia-state-gc/smt/smttest"
	"github.com/celestiaorg/celestia-state-gc/store"
)

func TestStateGC(t *testing.T) {
	ctx := context.Background()
	storePath := filepath.Join(t.TempDir(), ".state-gc")

	execute := func(t *testing.T, args ...string) error {
		rootCmd.SetArgs(append(args, "--node.store", storePath))
		return rootCmd.ExecuteContext(ctx)
	}

	t.Run("init", func(t *testing.T) {
		require.NoError(t, execute(t, "init", "--gc.protected-roots", "2", "--gc.marker", "InMemory"))
		assert.True(t, nodebuilder.IsInit(storePath))

		cfg, err := nodebuilder.LoadConfig(filepath.Join(storePath, "config.toml"))
		require.NoError(t, err)
		assert.Equal(t, 2, cfg.GC.ProtectedRootsCount)
	})

	var expected int
	t.Run("populate", func(t *testing.T) {
		st, err := nodebuilder.OpenStore(storePath)
		require.NoError(t, err)
		ds, err := st.Datastore()
		require.NoError(t, err)

		nodes, err := store.NewNodeStore(ds, store.DefaultParameters())
		require.NoError(t, err)
		history := store.NewRootHistory(ds)
		roots := smttest.NewBuilder(t, nodes).History(6, 12)
		for _, root := range roots {
			require.NoError(t, history.Put(ctx, root))
		}
		require.NoError(t, nodes.FlushOnly(ctx))
		require.NoError(t, st.Close())
		expected = len(roots) - 2
	})

	t.Run("gc", func(t *testing.T) {
		require.NoError(t, execute(t, "gc", "--gc.yes", "--gc.recycle-bin"))

		st, err := nodebuilder.OpenStore(storePath)
		require.NoError(t, err)
		t.Cleanup(func() {
			require.NoError(t, st.Close())
		})
		nd, err := nodebuilder.New(st)
		require.NoError(t, err)

		status, err := nd.GC.Status(ctx)
		require.NoError(t, err)
		assert.Positive(t, status.RecycleBinEntries)
		assert.True(t, status.CursorValid)
		assert.EqualValues(t, expected-1, status.LastOrder, "newest expired root swept")
	})

	t.Run("status", func(t *testing.T) {
		require.NoError(t, execute(t, "status"))
	})

	t.Run("recycle", func(t *testing.T) {
		require.NoError(t, execute(t, "recycle", "list", "--limit", "4"))
		require.NoError(t, execute(t, "recycle", "purge"))
	})

	t.Run("gc fails on invalid flags", func(t *testing.T) {
		require.Error(t, execute(t, "gc", "--gc.yes", "--gc.workers", "0"))
	})
}
