package pruner

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celestiaorg/celestia-state-gc/smt"
)

func TestRecycleBin(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 0, 0)
	clk := clock.NewMock()
	bin := NewRecycleBin(env.ds, clk)

	put := func(n smt.Node) smt.Hash {
		h, data := smt.HashNode(n)
		rec, err := bin.record(h, data)
		require.NoError(t, err)
		require.NoError(t, env.nodes.DeleteNodes(ctx, nil, false, rec))
		return h
	}

	old := put(&smt.LeafNode{Key: smt.Sum([]byte("old")), Value: []byte("1")})
	clk.Add(2 * time.Hour)
	fresh := put(&smt.LeafNode{Key: smt.Sum([]byte("fresh")), Value: []byte("2")})

	count, err := bin.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	entries, err := bin.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	entry, err := bin.Get(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, fresh, entry.Hash)
	assert.Equal(t, len(entry.Data), entry.OriginalSize)
	assert.Equal(t, fresh, smt.Sum(entry.Data))

	purged, err := bin.Purge(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
	_, err = bin.Get(ctx, old)
	assert.ErrorIs(t, err, ErrNotRecycled)

	require.NoError(t, bin.Restore(ctx, fresh, env.nodes))
	_, err = env.nodes.Get(ctx, fresh)
	require.NoError(t, err)
	count, err = bin.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRecycleBin_RestoreRejectsCorruptEntry(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 0, 0)
	bin := NewRecycleBin(env.ds, clock.NewMock())

	h := smt.Sum([]byte("claimed"))
	rec, err := bin.record(h, []byte("other bytes"))
	require.NoError(t, err)
	require.NoError(t, env.nodes.DeleteNodes(ctx, nil, false, rec))

	err = bin.Restore(ctx, h, env.nodes)
	require.ErrorIs(t, err, ErrConsistency)
}
