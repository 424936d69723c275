package pruner

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celestiaorg/celestia-state-gc/smt"
	"github.com/celestiaorg/celestia-state-gc/smt/smttest"
	"github.com/celestiaorg/celestia-state-gc/store"
)

func newTestSweeper(t *testing.T, env *testEnv, nodes NodeStore, reach *ReachableSet, p *Params) *Sweeper {
	t.Helper()
	meta := namespace.Wrap(env.ds, metaPrefix)
	deleted, err := loadDeletedRoots(context.Background(), meta, p)
	require.NoError(t, err)
	return &Sweeper{
		nodes:   nodes,
		reach:   reach,
		deleted: deleted,
		meta:    meta,
		params:  p,
		stop:    &atomic.Bool{},
		dryRun:  p.DryRun,
	}
}

func TestSweep_DeletesExactlyUnreachable(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 20, 30)
	protected, expired := env.split(3)
	reach, _ := buildReach(t, env.nodes, false, hashesOf(protected)...)

	live := smttest.Reachable(t, env.nodes, hashesOf(protected)...)
	garbage := smttest.Exclusive(t, env.nodes, hashesOf(expired), hashesOf(protected))
	require.NotEmpty(t, garbage)

	stats, err := newTestSweeper(t, env, env.nodes, reach, testParams()).Sweep(ctx, expired)
	require.NoError(t, err)
	assert.False(t, stats.Interrupted)
	assert.Equal(t, len(expired), stats.RootsSwept)
	assert.EqualValues(t, len(garbage), stats.DeletedCount)

	assert.Len(t, smttest.Missing(t, env.nodes, garbage, store.ErrNotFound), len(garbage))
	assert.Empty(t, smttest.Missing(t, env.nodes, live, store.ErrNotFound))
	assert.EqualValues(t, len(live), countNodes(t, env.nodes))

	cur, err := getCursor(ctx, namespace.Wrap(env.ds, metaPrefix))
	require.NoError(t, err)
	assert.True(t, cur.Valid)
	assert.Equal(t, expired[len(expired)-1].TxOrder, cur.LastOrder)
	assert.Equal(t, expired[0].TxOrder, cur.SweptDownTo)
}

func TestSweep_Idempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 12, 20)
	protected, expired := env.split(2)
	reach, _ := buildReach(t, env.nodes, false, hashesOf(protected)...)
	p := testParams()

	_, err := newTestSweeper(t, env, env.nodes, reach, p).Sweep(ctx, expired)
	require.NoError(t, err)
	remaining := countNodes(t, env.nodes)

	// swept roots are skipped through the persisted filter
	stats, err := newTestSweeper(t, env, env.nodes, reach, p).Sweep(ctx, expired)
	require.NoError(t, err)
	assert.Equal(t, len(expired), stats.RootsSkipped)
	assert.Zero(t, stats.DeletedCount)

	// and a sweep without the filter finds nothing left to delete
	require.NoError(t, env.ds.Delete(ctx, metaPrefix.Child(deletedRootsKey)))
	stats, err = newTestSweeper(t, env, env.nodes, reach, p).Sweep(ctx, expired)
	require.NoError(t, err)
	assert.Zero(t, stats.RootsSkipped)
	assert.Zero(t, stats.DeletedCount)
	assert.Equal(t, remaining, countNodes(t, env.nodes))
}

// stoppingStore raises the stop flag on the first deletion.
type stoppingStore struct {
	*store.NodeStore
	stop *atomic.Bool
}

func (s *stoppingStore) DeleteNodes(ctx context.Context, hashes []smt.Hash, flush bool, records ...store.Record) error {
	s.stop.Store(true)
	return s.NodeStore.DeleteNodes(ctx, hashes, flush, records...)
}

// TestSweep_StopKeepsNewestPrefix checks that a stop between batches leaves the newest expired
// roots swept and checkpointed, and the older ones untouched.
func TestSweep_StopKeepsNewestPrefix(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 12, 20)
	protected, expired := env.split(2)
	reach, _ := buildReach(t, env.nodes, false, hashesOf(protected)...)
	p := testParams()

	sw := newTestSweeper(t, env, nil, reach, p)
	sw.nodes = &stoppingStore{NodeStore: env.nodes, stop: sw.stop}
	stats, err := sw.Sweep(ctx, expired)
	require.NoError(t, err)
	assert.True(t, stats.Interrupted)
	assert.Equal(t, p.SweepBatchRoots, stats.RootsSwept)

	newest := expired[len(expired)-p.SweepBatchRoots:]
	for _, root := range newest {
		assert.True(t, sw.deleted.Contains(root.Root))
		_, err := env.nodes.Get(ctx, root.Root)
		assert.ErrorIs(t, err, store.ErrNotFound)
	}
	for _, root := range expired[:len(expired)-p.SweepBatchRoots] {
		_, err := env.nodes.Get(ctx, root.Root)
		assert.NoError(t, err, "root %d swept after stop", root.TxOrder)
	}

	cur, err := getCursor(ctx, sw.meta)
	require.NoError(t, err)
	assert.False(t, cur.Valid)
	assert.Zero(t, cur.LastOrder)
	assert.Equal(t, newest[0].TxOrder, cur.SweptDownTo)

	// a resumed sweep finishes the rest
	sw = newTestSweeper(t, env, env.nodes, reach, p)
	stats, err = sw.Sweep(ctx, expired)
	require.NoError(t, err)
	assert.Equal(t, p.SweepBatchRoots, stats.RootsSkipped)
	assert.Equal(t, len(expired)-p.SweepBatchRoots, stats.RootsSwept)
	assert.EqualValues(t, len(smttest.Reachable(t, env.nodes, hashesOf(protected)...)), countNodes(t, env.nodes))
}

func TestSweep_StoppedBeforeStart(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 6, 10)
	protected, expired := env.split(2)
	reach, _ := buildReach(t, env.nodes, false, hashesOf(protected)...)
	before := countNodes(t, env.nodes)

	sw := newTestSweeper(t, env, env.nodes, reach, testParams())
	sw.stop.Store(true)
	stats, err := sw.Sweep(ctx, expired)
	require.NoError(t, err)
	assert.True(t, stats.Interrupted)
	assert.Zero(t, stats.DeletedCount)
	assert.Equal(t, before, countNodes(t, env.nodes))
}

// TestSweep_FalsePositivesOnlyRetain sweeps with an overloaded filter. Its false positives may
// keep garbage but never delete a live node.
func TestSweep_FalsePositivesOnlyRetain(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 16, 30)
	protected, expired := env.split(3)

	bloom, err := NewBloom(1<<8, 1)
	require.NoError(t, err)
	reach := NewReachableSet(bloom, nil, false)
	_, err = NewReachableBuilder(env.nodes, reach, 2, false).Build(ctx, hashesOf(protected))
	require.NoError(t, err)

	live := smttest.Reachable(t, env.nodes, hashesOf(protected)...)
	garbage := smttest.Exclusive(t, env.nodes, hashesOf(expired), hashesOf(protected))

	stats, err := newTestSweeper(t, env, env.nodes, reach, testParams()).Sweep(ctx, expired)
	require.NoError(t, err)
	assert.Empty(t, smttest.Missing(t, env.nodes, live, store.ErrNotFound))
	assert.LessOrEqual(t, stats.DeletedCount, uint64(len(garbage)))
	assert.Positive(t, stats.KeptCount)
}

func TestSweep_ExactCheckRemovesFalsePositiveGarbage(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 16, 30)
	protected, expired := env.split(3)

	bloom, err := NewBloom(1<<8, 1)
	require.NoError(t, err)
	reach := NewReachableSet(bloom, NewInMemoryMarker(), true)
	_, err = NewReachableBuilder(env.nodes, reach, 2, false).Build(ctx, hashesOf(protected))
	require.NoError(t, err)

	garbage := smttest.Exclusive(t, env.nodes, hashesOf(expired), hashesOf(protected))
	stats, err := newTestSweeper(t, env, env.nodes, reach, testParams()).Sweep(ctx, expired)
	require.NoError(t, err)
	assert.EqualValues(t, len(garbage), stats.DeletedCount)
}

func TestSweep_DryRun(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 14, 20)
	protected, expired := env.split(2)
	reach, _ := buildReach(t, env.nodes, false, hashesOf(protected)...)
	garbage := smttest.Exclusive(t, env.nodes, hashesOf(expired), hashesOf(protected))
	before := countNodes(t, env.nodes)

	stats, err := newTestSweeper(t, env, env.nodes, reach, testParams(WithDryRun(true))).Sweep(ctx, expired)
	require.NoError(t, err)
	assert.EqualValues(t, len(garbage), stats.DeletedCount)
	assert.Equal(t, before, countNodes(t, env.nodes))

	meta := namespace.Wrap(env.ds, metaPrefix)
	for _, key := range []datastore.Key{deletedRootsKey, cursorKey} {
		has, err := meta.Has(ctx, key)
		require.NoError(t, err)
		assert.False(t, has, "%s written in dry-run", key)
	}
}

func TestSweep_RecycleBin(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 8, 16)
	protected, expired := env.split(2)
	reach, _ := buildReach(t, env.nodes, false, hashesOf(protected)...)

	sw := newTestSweeper(t, env, env.nodes, reach, testParams())
	sw.recycle = NewRecycleBin(env.ds, clock.NewMock())
	stats, err := sw.Sweep(ctx, expired)
	require.NoError(t, err)
	require.Positive(t, stats.DeletedCount)
	assert.Equal(t, stats.DeletedCount, stats.RecycleBinEntries)

	count, err := sw.recycle.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, stats.DeletedCount, count)

	root := expired[0].Root
	require.NoError(t, sw.recycle.Restore(ctx, root, env.nodes))
	data, err := env.nodes.Get(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, root, smt.Sum(data))
	_, err = sw.recycle.Get(ctx, root)
	assert.ErrorIs(t, err, ErrNotRecycled)
}

func TestSweep_FailingRootIsSkipped(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 10, 20)
	protected, expired := env.split(2)
	reach, _ := buildReach(t, env.nodes, false, hashesOf(protected)...)

	failing := expired[3]
	faulty := &faultyStore{NodeStore: env.nodes, failOn: hashSet(failing.Root)}
	faulty.failures.Store(-1)

	sw := newTestSweeper(t, env, faulty, reach, testParams())
	stats, err := sw.Sweep(ctx, expired)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RootsFailed)
	assert.Equal(t, len(expired)-1, stats.RootsSwept)
	assert.False(t, sw.deleted.Contains(failing.Root))

	cur, err := getCursor(ctx, sw.meta)
	require.NoError(t, err)
	assert.Zero(t, cur.LastOrder, "cursor advanced past a failed root")
}

func TestSweep_UndecodableNodeKept(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 0, 0)
	b := smttest.NewBuilder(t, env.nodes)

	live := b.Internal(b.Leaf("live", "v"))
	corrupt := smt.Sum([]byte("corrupt"))
	require.NoError(t, env.nodes.Put(ctx, corrupt, []byte{0xee}))
	leaf := b.Leaf("dead", "v")
	dead := b.Internal(corrupt, leaf)

	reach, _ := buildReach(t, env.nodes, false, live)
	stats, err := newTestSweeper(t, env, env.nodes, reach, testParams()).
		Sweep(ctx, []smt.StateRoot{{Root: dead, TxOrder: 0}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.DecodeFailures)
	assert.EqualValues(t, 2, stats.DeletedCount)

	_, err = env.nodes.Get(ctx, corrupt)
	assert.NoError(t, err)
	for _, h := range []smt.Hash{dead, leaf} {
		_, err = env.nodes.Get(ctx, h)
		assert.ErrorIs(t, err, store.ErrNotFound)
	}
}
