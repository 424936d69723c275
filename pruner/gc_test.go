package pruner

import (
	"context"
	"testing"

	"github.com/ipfs/go-datastore/namespace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celestiaorg/celestia-state-gc/smt/smttest"
	"github.com/celestiaorg/celestia-state-gc/store"
)

func newTestGC(env *testEnv, nodes NodeStore, p *Params, opts ...GCOption) *GarbageCollector {
	if nodes == nil {
		nodes = env.nodes
	}
	return NewGarbageCollector(nodes, NewHistoryResolver(env.history), env.history, p, opts...)
}

// TestExecuteGC_ScenarioA protects the oldest root and sweeps the five following ones.
func TestExecuteGC_ScenarioA(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 11, 24)
	protected, expired := env.roots[:1], env.roots[1:6]

	resolver := &StaticResolver{Protected: protected, Expired: expired}
	gc := NewGarbageCollector(env.nodes, resolver, env.history, testParams(WithProtectedRoots(1)))

	garbage := smttest.Exclusive(t, env.nodes, hashesOf(expired), hashesOf(protected))
	require.NotEmpty(t, garbage)

	report, err := gc.ExecuteGC(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(expired), report.Sweep.RootsSwept)
	assert.EqualValues(t, len(garbage), report.Sweep.DeletedCount)
	assert.NotEmpty(t, report.CycleID)

	assert.Len(t, smttest.Missing(t, env.nodes, garbage, store.ErrNotFound), len(garbage))
	live := smttest.Reachable(t, env.nodes, protected[0].Root)
	assert.Empty(t, smttest.Missing(t, env.nodes, live, store.ErrNotFound))
	for _, root := range env.roots[6:] {
		_, err := env.nodes.Get(ctx, root.Root)
		require.NoError(t, err, "unexpired root %d deleted", root.TxOrder)
	}
}

// TestExecuteGC_ScenarioB rejects a cycle without protected roots before touching the store.
func TestExecuteGC_ScenarioB(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 6, 10)
	before := countNodes(t, env.nodes)

	gc := newTestGC(env, nil, testParams(WithProtectedRoots(0)))
	_, err := gc.ExecuteGC(ctx)
	require.ErrorIs(t, err, ErrConfiguration)
	assert.Equal(t, before, countNodes(t, env.nodes))

	res, err := env.ds.Query(ctx, dsqAll(storePrefix))
	require.NoError(t, err)
	entries, err := res.Rest()
	require.NoError(t, err)
	assert.Empty(t, entries, "gc metadata written by a rejected cycle")

	// an empty root history resolves no protected roots
	empty := newTestEnv(t, 0, 0)
	_, err = newTestGC(empty, nil, testParams()).ExecuteGC(ctx)
	require.ErrorIs(t, err, ErrConfiguration)
}

// TestExecuteGC_ScenarioC runs two cycles over the same expired roots.
func TestExecuteGC_ScenarioC(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 12, 20)
	protected, expired := env.split(3)
	garbage := smttest.Exclusive(t, env.nodes, hashesOf(expired), hashesOf(protected))

	gc := newTestGC(env, nil, testParams(WithProtectedRoots(3)))
	first, err := gc.ExecuteGC(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, len(garbage), first.Sweep.DeletedCount)
	assert.Equal(t, PhaseIncremental, gc.Phases().Current())

	second, err := gc.ExecuteGC(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.Sweep.DeletedCount)
	assert.Equal(t, PhaseIncremental, second.Phase)

	status, err := gc.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, PhaseIncremental, status.Phase)
	assert.Equal(t, expired[len(expired)-1].TxOrder, status.LastOrder)
	assert.True(t, status.CursorValid)
}

func TestExecuteGC_Incremental(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 0, 0)
	roots := smttest.NewBuilder(t, env.nodes).History(12, 20)
	for _, root := range roots[:8] {
		require.NoError(t, env.history.Put(ctx, root))
	}

	gc := newTestGC(env, nil, testParams(WithProtectedRoots(3)))
	_, err := gc.ExecuteGC(ctx)
	require.NoError(t, err)
	require.Equal(t, PhaseIncremental, gc.Phases().Current())

	// the chain moves on and more roots expire
	for _, root := range roots[8:] {
		require.NoError(t, env.history.Put(ctx, root))
	}
	report, err := gc.ExecuteGC(ctx)
	require.NoError(t, err)
	assert.Equal(t, PhaseIncremental, report.Phase)
	assert.Equal(t, 4, report.ExpiredRoots, "only roots expired since the last sweep")

	live := smttest.Reachable(t, env.nodes, hashesOf(roots[9:])...)
	assert.Empty(t, smttest.Missing(t, env.nodes, live, store.ErrNotFound))
	assert.EqualValues(t, len(live), countNodes(t, env.nodes))
}

func TestExecuteGC_DryRun(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 10, 20)
	protected, expired := env.split(2)
	garbage := smttest.Exclusive(t, env.nodes, hashesOf(expired), hashesOf(protected))
	before := countNodes(t, env.nodes)

	p := testParams(WithDryRun(true), WithSkipConfirm(false))
	p.UseRecycleBin = true
	p.ForceCompaction = true
	gc := newTestGC(env, nil, p)
	report, err := gc.ExecuteGC(ctx)
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.EqualValues(t, len(garbage), report.Sweep.DeletedCount)
	assert.Zero(t, report.Sweep.RecycleBinEntries)
	assert.False(t, report.Compacted)
	assert.Equal(t, before, countNodes(t, env.nodes))

	meta := namespace.Wrap(env.ds, metaPrefix)
	for _, key := range []string{"phase", "deleted_roots", "cursor", "reach_bloom", "reach_info"} {
		has, err := meta.Has(ctx, dsKey(key))
		require.NoError(t, err)
		assert.False(t, has, "%s written in dry-run", key)
	}
}

func TestExecuteGC_Confirmation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 10, 20)
	protected, expired := env.split(2)
	garbage := smttest.Exclusive(t, env.nodes, hashesOf(expired), hashesOf(protected))
	before := countNodes(t, env.nodes)

	unattended := newTestEnv(t, 6, 10)
	_, err := newTestGC(unattended, nil, testParams(WithSkipConfirm(false))).ExecuteGC(ctx)
	require.ErrorIs(t, err, ErrConfirmationRequired)

	var (
		answer  bool
		preview Preview
	)
	confirmer := ConfirmFunc(func(_ context.Context, p Preview) (bool, error) {
		preview = p
		return answer, nil
	})
	gc := newTestGC(env, nil, testParams(WithSkipConfirm(false)), WithConfirmer(confirmer))

	_, err = gc.ExecuteGC(ctx)
	require.ErrorIs(t, err, ErrCancelledByUser)
	assert.Equal(t, before, countNodes(t, env.nodes))
	assert.Equal(t, len(expired), preview.ExpiredRoots)
	assert.Positive(t, preview.MarkedNodes)

	// the confirmed cycle resumes from the persisted reachable set
	answer = true
	report, err := gc.ExecuteGC(ctx)
	require.NoError(t, err)
	assert.True(t, report.Mark.Resumed)
	assert.Equal(t, preview.MarkedNodes, report.Mark.MarkedCount)
	assert.Len(t, smttest.Missing(t, env.nodes, garbage, store.ErrNotFound), len(garbage))
	assert.Equal(t, PhaseIncremental, gc.Phases().Current())
}

func TestExecuteGC_StaleResumeRebuilds(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 0, 0)
	roots := smttest.NewBuilder(t, env.nodes).History(10, 20)
	for _, root := range roots[:9] {
		require.NoError(t, env.history.Put(ctx, root))
	}

	answer := false
	gc := newTestGC(env, nil, testParams(WithSkipConfirm(false)),
		WithConfirmer(ConfirmFunc(func(context.Context, Preview) (bool, error) { return answer, nil })))
	_, err := gc.ExecuteGC(ctx)
	require.ErrorIs(t, err, ErrCancelledByUser)
	require.Equal(t, PhaseSweepExpired, gc.Phases().Current())

	// the chain advanced, so the reachable set no longer covers the protected roots
	require.NoError(t, env.history.Put(ctx, roots[9]))
	answer = true
	report, err := gc.ExecuteGC(ctx)
	require.NoError(t, err)
	assert.False(t, report.Mark.Resumed)
	assert.Equal(t, PhaseBuildReach, report.Phase)

	live := smttest.Reachable(t, env.nodes, hashesOf(roots[8:])...)
	assert.Empty(t, smttest.Missing(t, env.nodes, live, store.ErrNotFound))
}

func TestExecuteGC_Stopped(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 10, 20)
	before := countNodes(t, env.nodes)

	gc := newTestGC(env, nil, testParams())
	gc.Stop()
	report, err := gc.ExecuteGC(ctx)
	require.NoError(t, err)
	assert.True(t, report.Sweep.Interrupted)
	assert.Equal(t, before, countNodes(t, env.nodes))
	assert.Equal(t, PhaseSweepExpired, gc.Phases().Current())

	gc.resume()
	report, err = gc.ExecuteGC(ctx)
	require.NoError(t, err)
	assert.True(t, report.Mark.Resumed)
	assert.False(t, report.Sweep.Interrupted)
	assert.Equal(t, PhaseIncremental, gc.Phases().Current())
}

func TestExecuteGC_RetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 8, 16)
	protected, _ := env.split(2)

	faulty := &faultyStore{NodeStore: env.nodes, failOn: hashSet(protected[0].Root)}
	faulty.failures.Store(1)

	p := testParams()
	p.UseRecycleBin = true
	p.ForceCompaction = true
	gc := newTestGC(env, faulty, p)
	require.NoError(t, gc.WithMetrics())
	t.Cleanup(func() { require.NoError(t, gc.Close()) })

	report, err := gc.ExecuteGC(ctx)
	require.NoError(t, err)
	assert.True(t, report.Compacted)
	assert.Positive(t, report.Sweep.DeletedCount)
	assert.Equal(t, report.Sweep.DeletedCount, report.Sweep.RecycleBinEntries)

	stats := gc.Recovery().Stats()
	assert.EqualValues(t, 1, stats.SuccessfulRecoveries)
	assert.GreaterOrEqual(t, stats.RetryAttempts, uint64(3), "mark retried once, sweep ran once")

	entries, err := gc.RecycleBin().Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, report.Sweep.DeletedCount, entries)
}

func TestExecuteGC_InvalidParams(t *testing.T) {
	env := newTestEnv(t, 4, 8)
	p := testParams()
	p.Workers = 0
	_, err := newTestGC(env, nil, p).ExecuteGC(context.Background())
	require.ErrorIs(t, err, ErrConfiguration)
}
