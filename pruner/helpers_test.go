package pruner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	ds_sync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/require"

	"github.com/celestiaorg/celestia-state-gc/smt"
	"github.com/celestiaorg/celestia-state-gc/smt/smttest"
	"github.com/celestiaorg/celestia-state-gc/store"
)

// testEnv is a node store with a recorded root history.
type testEnv struct {
	ds      datastore.Batching
	nodes   *store.NodeStore
	history *store.RootHistory
	roots   []smt.StateRoot
}

func newTestEnv(t *testing.T, versions, leaves int) *testEnv {
	t.Helper()

	ds := ds_sync.MutexWrap(datastore.NewMapDatastore())
	nodes, err := store.NewNodeStore(ds, store.DefaultParameters())
	require.NoError(t, err)

	env := &testEnv{
		ds:      ds,
		nodes:   nodes,
		history: store.NewRootHistory(ds),
	}
	if versions > 0 {
		env.roots = smttest.NewBuilder(t, nodes).History(versions, leaves)
		for _, root := range env.roots {
			require.NoError(t, env.history.Put(context.Background(), root))
		}
	}
	return env
}

// split returns the roots protected by keeping the newest n and the expired rest.
func (e *testEnv) split(n int) (protected, expired []smt.StateRoot) {
	cut := len(e.roots) - n
	return e.roots[cut:], e.roots[:cut]
}

func testParams(opts ...Option) *Params {
	p := DefaultParams()
	p.ProtectedRootsCount = 2
	p.MarkerStrategy = MarkerInMemory
	p.MarkerBloomBits = 1 << 16
	p.Workers = 2
	p.SweepBatchRoots = 2
	p.DeleteBatchSize = 8
	p.AggressiveCompactEvery = 4
	p.DeletedRootsBloomBits = 1 << 12
	p.SkipConfirm = true
	p.Recovery = fastRecovery()
	p.PruneCycle = time.Millisecond * 10
	for _, opt := range opts {
		opt(&p)
	}
	return &p
}

func fastRecovery() RecoveryConfig {
	cfg := DefaultRecoveryConfig()
	cfg.BaseRetryDelay = time.Millisecond
	cfg.MaxRetryDelay = 4 * time.Millisecond
	cfg.SnapshotSettlePause = 0
	cfg.StoragePause = 0
	cfg.ConsistencyPause = 0
	cfg.TimeoutPause = 0
	cfg.DefaultPause = 0
	cfg.HealthPause = 0
	return cfg
}

func hashesOf(roots []smt.StateRoot) []smt.Hash {
	out := make([]smt.Hash, len(roots))
	for i, root := range roots {
		out[i] = root.Root
	}
	return out
}

func hashSet(hashes ...smt.Hash) map[smt.Hash]struct{} {
	set := make(map[smt.Hash]struct{}, len(hashes))
	for _, h := range hashes {
		set[h] = struct{}{}
	}
	return set
}

// countNodes counts the nodes left in the store.
func countNodes(t *testing.T, nodes *store.NodeStore) uint64 {
	t.Helper()
	n, err := nodes.EstimateNodeCount(context.Background())
	require.NoError(t, err)
	return n
}

// faultyStore fails reads of chosen nodes with an I/O error.
type faultyStore struct {
	*store.NodeStore
	failOn map[smt.Hash]struct{}
	// failures is the number of failing reads left, unlimited when negative.
	failures atomic.Int64
}

var errDiskFailure = errors.New("disk read failure")

func (s *faultyStore) Get(ctx context.Context, h smt.Hash) ([]byte, error) {
	if _, ok := s.failOn[h]; ok && s.failures.Load() != 0 {
		s.failures.Add(-1)
		return nil, errDiskFailure
	}
	return s.NodeStore.Get(ctx, h)
}

// fixedHead is a ChainHead that never moves unless told so.
type fixedHead struct {
	head atomic.Pointer[smt.StateRoot]
}

func newFixedHead(root smt.StateRoot) *fixedHead {
	h := &fixedHead{}
	h.set(root)
	return h
}

func (h *fixedHead) set(root smt.StateRoot) {
	h.head.Store(&root)
}

func (h *fixedHead) Latest(context.Context) (smt.StateRoot, error) {
	return *h.head.Load(), nil
}

func dsKey(s string) datastore.Key {
	return datastore.NewKey(s)
}

// dsqAll queries every entry under prefix.
func dsqAll(prefix datastore.Key) dsq.Query {
	return dsq.Query{Prefix: prefix.String()}
}
