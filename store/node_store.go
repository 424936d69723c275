package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	dsq "github.com/ipfs/go-datastore/query"
	dsbadger "github.com/ipfs/go-ds-badger4"
	logging "github.com/ipfs/go-log/v2"

	"github.com/celestiaorg/celestia-state-gc/smt"
)

var (
	log = logging.Logger("store")

	nodesPrefix = datastore.NewKey("nodes")
)

// ErrNotFound is returned when a node is absent from the store.
var ErrNotFound = errors.New("store: node not found")

// averageNodeSize is the on-disk footprint assumed when estimating node counts from disk usage.
const averageNodeSize = 200

// Record is an extra write committed together with a node deletion batch. Key is absolute
// within the datastore given to NewNodeStore.
type Record struct {
	Key   datastore.Key
	Value []byte
}

// NodeStore keeps encoded tree nodes keyed by their hash. Reads are concurrent, while deletes and
// compactions go through a single writer path.
type NodeStore struct {
	params *Parameters

	root  datastore.Batching
	nodes datastore.Batching
	// db is set when the store runs directly on Badger and enables LSM flattening.
	db    *badger.DB
	cache *lru.Cache[smt.Hash, []byte]

	writeLk   sync.Mutex
	compactLk sync.Mutex

	metrics *metrics
}

// NewNodeStore creates a NodeStore over the given datastore. Nodes are kept under their own
// namespace, so the same datastore can host GC metadata next to them.
func NewNodeStore(ds datastore.Batching, params *Parameters) (*NodeStore, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("store: invalid parameters: %w", err)
	}

	s := &NodeStore{
		params: params,
		root:   ds,
		nodes:  namespace.Wrap(ds, nodesPrefix),
	}
	if bds, ok := ds.(*dsbadger.Datastore); ok {
		s.db = bds.DB
	}
	if params.NodeCacheSize > 0 {
		cache, err := lru.New[smt.Hash, []byte](params.NodeCacheSize)
		if err != nil {
			return nil, fmt.Errorf("store: creating node cache: %w", err)
		}
		s.cache = cache
	}
	return s, nil
}

// Datastore returns the datastore the NodeStore was created over.
func (s *NodeStore) Datastore() datastore.Batching {
	return s.root
}

// Get returns the encoded node for the hash or ErrNotFound.
func (s *NodeStore) Get(ctx context.Context, h smt.Hash) ([]byte, error) {
	if s.cache != nil {
		if data, ok := s.cache.Get(h); ok {
			s.metrics.observeGet(ctx, 0, true, false)
			return data, nil
		}
	}

	tNow := time.Now()
	data, err := s.nodes.Get(ctx, nodeKey(h))
	s.metrics.observeGet(ctx, time.Since(tNow), false, err != nil && !errors.Is(err, datastore.ErrNotFound))
	switch {
	case errors.Is(err, datastore.ErrNotFound):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("store: get node %s: %w", h, err)
	}

	if s.cache != nil {
		s.cache.Add(h, data)
	}
	return data, nil
}

func (s *NodeStore) Has(ctx context.Context, h smt.Hash) (bool, error) {
	if s.cache != nil && s.cache.Contains(h) {
		return true, nil
	}
	ok, err := s.nodes.Has(ctx, nodeKey(h))
	if err != nil {
		return false, fmt.Errorf("store: has node %s: %w", h, err)
	}
	return ok, nil
}

// Put stores an encoded node under the given hash.
func (s *NodeStore) Put(ctx context.Context, h smt.Hash, data []byte) error {
	if err := s.nodes.Put(ctx, nodeKey(h), data); err != nil {
		return fmt.Errorf("store: put node %s: %w", h, err)
	}
	return nil
}

// PutNode encodes and stores the node, returning its hash.
func (s *NodeStore) PutNode(ctx context.Context, n smt.Node) (smt.Hash, error) {
	h, data := smt.HashNode(n)
	return h, s.Put(ctx, h, data)
}

// DeleteNodes removes the given nodes in one batch together with the optional records.
// Deleting an absent node is a no-op. When flush is set, the removal is synced to disk before
// returning.
func (s *NodeStore) DeleteNodes(ctx context.Context, hashes []smt.Hash, flush bool, records ...Record) error {
	if len(hashes) == 0 && len(records) == 0 {
		return nil
	}

	s.writeLk.Lock()
	defer s.writeLk.Unlock()

	batch, err := s.root.Batch(ctx)
	if err != nil {
		return fmt.Errorf("store: creating batch: %w", err)
	}
	for _, rec := range records {
		if err := batch.Put(ctx, rec.Key, rec.Value); err != nil {
			return fmt.Errorf("store: batching record %s: %w", rec.Key, err)
		}
	}
	for _, h := range hashes {
		if err := batch.Delete(ctx, nodesPrefix.Child(nodeKey(h))); err != nil {
			return fmt.Errorf("store: batching delete of %s: %w", h, err)
		}
	}
	if err := batch.Commit(ctx); err != nil {
		return fmt.Errorf("store: committing delete batch: %w", err)
	}

	if s.cache != nil {
		for _, h := range hashes {
			s.cache.Remove(h)
		}
	}
	s.metrics.observeDelete(ctx, len(hashes))

	if flush {
		return s.FlushOnly(ctx)
	}
	return nil
}

// FlushOnly syncs pending writes to disk without compacting.
func (s *NodeStore) FlushOnly(ctx context.Context) error {
	if err := s.root.Sync(ctx, datastore.NewKey("/")); err != nil {
		return fmt.Errorf("store: sync: %w", err)
	}
	return nil
}

// FlushAndCompact syncs and runs the datastore garbage collection if supported. For Badger it
// rewrites value log files with reclaimable space.
func (s *NodeStore) FlushAndCompact(ctx context.Context) (err error) {
	s.compactLk.Lock()
	defer s.compactLk.Unlock()

	tNow := time.Now()
	defer func() {
		s.metrics.observeCompact(ctx, time.Since(tNow), false, err != nil)
	}()

	if err = s.FlushOnly(ctx); err != nil {
		return err
	}
	return s.collectGarbage(ctx)
}

// AggressiveCompact flattens the whole LSM tree and then reclaims value log space. Stores not
// backed by Badger fall back to the light compaction.
func (s *NodeStore) AggressiveCompact(ctx context.Context) (err error) {
	s.compactLk.Lock()
	defer s.compactLk.Unlock()

	tNow := time.Now()
	defer func() {
		s.metrics.observeCompact(ctx, time.Since(tNow), true, err != nil)
	}()

	if err = s.FlushOnly(ctx); err != nil {
		return err
	}
	if s.db == nil {
		return s.collectGarbage(ctx)
	}

	if err = s.db.Flatten(s.params.CompactionWorkers); err != nil {
		return fmt.Errorf("store: flatten: %w", err)
	}
	for ctx.Err() == nil {
		err = s.db.RunValueLogGC(0.5)
		switch {
		case errors.Is(err, badger.ErrNoRewrite), errors.Is(err, badger.ErrRejected):
			return nil
		case err != nil:
			return fmt.Errorf("store: value log gc: %w", err)
		}
	}
	return ctx.Err()
}

func (s *NodeStore) collectGarbage(ctx context.Context) error {
	gc, ok := s.root.(datastore.GCFeature)
	if !ok {
		return nil
	}
	if err := gc.CollectGarbage(ctx); err != nil {
		return fmt.Errorf("store: collect garbage: %w", err)
	}
	return nil
}

// DiskUsage reports the size of the underlying datastore if it tracks one.
func (s *NodeStore) DiskUsage(ctx context.Context) (uint64, error) {
	return datastore.DiskUsage(ctx, s.root)
}

// EstimateNodeCount approximates the number of stored nodes. Persistent datastores are estimated
// from disk usage, others are counted.
func (s *NodeStore) EstimateNodeCount(ctx context.Context) (uint64, error) {
	usage, err := s.DiskUsage(ctx)
	if err != nil {
		log.Debugw("disk usage unavailable, counting nodes", "err", err)
	}
	if usage > 0 {
		return usage / averageNodeSize, nil
	}

	res, err := s.nodes.Query(ctx, dsq.Query{KeysOnly: true})
	if err != nil {
		return 0, fmt.Errorf("store: querying nodes: %w", err)
	}
	defer res.Close()

	var count uint64
	for {
		e, ok := res.NextSync()
		if !ok {
			return count, nil
		}
		if e.Error != nil {
			return count, fmt.Errorf("store: iterating nodes: %w", e.Error)
		}
		count++
	}
}

func nodeKey(h smt.Hash) datastore.Key {
	return datastore.NewKey(h.String())
}
