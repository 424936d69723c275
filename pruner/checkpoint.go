package pruner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ipfs/go-datastore"

	"github.com/celestiaorg/celestia-state-gc/smt"
)

var (
	storePrefix   = datastore.NewKey("gc")
	metaPrefix    = storePrefix.ChildString("meta")
	markerPrefix  = storePrefix.ChildString("marker")
	recyclePrefix = storePrefix.ChildString("recycle")

	phaseKey        = datastore.NewKey("phase")
	deletedRootsKey = datastore.NewKey("deleted_roots")
	reachBloomKey   = datastore.NewKey("reach_bloom")
	reachInfoKey    = datastore.NewKey("reach_info")
	cursorKey       = datastore.NewKey("cursor")
	snapshotKey     = datastore.NewKey("snapshot")

	errCheckpointNotFound = errors.New("checkpoint not found")
)

// cursor tracks sweep progress across cycles.
type cursor struct {
	// LastOrder is the newest expired root order covered by a completed sweep. Incremental
	// cycles only consider roots above it.
	LastOrder uint64 `json:"last_order"`
	// SweptDownTo is the oldest root order swept by the running or last sweep.
	SweptDownTo uint64 `json:"swept_down_to"`
	// Valid is false until the first sweep completes.
	Valid bool `json:"valid"`
}

// reachInfo describes the persisted reachable set.
type reachInfo struct {
	SnapshotID uint64 `json:"snapshot_id"`
	// StateRoot and LatestOrder identify the chain head the set was built against.
	StateRoot   smt.Hash `json:"state_root"`
	LatestOrder uint64   `json:"latest_order"`
	MarkedCount uint64   `json:"marked_count"`
	Scanned     uint64   `json:"scanned"`
}

func storeJSON(ctx context.Context, ds datastore.Datastore, key datastore.Key, v any) error {
	bin, err := json.Marshal(v)
	if err != nil {
		return err
	}

	if err := ds.Put(ctx, key, bin); err != nil {
		return fmt.Errorf("%w: failed to store %s: %w", ErrStoreIO, key, err)
	}
	return nil
}

func getJSON(ctx context.Context, ds datastore.Datastore, key datastore.Key, v any) error {
	bin, err := ds.Get(ctx, key)
	if err != nil {
		if errors.Is(err, datastore.ErrNotFound) {
			return errCheckpointNotFound
		}
		return fmt.Errorf("%w: failed to load %s: %w", ErrStoreIO, key, err)
	}

	if err := json.Unmarshal(bin, v); err != nil {
		return fmt.Errorf("%w: failed to unmarshal %s: %w", ErrConsistency, key, err)
	}
	return nil
}

func storePhase(ctx context.Context, ds datastore.Datastore, phase PrunePhase) error {
	return storeJSON(ctx, ds, phaseKey, phase)
}

// getPhase loads the persisted phase or errCheckpointNotFound.
func getPhase(ctx context.Context, ds datastore.Datastore) (PrunePhase, error) {
	var phase PrunePhase
	err := getJSON(ctx, ds, phaseKey, &phase)
	return phase, err
}

func storeCursor(ctx context.Context, ds datastore.Datastore, c cursor) error {
	return storeJSON(ctx, ds, cursorKey, c)
}

// getCursor loads the sweep cursor, returning the zero cursor if none was stored.
func getCursor(ctx context.Context, ds datastore.Datastore) (cursor, error) {
	var c cursor
	err := getJSON(ctx, ds, cursorKey, &c)
	if errors.Is(err, errCheckpointNotFound) {
		return cursor{}, nil
	}
	return c, err
}

func storeBloom(ctx context.Context, ds datastore.Datastore, key datastore.Key, b *Bloom) error {
	bin, err := b.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal bloom %s: %w", key, err)
	}

	if err := ds.Put(ctx, key, bin); err != nil {
		return fmt.Errorf("%w: failed to store bloom %s: %w", ErrStoreIO, key, err)
	}
	return nil
}

// getBloom loads a persisted Bloom filter or errCheckpointNotFound.
func getBloom(ctx context.Context, ds datastore.Datastore, key datastore.Key) (*Bloom, error) {
	bin, err := ds.Get(ctx, key)
	if err != nil {
		if errors.Is(err, datastore.ErrNotFound) {
			return nil, errCheckpointNotFound
		}
		return nil, fmt.Errorf("%w: failed to load bloom %s: %w", ErrStoreIO, key, err)
	}

	b, err := NewBloomFromBytes(bin)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal bloom %s: %w", ErrConsistency, key, err)
	}
	return b, nil
}

// loadDeletedRoots loads the deleted-root Bloom filter, creating an empty one on first use.
func loadDeletedRoots(ctx context.Context, ds datastore.Datastore, p *Params) (*Bloom, error) {
	b, err := getBloom(ctx, ds, deletedRootsKey)
	if errors.Is(err, errCheckpointNotFound) {
		return NewBloom(p.DeletedRootsBloomBits, p.DeletedRootsBloomHashFns)
	}
	return b, err
}

func deleteKeys(ctx context.Context, ds datastore.Datastore, keys ...datastore.Key) error {
	for _, key := range keys {
		if err := ds.Delete(ctx, key); err != nil {
			return fmt.Errorf("%w: failed to delete %s: %w", ErrStoreIO, key, err)
		}
	}
	return nil
}
