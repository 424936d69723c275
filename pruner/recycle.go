package pruner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	dsq "github.com/ipfs/go-datastore/query"

	"github.com/celestiaorg/celestia-state-gc/smt"
	"github.com/celestiaorg/celestia-state-gc/store"
)

// ErrNotRecycled is returned when the recycle bin has no entry for a hash.
var ErrNotRecycled = errors.New("gc: node not in recycle bin")

// RecycleEntry is the backup of a deleted node.
type RecycleEntry struct {
	Hash         smt.Hash  `json:"hash"`
	Data         []byte    `json:"data"`
	CreatedAt    time.Time `json:"created_at"`
	OriginalSize int       `json:"original_size"`
}

// NodePutter writes encoded nodes back into the node store.
type NodePutter interface {
	Put(ctx context.Context, h smt.Hash, data []byte) error
}

// RecycleBin keeps the bytes of swept nodes. Entries are written in the same batch as the
// deletion of their node.
type RecycleBin struct {
	ds    datastore.Batching
	clock clock.Clock
}

// NewRecycleBin creates the recycle bin inside the given root datastore, next to the nodes.
func NewRecycleBin(root datastore.Batching, clk clock.Clock) *RecycleBin {
	return &RecycleBin{
		ds:    namespace.Wrap(root, recyclePrefix),
		clock: clk,
	}
}

// record builds the entry for a node about to be deleted. The key is absolute in the root
// datastore so that it can join the node store delete batch.
func (b *RecycleBin) record(h smt.Hash, data []byte) (store.Record, error) {
	bin, err := json.Marshal(RecycleEntry{
		Hash:         h,
		Data:         data,
		CreatedAt:    b.clock.Now().UTC(),
		OriginalSize: len(data),
	})
	if err != nil {
		return store.Record{}, fmt.Errorf("encoding recycle entry %s: %w", h, err)
	}
	return store.Record{Key: recyclePrefix.Child(recycleKey(h)), Value: bin}, nil
}

func (b *RecycleBin) Get(ctx context.Context, h smt.Hash) (*RecycleEntry, error) {
	bin, err := b.ds.Get(ctx, recycleKey(h))
	switch {
	case errors.Is(err, datastore.ErrNotFound):
		return nil, ErrNotRecycled
	case err != nil:
		return nil, fmt.Errorf("%w: reading recycle entry %s: %w", ErrStoreIO, h, err)
	}

	var entry RecycleEntry
	if err := json.Unmarshal(bin, &entry); err != nil {
		return nil, fmt.Errorf("%w: decoding recycle entry %s: %w", ErrDecode, h, err)
	}
	return &entry, nil
}

// List returns up to limit entries. A non-positive limit lists all of them.
func (b *RecycleBin) List(ctx context.Context, limit int) ([]*RecycleEntry, error) {
	q := dsq.Query{}
	if limit > 0 {
		q.Limit = limit
	}
	res, err := b.ds.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%w: querying recycle bin: %w", ErrStoreIO, err)
	}
	defer res.Close()

	var entries []*RecycleEntry
	for {
		e, ok := res.NextSync()
		if !ok {
			return entries, nil
		}
		if e.Error != nil {
			return nil, fmt.Errorf("%w: iterating recycle bin: %w", ErrStoreIO, e.Error)
		}

		var entry RecycleEntry
		if err := json.Unmarshal(e.Value, &entry); err != nil {
			log.Warnw("skipping undecodable recycle entry", "key", e.Key, "err", err)
			continue
		}
		entries = append(entries, &entry)
	}
}

func (b *RecycleBin) Count(ctx context.Context) (int, error) {
	res, err := b.ds.Query(ctx, dsq.Query{KeysOnly: true})
	if err != nil {
		return 0, fmt.Errorf("%w: querying recycle bin: %w", ErrStoreIO, err)
	}
	entries, err := res.Rest()
	if err != nil {
		return 0, fmt.Errorf("%w: iterating recycle bin: %w", ErrStoreIO, err)
	}
	return len(entries), nil
}

// Restore writes the node back into the store and drops its entry.
func (b *RecycleBin) Restore(ctx context.Context, h smt.Hash, nodes NodePutter) error {
	entry, err := b.Get(ctx, h)
	if err != nil {
		return err
	}
	if smt.Sum(entry.Data) != h {
		return fmt.Errorf("%w: recycle entry %s does not match its hash", ErrConsistency, h)
	}
	if err := nodes.Put(ctx, h, entry.Data); err != nil {
		return err
	}
	if err := b.ds.Delete(ctx, recycleKey(h)); err != nil {
		return fmt.Errorf("%w: removing recycle entry %s: %w", ErrStoreIO, h, err)
	}
	log.Infow("restored node from recycle bin", "node", h, "size", entry.OriginalSize)
	return nil
}

// Purge removes entries older than the given age and returns how many were removed.
func (b *RecycleBin) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	entries, err := b.List(ctx, 0)
	if err != nil {
		return 0, err
	}

	cutoff := b.clock.Now().Add(-olderThan)
	batch, err := b.ds.Batch(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: creating purge batch: %w", ErrStoreIO, err)
	}
	var purged int
	for _, entry := range entries {
		if !entry.CreatedAt.Before(cutoff) {
			continue
		}
		if err := batch.Delete(ctx, recycleKey(entry.Hash)); err != nil {
			return 0, fmt.Errorf("%w: batching purge: %w", ErrStoreIO, err)
		}
		purged++
	}
	if err := batch.Commit(ctx); err != nil {
		return 0, fmt.Errorf("%w: committing purge: %w", ErrStoreIO, err)
	}
	return purged, nil
}

func recycleKey(h smt.Hash) datastore.Key {
	return datastore.NewKey(h.String())
}
