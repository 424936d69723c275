package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	dsq "github.com/ipfs/go-datastore/query"

	"github.com/celestiaorg/celestia-state-gc/smt"
)

var rootsPrefix = datastore.NewKey("roots")

// ErrNoRoots is returned when the root history is empty.
var ErrNoRoots = errors.New("store: no state roots recorded")

// RootHistory records the state root committed by every transaction, keyed by tx order.
type RootHistory struct {
	ds datastore.Batching
}

func NewRootHistory(ds datastore.Batching) *RootHistory {
	return &RootHistory{ds: namespace.Wrap(ds, rootsPrefix)}
}

// Put records the root for its tx order, replacing any previous entry for that order.
func (h *RootHistory) Put(ctx context.Context, root smt.StateRoot) error {
	if err := h.ds.Put(ctx, orderKey(root.TxOrder), root.Root.Bytes()); err != nil {
		return fmt.Errorf("store: put state root %d: %w", root.TxOrder, err)
	}
	return nil
}

// Latest returns the root with the highest tx order or ErrNoRoots.
func (h *RootHistory) Latest(ctx context.Context) (smt.StateRoot, error) {
	roots, err := h.Recent(ctx, 1)
	if err != nil {
		return smt.StateRoot{}, err
	}
	if len(roots) == 0 {
		return smt.StateRoot{}, ErrNoRoots
	}
	return roots[0], nil
}

// Recent returns up to n roots, newest first.
func (h *RootHistory) Recent(ctx context.Context, n int) ([]smt.StateRoot, error) {
	if n <= 0 {
		return nil, nil
	}
	return h.query(ctx, dsq.Query{
		Orders: []dsq.Order{dsq.OrderByKeyDescending{}},
		Limit:  n,
	}, func(smt.StateRoot) (bool, bool) { return true, false })
}

// Range returns the roots with from <= tx order < to, oldest first.
func (h *RootHistory) Range(ctx context.Context, from, to uint64) ([]smt.StateRoot, error) {
	if from >= to {
		return nil, nil
	}
	return h.query(ctx, dsq.Query{
		Orders: []dsq.Order{dsq.OrderByKey{}},
	}, func(r smt.StateRoot) (bool, bool) {
		if r.TxOrder >= to {
			return false, true
		}
		return r.TxOrder >= from, false
	})
}

// Count returns the number of recorded roots.
func (h *RootHistory) Count(ctx context.Context) (int, error) {
	res, err := h.ds.Query(ctx, dsq.Query{KeysOnly: true})
	if err != nil {
		return 0, fmt.Errorf("store: querying roots: %w", err)
	}
	entries, err := res.Rest()
	if err != nil {
		return 0, fmt.Errorf("store: iterating roots: %w", err)
	}
	return len(entries), nil
}

// query runs q and passes decoded roots to accept, which reports whether to keep the root and
// whether to stop iterating.
func (h *RootHistory) query(
	ctx context.Context,
	q dsq.Query,
	accept func(smt.StateRoot) (keep bool, stop bool),
) ([]smt.StateRoot, error) {
	res, err := h.ds.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: querying roots: %w", err)
	}
	defer res.Close()

	var roots []smt.StateRoot
	for {
		e, ok := res.NextSync()
		if !ok {
			return roots, nil
		}
		if e.Error != nil {
			return nil, fmt.Errorf("store: iterating roots: %w", e.Error)
		}

		root, err := decodeRootEntry(e.Entry)
		if err != nil {
			return nil, err
		}
		keep, stop := accept(root)
		if keep {
			roots = append(roots, root)
		}
		if stop {
			return roots, nil
		}
	}
}

func decodeRootEntry(e dsq.Entry) (smt.StateRoot, error) {
	order, err := strconv.ParseUint(datastore.RawKey(e.Key).BaseNamespace(), 16, 64)
	if err != nil {
		return smt.StateRoot{}, fmt.Errorf("store: malformed root key %q: %w", e.Key, err)
	}
	h, err := smt.HashFromBytes(e.Value)
	if err != nil {
		return smt.StateRoot{}, fmt.Errorf("store: malformed root %d: %w", order, err)
	}
	return smt.StateRoot{Root: h, TxOrder: order}, nil
}

// orderKey pads the order so that lexicographic key order matches numeric order.
func orderKey(order uint64) datastore.Key {
	return datastore.NewKey(fmt.Sprintf("%016x", order))
}
