package pruner

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/celestiaorg/celestia-state-gc/smt"
	"github.com/celestiaorg/celestia-state-gc/store"
)

var tracer = otel.Tracer("pruner")

// stopCheckInterval is the number of visited nodes between two cancellation checks.
const stopCheckInterval = 1000

// NodeReader reads encoded nodes, returning store.ErrNotFound for absent ones.
type NodeReader interface {
	Get(ctx context.Context, h smt.Hash) ([]byte, error)
}

// ReachableSet is the set of hashes reachable from the protected roots. The Bloom filter holds
// every marked hash. When exact is set, filter hits are confirmed against the marker.
type ReachableSet struct {
	bloom  *Bloom
	marker NodeMarker
	exact  bool
}

func NewReachableSet(bloom *Bloom, marker NodeMarker, exact bool) *ReachableSet {
	return &ReachableSet{bloom: bloom, marker: marker, exact: exact && marker != nil}
}

// add marks h in the filter and the marker and reports whether the marker saw it first.
func (r *ReachableSet) add(ctx context.Context, h smt.Hash) (bool, error) {
	r.bloom.Add(h)
	if r.marker == nil {
		return true, nil
	}
	return r.marker.Mark(ctx, h)
}

// Contains never returns false for a hash added to the set.
func (r *ReachableSet) Contains(ctx context.Context, h smt.Hash) (bool, error) {
	if !r.bloom.Contains(h) {
		return false, nil
	}
	if !r.exact {
		return true, nil
	}
	return r.marker.IsMarked(ctx, h)
}

func (r *ReachableSet) Bloom() *Bloom {
	return r.bloom
}

// MarkedCount is the exact number of distinct marked hashes, or zero without a marker.
func (r *ReachableSet) MarkedCount() uint64 {
	if r.marker == nil {
		return 0
	}
	return r.marker.MarkedCount()
}

// ReachableBuilder marks every node reachable from a set of roots.
type ReachableBuilder struct {
	nodes   NodeReader
	set     *ReachableSet
	workers int
	// dedupe skips subtrees whose root another traversal already marked.
	dedupe bool

	decodeFailures atomic.Uint64
	missing        atomic.Uint64
}

func NewReachableBuilder(nodes NodeReader, set *ReachableSet, workers int, dedupe bool) *ReachableBuilder {
	return &ReachableBuilder{
		nodes:   nodes,
		set:     set,
		workers: max(workers, 1),
		dedupe:  dedupe,
	}
}

// Build traverses all roots with up to workers parallel traversals and returns the number of
// visited nodes. Undecodable and missing nodes end their branch. Only store failures fail the
// build, and the set must not be used for deletion after a failed build.
func (b *ReachableBuilder) Build(ctx context.Context, roots []smt.Hash) (_ uint64, err error) {
	ctx, span := tracer.Start(ctx, "reachable/build", trace.WithAttributes(
		attribute.Int("roots", len(roots)),
		attribute.Int("workers", b.workers),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	var scanned atomic.Uint64
	errGr, ctx := errgroup.WithContext(ctx)
	errGr.SetLimit(b.workers)
	for _, root := range roots {
		errGr.Go(func() error {
			n, err := b.traverse(ctx, root)
			scanned.Add(n)
			return err
		})
	}
	if err = errGr.Wait(); err != nil {
		return scanned.Load(), err
	}

	if b.set.marker != nil {
		if err = b.set.marker.Flush(ctx); err != nil {
			return scanned.Load(), err
		}
	}

	span.SetAttributes(attribute.Int64("scanned", int64(scanned.Load())))
	log.Infow("reachable set built",
		"roots", len(roots),
		"scanned", scanned.Load(),
		"marked", b.set.MarkedCount(),
		"missing", b.missing.Load(),
		"decode_failures", b.decodeFailures.Load(),
	)
	return scanned.Load(), nil
}

// DecodeFailures is the number of nodes that could not be decoded during builds.
func (b *ReachableBuilder) DecodeFailures() uint64 {
	return b.decodeFailures.Load()
}

func (b *ReachableBuilder) traverse(ctx context.Context, root smt.Hash) (uint64, error) {
	var visited uint64
	seen := make(map[smt.Hash]struct{})
	stack := []smt.Hash{root}
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if h.IsPlaceholder() {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}

		visited++
		if visited%stopCheckInterval == 0 && ctx.Err() != nil {
			return visited, ctx.Err()
		}

		fresh, err := b.set.add(ctx, h)
		if err != nil {
			return visited, err
		}
		if !fresh && b.dedupe {
			continue
		}

		data, err := b.nodes.Get(ctx, h)
		switch {
		case errors.Is(err, store.ErrNotFound):
			b.missing.Add(1)
			log.Warnw("reachable node missing from store", "root", root, "node", h)
			continue
		case err != nil:
			return visited, fmt.Errorf("%w: reading node %s: %w", ErrStoreIO, h, err)
		}

		node, err := smt.Decode(data)
		if err != nil {
			b.decodeFailures.Add(1)
			log.Errorw("undecodable node, skipping its subtree", "root", root, "node", h, "err", err)
			continue
		}
		stack = append(stack, node.Children()...)
	}
	return visited, nil
}
