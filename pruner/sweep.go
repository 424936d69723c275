package pruner

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/ipfs/go-datastore"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/celestiaorg/celestia-state-gc/smt"
	"github.com/celestiaorg/celestia-state-gc/store"
)

// SweepStats aggregates the outcome of a sweep.
type SweepStats struct {
	// ScannedCount is the number of unreachable nodes read from the store.
	ScannedCount uint64 `json:"scanned_count"`
	// KeptCount is the number of branches pruned because their root is reachable.
	KeptCount uint64 `json:"kept_count"`
	// DeletedCount is the number of deleted nodes, or would-be deletions in dry-run.
	DeletedCount      uint64        `json:"deleted_count"`
	RecycleBinEntries uint64        `json:"recycle_bin_entries"`
	RootsSwept        int           `json:"roots_swept"`
	RootsSkipped      int           `json:"roots_skipped"`
	RootsFailed       int           `json:"roots_failed"`
	DecodeFailures    uint64        `json:"decode_failures"`
	Interrupted       bool          `json:"interrupted"`
	Duration          time.Duration `json:"duration"`
}

// Sweeper deletes the nodes of expired roots that are absent from the reachable set.
type Sweeper struct {
	nodes   NodeStore
	reach   *ReachableSet
	deleted *Bloom
	meta    datastore.Datastore
	recycle *RecycleBin
	params  *Params
	stop    *atomic.Bool
	dryRun  bool
	metrics *metrics
}

// frame is a traversal step. A node is pushed once to be expanded and once more, below its
// children, to be deleted after all of them.
type frame struct {
	hash     smt.Hash
	expanded bool
}

type rootResult struct {
	scanned, kept, deleted, recycled, decodeFailures uint64

	completed bool
	err       error
}

// Sweep deletes unreachable nodes of the given roots. Roots are processed newest first in
// sequential batches. After each batch the swept roots are recorded in the deleted-root filter
// and the checkpoint is persisted, so an interrupted sweep leaves a contiguous prefix of the
// newest roots swept. Failing roots are logged and skipped.
func (s *Sweeper) Sweep(ctx context.Context, roots []smt.StateRoot) (stats SweepStats, err error) {
	ctx, span := tracer.Start(ctx, "sweep", trace.WithAttributes(
		attribute.Int("roots", len(roots)),
		attribute.Bool("dry_run", s.dryRun),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()
	start := time.Now()
	defer func() { stats.Duration = time.Since(start) }()

	sorted := slices.Clone(roots)
	slices.SortStableFunc(sorted, func(a, b smt.StateRoot) int {
		return cmp.Compare(b.TxOrder, a.TxOrder)
	})

	pending := sorted[:0:0]
	for _, root := range sorted {
		if s.deleted.Contains(root.Root) {
			stats.RootsSkipped++
			continue
		}
		pending = append(pending, root)
	}
	if len(pending) == 0 {
		log.Infow("no expired roots left to sweep", "skipped", stats.RootsSkipped)
		return stats, nil
	}

	cur, err := getCursor(ctx, s.meta)
	if err != nil {
		return stats, err
	}

	wp := workerpool.New(s.params.Workers)
	defer wp.StopWait()

	// deletions are not applied in dry-run, so shared garbage is claimed once per sweep instead
	// of once per batch
	var dryRunClaims *sync.Map
	if s.dryRun {
		dryRunClaims = &sync.Map{}
	}

	var sinceAggressive int
	for i := 0; i < len(pending); i += s.params.SweepBatchRoots {
		if s.stopped(ctx) {
			stats.Interrupted = true
			break
		}

		batch := pending[i:min(i+s.params.SweepBatchRoots, len(pending))]
		claimed := dryRunClaims
		if claimed == nil {
			claimed = &sync.Map{}
		}
		results := s.sweepBatch(ctx, wp, batch, claimed)

		var swept []smt.StateRoot
		for j, res := range results {
			stats.ScannedCount += res.scanned
			stats.KeptCount += res.kept
			stats.DeletedCount += res.deleted
			stats.RecycleBinEntries += res.recycled
			stats.DecodeFailures += res.decodeFailures
			switch {
			case res.err != nil:
				stats.RootsFailed++
				log.Errorw("sweeping root failed, skipping", "root", batch[j], "err", res.err)
			case !res.completed:
				stats.Interrupted = true
			default:
				stats.RootsSwept++
				swept = append(swept, batch[j])
			}
		}
		s.metrics.observeSweepBatch(ctx, results)

		if !s.dryRun {
			if err := s.checkpoint(ctx, &cur, swept); err != nil {
				return stats, err
			}
			sinceAggressive += len(batch)
			if sinceAggressive >= s.params.AggressiveCompactEvery {
				sinceAggressive = 0
				err = s.nodes.AggressiveCompact(ctx)
			} else {
				err = s.nodes.FlushAndCompact(ctx)
			}
			if err != nil {
				return stats, fmt.Errorf("%w: compacting after batch: %w", ErrStoreIO, err)
			}
		}

		log.Debugw("sweep batch done",
			"batch", i/s.params.SweepBatchRoots,
			"roots", len(batch),
			"deleted_total", stats.DeletedCount,
		)
		if stats.Interrupted {
			break
		}
	}

	if !s.dryRun && !stats.Interrupted && stats.RootsFailed == 0 {
		cur.LastOrder = max(cur.LastOrder, sorted[0].TxOrder)
		cur.Valid = true
		if err := storeCursor(ctx, s.meta, cur); err != nil {
			return stats, err
		}
	}

	log.Infow("sweep finished",
		"roots", len(roots),
		"swept", stats.RootsSwept,
		"skipped", stats.RootsSkipped,
		"failed", stats.RootsFailed,
		"deleted", stats.DeletedCount,
		"kept_branches", stats.KeptCount,
		"interrupted", stats.Interrupted,
		"dry_run", s.dryRun,
	)
	return stats, nil
}

// sweepBatch sweeps the roots of one batch in parallel and waits for all of them. Nodes shared
// by roots of the batch are claimed by the first traversal reaching them.
func (s *Sweeper) sweepBatch(
	ctx context.Context,
	wp *workerpool.WorkerPool,
	batch []smt.StateRoot,
	claimed *sync.Map,
) []rootResult {
	var wg sync.WaitGroup
	results := make([]rootResult, len(batch))
	for i, root := range batch {
		wg.Add(1)
		wp.Submit(func() {
			defer wg.Done()
			results[i] = s.sweepRoot(ctx, root, claimed)
		})
	}
	wg.Wait()
	return results
}

// checkpoint records fully swept roots and the cursor.
func (s *Sweeper) checkpoint(ctx context.Context, cur *cursor, swept []smt.StateRoot) error {
	for _, root := range swept {
		s.deleted.Add(root.Root)
	}
	if err := storeBloom(ctx, s.meta, deletedRootsKey, s.deleted); err != nil {
		return err
	}

	if len(swept) > 0 {
		cur.SweptDownTo = swept[len(swept)-1].TxOrder
	}
	log.Debugw("sweep checkpoint", "swept", len(swept), "swept_down_to", cur.SweptDownTo)
	return storeCursor(ctx, s.meta, *cur)
}

// sweepRoot deletes the unreachable part of one root's tree. Deletions are queued in post-order,
// so any committed prefix leaves every remaining node reachable from the root.
func (s *Sweeper) sweepRoot(ctx context.Context, root smt.StateRoot, claimed *sync.Map) (res rootResult) {
	var (
		visited uint64
		queue   []smt.Hash
		records []store.Record
	)
	seen := make(map[smt.Hash]struct{})
	flush := func() error {
		if s.dryRun {
			queue = queue[:0]
			return nil
		}
		if len(queue) == 0 && len(records) == 0 {
			return nil
		}
		if err := s.nodes.DeleteNodes(ctx, queue, false, records...); err != nil {
			return fmt.Errorf("%w: deleting nodes of root %s: %w", ErrStoreIO, root, err)
		}
		queue, records = queue[:0], records[:0]
		return nil
	}

	stack := []frame{{hash: root.Root}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if f.expanded {
			queue = append(queue, f.hash)
			res.deleted++
			if len(queue) >= s.params.DeleteBatchSize {
				if err := flush(); err != nil {
					res.err = err
					return res
				}
			}
			continue
		}

		h := f.hash
		if h.IsPlaceholder() {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}

		visited++
		if visited%stopCheckInterval == 0 && s.stopped(ctx) {
			res.err = flush()
			return res
		}

		reachable, err := s.reach.Contains(ctx, h)
		if err != nil {
			res.err = err
			return res
		}
		if reachable {
			res.kept++
			continue
		}
		if _, taken := claimed.LoadOrStore(h, struct{}{}); taken {
			continue
		}

		data, err := s.nodes.Get(ctx, h)
		switch {
		case errors.Is(err, store.ErrNotFound):
			continue
		case err != nil:
			res.err = errors.Join(fmt.Errorf("%w: reading node %s: %w", ErrStoreIO, h, err), flush())
			return res
		}
		res.scanned++

		node, err := smt.Decode(data)
		if err != nil {
			res.decodeFailures++
			log.Errorw("undecodable expired node kept in store", "root", root, "node", h, "err", err)
			continue
		}

		if s.recycle != nil && !s.dryRun {
			rec, err := s.recycle.record(h, data)
			if err != nil {
				res.err = errors.Join(err, flush())
				return res
			}
			records = append(records, rec)
			res.recycled++
		}

		stack = append(stack, frame{hash: h, expanded: true})
		for _, child := range node.Children() {
			stack = append(stack, frame{hash: child})
		}
	}

	if err := flush(); err != nil {
		res.err = err
		return res
	}
	res.completed = true
	return res
}

func (s *Sweeper) stopped(ctx context.Context) bool {
	return ctx.Err() != nil || (s.stop != nil && s.stop.Load())
}
