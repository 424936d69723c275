package pruner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	logging "github.com/ipfs/go-log/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/celestiaorg/celestia-state-gc/smt"
	"github.com/celestiaorg/celestia-state-gc/store"
)

var log = logging.Logger("pruner")

// defaultExpectedNodes is assumed when the node store cannot estimate its size.
const defaultExpectedNodes = 1_000_000

// NodeStore is the node storage the collector marks and sweeps.
type NodeStore interface {
	NodeReader
	NodePutter
	// DeleteNodes deletes the given nodes and writes records in the same batch.
	DeleteNodes(ctx context.Context, hashes []smt.Hash, flush bool, records ...store.Record) error
	FlushOnly(ctx context.Context) error
	FlushAndCompact(ctx context.Context) error
	AggressiveCompact(ctx context.Context) error
	EstimateNodeCount(ctx context.Context) (uint64, error)
	// Datastore is the root datastore hosting the nodes, where GC metadata is kept.
	Datastore() datastore.Batching
}

var _ NodeStore = (*store.NodeStore)(nil)

// MarkStats describes the mark phase of a cycle.
type MarkStats struct {
	MarkedCount    uint64        `json:"marked_count"`
	ScannedCount   uint64        `json:"scanned_count"`
	DecodeFailures uint64        `json:"decode_failures"`
	MarkerType     string        `json:"marker_type"`
	BloomBits      uint64        `json:"bloom_bits"`
	// Resumed is set when the cycle reused the reachable set of an interrupted sweep.
	Resumed  bool          `json:"resumed"`
	Duration time.Duration `json:"duration"`
}

// GCReport is the outcome of one GC cycle.
type GCReport struct {
	CycleID        string          `json:"cycle_id"`
	StartedAt      time.Time       `json:"started_at"`
	Phase          PrunePhase      `json:"phase"`
	ProtectedRoots []smt.StateRoot `json:"protected_roots"`
	ExpiredRoots   int             `json:"expired_roots"`
	Mark           MarkStats       `json:"mark"`
	Sweep          SweepStats      `json:"sweep"`
	DryRun         bool            `json:"dry_run"`
	// Skipped is set when the cycle found no expired roots.
	Skipped   bool          `json:"skipped"`
	Compacted bool          `json:"compacted"`
	Duration  time.Duration `json:"duration"`
}

type GCOption func(*GarbageCollector)

// WithConfirmer sets the Confirmer asked before destructive sweeps.
func WithConfirmer(c Confirmer) GCOption {
	return func(gc *GarbageCollector) {
		gc.confirmer = c
	}
}

// WithClock replaces the wall clock, for tests.
func WithClock(clk clock.Clock) GCOption {
	return func(gc *GarbageCollector) {
		gc.clock = clk
	}
}

// GarbageCollector runs mark-and-sweep cycles over a NodeStore. Only one cycle runs at a time.
type GarbageCollector struct {
	nodes     NodeStore
	resolver  RootResolver
	head      ChainHead
	params    *Params
	clock     clock.Clock
	confirmer Confirmer

	meta      datastore.Batching
	markerDS  datastore.Batching
	phases    *PhaseMachine
	snapshots *AtomicSnapshotManager
	recovery  *ErrorRecoveryManager
	recycle   *RecycleBin

	cycleLk sync.Mutex
	stop    atomic.Bool

	metrics *metrics
}

// NewGarbageCollector wires a collector. Parameters are validated by every ExecuteGC call.
func NewGarbageCollector(
	nodes NodeStore,
	resolver RootResolver,
	head ChainHead,
	params *Params,
	opts ...GCOption,
) *GarbageCollector {
	gc := &GarbageCollector{
		nodes:    nodes,
		resolver: resolver,
		head:     head,
		params:   params,
		clock:    clock.New(),
	}
	for _, opt := range opts {
		opt(gc)
	}

	root := nodes.Datastore()
	gc.meta = namespace.Wrap(root, metaPrefix)
	gc.markerDS = namespace.Wrap(root, markerPrefix)
	gc.phases = NewPhaseMachine(gc.meta)
	gc.snapshots = NewAtomicSnapshotManager(head, gc.meta, gc.clock, params.Snapshot)
	gc.recovery = NewErrorRecoveryManager(params.Recovery, gc.snapshots, gc.phases, gc.clock)
	gc.recovery.readOnly = params.DryRun
	if params.UseRecycleBin {
		gc.recycle = NewRecycleBin(root, gc.clock)
	}
	return gc
}

func (gc *GarbageCollector) Phases() *PhaseMachine {
	return gc.phases
}

func (gc *GarbageCollector) Snapshots() *AtomicSnapshotManager {
	return gc.snapshots
}

func (gc *GarbageCollector) Recovery() *ErrorRecoveryManager {
	return gc.recovery
}

// RecycleBin returns the recycle bin of the node store. It is available even when the cycles
// do not fill it, so that earlier entries stay restorable.
func (gc *GarbageCollector) RecycleBin() *RecycleBin {
	if gc.recycle != nil {
		return gc.recycle
	}
	return NewRecycleBin(gc.nodes.Datastore(), gc.clock)
}

// Stop asks the running cycle to stop at the next check. Completed sweep batches stay
// checkpointed.
func (gc *GarbageCollector) Stop() {
	gc.stop.Store(true)
}

func (gc *GarbageCollector) resume() {
	gc.stop.Store(false)
}

// ExecuteGC runs one GC cycle.
func (gc *GarbageCollector) ExecuteGC(ctx context.Context) (_ *GCReport, err error) {
	if err := gc.params.Validate(); err != nil {
		return nil, err
	}
	if !gc.cycleLk.TryLock() {
		return nil, fmt.Errorf("%w: a GC cycle is already running", ErrLockContention)
	}
	defer gc.cycleLk.Unlock()

	start := gc.clock.Now()
	report := &GCReport{
		CycleID:   uuid.NewString(),
		StartedAt: start.UTC(),
		DryRun:    gc.params.DryRun,
	}
	ctx, span := tracer.Start(ctx, "gc/cycle", trace.WithAttributes(
		attribute.String("cycle_id", report.CycleID),
		attribute.Bool("dry_run", gc.params.DryRun),
	))
	defer func() {
		report.Duration = gc.clock.Since(start)
		if err != nil {
			span.RecordError(err)
		}
		span.End()
		gc.metrics.observeCycle(ctx, report, err)
	}()

	if err := gc.snapshots.Initialize(ctx); err != nil {
		return nil, err
	}
	phase, err := gc.phases.Load(ctx)
	if err != nil {
		return nil, err
	}
	report.Phase = phase

	protected, expired, err := gc.resolveRoots(ctx, phase)
	if err != nil {
		return nil, err
	}
	report.ProtectedRoots = protected
	report.ExpiredRoots = len(expired)
	if len(expired) == 0 {
		report.Skipped = true
		log.Infow("no expired roots, skipping cycle", "cycle", report.CycleID, "phase", phase)
		return report, nil
	}
	log.Infow("starting GC cycle",
		"cycle", report.CycleID,
		"phase", phase,
		"protected", len(protected),
		"expired", len(expired),
		"dry_run", gc.params.DryRun,
	)

	var (
		reach    *ReachableSet
		markSnap *Snapshot
		marker   NodeMarker
	)
	if phase == PhaseSweepExpired {
		var info *reachInfo
		reach, markSnap, info, err = gc.resumeReach(ctx)
		if err != nil {
			return nil, err
		}
		if reach == nil {
			log.Warnw("persisted reachable set is stale, rebuilding", "cycle", report.CycleID)
			phase = PhaseBuildReach
			report.Phase = phase
			if !gc.params.DryRun {
				if err := gc.phases.Rollback(ctx); err != nil {
					return nil, err
				}
			}
		} else {
			report.Mark = MarkStats{
				MarkedCount:  info.MarkedCount,
				ScannedCount: info.Scanned,
				MarkerType:   "Bloom",
				BloomBits:    reach.Bloom().Bits(),
				Resumed:      true,
			}
		}
	}

	if reach == nil {
		res, err := ExecutePhaseWithRecovery(ctx, gc.recovery, phase, func(ctx context.Context) (*markResult, error) {
			return gc.mark(ctx, phase, protected)
		})
		if err != nil {
			return nil, err
		}
		reach, markSnap, marker = res.reach, res.snapshot, res.marker
		report.Mark = res.stats
	}
	if marker != nil {
		defer func() {
			if err := marker.Reset(context.WithoutCancel(ctx)); err != nil {
				log.Warnw("resetting marker after cycle", "err", err)
			}
		}()
	}

	if err := gc.confirm(ctx, phase, protected, expired, report.Mark); err != nil {
		return nil, err
	}

	sweepPhase := PhaseSweepExpired
	switch {
	case !gc.params.DryRun:
		sweepPhase = gc.phases.Current()
	case phase == PhaseIncremental:
		sweepPhase = PhaseIncremental
	}
	report.Sweep, err = ExecutePhaseWithRecovery(ctx, gc.recovery, sweepPhase, func(ctx context.Context) (SweepStats, error) {
		return gc.sweep(ctx, sweepPhase, markSnap, reach, expired)
	})
	if err != nil {
		return nil, err
	}

	if gc.params.ForceCompaction && !gc.params.DryRun {
		if err := gc.nodes.AggressiveCompact(ctx); err != nil {
			return nil, fmt.Errorf("%w: final compaction: %w", ErrStoreIO, err)
		}
		report.Compacted = true
	}

	log.Infow("GC cycle finished",
		"cycle", report.CycleID,
		"marked", report.Mark.MarkedCount,
		"deleted", report.Sweep.DeletedCount,
		"swept_roots", report.Sweep.RootsSwept,
		"interrupted", report.Sweep.Interrupted,
		"took", gc.clock.Since(start),
	)
	return report, nil
}

// resolveRoots returns the protected roots and the expired roots the cycle should sweep.
func (gc *GarbageCollector) resolveRoots(ctx context.Context, phase PrunePhase) (protected, expired []smt.StateRoot, err error) {
	protected, err = gc.resolver.ProtectedRoots(ctx, gc.params.ProtectedRootsCount)
	if err != nil {
		return nil, nil, err
	}
	if len(protected) == 0 {
		return nil, nil, fmt.Errorf("%w: no protected state roots resolved", ErrConfiguration)
	}
	candidates, err := gc.resolver.ExpiredRoots(ctx, protected)
	if err != nil {
		return nil, nil, err
	}

	isProtected := make(map[smt.Hash]struct{}, len(protected))
	for _, root := range protected {
		isProtected[root.Root] = struct{}{}
	}
	var lastOrder uint64
	incremental := phase == PhaseIncremental
	if incremental {
		cur, err := getCursor(ctx, gc.meta)
		if err != nil {
			return nil, nil, err
		}
		lastOrder = cur.LastOrder
	}

	for _, root := range candidates {
		if _, ok := isProtected[root.Root]; ok {
			continue
		}
		if incremental && root.TxOrder <= lastOrder {
			continue
		}
		expired = append(expired, root)
	}
	return protected, expired, nil
}

// resumeReach loads the reachable set of an interrupted sweep. It returns nil when the set does
// not match the current chain head.
func (gc *GarbageCollector) resumeReach(ctx context.Context) (*ReachableSet, *Snapshot, *reachInfo, error) {
	snap := gc.snapshots.Current()
	ok, err := gc.snapshots.ValidatePhaseConsistency(ctx)
	switch {
	case errors.Is(err, ErrConsistency):
		log.Warnw("snapshot inconsistent with chain, not resuming", "err", err)
		return nil, nil, nil, nil
	case err != nil:
		return nil, nil, nil, err
	case !ok:
		return nil, nil, nil, nil
	}

	var info reachInfo
	err = getJSON(ctx, gc.meta, reachInfoKey, &info)
	switch {
	case errors.Is(err, errCheckpointNotFound), errors.Is(err, ErrConsistency):
		return nil, nil, nil, nil
	case err != nil:
		return nil, nil, nil, err
	}
	if info.StateRoot != snap.StateRoot || info.LatestOrder != snap.LatestOrder {
		return nil, nil, nil, nil
	}

	bloom, err := getBloom(ctx, gc.meta, reachBloomKey)
	switch {
	case errors.Is(err, errCheckpointNotFound), errors.Is(err, ErrConsistency):
		return nil, nil, nil, nil
	case err != nil:
		return nil, nil, nil, err
	}
	log.Infow("resuming sweep with persisted reachable set",
		"snapshot", info.SnapshotID,
		"marked", info.MarkedCount,
		"latest_order", info.LatestOrder,
	)
	return NewReachableSet(bloom, nil, false), snap, &info, nil
}

type markResult struct {
	reach    *ReachableSet
	marker   NodeMarker
	snapshot *Snapshot
	stats    MarkStats
}

func (gc *GarbageCollector) mark(ctx context.Context, phase PrunePhase, protected []smt.StateRoot) (*markResult, error) {
	snap, err := gc.snapshots.CreateSnapshot(ctx, phase)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := gc.snapshots.ReleaseSnapshot(phase); err != nil {
			log.Warnw("releasing mark snapshot", "err", err)
		}
	}()
	start := gc.clock.Now()

	expected, err := gc.nodes.EstimateNodeCount(ctx)
	if err != nil || expected == 0 {
		log.Debugw("node count unavailable, using default estimate", "err", err)
		expected = defaultExpectedNodes
	}
	marker, err := NewMarker(ctx, gc.params, gc.markerDS, expected)
	if err != nil {
		return nil, err
	}

	bits, fns := OptimalBloomSize(expected, defaultFalsePositiveRate)
	if bits < gc.params.MarkerBloomBits {
		bits, fns = gc.params.MarkerBloomBits, gc.params.MarkerBloomHashFns
	}
	bloom, err := NewBloom(bits, fns)
	if err != nil {
		return nil, fmt.Errorf("%w: reachable bloom: %w", ErrConfiguration, err)
	}
	reach := NewReachableSet(bloom, marker, gc.params.ExactSweepCheck)

	roots := make([]smt.Hash, len(protected))
	for i, root := range protected {
		roots[i] = root.Root
	}
	builder := NewReachableBuilder(gc.nodes, reach, gc.params.Workers, gc.params.DedupeAcrossRoots)
	scanned, err := builder.Build(ctx, roots)
	if err != nil {
		return nil, err
	}
	gc.recovery.reportDecodeFailures(builder.DecodeFailures())

	stats := MarkStats{
		MarkedCount:    reach.MarkedCount(),
		ScannedCount:   scanned,
		DecodeFailures: builder.DecodeFailures(),
		MarkerType:     marker.MarkerType(),
		BloomBits:      bloom.Bits(),
		Duration:       gc.clock.Since(start),
	}
	gc.metrics.observeMark(ctx, stats)

	if !gc.params.DryRun {
		if err := storeBloom(ctx, gc.meta, reachBloomKey, bloom); err != nil {
			return nil, err
		}
		info := reachInfo{
			SnapshotID:  snap.ID,
			StateRoot:   snap.StateRoot,
			LatestOrder: snap.LatestOrder,
			MarkedCount: stats.MarkedCount,
			Scanned:     scanned,
		}
		if err := storeJSON(ctx, gc.meta, reachInfoKey, info); err != nil {
			return nil, err
		}
		if gc.phases.Current() == PhaseBuildReach {
			if err := gc.phases.Transition(ctx, PhaseSweepExpired); err != nil {
				return nil, err
			}
		}
	}
	return &markResult{reach: reach, marker: marker, snapshot: snap, stats: stats}, nil
}

func (gc *GarbageCollector) confirm(
	ctx context.Context,
	phase PrunePhase,
	protected, expired []smt.StateRoot,
	mark MarkStats,
) error {
	if !gc.params.confirmationRequired() {
		return nil
	}
	if gc.confirmer == nil {
		return ErrConfirmationRequired
	}

	ok, err := gc.confirmer.Confirm(ctx, Preview{
		Phase:          phase,
		ProtectedRoots: len(protected),
		ExpiredRoots:   len(expired),
		MarkedNodes:    mark.MarkedCount,
		MarkerType:     mark.MarkerType,
		RecycleBin:     gc.recycle != nil,
	})
	switch {
	case err != nil:
		return fmt.Errorf("asking for confirmation: %w", err)
	case !ok:
		return ErrCancelledByUser
	}
	return nil
}

func (gc *GarbageCollector) sweep(
	ctx context.Context,
	phase PrunePhase,
	markSnap *Snapshot,
	reach *ReachableSet,
	expired []smt.StateRoot,
) (SweepStats, error) {
	if !gc.params.DryRun {
		if current := gc.phases.Current(); current != phase {
			return SweepStats{}, fmt.Errorf("%w: sweeping in phase %s, but the current phase is %s",
				ErrConsistency, phase, current)
		}
	}
	ok, err := gc.snapshots.validate(ctx, markSnap)
	if err != nil {
		return SweepStats{}, err
	}
	if !ok {
		return SweepStats{}, fmt.Errorf("%w: chain changed since the reachable set was built", ErrConsistency)
	}

	if _, err := gc.snapshots.CreateSnapshot(ctx, phase); err != nil {
		return SweepStats{}, err
	}
	defer func() {
		if err := gc.snapshots.ReleaseSnapshot(phase); err != nil {
			log.Warnw("releasing sweep snapshot", "err", err)
		}
	}()

	deleted, err := loadDeletedRoots(ctx, gc.meta, gc.params)
	if err != nil {
		return SweepStats{}, err
	}
	sweeper := &Sweeper{
		nodes:   gc.nodes,
		reach:   reach,
		deleted: deleted,
		meta:    gc.meta,
		recycle: gc.recycle,
		params:  gc.params,
		stop:    &gc.stop,
		dryRun:  gc.params.DryRun,
		metrics: gc.metrics,
	}
	stats, err := sweeper.Sweep(ctx, expired)
	if err != nil {
		return stats, err
	}
	gc.recovery.reportDecodeFailures(stats.DecodeFailures)

	if !gc.params.DryRun && !stats.Interrupted && stats.RootsFailed == 0 && phase == PhaseSweepExpired {
		if err := gc.phases.Transition(ctx, PhaseIncremental); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// Status is a read-only view of the persisted GC state.
type Status struct {
	Phase             PrunePhase     `json:"phase"`
	LastOrder         uint64         `json:"last_order"`
	SweptDownTo       uint64         `json:"swept_down_to"`
	CursorValid       bool           `json:"cursor_valid"`
	Snapshot          SnapshotStatus `json:"snapshot"`
	Health            HealthStatus   `json:"health"`
	Recovery          RecoveryStats  `json:"recovery"`
	RecycleBinEntries int            `json:"recycle_bin_entries"`
}

func (gc *GarbageCollector) Status(ctx context.Context) (*Status, error) {
	if err := gc.snapshots.Initialize(ctx); err != nil {
		return nil, err
	}
	phase, err := gc.phases.Load(ctx)
	if err != nil {
		return nil, err
	}
	cur, err := getCursor(ctx, gc.meta)
	if err != nil {
		return nil, err
	}
	entries, err := gc.RecycleBin().Count(ctx)
	if err != nil {
		return nil, err
	}

	return &Status{
		Phase:             phase,
		LastOrder:         cur.LastOrder,
		SweptDownTo:       cur.SweptDownTo,
		CursorValid:       cur.Valid,
		Snapshot:          gc.snapshots.GetSnapshotStatus(),
		Health:            gc.recovery.CheckSystemHealth(ctx),
		Recovery:          gc.recovery.Stats(),
		RecycleBinEntries: entries,
	}, nil
}
