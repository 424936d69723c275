package pruner

import (
	"fmt"
	"time"
)

// MarkerStrategy selects the NodeMarker implementation.
type MarkerStrategy string

const (
	MarkerInMemory   MarkerStrategy = "InMemory"
	MarkerPersistent MarkerStrategy = "Persistent"
	MarkerAuto       MarkerStrategy = "Auto"
)

func (s MarkerStrategy) valid() bool {
	return s == MarkerInMemory || s == MarkerPersistent || s == MarkerAuto
}

type Option func(*Params)

type Params struct {
	// ProtectedRootsCount is the number of most recent state roots that are never swept.
	ProtectedRootsCount int

	MarkerStrategy MarkerStrategy
	// MarkerBatchSize is the number of marks buffered by the persistent marker before a flush.
	MarkerBatchSize int
	// MarkerBloomBits and MarkerBloomHashFns size the persistent marker prefilter. They are also
	// the lower bound for the reachable set Bloom filter, which grows with the node estimate.
	MarkerBloomBits    uint64
	MarkerBloomHashFns uint64
	// MarkerMemoryThresholdMB is the estimated marker memory under which Auto uses memory.
	MarkerMemoryThresholdMB uint64
	// DedupeAcrossRoots lets mark workers skip subtrees another worker already marked.
	DedupeAcrossRoots bool
	// ExactSweepCheck confirms Bloom hits against the marker during the sweep, so that false
	// positives do not retain garbage.
	ExactSweepCheck bool

	Workers int
	// SweepBatchRoots is the number of expired roots swept and checkpointed together.
	SweepBatchRoots int
	// DeleteBatchSize is the number of deletions buffered per root before they are committed.
	DeleteBatchSize int
	// AggressiveCompactEvery is the number of swept roots between two full compactions.
	AggressiveCompactEvery int
	// ForceCompaction runs a full compaction at the end of a cycle.
	ForceCompaction bool
	// UseRecycleBin keeps the bytes of deleted nodes so that they can be restored.
	UseRecycleBin bool

	DeletedRootsBloomBits    uint64
	DeletedRootsBloomHashFns uint64

	// DryRun runs the mark phase and reports what a sweep would delete without mutating the store.
	DryRun bool
	// SkipConfirm bypasses the interactive confirmation before a destructive sweep.
	SkipConfirm bool
	// ForceExecution is an alias of SkipConfirm kept for configuration compatibility.
	ForceExecution bool

	Recovery RecoveryConfig
	Snapshot SnapshotConfig

	// PruneCycle is the frequency at which the background Service runs a GC cycle.
	PruneCycle time.Duration
}

func DefaultParams() Params {
	return Params{
		ProtectedRootsCount:      1000,
		MarkerStrategy:           MarkerAuto,
		MarkerBatchSize:          10000,
		MarkerBloomBits:          1 << 23,
		MarkerBloomHashFns:       4,
		MarkerMemoryThresholdMB:  1024,
		Workers:                  4,
		SweepBatchRoots:          16,
		DeleteBatchSize:          10000,
		AggressiveCompactEvery:   256,
		DeletedRootsBloomBits:    1 << 20,
		DeletedRootsBloomHashFns: 4,
		Recovery:                 DefaultRecoveryConfig(),
		Snapshot:                 DefaultSnapshotConfig(),
		PruneCycle:               time.Hour,
	}
}

func (p *Params) Validate() error {
	switch {
	case p.ProtectedRootsCount < 1:
		return fmt.Errorf("%w: protected roots count must be at least 1, got %d",
			ErrConfiguration, p.ProtectedRootsCount)
	case !p.MarkerStrategy.valid():
		return fmt.Errorf("%w: unknown marker strategy %q", ErrConfiguration, p.MarkerStrategy)
	case p.Workers < 1:
		return fmt.Errorf("%w: workers must be positive", ErrConfiguration)
	case p.SweepBatchRoots < 1:
		return fmt.Errorf("%w: sweep batch must hold at least one root", ErrConfiguration)
	case p.DeleteBatchSize < 1:
		return fmt.Errorf("%w: delete batch size must be positive", ErrConfiguration)
	case p.AggressiveCompactEvery < 1:
		return fmt.Errorf("%w: aggressive compaction interval must be positive", ErrConfiguration)
	case p.DeletedRootsBloomBits == 0 || p.DeletedRootsBloomHashFns == 0:
		return fmt.Errorf("%w: deleted roots bloom needs non-zero bits and hash functions", ErrConfiguration)
	case p.PruneCycle <= 0:
		return fmt.Errorf("%w: invalid GC cycle given, value should be positive and non-zero", ErrConfiguration)
	}
	if err := p.Recovery.Validate(); err != nil {
		return err
	}
	return p.Snapshot.Validate()
}

// WithProtectedRoots sets how many of the most recent roots are kept.
func WithProtectedRoots(count int) Option {
	return func(p *Params) {
		p.ProtectedRootsCount = count
	}
}

// WithMarkerStrategy forces the given marker implementation.
func WithMarkerStrategy(strategy MarkerStrategy) Option {
	return func(p *Params) {
		p.MarkerStrategy = strategy
	}
}

func WithWorkers(workers int) Option {
	return func(p *Params) {
		p.Workers = workers
	}
}

// WithDryRun makes cycles report would-be deletions without deleting.
func WithDryRun(dryRun bool) Option {
	return func(p *Params) {
		p.DryRun = dryRun
	}
}

// WithSkipConfirm disables the interactive confirmation.
func WithSkipConfirm(skip bool) Option {
	return func(p *Params) {
		p.SkipConfirm = skip
	}
}

// confirmationRequired reports whether a destructive sweep needs an interactive confirmation.
func (p *Params) confirmationRequired() bool {
	return !p.DryRun && !p.SkipConfirm && !p.ForceExecution
}

// WithPruneCycle configures how often the GC Service triggers a cycle.
func WithPruneCycle(cycle time.Duration) Option {
	return func(p *Params) {
		p.PruneCycle = cycle
	}
}

// WithGCMetrics is a utility function to turn on GC metrics and that is
// expected to be "invoked" by the fx lifecycle.
func WithGCMetrics(gc *GarbageCollector) error {
	return gc.WithMetrics()
}
