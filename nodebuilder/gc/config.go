package gc

import (
	"time"

	"github.com/celestiaorg/celestia-state-gc/pruner"
)

var MetricsEnabled bool

// Config is the [GC] section of the node config.
type Config struct {
	// EnableService runs GC cycles in the background every Cycle.
	EnableService bool
	Cycle         time.Duration

	ProtectedRootsCount     int
	MarkerStrategy          pruner.MarkerStrategy
	MarkerBatchSize         int
	MarkerBloomBits         uint64
	MarkerBloomHashFns      uint64
	MarkerMemoryThresholdMB uint64
	Workers                 int
	DedupeAcrossRoots       bool
	ExactSweepCheck         bool

	SweepBatchRoots          int
	DeleteBatchSize          int
	AggressiveCompactEvery   int
	ForceCompaction          bool
	UseRecycleBin            bool
	DeletedRootsBloomBits    uint64
	DeletedRootsBloomHashFns uint64

	DryRun         bool
	SkipConfirm    bool
	ForceExecution bool

	MaxPhaseRetries             int
	BaseRetryDelayMs            uint64
	MaxRetryDelayMs             uint64
	BackoffMultiplier           float64
	EnableSnapshotRecovery      bool
	SnapshotRecoveryTimeoutSecs uint64
	EnablePhaseRollback         bool
}

func DefaultConfig() Config {
	p := pruner.DefaultParams()
	return Config{
		Cycle:                       p.PruneCycle,
		ProtectedRootsCount:         p.ProtectedRootsCount,
		MarkerStrategy:              p.MarkerStrategy,
		MarkerBatchSize:             p.MarkerBatchSize,
		MarkerBloomBits:             p.MarkerBloomBits,
		MarkerBloomHashFns:          p.MarkerBloomHashFns,
		MarkerMemoryThresholdMB:     p.MarkerMemoryThresholdMB,
		Workers:                     p.Workers,
		SweepBatchRoots:             p.SweepBatchRoots,
		DeleteBatchSize:             p.DeleteBatchSize,
		AggressiveCompactEvery:      p.AggressiveCompactEvery,
		DeletedRootsBloomBits:       p.DeletedRootsBloomBits,
		DeletedRootsBloomHashFns:    p.DeletedRootsBloomHashFns,
		MaxPhaseRetries:             p.Recovery.MaxPhaseRetries,
		BaseRetryDelayMs:            uint64(p.Recovery.BaseRetryDelay.Milliseconds()),
		MaxRetryDelayMs:             uint64(p.Recovery.MaxRetryDelay.Milliseconds()),
		BackoffMultiplier:           p.Recovery.BackoffMultiplier,
		EnableSnapshotRecovery:      p.Recovery.EnableSnapshotRecovery,
		SnapshotRecoveryTimeoutSecs: uint64(p.Recovery.SnapshotRecoveryTimeout.Seconds()),
		EnablePhaseRollback:         p.Recovery.EnablePhaseRollback,
	}
}

// Params converts the config into collector parameters. Options not covered by the config keep
// their defaults.
func (cfg *Config) Params() *pruner.Params {
	p := pruner.DefaultParams()
	p.PruneCycle = cfg.Cycle
	p.ProtectedRootsCount = cfg.ProtectedRootsCount
	p.MarkerStrategy = cfg.MarkerStrategy
	p.MarkerBatchSize = cfg.MarkerBatchSize
	p.MarkerBloomBits = cfg.MarkerBloomBits
	p.MarkerBloomHashFns = cfg.MarkerBloomHashFns
	p.MarkerMemoryThresholdMB = cfg.MarkerMemoryThresholdMB
	p.Workers = cfg.Workers
	p.DedupeAcrossRoots = cfg.DedupeAcrossRoots
	p.ExactSweepCheck = cfg.ExactSweepCheck
	p.SweepBatchRoots = cfg.SweepBatchRoots
	p.DeleteBatchSize = cfg.DeleteBatchSize
	p.AggressiveCompactEvery = cfg.AggressiveCompactEvery
	p.ForceCompaction = cfg.ForceCompaction
	p.UseRecycleBin = cfg.UseRecycleBin
	p.DeletedRootsBloomBits = cfg.DeletedRootsBloomBits
	p.DeletedRootsBloomHashFns = cfg.DeletedRootsBloomHashFns
	p.DryRun = cfg.DryRun
	p.SkipConfirm = cfg.SkipConfirm
	p.ForceExecution = cfg.ForceExecution

	p.Recovery.MaxPhaseRetries = cfg.MaxPhaseRetries
	p.Recovery.BaseRetryDelay = time.Duration(cfg.BaseRetryDelayMs) * time.Millisecond
	p.Recovery.MaxRetryDelay = time.Duration(cfg.MaxRetryDelayMs) * time.Millisecond
	p.Recovery.BackoffMultiplier = cfg.BackoffMultiplier
	p.Recovery.EnableSnapshotRecovery = cfg.EnableSnapshotRecovery
	p.Recovery.SnapshotRecoveryTimeout = time.Duration(cfg.SnapshotRecoveryTimeoutSecs) * time.Second
	p.Recovery.EnablePhaseRollback = cfg.EnablePhaseRollback
	return &p
}

func (cfg *Config) Validate() error {
	return cfg.Params().Validate()
}
