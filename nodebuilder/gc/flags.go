package gc

import (
	"fmt"

	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"

	"github.com/celestiaorg/celestia-state-gc/pruner"
)

var (
	protectedRootsFlag  = "gc.protected-roots"
	markerFlag          = "gc.marker"
	workersFlag         = "gc.workers"
	dryRunFlag          = "gc.dry-run"
	yesFlag             = "gc.yes"
	recycleBinFlag      = "gc.recycle-bin"
	forceCompactionFlag = "gc.force-compaction"
	exactSweepFlag      = "gc.exact-sweep"
	cycleFlag           = "gc.cycle"
)

func Flags() *flag.FlagSet {
	flags := &flag.FlagSet{}

	flags.Int(
		protectedRootsFlag,
		0,
		"Number of most recent state roots kept by GC.",
	)
	flags.String(
		markerFlag,
		"",
		fmt.Sprintf("Marker used by the mark phase: %s, %s or %s.",
			pruner.MarkerInMemory, pruner.MarkerPersistent, pruner.MarkerAuto),
	)
	flags.Int(
		workersFlag,
		0,
		"Number of parallel mark and sweep workers.",
	)
	flags.Bool(
		dryRunFlag,
		false,
		"Reports what GC would delete without deleting anything.",
	)
	flags.Bool(
		yesFlag,
		false,
		"Skips the confirmation before deleting nodes. Required to run GC in the background.",
	)
	flags.Bool(
		recycleBinFlag,
		false,
		"Keeps deleted nodes in the recycle bin, so that they can be restored.",
	)
	flags.Bool(
		forceCompactionFlag,
		false,
		"Runs a full compaction of the store after the cycle.",
	)
	flags.Bool(
		exactSweepFlag,
		false,
		"Confirms bloom filter hits against the exact marker during the sweep.",
	)
	flags.Duration(
		cycleFlag,
		0,
		"Interval between background GC cycles.",
	)
	return flags
}

// ParseFlags applies the flags that were set on the command to cfg.
func ParseFlags(cmd *cobra.Command, cfg *Config) error {
	f := cmd.Flags()
	var err error
	if f.Changed(protectedRootsFlag) {
		if cfg.ProtectedRootsCount, err = f.GetInt(protectedRootsFlag); err != nil {
			return err
		}
	}
	if f.Changed(markerFlag) {
		strategy, err := f.GetString(markerFlag)
		if err != nil {
			return err
		}
		cfg.MarkerStrategy = pruner.MarkerStrategy(strategy)
	}
	if f.Changed(workersFlag) {
		if cfg.Workers, err = f.GetInt(workersFlag); err != nil {
			return err
		}
	}
	if f.Changed(dryRunFlag) {
		if cfg.DryRun, err = f.GetBool(dryRunFlag); err != nil {
			return err
		}
	}
	if f.Changed(yesFlag) {
		if cfg.SkipConfirm, err = f.GetBool(yesFlag); err != nil {
			return err
		}
	}
	if f.Changed(recycleBinFlag) {
		if cfg.UseRecycleBin, err = f.GetBool(recycleBinFlag); err != nil {
			return err
		}
	}
	if f.Changed(forceCompactionFlag) {
		if cfg.ForceCompaction, err = f.GetBool(forceCompactionFlag); err != nil {
			return err
		}
	}
	if f.Changed(exactSweepFlag) {
		if cfg.ExactSweepCheck, err = f.GetBool(exactSweepFlag); err != nil {
			return err
		}
	}
	if f.Changed(cycleFlag) {
		if cfg.Cycle, err = f.GetDuration(cycleFlag); err != nil {
			return err
		}
	}
	return cfg.Validate()
}
