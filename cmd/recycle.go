package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"

	"github.com/celestiaorg/celestia-state-gc/nodebuilder"
	"github.com/celestiaorg/celestia-state-gc/smt"
)

var (
	recycleLimitFlag     = "limit"
	recycleOlderThanFlag = "older-than"
)

// Recycle constructs the CLI commands managing the recycle bin of deleted nodes.
func Recycle(fsets ...*flag.FlagSet) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recycle",
		Short: "Lists, restores and purges the nodes kept by the recycle bin.",
		Args:  cobra.NoArgs,
	}

	list := &cobra.Command{
		Use:               "list",
		Short:             "Lists the entries of the recycle bin.",
		Args:              cobra.NoArgs,
		PersistentPreRunE: PersistentPreRunEnv,
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, err := cmd.Flags().GetInt(recycleLimitFlag)
			if err != nil {
				return err
			}
			return withRecycleNode(cmd, func(ctx context.Context, nd *nodebuilder.Node) error {
				entries, err := nd.GC.RecycleBin().List(ctx, limit)
				return PrintOutput(entries, err, nil)
			})
		},
	}
	list.Flags().Int(recycleLimitFlag, 100, "Maximum number of entries to list, 0 lists all")

	restore := &cobra.Command{
		Use:               "restore [hash...]",
		Short:             "Writes the given nodes back to the node store.",
		Args:              cobra.MinimumNArgs(1),
		PersistentPreRunE: PersistentPreRunEnv,
		RunE: func(cmd *cobra.Command, args []string) error {
			hashes := make([]smt.Hash, len(args))
			for i, arg := range args {
				h, err := smt.ParseHash(arg)
				if err != nil {
					return fmt.Errorf("cmd: invalid node hash %q: %w", arg, err)
				}
				hashes[i] = h
			}
			return withRecycleNode(cmd, func(ctx context.Context, nd *nodebuilder.Node) error {
				bin := nd.GC.RecycleBin()
				for _, h := range hashes {
					if err := bin.Restore(ctx, h, nd.Nodes); err != nil {
						return PrintOutput(nil, fmt.Errorf("restoring %s: %w", h, err), nil)
					}
				}
				return PrintOutput(len(hashes), nil, func(n interface{}) interface{} {
					return fmt.Sprintf("restored %d nodes", n)
				})
			})
		},
	}

	purge := &cobra.Command{
		Use:               "purge",
		Short:             "Drops the recycle bin entries older than the given age.",
		Args:              cobra.NoArgs,
		PersistentPreRunE: PersistentPreRunEnv,
		RunE: func(cmd *cobra.Command, _ []string) error {
			olderThan, err := cmd.Flags().GetDuration(recycleOlderThanFlag)
			if err != nil {
				return err
			}
			return withRecycleNode(cmd, func(ctx context.Context, nd *nodebuilder.Node) error {
				purged, err := nd.GC.RecycleBin().Purge(ctx, olderThan)
				return PrintOutput(purged, err, func(n interface{}) interface{} {
					return fmt.Sprintf("purged %d entries", n)
				})
			})
		},
	}
	purge.Flags().Duration(recycleOlderThanFlag, 0, "Minimum age of the purged entries, 0 purges all")

	for _, sub := range []*cobra.Command{list, restore, purge} {
		for _, set := range fsets {
			sub.Flags().AddFlagSet(set)
		}
		cmd.AddCommand(sub)
	}
	return cmd
}

func withRecycleNode(cmd *cobra.Command, fn func(context.Context, *nodebuilder.Node) error) error {
	cfg := NodeConfig(cmd.Context())
	cfg.GC.EnableService = false
	return withNode(cmd.Context(), &cfg, fn)
}
