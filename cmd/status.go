package cmd

import (
	"context"

	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"

	"github.com/celestiaorg/celestia-state-gc/nodebuilder"
)

// Status constructs a CLI command printing the persisted GC state.
func Status(fsets ...*flag.FlagSet) *cobra.Command {
	cmd := &cobra.Command{
		Use:               "status",
		Short:             "Prints the GC phase, sweep cursor, snapshot and health of the store.",
		Args:              cobra.NoArgs,
		PersistentPreRunE: PersistentPreRunEnv,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := NodeConfig(cmd.Context())
			cfg.GC.EnableService = false

			return withNode(cmd.Context(), &cfg, func(ctx context.Context, nd *nodebuilder.Node) error {
				status, err := nd.GC.Status(ctx)
				return PrintOutput(status, err, nil)
			})
		},
	}
	for _, set := range fsets {
		cmd.Flags().AddFlagSet(set)
	}
	return cmd
}
