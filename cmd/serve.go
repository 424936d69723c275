package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"

	"github.com/celestiaorg/celestia-state-gc/nodebuilder"
)

// Serve constructs a CLI command running GC cycles in the background with the given flags.
func Serve(fsets ...*flag.FlagSet) *cobra.Command {
	cmd := &cobra.Command{
		Use: "serve",
		Short: `Runs GC cycles every configured interval. First stopping signal stops the running cycle
at the next checkpoint and second terminates it. Options passed on serve override configuration
options only on serve and are not persisted in config.`,
		Aliases:           []string{"start", "daemon"},
		Args:              cobra.NoArgs,
		SilenceUsage:      true,
		PersistentPreRunE: PersistentPreRunEnv,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := NodeConfig(cmd.Context())
			cfg.GC.EnableService = true

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return withNode(ctx, &cfg, func(ctx context.Context, _ *nodebuilder.Node) error {
				<-ctx.Done()
				cancel() // ensure we stop reading more signals for start context
				return nil
			})
		},
	}
	for _, set := range fsets {
		cmd.Flags().AddFlagSet(set)
	}
	return cmd
}
