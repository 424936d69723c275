package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
	"go.uber.org/fx"

	"github.com/celestiaorg/celestia-state-gc/nodebuilder"
	"github.com/celestiaorg/celestia-state-gc/pruner"
)

// GC constructs a CLI command running a single GC cycle with the given flags.
func GC(fsets ...*flag.FlagSet) *cobra.Command {
	cmd := &cobra.Command{
		Use: "gc",
		Short: `Runs one GC cycle: marks the nodes reachable from the protected state roots and
sweeps the expired ones. Asks for confirmation before deleting unless '--gc.yes' or '--gc.dry-run'
is given. A stopping signal stops the sweep at the next checkpoint, the next run resumes it.`,
		Args:              cobra.NoArgs,
		SilenceUsage:      true,
		PersistentPreRunE: PersistentPreRunEnv,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := NodeConfig(cmd.Context())
			cfg.GC.EnableService = false

			confirmer := &pruner.PromptConfirmer{In: os.Stdin, Out: cmd.ErrOrStderr()}
			ctx := WithNodeOptions(cmd.Context(), fx.Supply([]pruner.GCOption{pruner.WithConfirmer(confirmer)}))

			ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return withNode(ctx, &cfg, func(ctx context.Context, nd *nodebuilder.Node) error {
				// the first signal stops the sweep at the next checkpoint, a second one terminates
				go func() {
					<-ctx.Done()
					nd.GC.Stop()
					cancel()
				}()

				report, err := nd.GC.ExecuteGC(context.WithoutCancel(ctx))
				switch {
				case errors.Is(err, pruner.ErrCancelledByUser):
					log.Info("GC cycle cancelled, nothing was deleted")
					return nil
				case err != nil:
					return err
				}
				return PrintOutput(report, nil, nil)
			})
		},
	}
	for _, set := range fsets {
		cmd.Flags().AddFlagSet(set)
	}
	return cmd
}
