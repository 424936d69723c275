package cmd

import (
	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
)

// Init constructs a CLI command to initialize the state store with the given flags.
func Init(fsets ...*flag.FlagSet) *cobra.Command {
	cmd := &cobra.Command{
		Use:               "init",
		Short:             "Initialization for the state store. Passed flags have persisted effect.",
		Args:              cobra.NoArgs,
		PersistentPreRunE: PersistentPreRunEnv,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := NodeConfig(cmd.Context())
			return NewRunner(&cfg).Init(cmd.Context())
		},
	}
	for _, set := range fsets {
		cmd.Flags().AddFlagSet(set)
	}
	return cmd
}
