package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/celestiaorg/celestia-state-gc/nodebuilder"
)

func RemoveConfig(fsets ...*pflag.FlagSet) *cobra.Command {
	cmd := &cobra.Command{
		Use:               "config-remove",
		Args:              cobra.NoArgs,
		Short:             "Remove current config",
		PersistentPreRunE: parseStorePath,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return nodebuilder.Remove(StorePath(cmd.Context()))
		},
	}
	for _, set := range fsets {
		cmd.Flags().AddFlagSet(set)
	}

	return cmd
}

func UpdateConfig(fsets ...*pflag.FlagSet) *cobra.Command {
	cmd := &cobra.Command{
		Use:               "config-update",
		Args:              cobra.NoArgs,
		Short:             "Fill the options missing from the current config with their defaults",
		PersistentPreRunE: parseStorePath,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return nodebuilder.UpdateConfig(StorePath(cmd.Context()))
		},
	}
	for _, set := range fsets {
		cmd.Flags().AddFlagSet(set)
	}

	return cmd
}

func parseStorePath(cmd *cobra.Command, _ []string) error {
	ctx, err := ParseNodeFlags(cmd.Context(), cmd)
	if err != nil {
		return err
	}

	cmd.SetContext(ctx)
	return nil
}
