package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"

	"github.com/celestiaorg/celestia-state-gc/cmd"
	"github.com/celestiaorg/celestia-state-gc/nodebuilder/gc"
)

func init() {
	flags := []*flag.FlagSet{
		cmd.NodeFlags(),
		gc.Flags(),
		cmd.MiscFlags(),
	}
	storeFlags := []*flag.FlagSet{
		cmd.NodeFlags(),
		cmd.MiscFlags(),
	}

	rootCmd.AddCommand(
		cmd.Init(flags...),
		cmd.GC(flags...),
		cmd.Serve(flags...),
		cmd.Status(storeFlags...),
		cmd.Recycle(storeFlags...),
		cmd.RemoveConfig(cmd.NodeFlags()),
		cmd.UpdateConfig(cmd.NodeFlags()),
		versionCmd,
	)
	rootCmd.SetHelpCommand(&cobra.Command{})
}

func main() {
	err := run()
	if err != nil {
		os.Exit(1)
	}
}

func run() error {
	return rootCmd.ExecuteContext(context.Background())
}

var rootCmd = &cobra.Command{
	Use:   "state-gc [subcommand]",
	Short: "Garbage collector of content-addressed Merkle state stores",
	Args:  cobra.NoArgs,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
}
