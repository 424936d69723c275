package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"

	"github.com/celestiaorg/celestia-state-gc/nodebuilder/gc"
)

var log = logging.Logger("cmd")

func PrintOutput(data interface{}, err error, formatData func(interface{}) interface{}) error {
	switch {
	case err != nil:
		data = err.Error()
	case formatData != nil:
		data = formatData(data)
	}

	resp := struct {
		Result interface{} `json:"result"`
	}{
		Result: data,
	}

	bytes, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(bytes))
	return nil
}

// PersistentPreRunEnv loads the config of the store and applies the flags on top of it.
func PersistentPreRunEnv(cmd *cobra.Command, _ []string) error {
	var (
		ctx = cmd.Context()
		err error
	)

	// loads existing config into the environment
	ctx, err = ParseNodeFlags(ctx, cmd)
	if err != nil {
		return err
	}

	cfg := NodeConfig(ctx)
	if hasGCFlags(cmd) {
		err = gc.ParseFlags(cmd, &cfg.GC)
		if err != nil {
			return err
		}
	}

	ctx, err = ParseMiscFlags(ctx, cmd)
	if err != nil {
		return err
	}

	// set config
	ctx = WithNodeConfig(ctx, &cfg)
	cmd.SetContext(ctx)
	return nil
}

// hasGCFlags reports whether the command carries the GC flag set.
func hasGCFlags(cmd *cobra.Command) bool {
	found := false
	gc.Flags().VisitAll(func(f *flag.Flag) {
		if cmd.Flags().Lookup(f.Name) != nil {
			found = true
		}
	})
	return found
}

// WithFlagSet adds the given flagset to the command.
func WithFlagSet(fset []*flag.FlagSet) func(*cobra.Command) {
	return func(c *cobra.Command) {
		for _, set := range fset {
			c.Flags().AddFlagSet(set)
		}
	}
}
