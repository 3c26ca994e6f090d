package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/joshuapare/hphakit/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the resolved allocator configuration",
	Long: `The config command prints the configuration the other commands would
use: defaults, overlaid with the --config file (or $HPHA_CONFIG).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfig(cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(w io.Writer) error {
	cfg, path, err := config.Load(configPath, config.File{}, nil)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(w, cfg)
	}
	out, err := config.Format(cfg)
	if err != nil {
		return err
	}
	if path != "" {
		fmt.Fprintf(w, "// from %s\n", path)
	}
	fmt.Fprintln(w, out)
	return nil
}
