package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/joshuapare/hphakit/hpha"
	"github.com/joshuapare/hphakit/hpha/sysalloc"
	"github.com/joshuapare/hphakit/pkg/config"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOut    bool
)

var rootCmd = &cobra.Command{
	Use:   "hphactl",
	Short: "Exercise and inspect the hpha heap allocator",
	Long: `hphactl drives the hpha hybrid pool/tree allocator. It runs random
allocation workloads across goroutines, checks heap invariants, prints the
resolved configuration, and offers an interactive allocation shell.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"JSONC allocator config (default $"+config.EnvVar+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log allocator events to stderr")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newLogger returns a stderr logger in verbose mode and a discarding one
// otherwise.
func newLogger() *slog.Logger {
	if !verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// openSchema resolves the configuration with overrides applied and builds a
// schema from it.
func openSchema(overrides config.File) (*hpha.Schema, config.File, *sysalloc.Limited, error) {
	cfg, _, err := config.Load(configPath, overrides, nil)
	if err != nil {
		return nil, config.File{}, nil, err
	}
	d, limited := cfg.Descriptor(newLogger())
	s, err := hpha.New(d)
	if err != nil {
		return nil, config.File{}, nil, fmt.Errorf("creating allocator: %w", err)
	}
	return s, cfg, limited, nil
}

// printJSON outputs data as JSON
func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
