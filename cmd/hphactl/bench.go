package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"

	"github.com/joshuapare/hphakit/hpha/sysalloc"
	"github.com/joshuapare/hphakit/pkg/config"
)

var (
	benchOpts = defaultWorkloadOptions()
	benchOut  string
)

func init() {
	cmd := newBenchCmd()
	addWorkloadFlags(cmd.Flags(), &benchOpts)
	cmd.Flags().StringVarP(&benchOut, "out", "o", "", "Also write the JSON report to this file")
	rootCmd.AddCommand(cmd)
}

func newBenchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bench",
		Short: "Run a random allocation workload and report throughput",
		Long: `The bench command runs a random mix of allocations, frees and reallocs
from several goroutines against one allocator, verifying every block's
contents before it is released.

Example:
  hphactl bench --ops 200000 --workers 8
  hphactl bench --max-size 1MiB --aligned --json
  hphactl bench --config small-pages.jsonc --out report.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd.OutOrStdout(), benchOpts, benchOut)
		},
	}
}

func runBench(w io.Writer, o workloadOptions, out string) error {
	s, cfg, limited, err := openSchema(config.File{})
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := runWorkload(s, o)
	if err != nil {
		return err
	}
	report := benchReport{Config: cfg, Result: res}
	if limited != nil {
		st := limited.Stats()
		report.System = &st
	}

	if out != "" {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding report: %w", err)
		}
		if err := atomic.WriteFile(out, bytes.NewReader(append(data, '\n'))); err != nil {
			return fmt.Errorf("writing report: %w", err)
		}
	}
	if jsonOut {
		return printJSON(w, report)
	}
	printResult(w, res)
	if report.System != nil {
		fmt.Fprintf(w, "System limit:       %d live mappings, %d bytes, %d failed requests\n",
			report.System.LiveMappings, report.System.LiveBytes, report.System.Failures)
	}
	return nil
}

// benchReport is the JSON form of a bench run.
type benchReport struct {
	Config config.File    `json:"config"`
	Result workloadResult `json:"result"`

	// System is set when the config caps OS memory.
	System *sysalloc.Stats `json:"system,omitempty"`
}

func printResult(w io.Writer, r workloadResult) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "seed\t%d\n", r.Seed)
	fmt.Fprintf(tw, "workers\t%d\n", r.Workers)
	fmt.Fprintf(tw, "ops\t%d\t(%.0f/s)\n", r.Ops, r.OpsPerSec)
	fmt.Fprintf(tw, "allocs / frees / reallocs\t%d / %d / %d\n", r.Allocs, r.Frees, r.Reallocs)
	fmt.Fprintf(tw, "failures\t%d\n", r.Failures)
	if r.Checks > 0 {
		fmt.Fprintf(tw, "heap checks\t%d\n", r.Checks)
	}
	fmt.Fprintf(tw, "duration\t%s\n", r.Duration)
	fmt.Fprintf(tw, "peak allocated\t%s\n", config.Size(r.PeakBytes))
	fmt.Fprintf(tw, "purged at end\t%s\n", config.Size(r.Purged))
	fmt.Fprintf(tw, "allocated at end\t%s\n", config.Size(r.FinalBytes))
	tw.Flush()
	fmt.Fprintln(w)
	r.Stats.Fprint(w)
}
