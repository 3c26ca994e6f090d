package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/joshuapare/hphakit/pkg/config"
)

var stressOpts = func() workloadOptions {
	o := defaultWorkloadOptions()
	o.Ops = 20000
	o.Align = true
	o.CheckGap = 1000
	return o
}()

func init() {
	cmd := newStressCmd()
	addWorkloadFlags(cmd.Flags(), &stressOpts)
	cmd.Flags().IntVar(&stressOpts.CheckGap, "check-every", stressOpts.CheckGap,
		"Run a full heap check every n operations per worker")
	rootCmd.AddCommand(cmd)
}

func newStressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stress",
		Short: "Run a workload with guard bytes and heap checks enabled",
		Long: `The stress command runs the bench workload with usage checking and the
guard-byte decorator switched on, validating the whole heap periodically.
It fails on the first overrun, double free, or broken invariant.

Example:
  hphactl stress
  hphactl stress --workers 16 --check-every 200`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress(cmd.OutOrStdout(), stressOpts)
		},
	}
}

func runStress(w io.Writer, o workloadOptions) error {
	s, _, _, err := openSchema(config.File{Checked: true, Debug: true})
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := runWorkload(s, o)
	if err != nil {
		return err
	}
	if g := s.Guard(); g != nil && g.Live() != 0 {
		g.Report(w)
		return fmt.Errorf("%d allocations still live after the run", g.Live())
	}
	if jsonOut {
		return printJSON(w, res)
	}
	printResult(w, res)
	fmt.Fprintln(w, "\nno corruption detected")
	return nil
}
