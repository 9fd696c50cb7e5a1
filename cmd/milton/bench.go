package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"milton/internal/bench"
)

func newBenchCmd() *cobra.Command {
	var candidates []string

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run the benchmark tiers once and print the results",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}

			versions := candidates
			if len(versions) == 0 {
				entries, err := a.registry.List()
				if err != nil {
					return err
				}
				for _, e := range entries {
					versions = append(versions, e.Version)
				}
			}
			if len(versions) == 0 {
				versions = []string{a.cfg.Inference.Model}
			}

			run, err := a.runner.Run(cmd.Context(), versions)
			if err != nil {
				return err
			}

			fmt.Printf("run %s (%d candidates)\n", run.RunID, len(run.Candidates))
			for _, c := range run.Candidates {
				fmt.Printf("\n%s\n", c.ModelVersion)
				printMetrics(c)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&candidates, "candidate", nil, "model version to benchmark (repeatable, defaults to registry entries)")
	return cmd
}

func printMetrics(c bench.Candidate) {
	names := make([]string, 0, len(c.Metrics))
	for name := range c.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		m := c.Metrics[name]
		line := fmt.Sprintf("  %-24s %10.4f %s", name, m.Value, m.Unit)
		if m.Status != bench.StatusOK {
			line = fmt.Sprintf("  %-24s %10s (%s)", name, m.Status, m.Detail)
		}
		fmt.Println(strings.TrimRight(line, " "))
	}
}
