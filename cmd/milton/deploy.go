package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"milton/internal/pipeline"
)

func newDeployBestModelCmd() *cobra.Command {
	var (
		dryRun        bool
		benchmarkFile string
		targetPath    string
		skipChecksum  bool
		skipLoadTest  bool
		candidates    []string
	)

	cmd := &cobra.Command{
		Use:   "deploy-best-model",
		Short: "Benchmark, select and deploy the best model candidate",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}

			outcome, err := a.pipeline.Run(cmd.Context(), pipeline.RunOptions{
				Candidates:    candidates,
				BenchmarkFile: benchmarkFile,
				TargetPath:    targetPath,
				DryRun:        dryRun,
				SkipChecksum:  skipChecksum,
				SkipLoadTest:  skipLoadTest,
			})
			if err != nil {
				return err
			}

			fmt.Printf("run:      %s\n", outcome.RunID)
			fmt.Printf("selected: %s\n", outcome.Selected)
			fmt.Printf("bundle:   %s\n", outcome.BundlePath)
			if outcome.DryRun {
				fmt.Println("dry run: no files were deployed and the registry was not changed")
			} else if outcome.DeployID != "" {
				fmt.Printf("deploy:   %s\n", outcome.DeployID)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "evaluate and package without deploying")
	cmd.Flags().StringVar(&benchmarkFile, "benchmark-file", "", "reuse an existing benchmark result instead of running one")
	cmd.Flags().StringVar(&targetPath, "target-path", "", "deployment target directory (skip deployment when empty)")
	cmd.Flags().BoolVar(&skipChecksum, "skip-checksum", false, "skip bundle checksum verification")
	cmd.Flags().BoolVar(&skipLoadTest, "skip-load-test", false, "skip the model load test gate")
	cmd.Flags().StringSliceVar(&candidates, "candidate", nil, "model version to evaluate (repeatable)")
	return cmd
}
