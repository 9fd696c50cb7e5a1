// Command milton runs the local assistant: the serving stack with its
// scheduler, a one-shot benchmark run, and the evaluation-and-deploy
// pipeline.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	miltonerrors "milton/internal/errors"
	"milton/internal/logging"
)

var (
	configPath string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:           "milton",
		Short:         "Privacy-first local assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if verbose {
				logging.SetDefaultLevel(logging.LevelDebug)
			}
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newServeCmd())
	root.AddCommand(newBenchCmd())
	root.AddCommand(newDeployBestModelCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(miltonerrors.ExitCode(err))
	}
}
