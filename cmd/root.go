// Package cmd defines the extractq command line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extractq",
		Short: "Coordination engine for document extraction runs.",
		Long: `extractq coordinates PDF and URL extraction requests: it deduplicates
sources through fingerprint locks, hands jobs to workers under claim
tokens, recovers work from crashed workers, and keeps per-batch
aggregates current.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env vars with the EXTRACTQ_ prefix override it)")

	cmd.AddCommand(newServeCmd())

	return cmd
}

// Execute runs the CLI.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
