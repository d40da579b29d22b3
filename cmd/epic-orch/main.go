package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	rootCmd    = &cobra.Command{
		Use:   "epic-orch",
		Short: "Epic Orchestrator - runs a graph of work units to one integration branch",
		Long: `Epic Orchestrator runs the units of a job in dependency order. Each unit is
handed to a worker on its own branch; finished work is verified against git
and merged into the job's integration branch, or rolled back when a critical
unit fails.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override general.log_level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
