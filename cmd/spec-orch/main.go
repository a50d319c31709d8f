package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "spec-orch",
		Short: "Spec Pipeline Orchestrator - multi-agent spec pipeline",
		Long: `Spec Pipeline Orchestrator drives a specification through the fixed
plan/tasks/implement/validate/audit/unlock stage sequence. Every stage
fans out to several model backends, their results are checked for
consensus, and quality checkpoints pause the run when a human answer
is needed.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
