// Package main provides the stagehand CLI.
//
// stagehand runs a staged assistant against a configured model. Every user
// message goes through Reasoning, Action and Evaluation stages that can call
// built-in and manifest-defined capabilities; the assistant keeps working in
// automated turns until it declares the goal finished.
//
// # Basic Usage
//
//	stagehand run --config stagehand.yaml
//	stagehand tools --category web
//	stagehand focus show
//
// # Environment Variables
//
// Every configuration field can be overridden with a STAGEHAND_ variable,
// for example STAGEHAND_MODEL_PROVIDER or STAGEHAND_PIPELINE_BUDGET_CEILING.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// rootFlags are shared by every subcommand.
type rootFlags struct {
	configPath string
	logLevel   string
}

func buildRootCmd() *cobra.Command {
	flags := &rootFlags{}
	rootCmd := &cobra.Command{
		Use:   "stagehand",
		Short: "Staged assistant with pluggable capabilities",
		Long: `stagehand answers each message in three model calls (reasoning, action,
evaluation), executes the capabilities the model asks for, tracks its focus
between turns and compacts the conversation when it grows too large.`,
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to YAML configuration file (default: ./stagehand.yaml, ~/.config/stagehand/stagehand.yaml)")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Override the configured log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(
		buildRunCmd(flags),
		buildToolsCmd(flags),
		buildFocusCmd(flags),
	)
	return rootCmd
}
