// Package main provides the CLI entry point for the Valet personal
// assistant runtime.
//
// Valet runs a single agent that answers interactive messages, fires
// scheduled prompts, and drives long-running project workflows against
// LLM providers (Anthropic, OpenAI).
//
// # Basic Usage
//
// Start the runtime:
//
//	valet serve --config valet.yaml
//
// Talk to the agent from a terminal:
//
//	valet chat
//
// # Environment Variables
//
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
//
// Any ${VAR} reference in the config file is expanded at load time.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "valet",
		Short:        "Valet - personal AI assistant runtime",
		Long:         "Valet runs a single personal assistant agent with scheduled prompts,\ntool execution, and long-running project workflows.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("valet %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
