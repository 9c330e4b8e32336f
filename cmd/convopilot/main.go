// Package main provides the CLI entry point for the ConvoPilot session
// orchestration engine.
//
// ConvoPilot supervises WhatsApp sessions for multiple tenants, coalesces
// bursts of customer messages into composite prompts, generates automated
// replies through an LLM provider, and yields to human operators the moment
// they step into a conversation.
//
// # Basic Usage
//
// Start the engine:
//
//	convopilot serve --config convopilot.yaml
//
// # Environment Variables
//
//   - OPENAI_API_KEY: OpenAI API key (responder.provider: openai)
//   - ANTHROPIC_API_KEY: Anthropic API key (responder.provider: anthropic)
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

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "convopilot",
		Short: "ConvoPilot - multi-tenant messaging session orchestrator",
		Long: `ConvoPilot supervises WhatsApp sessions, debounces customer message
bursts into composite prompts, replies through an LLM provider with paced,
human-feeling delivery, and hands conversations over to human operators on
demand.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(buildServeCmd())
	rootCmd.AddCommand(buildVersionCmd())
	return rootCmd
}

// buildVersionCmd creates the version command.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("convopilot %s\ncommit: %s\nbuilt:  %s\n", version, commit, date)
		},
	}
}
