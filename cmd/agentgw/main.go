// Package main provides the CLI entry point for the agentgw daemon.
//
// agentgw runs skill-scoped agent loops against LLM providers (Anthropic,
// OpenAI, xAI) with tool execution, delegation, a local RAG store, and a
// cron scheduler, exposed over a local HTTP API.
//
// # Basic Usage
//
// Start the daemon:
//
//	agentgw serve --config agentgw.yaml
//
// Run a skill once from the shell:
//
//	agentgw chat researcher "summarize the latest ingest"
//
// # Environment Variables
//
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models and embeddings
//   - XAI_API_KEY: xAI API key for Grok models
//   - AGENTGW_*: configuration overrides (see the config package)
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tomluvoe/agentgw/internal/config"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
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
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentgw",
		Short: "agentgw - Local agent orchestration daemon",
		Long: `agentgw runs skill-scoped agent loops with tool execution, delegation,
RAG retrieval, scheduled jobs, and webhook notifications.

Supported LLM providers: Anthropic (Claude), OpenAI (GPT), xAI (Grok)`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
		buildRunCmd(),
		buildRouteCmd(),
		buildSkillsCmd(),
		buildSessionsCmd(),
		buildRagCmd(),
		buildJobsCmd(),
		buildStatusCmd(),
	)

	return rootCmd
}

// loggerFromConfig builds the process logger from the logging section.
// The serve command calls slog.SetDefault with the result so library
// code picking up the default logger matches the configured format.
func loggerFromConfig(cfg *config.Config, debug bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
