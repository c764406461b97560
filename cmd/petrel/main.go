// Package main is the petrel CLI: a local-first agent runtime serving
// the framed WebSocket protocol, plus the operator commands around it.
//
// Start the server:
//
//	petrel serve --config ~/.petrel/config.yaml
//
// Talk to it from a terminal:
//
//	petrel chat
//
// Check readiness:
//
//	petrel status
//
// Configuration can also be pointed at with PETREL_CONFIG.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
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
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "petrel",
		Short: "Petrel - local-first LLM agent runtime",
		Long: `Petrel runs tool-using agent sessions against multiple LLM providers
and serves them to clients over a framed WebSocket protocol.

Providers: Anthropic, OpenAI (incl. DeepSeek/GLM), Gemini, Bedrock, Ollama`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
		buildStatusCmd(),
		buildConfigCmd(),
		buildSkillsCmd(),
		buildAuthCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "petrel %s (commit: %s, built: %s)\n", version, commit, date)
			return nil
		},
	}
}

// defaultConfigPath resolves PETREL_CONFIG, falling back to the
// per-user default location.
func defaultConfigPath() string {
	if path := strings.TrimSpace(os.Getenv("PETREL_CONFIG")); path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "petrel.yaml"
	}
	return filepath.Join(home, ".petrel", "config.yaml")
}
