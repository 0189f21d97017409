// Package main provides the CLI entry point for the switchboard gateway.
//
// Switchboard routes OpenAI-compatible chat requests between fast inference
// backends and sandboxed agent runtimes, streaming results back over SSE.
//
// # Basic Usage
//
// Start the server:
//
//	switchboard serve --config switchboard.yaml
//
// Inspect the effective configuration:
//
//	switchboard config show
//
// # Environment Variables
//
//   - SWITCHBOARD_CONFIG: Path to configuration file (default: switchboard.yaml)
//   - OPENAI_API_KEY: OpenAI API key for fast-path models
//   - ANTHROPIC_API_KEY: Anthropic API key for fast-path and agent models
//   - DAYTONA_API_KEY: Sandbox platform API key
package main

import (
	"log/slog"
	"os"
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
