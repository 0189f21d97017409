// commands.go contains all cobra command definitions and their flag
// configurations. The handlers live in handlers.go.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "switchboard.yaml"

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "switchboard",
		Short: "Switchboard - LLM request router and streaming gateway",
		Long: `Switchboard sits in front of inference backends and sandboxed agent
runtimes. It classifies each chat request onto a fast or agent execution
path, keeps a pool of warm sandboxes to hide cold starts, and streams
results back over an OpenAI-compatible wire surface.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildConfigCmd(),
		buildModelsCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "switchboard %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the switchboard gateway",
		Long: `Start the switchboard gateway.

The server will:
1. Load configuration from the specified file (or switchboard.yaml)
2. Connect to the sandbox platform and start warm pool maintenance
3. Serve the OpenAI-compatible API, health, and metrics endpoints

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  switchboard serve

  # Start with custom config
  switchboard serve --config /etc/switchboard/production.yaml

  # Start with debug logging
  switchboard serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

func buildConfigCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML configuration file")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "validate",
			Short: "Load the configuration and report problems",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigValidate(cmd, resolveConfigPath(configPath))
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration with defaults applied",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigShow(cmd, resolveConfigPath(configPath))
			},
		},
		&cobra.Command{
			Use:   "schema",
			Short: "Print the configuration JSON Schema for editor tooling",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigSchema(cmd)
			},
		},
	)

	return cmd
}

func buildModelsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the routable model catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModels(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML configuration file")

	return cmd
}

// resolveConfigPath honors SWITCHBOARD_CONFIG when the flag is left at its
// default. A missing default file is fine; Load falls back to defaults.
func resolveConfigPath(path string) string {
	if path == defaultConfigPath {
		if env := strings.TrimSpace(os.Getenv("SWITCHBOARD_CONFIG")); env != "" {
			return env
		}
		if _, err := os.Stat(path); err != nil {
			return ""
		}
	}
	return path
}
