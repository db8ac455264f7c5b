// Package cmd contains the command-line interface of the Steward incident
// control plane.
//
// This package provides the server, schema migration, rule validation and
// version commands using the Cobra framework.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Studio-Elephant-and-Rope/steward/internal/config"
	"github.com/Studio-Elephant-and-Rope/steward/internal/logging"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "steward",
	Short: "Steward is an operational incident control plane",
	Long: `Steward turns raw operational signals into auditable incidents.

Signals are normalized, matched against version-controlled detection rules,
linked into evidence graphs and assessed for confidence. Candidates only
become incidents through an explicit promotion gate, and every decision can
be replayed and verified later.

Key features:
  • Deterministic, content-addressed identifiers end to end
  • Fail-open normalization with classified errors
  • Authority-checked promotion with a full audit trail
  • OTLP ingestion, webhook and Kafka event delivery`,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		// If no subcommand is provided, show help
		_ = cmd.Help()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// init adds the global flags.
func init() {
	rootCmd.PersistentFlags().String("log-level", "", "Override the log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("config", "", "Config file (default uses STEWARD_* environment variables and defaults)")
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// loadConfig reads the configuration named by --config.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// newLogger builds the logger from the STEWARD_* environment, then applies
// --log-level when it was given.
func newLogger(cmd *cobra.Command) (*logging.Logger, error) {
	logger, err := logging.NewFromEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	levelName, _ := cmd.Flags().GetString("log-level")
	if levelName == "" {
		return logger, nil
	}

	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level: %w", err)
	}
	cfg := logger.GetConfig()
	cfg.Level = level
	return logging.NewLogger(cfg)
}
