package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hrygo/promptlab/internal/observability"
	"github.com/hrygo/promptlab/internal/profile"
)

var (
	configFile string
	instance   *profile.Profile
	logger     *slog.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "promptlab",
		Short: "Prompt experimentation and optimization engine",
		Long: `promptlab records prompt execution telemetry, runs A/B experiments
across template variants and recommends prompt optimizations.

Configuration is read from PROMPTLAB_* environment variables and an
optional config file (--config).`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			instance, err = profile.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger = observability.NewLogger(os.Stderr, instance.Mode, instance.LogLevel)
			slog.SetDefault(logger)
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML, JSON or TOML config file")

	rootCmd.AddCommand(
		serveCmd(),
		analyzeCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), instance.Version)
		},
	}
}
