// Package cmd implements the CLI commands for convertd.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/leftsky/left-tools-service-sub000/internal/config"
	"github.com/leftsky/left-tools-service-sub000/internal/observability"
	"github.com/leftsky/left-tools-service-sub000/internal/version"
)

// cfgFile holds the config file path from the CLI flag.
var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "convertd",
	Short:   "File conversion orchestration service",
	Version: version.Short(),
	Long: `convertd accepts conversion requests for documents, images, audio and
video, runs them with FFmpeg, ImageMagick or LibreOffice, and falls back to a
remote conversion provider for formats no local tool can handle.

Tasks are persisted, retried on transient failures and recovered after a
restart. Converted files are stored in the blob store and served over HTTP.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./convertd.yaml or /etc/convertd/convertd.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")
}

// loadConfig reads the configuration and applies log flags that were set
// explicitly, so flags beat environment variables, which beat the file.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	flags := cmd.Root().PersistentFlags()
	if flags.Changed("log-level") {
		level, _ := flags.GetString("log-level")
		cfg.Logging.Level = normalizeLevel(level)
	}
	if flags.Changed("log-format") {
		format, _ := flags.GetString("log-format")
		cfg.Logging.Format = strings.ToLower(format)
	}
	return cfg, nil
}

// setup loads the configuration and installs the default logger.
func setup(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger := observability.NewLoggerWithWriter(cfg.Logging, os.Stderr)
	observability.SetDefault(logger)
	return cfg, logger, nil
}

func normalizeLevel(level string) string {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		return "warn"
	}
	return level
}
