// Package cmd defines and implements the CLI commands for the harvester executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/content-harvester/internal/api"
	"github.com/JakeFAU/content-harvester/internal/app"
	"github.com/JakeFAU/content-harvester/internal/config"
	"github.com/JakeFAU/content-harvester/internal/logging"
	"github.com/JakeFAU/content-harvester/internal/pipeline"
)

// Harvester is the application surface the commands drive. It allows a fake
// to be injected during tests.
type Harvester interface {
	Harvest(ctx context.Context) (pipeline.RunSummary, error)
	Server() *api.Server
	Close(ctx context.Context) error
}

// newHarvester is the application factory. It is a variable so tests can
// replace it.
var newHarvester = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Harvester, error) {
	return app.New(ctx, cfg, logger, app.Options{})
}

type rootOptions struct {
	configPath string
	logLevel   string
}

// newRootCmd creates the root command and registers every subcommand.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Fetches a list of web pages and PDFs and extracts their main text.",
		Long: `harvester reads a table of named targets (Name, URL, Type), fetches each
one with a plain HTTP client or a headless browser, extracts the readable
text and writes a dataset with Title, Content, Accessible and Type columns.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "",
		"config file (default is ./harvester.yaml, $HOME/.harvester/harvester.yaml or /etc/harvester/harvester.yaml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	cmd.AddCommand(newHarvestCmd(opts))
	cmd.AddCommand(newExportTextCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// loadConfig reads configuration and builds the logger for a command.
func (o *rootOptions) loadConfig(overrides map[string]any) (config.Config, *zap.Logger, error) {
	if o.logLevel != "" {
		if overrides == nil {
			overrides = map[string]any{}
		}
		overrides["logging.level"] = o.logLevel
	}
	cfg, err := config.LoadWithOverrides(o.configPath, overrides)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.NewWithLevel(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("init logger: %w", err)
	}
	if cfg.Source != "" {
		logger.Info("Using config file", zap.String("path", cfg.Source))
	} else {
		logger.Debug("No config file found; using defaults and environment variables")
	}
	return cfg, logger, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "harvester:", err)
		os.Exit(1)
	}
}
