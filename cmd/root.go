// Package cmd implements the event-ingest command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/event-ingest/internal/app"
	"github.com/JakeFAU/event-ingest/internal/config"
	"github.com/JakeFAU/event-ingest/internal/ingest"
	"github.com/JakeFAU/event-ingest/internal/logging"
)

// Service is what the subcommands drive. *app.App satisfies it.
type Service interface {
	Run(ctx context.Context) error
	RunOnce(ctx context.Context) (ingest.RunSummary, error)
	Close(ctx context.Context) error
}

// buildService is the application factory. Tests replace it with a fake.
var buildService = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Service, error) {
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

type options struct {
	configFile string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "event-ingest",
		Short: "Scrapes a public events listing into a curated event store.",
		Long: `event-ingest crawls a configured "what's on" listing on a schedule,
extracts event details from each linked page, and reconciles them into an
event store that is served over a small JSON API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return loadEnvFile(opts.envFile)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before config; ignored when absent")

	cmd.AddCommand(newServeCmd(opts), newCrawlCmd(opts))
	return cmd
}

// loadEnvFile exports variables from path without overriding ones already set.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// bootstrap loads configuration and builds the logger and service.
func bootstrap(ctx context.Context, opts *options) (Service, *zap.Logger, error) {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	svc, err := buildService(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, fmt.Errorf("build service: %w", err)
	}
	return svc, logger, nil
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}
