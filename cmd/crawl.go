package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newCrawlCmd runs a single ingestion pass and prints its summary as JSON.
func newCrawlCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Run one ingestion pass and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, logger, err := bootstrap(ctx, opts)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			defer func() {
				if cerr := svc.Close(context.WithoutCancel(ctx)); cerr != nil {
					logger.Warn("close failed", zap.Error(cerr))
				}
			}()

			summary, runErr := svc.RunOnce(ctx)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(summary); err != nil {
				return fmt.Errorf("write summary: %w", err)
			}
			return runErr
		},
	}
}
