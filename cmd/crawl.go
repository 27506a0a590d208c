package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/fundraising-crawler/internal/crawler"
	"github.com/JakeFAU/fundraising-crawler/internal/orchestrator"
)

// newCrawlCmd runs a single crawl type in the foreground and exits when it
// finishes. It shares the state store with a running service, so a type the
// service is already crawling is refused.
func newCrawlCmd() *cobra.Command {
	var startPage int
	cmd := &cobra.Command{
		Use:   "crawl <full|quick|detail|detail2|repair|retry-failed>",
		Short: "Runs one crawl type to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			trig, err := crawler.ParseTrigger(args[0])
			if err != nil {
				return err
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger := appInstance.Logger()
			logger.Info("crawl command started", zap.String("trigger", trig.String()), zap.Int("start_page", startPage))
			err = appInstance.RunCrawl(ctx, trig, orchestrator.StartOptions{StartPage: startPage})
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run crawl: %w", err)
			}
			logger.Info("crawl command finished", zap.String("trigger", trig.String()))
			return nil
		},
	}
	cmd.Flags().IntVar(&startPage, "start-page", 0, "listing page to resume a full sweep from")
	return cmd
}
