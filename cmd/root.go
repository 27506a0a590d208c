// Package cmd defines and implements the CLI commands for the fundcrawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/fundraising-crawler/internal/config"
	"github.com/JakeFAU/fundraising-crawler/internal/crawler"
	"github.com/JakeFAU/fundraising-crawler/internal/orchestrator"
	"github.com/JakeFAU/fundraising-crawler/internal/server"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands will use.
// This allows us to inject a mock app during tests.
type App interface {
	Run(ctx context.Context) error
	RunCrawl(ctx context.Context, trig crawler.Trigger, opts orchestrator.StartOptions) error
	Status(ctx context.Context) ([]crawler.CrawlState, error)
	Reset(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close(ctx context.Context) error
	Logger() *zap.Logger
}

// newApp is the application factory. It's a variable so we can
// replace it with a mock factory in our tests.
var newApp = func(ctx context.Context, path string) (App, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app, err := server.Build(ctx, &cfg)
	if err != nil {
		return nil, err
	}
	return app, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fundcrawler",
		Short: "Crawls fundraising rounds into a project and investment graph.",
		Long: `fundcrawler scrapes a fundraising listing and each project's detail page,
resolving investors and funded projects into one relational graph. It runs as
a service with scheduled crawls and an admin API, or one crawl at a time from
the command line.`,
		SilenceUsage: true,

		// Build the application once flags are parsed and hand it to the
		// subcommand through the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), appKey, appInstance)
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				if err := appInstance.Close(context.WithoutCancel(cmd.Context())); err != nil {
					appInstance.Logger().Warn("close failed", zap.Error(err))
				}
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./fundcrawler.yaml, /etc/fundcrawler, $HOME/.fundcrawler)")

	cmd.AddCommand(
		newServeCmd(),
		newCrawlCmd(),
		newStatusCmd(),
		newResetCmd(),
		newMigrateCmd(),
	)
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
