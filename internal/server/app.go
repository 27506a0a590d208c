// Package server provides the core application server and dependency wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/fundraising-crawler/internal/api"
	"github.com/JakeFAU/fundraising-crawler/internal/config"
	"github.com/JakeFAU/fundraising-crawler/internal/crawler"
	headlessfetcher "github.com/JakeFAU/fundraising-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/fundraising-crawler/internal/logging"
	"github.com/JakeFAU/fundraising-crawler/internal/metrics"
	"github.com/JakeFAU/fundraising-crawler/internal/orchestrator"
	"github.com/JakeFAU/fundraising-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/fundraising-crawler/internal/scheduler"
	memoryStorage "github.com/JakeFAU/fundraising-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/fundraising-crawler/internal/storage/postgres"
	"github.com/JakeFAU/fundraising-crawler/internal/store"
)

const shutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	pool      *pgxpool.Pool
	projects  store.ProjectRepository
	states    store.CrawlStateStore
	browser   crawler.Browser
	chrome    *headlessfetcher.Browser
	service   *orchestrator.Service
	scheduler *scheduler.Scheduler
	apiServer *api.Server
	closeOnce sync.Once
}

// NewApp creates an App around cfg and logger. Build fills in the rest.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	// Only non-sensitive fields; the DSN and API key stay out of the logs.
	type SanitizedConfig struct {
		ServerPort  int    `json:"server_port"`
		BaseURL     string `json:"base_url"`
		Postgres    bool   `json:"postgres"`
		Browser     bool   `json:"browser"`
		Scheduler   bool   `json:"scheduler"`
		AuthEnabled bool   `json:"auth_enabled"`
	}
	logger.Info("Creating application", zap.Any("config", SanitizedConfig{
		ServerPort:  cfg.Server.Port,
		BaseURL:     cfg.Crawl.BaseURL,
		Postgres:    cfg.Database.DSN != "",
		Browser:     cfg.Browser.Enabled,
		Scheduler:   cfg.Scheduler.Enabled,
		AuthEnabled: cfg.Auth.Enabled,
	}))
	return &App{cfg: cfg, logger: logger}, nil
}

// Build creates the application's dependencies. A failure to reach Postgres
// is fatal.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		File:        cfg.Logging.File,
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
		MaxAgeDays:  cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}

	app.logger.Info("building application dependencies")
	if err := setupDatabase(ctx, app); err != nil {
		return nil, err
	}
	setupBrowser(app)
	if err := setupOrchestrator(app); err != nil {
		app.closeDatabase()
		return nil, err
	}
	if err := setupScheduler(app); err != nil {
		app.closeDatabase()
		return nil, err
	}

	app.apiServer = api.NewServer(app.projects, app.service, cfg.Auth, logger.Named("api"))
	return app, nil
}

func setupDatabase(ctx context.Context, app *App) error {
	if app.cfg.Database.DSN == "" {
		app.logger.Warn("No DSN specified for database, using in-memory stores; crawl data will not survive a restart")
		app.projects = memoryStorage.NewProjectStore()
		app.states = memoryStorage.NewCrawlStateStore()
		return nil
	}
	pool, err := pgstore.Open(ctx, pgstore.Config{
		DSN:             app.cfg.Database.DSN,
		MaxConns:        app.cfg.Database.MaxConns,
		MinConns:        app.cfg.Database.MinConns,
		MaxConnLifetime: app.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	app.pool = pool
	if app.cfg.Database.AutoMigrate {
		if err := pgstore.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return fmt.Errorf("schema init failed: %w", err)
		}
		app.logger.Info("database schema ensured")
	}
	if app.projects, err = pgstore.NewProjectStore(pool); err != nil {
		pool.Close()
		return fmt.Errorf("project store init failed: %w", err)
	}
	if app.states, err = pgstore.NewCrawlStateStore(pool); err != nil {
		pool.Close()
		return fmt.Errorf("crawl state store init failed: %w", err)
	}
	app.logger.Info("postgres stores initialized",
		zap.Int32("max_conns", app.cfg.Database.MaxConns),
		zap.Duration("max_conn_lifetime", app.cfg.Database.MaxConnLifetime),
	)
	return nil
}

func setupBrowser(app *App) {
	if !app.cfg.Browser.Enabled {
		app.logger.Warn("browser disabled; crawls will fail until it is enabled")
		app.browser = headlessfetcher.NewNoop()
		return
	}
	app.chrome = headlessfetcher.New(headlessfetcher.Config{
		Headless:        app.cfg.Browser.Headless,
		UserAgent:       app.cfg.Browser.UserAgent,
		ExecPath:        app.cfg.Browser.ExecPath,
		NoSandbox:       app.cfg.Browser.NoSandbox,
		SelectorTimeout: app.cfg.Crawl.SelectorTimeout,
	}, app.logger.Named("browser"))
	app.browser = app.chrome
	app.logger.Info("using chromedp browser", zap.Bool("headless", app.cfg.Browser.Headless))
}

func setupOrchestrator(app *App) error {
	crawl := app.cfg.Crawl
	pacer := ratelimit.New(ratelimit.Config{
		MinDelay: crawl.ItemDelayMin,
		MaxDelay: crawl.ItemDelayMax,
	})
	app.logger.Info("pacer configured",
		zap.Duration("min_delay", crawl.ItemDelayMin),
		zap.Duration("max_delay", crawl.ItemDelayMax),
	)
	svc, err := orchestrator.New(orchestrator.Config{
		BaseURL:                    crawl.BaseURL,
		ListingPath:                crawl.ListingPath,
		QuickPages:                 crawl.QuickPages,
		SessionRecycleEvery:        crawl.SessionRecycleEvery,
		MaxConsecutivePageFailures: crawl.MaxConsecutivePageFailures,
		SelectorTimeout:            crawl.SelectorTimeout,
		Thresholds:                 app.cfg.Thresholds(),
		Selectors:                  app.cfg.Selectors,
	}, orchestrator.Deps{
		Projects: app.projects,
		States:   app.states,
		Browser:  app.browser,
		Pacer:    pacer,
		Retry:    crawler.NewExponentialRetryPolicy(crawl.MaxAttempts, crawl.BackoffMin, crawl.BackoffMax),
		Clock:    crawler.SystemClock,
		Logger:   app.logger.Named("orchestrator"),
	})
	if err != nil {
		return fmt.Errorf("orchestrator init failed: %w", err)
	}
	app.service = svc
	return nil
}

func setupScheduler(app *App) error {
	if !app.cfg.Scheduler.Enabled {
		app.logger.Info("scheduler disabled")
		return nil
	}
	sched, err := scheduler.New(scheduler.Config{
		QuickSpecs:    app.cfg.Scheduler.QuickSpecs,
		DetailSpec:    app.cfg.Scheduler.DetailSpec,
		RecoverTypes:  app.cfg.Scheduler.RecoverTypes,
		KickoffDetail: app.cfg.Scheduler.KickoffDetail,
	}, app.service, app.states, app.logger.Named("scheduler"))
	if err != nil {
		return fmt.Errorf("scheduler init failed: %w", err)
	}
	app.scheduler = sched
	return nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// RunCrawl runs one crawl to completion in the foreground.
func (a *App) RunCrawl(ctx context.Context, trig crawler.Trigger, opts orchestrator.StartOptions) error {
	if err := a.service.Run(ctx, trig, opts); err != nil {
		return fmt.Errorf("%s crawl: %w", trig, err)
	}
	return nil
}

// Status lists every crawl state row.
func (a *App) Status(ctx context.Context) ([]crawler.CrawlState, error) {
	states, err := a.service.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("crawl status: %w", err)
	}
	return states, nil
}

// Reset forces every crawl type to idle.
func (a *App) Reset(ctx context.Context) error {
	if err := a.service.Reset(ctx); err != nil {
		return fmt.Errorf("reset crawl status: %w", err)
	}
	return nil
}

// Migrate applies the schema. It fails when no database is configured.
func (a *App) Migrate(ctx context.Context) error {
	if a.pool == nil {
		return errors.New("database.dsn is required to migrate")
	}
	if err := pgstore.EnsureSchema(ctx, a.pool); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Run recovers interrupted crawls, starts the scheduler and serves HTTP until
// ctx is canceled or a signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.scheduler != nil {
		started, err := a.scheduler.Recover(ctx)
		if err != nil {
			return fmt.Errorf("startup recovery failed: %w", err)
		}
		a.logger.Info("startup recovery finished", zap.Int("triggered", len(started)))
		a.scheduler.Start()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Close(shutdownCtx); err != nil {
		a.logger.Warn("close failed", zap.Error(err))
	}
	return runErr
}

// Close stops the scheduler, fails in-flight crawls so recovery can pick them
// up, closes the browser and releases the database. Only the first call does
// anything.
func (a *App) Close(ctx context.Context) error {
	var err error
	a.closeOnce.Do(func() { err = a.close(ctx) })
	return err
}

func (a *App) close(ctx context.Context) error {
	var errs []error
	if a.scheduler != nil {
		if err := a.scheduler.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
		}
	}
	if a.service != nil {
		if err := a.service.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop orchestrator: %w", err))
		}
	}
	if a.chrome != nil {
		if _, err := a.chrome.Close(ctx, a.service); err != nil {
			errs = append(errs, fmt.Errorf("close browser: %w", err))
		}
	}
	a.closeDatabase()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeDatabase() {
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}
