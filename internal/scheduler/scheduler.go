// Package scheduler fires crawl types on wall-clock schedules and re-triggers
// work that a previous process left unfinished.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/fundraising-crawler/internal/crawler"
	"github.com/JakeFAU/fundraising-crawler/internal/orchestrator"
	"github.com/JakeFAU/fundraising-crawler/internal/store"
)

// Starter launches a crawl in the background. *orchestrator.Service satisfies it.
type Starter interface {
	Start(ctx context.Context, trig crawler.Trigger, opts orchestrator.StartOptions) error
}

// Config lists the cron specs and the recovery behavior.
type Config struct {
	// QuickSpecs each start a quick refresh.
	QuickSpecs []string
	// DetailSpec restarts both detail queues; empty disables it.
	DetailSpec string
	// RecoverTypes names the crawl types re-triggered after an interrupted run.
	RecoverTypes []string
	// KickoffDetail starts both detail queues once after recovery.
	KickoffDetail bool
	Location      *time.Location
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cfg     Config
	starter Starter
	states  store.CrawlStateStore
	logger  *zap.Logger
	cron    *cron.Cron
	recover map[crawler.CrawlType]bool
}

// New validates the specs and registers every job. Nothing fires until Start.
func New(cfg Config, starter Starter, states store.CrawlStateStore, logger *zap.Logger) (*Scheduler, error) {
	if starter == nil {
		return nil, errors.New("scheduler: starter is required")
	}
	if states == nil {
		return nil, errors.New("scheduler: state store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}

	recoverSet := make(map[crawler.CrawlType]bool, len(cfg.RecoverTypes))
	for _, name := range cfg.RecoverTypes {
		trig, err := crawler.ParseTrigger(name)
		if err != nil {
			return nil, fmt.Errorf("scheduler: recover type: %w", err)
		}
		recoverSet[trig.Type] = true
	}

	cl := cronLogger{l: logger.Named("cron").Sugar()}
	s := &Scheduler{
		cfg:     cfg,
		starter: starter,
		states:  states,
		logger:  logger,
		recover: recoverSet,
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
	}

	for _, spec := range cfg.QuickSpecs {
		if _, err := s.cron.AddFunc(spec, func() {
			s.fire(crawler.Trigger{Type: crawler.TypeQuick}, orchestrator.StartOptions{})
		}); err != nil {
			return nil, fmt.Errorf("scheduler: quick spec %q: %w", spec, err)
		}
	}
	if cfg.DetailSpec != "" {
		if _, err := s.cron.AddFunc(cfg.DetailSpec, s.fireDetail); err != nil {
			return nil, fmt.Errorf("scheduler: detail spec %q: %w", cfg.DetailSpec, err)
		}
	}
	return s, nil
}

// Start runs the cron loop in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.Strings("quick_specs", s.cfg.QuickSpecs),
		zap.String("detail_spec", s.cfg.DetailSpec),
		zap.Int("jobs", len(s.cron.Entries())),
	)
}

// Stop halts future firings and waits for any job callback to return.
// Crawls started by a callback keep running; the orchestrator owns them.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recover resets rows left running or failed by a previous process and
// re-triggers each configured type exactly once. It returns the triggers it
// started.
func (s *Scheduler) Recover(ctx context.Context) ([]crawler.Trigger, error) {
	prior, err := s.states.RecoverInterrupted(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover interrupted crawls: %w", err)
	}

	var started []crawler.Trigger
	seen := make(map[crawler.CrawlType]bool)
	for _, state := range prior {
		s.logger.Warn("recovered interrupted crawl",
			zap.String("type", string(state.Type)),
			zap.String("status", string(state.Status)),
			zap.Int("current_page", state.Progress.CurrentPage),
			zap.Int("remaining", state.Progress.Remaining),
		)
		if !s.recover[state.Type] || seen[state.Type] {
			continue
		}
		seen[state.Type] = true
		trig, opts := resumeOf(state)
		if s.fire(trig, opts) {
			started = append(started, trig)
		}
	}

	if s.cfg.KickoffDetail {
		for _, typ := range []crawler.CrawlType{crawler.TypeDetail, crawler.TypeDetail2} {
			if seen[typ] {
				continue
			}
			trig := crawler.Trigger{Type: typ}
			if s.fire(trig, orchestrator.StartOptions{}) {
				started = append(started, trig)
			}
		}
	}
	return started, nil
}

// resumeOf picks the trigger and start options for a recovered row. Listing
// sweeps resume at the checkpointed page; spare keeps its previous mode.
func resumeOf(state crawler.CrawlState) (crawler.Trigger, orchestrator.StartOptions) {
	trig := crawler.Trigger{Type: state.Type}
	var opts orchestrator.StartOptions
	switch state.Type {
	case crawler.TypeFull:
		opts.StartPage = state.Progress.CurrentPage
	case crawler.TypeSpare:
		trig.Mode = state.Progress.Mode
	}
	return trig, opts
}

func (s *Scheduler) fireDetail() {
	s.fire(crawler.Trigger{Type: crawler.TypeDetail}, orchestrator.StartOptions{})
	s.fire(crawler.Trigger{Type: crawler.TypeDetail2}, orchestrator.StartOptions{})
}

// fire starts a crawl and reports whether it was accepted. A conflict is the
// normal outcome when the previous run is still going.
func (s *Scheduler) fire(trig crawler.Trigger, opts orchestrator.StartOptions) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.starter.Start(ctx, trig, opts)
	switch {
	case err == nil:
		s.logger.Info("crawl triggered", zap.String("trigger", trig.String()), zap.Int("start_page", opts.StartPage))
		return true
	case errors.Is(err, store.ErrAlreadyRunning):
		s.logger.Info("crawl already running; skipped", zap.String("trigger", trig.String()))
	default:
		s.logger.Error("crawl trigger failed", zap.String("trigger", trig.String()), zap.Error(err))
	}
	return false
}

// cronLogger routes cron's own messages through zap.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
