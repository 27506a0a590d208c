// Package orchestrator runs the crawl types: listing sweeps and detail
// queues, each gated by its crawl state row.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fundraising-crawler/internal/crawler"
	"github.com/JakeFAU/fundraising-crawler/internal/extract"
	"github.com/JakeFAU/fundraising-crawler/internal/metrics"
	"github.com/JakeFAU/fundraising-crawler/internal/store"
)

const releaseTimeout = 10 * time.Second

// Config tunes the orchestrator.
type Config struct {
	BaseURL     string
	ListingPath string
	QuickPages  int
	// SessionRecycleEvery closes and reopens a crawl type's tab after this
	// many items.
	SessionRecycleEvery        int
	MaxConsecutivePageFailures int
	SelectorTimeout            time.Duration
	Thresholds                 crawler.Thresholds
	Selectors                  extract.Selectors
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = crawler.DefaultOrigin
	}
	if c.ListingPath == "" {
		c.ListingPath = "/Fundraising?page=%d"
	}
	if c.QuickPages <= 0 {
		c.QuickPages = 3
	}
	if c.SessionRecycleEvery <= 0 {
		c.SessionRecycleEvery = 20
	}
	if c.MaxConsecutivePageFailures <= 0 {
		c.MaxConsecutivePageFailures = 5
	}
	if c.SelectorTimeout <= 0 {
		c.SelectorTimeout = 10 * time.Second
	}
	if c.Selectors == (extract.Selectors{}) {
		c.Selectors = extract.DefaultSelectors()
	}
}

// Pacer spaces requests to the source per crawl type.
type Pacer interface {
	Wait(ctx context.Context, key string) error
}

// StartOptions adjusts a single run.
type StartOptions struct {
	// StartPage resumes a full sweep from this listing page.
	StartPage int
}

// Deps are the collaborators of a Service.
type Deps struct {
	Projects store.ProjectRepository
	States   store.CrawlStateStore
	Browser  crawler.Browser
	Pacer    Pacer
	Retry    crawler.RetryPolicy
	Clock    crawler.Clock
	Logger   *zap.Logger
}

type sessionHandle struct {
	session crawler.Session
	uses    int
}

// Service is the crawler service. It owns one named session per crawl type
// and runs at most one crawl per type at a time.
type Service struct {
	cfg      Config
	projects store.ProjectRepository
	states   store.CrawlStateStore
	browser  crawler.Browser
	pacer    Pacer
	retry    crawler.RetryPolicy
	clock    crawler.Clock
	logger   *zap.Logger
	canon    *crawler.Canonicalizer
	policies map[crawler.CrawlType]crawler.Policy
	expand   *regexp.Regexp
	rounds   *regexp.Regexp

	mu       sync.Mutex
	sessions map[crawler.CrawlType]*sessionHandle
	// inflight holds the types with a run executing in this process; it
	// outlives an operator reset of the state rows.
	inflight map[crawler.CrawlType]bool

	root   context.Context
	stop   context.CancelFunc
	active sync.WaitGroup
}

// New validates deps and builds a Service.
func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Projects == nil || deps.States == nil || deps.Browser == nil {
		return nil, errors.New("orchestrator: projects, states and browser are required")
	}
	cfg.applyDefaults()
	expand, rounds, err := cfg.Selectors.Controls()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	if deps.Pacer == nil {
		deps.Pacer = noPacer{}
	}
	if deps.Retry == nil {
		deps.Retry = crawler.NewExponentialRetryPolicy(3, 2*time.Second, 5*time.Second)
	}
	if deps.Clock == nil {
		deps.Clock = crawler.SystemClock
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	root, stop := context.WithCancel(context.Background())
	return &Service{
		cfg:      cfg,
		projects: deps.Projects,
		states:   deps.States,
		browser:  deps.Browser,
		pacer:    deps.Pacer,
		retry:    deps.Retry,
		clock:    deps.Clock,
		logger:   deps.Logger,
		canon:    crawler.NewCanonicalizer(cfg.BaseURL),
		policies: crawler.Policies(cfg.Thresholds),
		expand:   expand,
		rounds:   rounds,
		sessions: make(map[crawler.CrawlType]*sessionHandle),
		inflight: make(map[crawler.CrawlType]bool),
		root:     root,
		stop:     stop,
	}, nil
}

type noPacer struct{}

func (noPacer) Wait(context.Context, string) error { return nil }

// Start acquires the crawl type and runs it in the background. It returns a
// *store.ConflictError when the type is already running, including a local
// run whose row was reset to idle.
func (s *Service) Start(ctx context.Context, trig crawler.Trigger, opts StartOptions) error {
	if !trig.Type.Valid() {
		return fmt.Errorf("%w: %q", crawler.ErrUnknownCrawlType, trig.Type)
	}
	trig = normalize(trig)
	if err := s.root.Err(); err != nil {
		return fmt.Errorf("orchestrator stopped: %w", err)
	}
	if err := s.acquire(ctx, trig, opts); err != nil {
		return err
	}
	s.active.Add(1)
	go func() {
		defer s.active.Done()
		_ = s.execute(s.root, trig, opts)
	}()
	return nil
}

// Run acquires the crawl type and runs it to completion.
func (s *Service) Run(ctx context.Context, trig crawler.Trigger, opts StartOptions) error {
	if !trig.Type.Valid() {
		return fmt.Errorf("%w: %q", crawler.ErrUnknownCrawlType, trig.Type)
	}
	trig = normalize(trig)
	if err := s.acquire(ctx, trig, opts); err != nil {
		return err
	}
	s.active.Add(1)
	defer s.active.Done()
	return s.execute(ctx, trig, opts)
}

func (s *Service) acquire(ctx context.Context, trig crawler.Trigger, opts StartOptions) error {
	s.mu.Lock()
	if s.inflight[trig.Type] {
		s.mu.Unlock()
		return &store.ConflictError{Type: trig.Type}
	}
	s.inflight[trig.Type] = true
	s.mu.Unlock()

	progress := crawler.Progress{Mode: trig.Mode}
	if s.policies[trig.Type].Listing {
		progress.CurrentPage = max(opts.StartPage, 1)
	}
	if _, err := s.states.TryAcquire(ctx, trig.Type, progress); err != nil {
		s.finish(trig.Type)
		return err
	}
	s.logger.Info("crawl started",
		zap.String("crawl_type", string(trig.Type)),
		zap.String("trigger", trig.String()),
	)
	return nil
}

func (s *Service) execute(ctx context.Context, trig crawler.Trigger, opts StartOptions) error {
	typ := trig.Type
	defer s.finish(typ)
	metrics.SetRunning(string(typ), true)
	defer metrics.SetRunning(string(typ), false)
	defer s.closeSession(typ)

	policy := s.policies[typ]
	var err error
	if policy.Listing {
		err = s.runListing(ctx, policy, max(opts.StartPage, 1))
	} else {
		err = s.runQueue(ctx, policy, trig.Mode)
	}

	outcome := crawler.Completed()
	if err != nil {
		outcome = crawler.Failed(err)
		s.logger.Error("crawl failed", zap.String("crawl_type", string(typ)), zap.Error(err))
	} else {
		s.logger.Info("crawl completed", zap.String("crawl_type", string(typ)))
	}
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if relErr := s.states.Release(releaseCtx, typ, outcome); relErr != nil {
		s.logger.Error("release crawl state", zap.String("crawl_type", string(typ)), zap.Error(relErr))
		if err == nil {
			err = relErr
		}
	}
	metrics.ObserveRun(string(typ), string(outcome.Status))
	return err
}

func (s *Service) finish(typ crawler.CrawlType) {
	s.mu.Lock()
	delete(s.inflight, typ)
	s.mu.Unlock()
}

// checkpoint persists progress while the run holds the row.
func (s *Service) checkpoint(ctx context.Context, typ crawler.CrawlType, progress crawler.Progress) error {
	if err := s.states.Save(ctx, crawler.CrawlState{
		Type:     typ,
		Status:   crawler.StatusRunning,
		Progress: progress,
	}); err != nil {
		return fmt.Errorf("checkpoint %s: %w", typ, err)
	}
	return nil
}

// Status returns every crawl state row.
func (s *Service) Status(ctx context.Context) ([]crawler.CrawlState, error) {
	for _, typ := range crawler.AllTypes {
		if _, err := s.states.CreateIfAbsent(ctx, typ); err != nil {
			return nil, fmt.Errorf("ensure state %s: %w", typ, err)
		}
	}
	states, err := s.states.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list crawl states: %w", err)
	}
	return states, nil
}

// Reset forces every crawl type to idle. In-flight runs are not interrupted
// and keep their type locked in this process until they finish.
func (s *Service) Reset(ctx context.Context) error {
	if err := s.states.ResetAll(ctx); err != nil {
		return fmt.Errorf("reset crawl states: %w", err)
	}
	s.logger.Warn("crawl states reset to idle")
	return nil
}

// AnyRunning reports whether any crawl state row is running.
func (s *Service) AnyRunning(ctx context.Context) (bool, error) {
	states, err := s.states.List(ctx)
	if err != nil {
		return false, fmt.Errorf("list crawl states: %w", err)
	}
	for _, st := range states {
		if st.Status == crawler.StatusRunning {
			return true, nil
		}
	}
	return false, nil
}

// Wait blocks until background runs have finished or ctx ends.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for crawls: %w", ctx.Err())
	}
}

// Shutdown aborts background runs, waits for them to release their rows, and
// closes every session.
func (s *Service) Shutdown(ctx context.Context) error {
	s.stop()
	err := s.Wait(ctx)
	s.mu.Lock()
	for typ, h := range s.sessions {
		if h.session != nil {
			_ = h.session.Close()
		}
		delete(s.sessions, typ)
	}
	s.mu.Unlock()
	return err
}

// session returns the open tab for typ, recycling it once it has served
// SessionRecycleEvery items.
func (s *Service) session(ctx context.Context, typ crawler.CrawlType) (crawler.Session, error) {
	s.mu.Lock()
	h := s.sessions[typ]
	if h == nil {
		h = &sessionHandle{}
		s.sessions[typ] = h
	}
	var stale crawler.Session
	if h.session != nil && h.uses >= s.cfg.SessionRecycleEvery {
		stale, h.session, h.uses = h.session, nil, 0
	}
	current := h.session
	s.mu.Unlock()

	if stale != nil {
		if err := stale.Close(); err != nil {
			s.logger.Warn("close recycled session", zap.String("crawl_type", string(typ)), zap.Error(err))
		}
		s.logger.Debug("session recycled", zap.String("crawl_type", string(typ)))
	}
	if current != nil {
		return current, nil
	}

	opened, err := s.browser.NewSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("open session for %s: %w", typ, err)
	}
	s.mu.Lock()
	h.session = opened
	s.mu.Unlock()
	return opened, nil
}

// itemDone counts one item against the session recycle budget.
func (s *Service) itemDone(typ crawler.CrawlType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h := s.sessions[typ]; h != nil && h.session != nil {
		h.uses++
	}
}

func (s *Service) closeSession(typ crawler.CrawlType) {
	s.mu.Lock()
	h := s.sessions[typ]
	var sess crawler.Session
	if h != nil {
		sess, h.session, h.uses = h.session, nil, 0
	}
	s.mu.Unlock()
	if sess != nil {
		if err := sess.Close(); err != nil {
			s.logger.Warn("close session", zap.String("crawl_type", string(typ)), zap.Error(err))
		}
	}
}

func (s *Service) onRetry(typ crawler.CrawlType, key string) func(int, error, time.Duration) {
	return func(attempt int, err error, wait time.Duration) {
		s.logger.Warn("attempt failed; retrying",
			zap.String("crawl_type", string(typ)),
			zap.String("item", key),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}
}
