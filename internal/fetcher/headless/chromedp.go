// Package headless contains the browser-backed page fetcher.
package headless

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/fundraising-crawler/internal/crawler"
)

const (
	defaultNavigationTimeout = 30 * time.Second
	defaultSelectorTimeout   = 10 * time.Second
	settleDelay              = 500 * time.Millisecond
)

// Config controls the shared browser.
type Config struct {
	Headless        bool
	UserAgent       string
	ExecPath        string
	NoSandbox       bool
	SelectorTimeout time.Duration
}

// Guard reports whether any crawl is still using the browser.
type Guard interface {
	AnyRunning(ctx context.Context) (bool, error)
}

// Browser owns one chromedp allocator shared by every session. Sessions are
// separate tabs, one per running crawl type.
type Browser struct {
	cfg    Config
	logger *zap.Logger

	mu          sync.Mutex
	allocator   context.Context
	allocCancel context.CancelFunc
}

var _ crawler.Browser = (*Browser)(nil)

// New creates the browser. Chrome itself starts with the first session.
func New(cfg Config, logger *zap.Logger) *Browser {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SelectorTimeout <= 0 {
		cfg.SelectorTimeout = defaultSelectorTimeout
	}
	return &Browser{cfg: cfg, logger: logger}
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	return opts
}

// NewSession opens a tab, starting the allocator if it was closed.
func (b *Browser) NewSession(ctx context.Context) (crawler.Session, error) {
	b.mu.Lock()
	if b.allocator == nil {
		b.allocator, b.allocCancel = chromedp.NewExecAllocator(context.Background(), allocatorOptions(b.cfg)...)
		b.logger.Info("browser allocator started", zap.Bool("headless", b.cfg.Headless))
	}
	allocator := b.allocator
	b.mu.Unlock()

	tab, cancel := chromedp.NewContext(allocator)
	s := &Session{tab: tab, cancel: cancel, cfg: b.cfg}
	if err := s.run(ctx, defaultNavigationTimeout, s.networkSetupAction()); err != nil {
		cancel()
		return nil, fmt.Errorf("open browser tab: %w", err)
	}
	return s, nil
}

// Close shuts the allocator down unless a crawl is running. It reports whether
// the browser was actually closed.
func (b *Browser) Close(ctx context.Context, guard Guard) (bool, error) {
	if guard != nil {
		running, err := guard.AnyRunning(ctx)
		if err != nil {
			return false, fmt.Errorf("check running crawls: %w", err)
		}
		if running {
			b.logger.Info("browser close skipped; crawl in progress")
			return false, nil
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.allocCancel != nil {
		b.allocCancel()
	}
	b.allocator, b.allocCancel = nil, nil
	return true, nil
}

// Session is one browser tab.
type Session struct {
	tab    context.Context
	cancel context.CancelFunc
	cfg    Config

	closeOnce sync.Once
}

var _ crawler.Session = (*Session)(nil)

// run executes actions in the tab, bounded by timeout and by the caller's ctx.
func (s *Session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(s.tab, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("chromedp run: %w", errors.Join(err, ctx.Err()))
		}
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

// Navigate loads url and waits for the body to be ready.
func (s *Session) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	if crawler.IsPlaceholderLink(url) {
		return crawler.ErrPlaceholderLink
	}
	if timeout <= 0 {
		timeout = defaultNavigationTimeout
	}
	return s.run(ctx, timeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// WaitFor blocks until selector is visible.
func (s *Session) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.cfg.SelectorTimeout
	}
	return s.run(ctx, timeout, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

// Interact clicks every button whose text matches pattern.
func (s *Session) Interact(ctx context.Context, pattern *regexp.Regexp) (int, error) {
	var labels []string
	if err := s.run(ctx, s.cfg.SelectorTimeout, chromedp.Evaluate(
		`Array.from(document.querySelectorAll('button')).map(b => b.textContent || '')`,
		&labels,
	)); err != nil {
		return 0, err
	}
	indexes := matchingButtons(labels, pattern)
	if len(indexes) == 0 {
		return 0, nil
	}
	actions := make([]chromedp.Action, 0, len(indexes)+1)
	for _, i := range indexes {
		script := fmt.Sprintf(`(() => { const b = document.querySelectorAll('button')[%d]; if (b) b.click(); })()`, i)
		actions = append(actions, chromedp.Evaluate(script, nil))
	}
	actions = append(actions, chromedp.Sleep(settleDelay))
	if err := s.run(ctx, s.cfg.SelectorTimeout, actions...); err != nil {
		return 0, err
	}
	return len(indexes), nil
}

// Document snapshots the rendered DOM.
func (s *Session) Document(ctx context.Context) (*goquery.Document, error) {
	var html string
	if err := s.run(ctx, s.cfg.SelectorTimeout, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse rendered html: %w", err)
	}
	return doc, nil
}

// Close closes the tab. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(s.cancel)
	return nil
}

func (s *Session) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func matchingButtons(labels []string, pattern *regexp.Regexp) []int {
	if pattern == nil {
		return nil
	}
	var out []int
	for i, label := range labels {
		if pattern.MatchString(label) {
			out = append(out, i)
		}
	}
	return out
}
