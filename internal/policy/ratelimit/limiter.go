// Package ratelimit paces requests to the source site: at most one request
// per crawl type every MinDelay, plus a random extra of up to MaxDelay-MinDelay.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/fundraising-crawler/internal/metrics"
)

// Config holds pacing bounds.
type Config struct {
	MinDelay time.Duration
	MaxDelay time.Duration
}

// Pacer manages one token bucket per key (crawl type).
type Pacer struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	minDelay time.Duration
	spread   time.Duration
	jitter   func(max time.Duration) time.Duration
}

// New creates a Pacer. A zero MinDelay disables the bucket.
func New(cfg Config) *Pacer {
	spread := cfg.MaxDelay - cfg.MinDelay
	if spread < 0 {
		spread = 0
	}
	return &Pacer{
		limiters: make(map[string]*rate.Limiter),
		minDelay: cfg.MinDelay,
		spread:   spread,
		jitter:   randomJitter,
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return rand.N(limit)
}

func (p *Pacer) limiter(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[key]
	if !ok {
		limit := rate.Inf
		if p.minDelay > 0 {
			limit = rate.Every(p.minDelay)
		}
		l = rate.NewLimiter(limit, 1)
		p.limiters[key] = l
	}
	return l
}

// Wait blocks until the next request for key may go out.
func (p *Pacer) Wait(ctx context.Context, key string) error {
	start := time.Now()
	if err := p.limiter(key).Wait(ctx); err != nil {
		return fmt.Errorf("pace wait: %w", err)
	}
	if extra := p.jitter(p.spread); extra > 0 {
		timer := time.NewTimer(extra)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("pace wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObservePaceWait(key, waited)
	}
	return nil
}
