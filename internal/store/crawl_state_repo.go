package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/fundraising-crawler/internal/crawler"
)

// ErrAlreadyRunning is returned by TryAcquire when the type is already running.
var ErrAlreadyRunning = errors.New("crawl already in progress")

// ConflictError names the crawl type that refused to start.
type ConflictError struct {
	Type crawler.CrawlType
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s crawl already in progress", e.Type)
}

// Unwrap lets errors.Is match ErrAlreadyRunning.
func (e *ConflictError) Unwrap() error { return ErrAlreadyRunning }

// CrawlStateStore persists one state row per crawl type.
type CrawlStateStore interface {
	// Get returns ErrNotFound when the row was never created.
	Get(ctx context.Context, typ crawler.CrawlType) (crawler.CrawlState, error)
	CreateIfAbsent(ctx context.Context, typ crawler.CrawlType) (crawler.CrawlState, error)
	// Save overwrites status, error and progress and stamps lastUpdateTime.
	Save(ctx context.Context, state crawler.CrawlState) error
	// TryAcquire atomically moves the row to running and clears its error.
	// It returns a *ConflictError when the row is already running.
	TryAcquire(ctx context.Context, typ crawler.CrawlType, progress crawler.Progress) (crawler.CrawlState, error)
	// Release records a terminal outcome (or a forced idle).
	Release(ctx context.Context, typ crawler.CrawlType, outcome crawler.Outcome) error
	// ResetAll forces every row to idle.
	ResetAll(ctx context.Context) error
	// List returns every row ordered by type.
	List(ctx context.Context) ([]crawler.CrawlState, error)
	// RecoverInterrupted resets running/failed rows to idle and returns their
	// states as they were before the reset.
	RecoverInterrupted(ctx context.Context) ([]crawler.CrawlState, error)
}
