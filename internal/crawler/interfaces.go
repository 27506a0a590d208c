package crawler

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Sentinel errors shared across the crawl subsystems.
var (
	ErrUnknownCrawlType = errors.New("unknown crawl type")
	ErrDetailIncomplete = errors.New("detail page missing required fields")
	ErrPlaceholderLink  = errors.New("project has no navigable link")
	// ErrEmptyPage marks a listing page past the last one.
	ErrEmptyPage = errors.New("listing page is empty")
)

// Browser owns the shared automation context. Sessions opened from it are
// independent tabs; one per running crawl type.
type Browser interface {
	NewSession(ctx context.Context) (Session, error)
}

// Session is the page fetcher capability consumed by the orchestrator.
// Every method is a suspension point bounded by ctx and its timeout.
type Session interface {
	// Navigate loads url and waits for the document to be ready.
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	// WaitFor blocks until selector matches a visible node.
	WaitFor(ctx context.Context, selector string, timeout time.Duration) error
	// Interact clicks every button whose text matches pattern and returns
	// the number of clicks.
	Interact(ctx context.Context, pattern *regexp.Regexp) (int, error)
	// Document snapshots the rendered DOM for extraction.
	Document(ctx context.Context) (*goquery.Document, error)
	Close() error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock is the wall clock in UTC.
var SystemClock Clock = systemClock{}
