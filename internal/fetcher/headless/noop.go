package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/fundraising-crawler/internal/crawler"
)

// ErrNotConfigured is returned by Noop sessions.
var ErrNotConfigured = errors.New("headless browser not configured")

// Noop implements crawler.Browser but refuses to open sessions. It backs
// processes that serve the API without a local Chrome.
type Noop struct{}

// NewNoop creates a new Noop browser.
func NewNoop() *Noop {
	return &Noop{}
}

// NewSession always fails.
func (Noop) NewSession(context.Context) (crawler.Session, error) {
	return nil, ErrNotConfigured
}
