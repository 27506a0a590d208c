package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/fundraising-crawler/internal/crawler"
	"github.com/JakeFAU/fundraising-crawler/internal/orchestrator"
)

type mockApp struct {
	runs     int
	crawls   []crawler.Trigger
	opts     []orchestrator.StartOptions
	resets   int
	migrated int
	closed   int
	crawlErr error
}

func (m *mockApp) Run(context.Context) error { m.runs++; return nil }

func (m *mockApp) RunCrawl(_ context.Context, trig crawler.Trigger, opts orchestrator.StartOptions) error {
	m.crawls = append(m.crawls, trig)
	m.opts = append(m.opts, opts)
	return m.crawlErr
}

func (m *mockApp) Status(context.Context) ([]crawler.CrawlState, error) {
	return []crawler.CrawlState{{Type: crawler.TypeFull, Status: crawler.StatusIdle}}, nil
}

func (m *mockApp) Reset(context.Context) error   { m.resets++; return nil }
func (m *mockApp) Migrate(context.Context) error { m.migrated++; return nil }
func (m *mockApp) Close(context.Context) error   { m.closed++; return nil }
func (m *mockApp) Logger() *zap.Logger           { return zap.NewNop() }

// withMockApp swaps the factory; callers must not run in parallel.
func withMockApp(t *testing.T, app *mockApp) {
	t.Helper()
	prev := newApp
	newApp = func(context.Context, string) (App, error) { return app, nil }
	t.Cleanup(func() { newApp = prev })
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCrawlCommand(t *testing.T) {
	app := &mockApp{}
	withMockApp(t, app)

	_, err := execute(t, "crawl", "full", "--start-page", "12")
	require.NoError(t, err)
	require.Equal(t, []crawler.Trigger{{Type: crawler.TypeFull}}, app.crawls)
	require.Equal(t, 12, app.opts[0].StartPage)
	require.Equal(t, 1, app.closed)

	_, err = execute(t, "crawl", "retry-failed")
	require.NoError(t, err)
	require.Equal(t, crawler.Trigger{Type: crawler.TypeSpare, Mode: crawler.ModeRetryFailed}, app.crawls[1])
}

func TestCrawlCommandRejectsUnknownType(t *testing.T) {
	app := &mockApp{}
	withMockApp(t, app)

	_, err := execute(t, "crawl", "weekly")
	require.ErrorIs(t, err, crawler.ErrUnknownCrawlType)
	require.Empty(t, app.crawls)
}

func TestCrawlCommandPropagatesFailure(t *testing.T) {
	app := &mockApp{crawlErr: errors.New("3 consecutive listing pages failed")}
	withMockApp(t, app)

	_, err := execute(t, "crawl", "quick")
	require.ErrorContains(t, err, "consecutive listing pages failed")
}

func TestAdminCommands(t *testing.T) {
	app := &mockApp{}
	withMockApp(t, app)

	out, err := execute(t, "status")
	require.NoError(t, err)
	require.Contains(t, out, `"type": "full"`)

	out, err = execute(t, "reset")
	require.NoError(t, err)
	require.Contains(t, out, "reset to idle")
	require.Equal(t, 1, app.resets)

	_, err = execute(t, "migrate")
	require.NoError(t, err)
	require.Equal(t, 1, app.migrated)

	_, err = execute(t, "serve")
	require.NoError(t, err)
	require.Equal(t, 1, app.runs)
}

func TestFactoryErrorStopsCommand(t *testing.T) {
	prev := newApp
	newApp = func(context.Context, string) (App, error) { return nil, errors.New("no database") }
	t.Cleanup(func() { newApp = prev })

	_, err := execute(t, "status")
	require.ErrorContains(t, err, "failed to initialize application services")
}
