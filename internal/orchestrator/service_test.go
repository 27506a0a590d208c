package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fundraising-crawler/internal/crawler"
	"github.com/JakeFAU/fundraising-crawler/internal/storage/memory"
	"github.com/JakeFAU/fundraising-crawler/internal/store"
)

type instantRetry struct {
	*crawler.ExponentialRetryPolicy
}

func (instantRetry) Backoff(int) time.Duration { return 0 }

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	svc      *Service
	site     *fakeSite
	projects *memory.ProjectStore
	states   *memory.CrawlStateStore
}

func newHarness(t *testing.T, attempts int, mutate func(*Config)) *harness {
	t.Helper()
	cfg := Config{
		BaseURL:                    testOrigin,
		MaxConsecutivePageFailures: 2,
		Thresholds: crawler.Thresholds{
			Detail:     3,
			Secondary:  3,
			RetryFloor: 3,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		site:     newFakeSite(),
		projects: memory.NewProjectStore(),
		states:   memory.NewCrawlStateStore(),
	}
	svc, err := New(cfg, Deps{
		Projects: h.projects,
		States:   h.states,
		Browser:  h.site,
		Retry:    instantRetry{crawler.NewExponentialRetryPolicy(attempts, time.Millisecond, time.Millisecond)},
		Clock:    fixedClock(testNow),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	h.svc = svc
	return h
}

func (h *harness) state(t *testing.T, typ crawler.CrawlType) crawler.CrawlState {
	t.Helper()
	st, err := h.states.Get(context.Background(), typ)
	require.NoError(t, err)
	return st
}

func (h *harness) project(t *testing.T, link string) crawler.Project {
	t.Helper()
	p, ok := h.projects.FindByLink(link)
	require.True(t, ok, "project %s not stored", link)
	return p
}

func (h *harness) seedListing(t *testing.T, names ...string) {
	t.Helper()
	rows := make([]crawler.ListingRow, 0, len(names))
	for _, name := range names {
		page := 1
		desc := "about " + name
		rows = append(rows, crawler.ListingRow{
			ProjectName:        name,
			ProjectLink:        detailURL(name),
			Description:        &desc,
			OriginalPageNumber: &page,
		})
	}
	_, err := h.projects.UpsertListingBatch(context.Background(), rows)
	require.NoError(t, err)
}

// failures raises a project's failure counter to n.
func (h *harness) failures(t *testing.T, link string, n int) {
	t.Helper()
	id := h.project(t, link).ID
	for range n {
		_, err := h.projects.IncrementDetailFailures(context.Background(), id)
		require.NoError(t, err)
	}
}

func names(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = prefix + string(rune('A'+i))
	}
	return out
}

func TestFullSweepStopsAtEmptyPage(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2, nil)
	h.site.set(listingURL(1), listingHTML(names("P", 20)...))
	h.site.set(listingURL(2), emptyListingHTML)

	before := time.Now().UTC()
	err := h.svc.Run(context.Background(), crawler.Trigger{Type: crawler.TypeFull}, StartOptions{})
	require.NoError(t, err)

	require.Equal(t, 20, h.projects.Count())
	p := h.project(t, detailURL("PA"))
	require.True(t, p.IsInitial)
	require.NotNil(t, p.OriginalPageNumber)
	require.Equal(t, 1, *p.OriginalPageNumber)
	require.Equal(t, 0, h.site.visitCount(listingURL(3)))

	st := h.state(t, crawler.TypeFull)
	require.Equal(t, crawler.StatusCompleted, st.Status)
	require.Nil(t, st.Error)
	require.Equal(t, 1, st.Progress.CurrentPage)
	require.Equal(t, 20, st.Progress.Total)
	require.NotNil(t, st.LastUpdateTime)
	require.False(t, st.LastUpdateTime.Before(before))
}

func TestQuickStopsAfterConfiguredPages(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, func(c *Config) { c.QuickPages = 2 })
	for page := 1; page <= 4; page++ {
		h.site.set(listingURL(page), listingHTML(names(string(rune('a'+page)), 3)...))
	}

	require.NoError(t, h.svc.Run(context.Background(), crawler.Trigger{Type: crawler.TypeQuick}, StartOptions{}))
	require.Equal(t, 6, h.projects.Count())
	require.Equal(t, 0, h.site.visitCount(listingURL(3)))
	require.Equal(t, crawler.StatusCompleted, h.state(t, crawler.TypeQuick).Status)
}

func TestListingFailsAfterConsecutivePageFailures(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2, nil)

	err := h.svc.Run(context.Background(), crawler.Trigger{Type: crawler.TypeFull}, StartOptions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "consecutive listing pages failed")
	require.Equal(t, 2, h.site.visitCount(listingURL(1)))
	require.Equal(t, 2, h.site.visitCount(listingURL(2)))

	st := h.state(t, crawler.TypeFull)
	require.Equal(t, crawler.StatusFailed, st.Status)
	require.NotNil(t, st.Error)
	require.Equal(t, 2, st.Progress.FailedCount)
}

func TestFullSweepResumesFromStartPage(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, nil)
	h.site.set(listingURL(3), listingHTML("Gamma"))
	h.site.set(listingURL(4), emptyListingHTML)

	require.NoError(t, h.svc.Run(context.Background(), crawler.Trigger{Type: crawler.TypeFull}, StartOptions{StartPage: 3}))
	require.Equal(t, 0, h.site.visitCount(listingURL(1)))
	p := h.project(t, detailURL("Gamma"))
	require.Equal(t, 3, *p.OriginalPageNumber)
	require.Equal(t, 3, h.state(t, crawler.TypeFull).Progress.CurrentPage)
}

func TestDetailEnrichesInitialProjectAndCreatesEdges(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, nil)
	h.seedListing(t, "Alpha")
	h.site.set(detailURL("Alpha"), detailHTML("Alpha", "FundOne", "FundTwo"))

	require.NoError(t, h.svc.Run(context.Background(), crawler.Trigger{Type: crawler.TypeDetail}, StartOptions{}))

	alpha := h.project(t, detailURL("Alpha"))
	require.NotNil(t, alpha.Logo)
	require.Equal(t, testOrigin+"/logo/Alpha.png", *alpha.Logo)
	require.Equal(t, "https://x.com/Alpha", alpha.SocialLinks["x"])
	require.Equal(t, 0, alpha.DetailFailuresNumber)
	require.NotNil(t, alpha.DetailFetchedAt)
	require.Equal(t, testNow.UnixMilli(), *alpha.DetailFetchedAt)
	require.Equal(t, 2, h.projects.EdgeCount())

	fund := h.project(t, detailURL("FundOne"))
	require.False(t, fund.IsInitial)
	require.Equal(t, "FundOne", fund.ProjectName)

	inv, err := h.projects.ListInvestments(context.Background(), alpha.ID)
	require.NoError(t, err)
	require.Len(t, inv.Received, 2)
	require.True(t, inv.Received[0].Lead)

	st := h.state(t, crawler.TypeDetail)
	require.Equal(t, crawler.StatusCompleted, st.Status)
	require.Equal(t, 1, st.Progress.Total)
	require.Equal(t, 0, st.Progress.Remaining)

	// Funded projects leave the initial queue.
	require.NoError(t, h.svc.Run(context.Background(), crawler.Trigger{Type: crawler.TypeDetail}, StartOptions{}))
	require.Equal(t, 1, h.site.visitCount(detailURL("Alpha")))
	require.Equal(t, 0, h.state(t, crawler.TypeDetail).Progress.Total)
}

func TestSecondaryDetailEnrichesCounterparties(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, nil)
	h.seedListing(t, "Alpha")
	h.site.set(detailURL("Alpha"), detailHTML("Alpha", "FundOne", "FundTwo"))
	h.site.set(detailURL("FundOne"), detailHTML("FundOne", "Ignored"))
	require.NoError(t, h.svc.Run(context.Background(), crawler.Trigger{Type: crawler.TypeDetail}, StartOptions{}))

	require.NoError(t, h.svc.Run(context.Background(), crawler.Trigger{Type: crawler.TypeDetail2}, StartOptions{}))

	one := h.project(t, detailURL("FundOne"))
	require.Equal(t, "https://x.com/FundOne", one.SocialLinks["x"])
	require.Equal(t, 0, one.DetailFailuresNumber)
	two := h.project(t, detailURL("FundTwo"))
	require.Equal(t, 1, two.DetailFailuresNumber)
	require.Nil(t, two.DetailFetchedAt)
	// Secondary projects never contribute rounds.
	require.Equal(t, 2, h.projects.EdgeCount())

	st := h.state(t, crawler.TypeDetail2)
	require.Equal(t, crawler.StatusCompleted, st.Status)
	require.Equal(t, 2, st.Progress.Total)
	require.Equal(t, 1, st.Progress.FailedCount)
}

func TestDetailWithoutRoundsMarksSentinel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, nil)
	h.seedListing(t, "Beta")
	h.site.set(detailURL("Beta"), detailHTML("Beta"))

	require.NoError(t, h.svc.Run(context.Background(), crawler.Trigger{Type: crawler.TypeDetail}, StartOptions{}))
	beta := h.project(t, detailURL("Beta"))
	require.Equal(t, crawler.SentinelNoMoreRounds, beta.DetailFailuresNumber)
	require.NotNil(t, beta.Logo)

	require.NoError(t, h.svc.Run(context.Background(), crawler.Trigger{Type: crawler.TypeSpare, Mode: crawler.ModeRetryFailed}, StartOptions{}))
	require.Equal(t, 0, h.state(t, crawler.TypeSpare).Progress.Total)
	require.Equal(t, 1, h.site.visitCount(detailURL("Beta")))
}

func TestFailedAttemptsIncrementCounter(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 3, nil)
	h.seedListing(t, "Gamma")
	h.site.set(detailURL("Gamma"), incompleteDetailHTML("Gamma"))

	require.NoError(t, h.svc.Run(context.Background(), crawler.Trigger{Type: crawler.TypeDetail}, StartOptions{}))
	gamma := h.project(t, detailURL("Gamma"))
	require.Equal(t, 3, gamma.DetailFailuresNumber)
	require.Nil(t, gamma.DetailFetchedAt)
	require.Equal(t, 3, h.site.visitCount(detailURL("Gamma")))

	st := h.state(t, crawler.TypeDetail)
	require.Equal(t, crawler.StatusCompleted, st.Status)
	require.Equal(t, 1, st.Progress.FailedCount)

	// A second run pushes it past the threshold into the retry-failed queue.
	require.NoError(t, h.svc.Run(context.Background(), crawler.Trigger{Type: crawler.TypeDetail}, StartOptions{}))
	require.Equal(t, 6, h.project(t, detailURL("Gamma")).DetailFailuresNumber)

	h.site.set(detailURL("Gamma"), detailHTML("Gamma", "FundOne"))
	require.NoError(t, h.svc.Run(context.Background(), crawler.Trigger{Type: crawler.TypeSpare, Mode: crawler.ModeRetryFailed}, StartOptions{}))
	gamma = h.project(t, detailURL("Gamma"))
	require.Equal(t, 0, gamma.DetailFailuresNumber)
	require.Equal(t, crawler.ModeRetryFailed, h.state(t, crawler.TypeSpare).Progress.Mode)
}

func TestRoundsTableMissingIsAFailedAttempt(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2, nil)
	h.seedListing(t, "Pending")
	h.site.set(detailURL("Pending"), roundsPendingHTML("Pending"))

	require.NoError(t, h.svc.Run(context.Background(), crawler.Trigger{Type: crawler.TypeDetail}, StartOptions{}))
	pending := h.project(t, detailURL("Pending"))
	require.Equal(t, 2, pending.DetailFailuresNumber)
	require.Nil(t, pending.DetailFetchedAt)
	require.Equal(t, 0, h.projects.EdgeCount())
	require.Equal(t, 1, h.state(t, crawler.TypeDetail).Progress.FailedCount)

	// Once the table renders the project is enriched normally.
	h.site.set(detailURL("Pending"), detailHTML("Pending", "FundOne"))
	require.NoError(t, h.svc.Run(context.Background(), crawler.Trigger{Type: crawler.TypeDetail}, StartOptions{}))
	pending = h.project(t, detailURL("Pending"))
	require.Equal(t, 0, pending.DetailFailuresNumber)
	require.Equal(t, 1, h.projects.EdgeCount())
}

func TestRetryFailedVisitsOnlyProjectsBetweenFloorAndSentinel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, nil)
	counts := map[string]int{"R3": 3, "R4": 4, "R98": 98, "R99": 99}
	for name, n := range counts {
		h.seedListing(t, name)
		h.site.set(detailURL(name), detailHTML(name, "Fund"+name))
		h.failures(t, detailURL(name), n)
	}

	trig := crawler.Trigger{Type: crawler.TypeSpare, Mode: crawler.ModeRetryFailed}
	require.NoError(t, h.svc.Run(context.Background(), trig, StartOptions{}))

	require.Equal(t, 0, h.site.visitCount(detailURL("R3")))
	require.Equal(t, 1, h.site.visitCount(detailURL("R4")))
	require.Equal(t, 1, h.site.visitCount(detailURL("R98")))
	require.Equal(t, 0, h.site.visitCount(detailURL("R99")))
	require.Equal(t, 0, h.project(t, detailURL("R4")).DetailFailuresNumber)
	require.Equal(t, 0, h.project(t, detailURL("R98")).DetailFailuresNumber)
	require.Equal(t, 3, h.project(t, detailURL("R3")).DetailFailuresNumber)
	require.Equal(t, crawler.SentinelNoMoreRounds, h.project(t, detailURL("R99")).DetailFailuresNumber)

	st := h.state(t, crawler.TypeSpare)
	require.Equal(t, crawler.StatusCompleted, st.Status)
	require.Equal(t, crawler.ModeRetryFailed, st.Progress.Mode)
	require.Equal(t, 2, st.Progress.Total)
}

func TestSecondaryDetailHonorsItsThreshold(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, func(c *Config) { c.Thresholds.Secondary = 5 })
	ctx := context.Background()
	for _, name := range []string{"AtFive", "AtSix"} {
		_, err := h.projects.FindOrCreateProject(ctx, detailURL(name), crawler.ProjectSeed{ProjectName: name})
		require.NoError(t, err)
		h.site.set(detailURL(name), detailHTML(name))
	}
	h.failures(t, detailURL("AtFive"), 5)
	h.failures(t, detailURL("AtSix"), 6)

	require.NoError(t, h.svc.Run(ctx, crawler.Trigger{Type: crawler.TypeDetail2}, StartOptions{}))

	require.Equal(t, 1, h.site.visitCount(detailURL("AtFive")))
	require.Equal(t, 0, h.site.visitCount(detailURL("AtSix")))
	require.Equal(t, 0, h.project(t, detailURL("AtFive")).DetailFailuresNumber)
	require.Equal(t, 1, h.state(t, crawler.TypeDetail2).Progress.Total)
}

func TestRepairRestoresProjectName(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, nil)
	desc := "mislabeled"
	_, err := h.projects.UpsertListingBatch(context.Background(), []crawler.ListingRow{{
		ProjectName: "Wrong Name",
		ProjectLink: detailURL("Delta"),
		Description: &desc,
	}})
	require.NoError(t, err)
	h.site.set(detailURL("Delta"), detailHTML("Delta", "FundOne"))

	require.NoError(t, h.svc.Run(context.Background(), crawler.Trigger{Type: crawler.TypeSpare}, StartOptions{}))
	require.Equal(t, "Delta", h.project(t, detailURL("Delta")).ProjectName)
	require.Equal(t, crawler.ModeRepair, h.state(t, crawler.TypeSpare).Progress.Mode)

	require.NoError(t, h.svc.Run(context.Background(), crawler.Trigger{Type: crawler.TypeSpare}, StartOptions{}))
	require.Equal(t, 0, h.state(t, crawler.TypeSpare).Progress.Total)
}

func TestProcessRoundsIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, nil)
	h.seedListing(t, "Alpha")
	alpha := h.project(t, detailURL("Alpha"))

	html := strings.Replace(detailHTML("Alpha", "FundOne"), "</a></td>",
		`</a><a href="javascript:void(0)">Angel</a></td>`, 1)
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)

	n, err := h.svc.ProcessRounds(context.Background(), alpha.ID, doc)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	n, err = h.svc.ProcessRounds(context.Background(), alpha.ID, doc)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 2, h.projects.EdgeCount())

	angel := h.project(t, "javascript:void(0)#name=Angel")
	require.False(t, angel.IsInitial)
}

func TestSessionsAreRecycled(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, func(c *Config) { c.SessionRecycleEvery = 2 })
	list := names("Q", 5)
	h.seedListing(t, list...)
	for _, name := range list {
		h.site.set(detailURL(name), detailHTML(name, "Fund"+name))
	}

	require.NoError(t, h.svc.Run(context.Background(), crawler.Trigger{Type: crawler.TypeDetail}, StartOptions{}))
	opened, closed := h.site.sessionCounts()
	require.Equal(t, 3, opened)
	require.Equal(t, opened, closed)
}

func TestStartRejectsConcurrentRunOfSameType(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, nil)
	h.site.gate = make(chan struct{})
	h.site.set(listingURL(1), emptyListingHTML)
	ctx := context.Background()

	require.NoError(t, h.svc.Start(ctx, crawler.Trigger{Type: crawler.TypeFull}, StartOptions{}))
	err := h.svc.Start(ctx, crawler.Trigger{Type: crawler.TypeFull}, StartOptions{})
	require.ErrorIs(t, err, store.ErrAlreadyRunning)
	var conflict *store.ConflictError
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, crawler.TypeFull, conflict.Type)

	running, err := h.svc.AnyRunning(ctx)
	require.NoError(t, err)
	require.True(t, running)

	// Other types are independent.
	require.NoError(t, h.svc.Start(ctx, crawler.Trigger{Type: crawler.TypeDetail}, StartOptions{}))

	close(h.site.gate)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.svc.Wait(waitCtx))
	require.Equal(t, crawler.StatusCompleted, h.state(t, crawler.TypeFull).Status)
	require.Equal(t, crawler.StatusCompleted, h.state(t, crawler.TypeDetail).Status)

	running, err = h.svc.AnyRunning(ctx)
	require.NoError(t, err)
	require.False(t, running)
}

func TestResetDoesNotReleaseInFlightRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, nil)
	h.seedListing(t, "Alpha")
	h.site.set(detailURL("Alpha"), detailHTML("Alpha", "FundOne"))
	h.site.gate = make(chan struct{})
	ctx := context.Background()

	require.NoError(t, h.svc.Start(ctx, crawler.Trigger{Type: crawler.TypeDetail}, StartOptions{}))
	require.Eventually(t, func() bool {
		opened, _ := h.site.sessionCounts()
		return opened == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, h.svc.Reset(ctx))
	require.Equal(t, crawler.StatusIdle, h.state(t, crawler.TypeDetail).Status)

	err := h.svc.Start(ctx, crawler.Trigger{Type: crawler.TypeDetail}, StartOptions{})
	var conflict *store.ConflictError
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, crawler.TypeDetail, conflict.Type)
	require.ErrorIs(t, h.svc.Run(ctx, crawler.Trigger{Type: crawler.TypeDetail}, StartOptions{}), store.ErrAlreadyRunning)

	close(h.site.gate)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.svc.Wait(waitCtx))

	opened, _ := h.site.sessionCounts()
	require.Equal(t, 1, opened)
	require.Equal(t, 1, h.site.visitCount(detailURL("Alpha")))
	alpha := h.project(t, detailURL("Alpha"))
	require.Equal(t, 0, alpha.DetailFailuresNumber)
	require.Equal(t, crawler.StatusCompleted, h.state(t, crawler.TypeDetail).Status)

	// The type is free again once the run has finished.
	require.NoError(t, h.svc.Run(ctx, crawler.Trigger{Type: crawler.TypeDetail}, StartOptions{}))
}

func TestShutdownFailsInterruptedRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, nil)
	h.site.gate = make(chan struct{})

	require.NoError(t, h.svc.Start(context.Background(), crawler.Trigger{Type: crawler.TypeQuick}, StartOptions{}))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.svc.Shutdown(ctx))

	st := h.state(t, crawler.TypeQuick)
	require.Equal(t, crawler.StatusFailed, st.Status)
	require.NotNil(t, st.Error)

	err := h.svc.Start(context.Background(), crawler.Trigger{Type: crawler.TypeQuick}, StartOptions{})
	require.Error(t, err)
}

func TestRunRejectsUnknownType(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, nil)
	err := h.svc.Run(context.Background(), crawler.Trigger{Type: "weekly"}, StartOptions{})
	require.ErrorIs(t, err, crawler.ErrUnknownCrawlType)
}

func TestStatusListsEveryType(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, nil)
	states, err := h.svc.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, states, len(crawler.AllTypes))
	for _, st := range states {
		require.Equal(t, crawler.StatusIdle, st.Status)
	}
}

func TestResetForcesIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, nil)
	ctx := context.Background()
	_, err := h.states.TryAcquire(ctx, crawler.TypeDetail2, crawler.Progress{})
	require.NoError(t, err)

	require.NoError(t, h.svc.Reset(ctx))
	require.Equal(t, crawler.StatusIdle, h.state(t, crawler.TypeDetail2).Status)
	running, err := h.svc.AnyRunning(ctx)
	require.NoError(t, err)
	require.False(t, running)
}
