package api

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/fundraising-crawler/internal/config"
	"github.com/JakeFAU/fundraising-crawler/internal/crawler"
	"github.com/JakeFAU/fundraising-crawler/internal/storage/memory"
)

func seedListing(t *testing.T, projects *memory.ProjectStore, n int) {
	t.Helper()
	rows := make([]crawler.ListingRow, 0, n)
	for i := 1; i <= n; i++ {
		page := (i-1)/20 + 1
		fundedAt := int64(1_700_000_000_000 + i)
		rows = append(rows, crawler.ListingRow{
			ProjectName:        fmt.Sprintf("Project %02d", i),
			ProjectLink:        fmt.Sprintf("https://src.test/Projects/Detail/p%02d", i),
			FundedAt:           &fundedAt,
			OriginalPageNumber: &page,
		})
	}
	_, err := projects.UpsertListingBatch(context.Background(), rows)
	require.NoError(t, err)
}

func TestListProjects_DefaultsAndPaging(t *testing.T) {
	t.Parallel()

	server, projects, _ := newTestServer(t, config.AuthConfig{})
	seedListing(t, projects, 12)
	// Counterparties never show up in the listing.
	_, err := projects.FindOrCreateProject(context.Background(), "https://src.test/Projects/Detail/vc", crawler.ProjectSeed{ProjectName: "VC"})
	require.NoError(t, err)

	rec := serve(server, http.MethodGet, "/api/fundraising", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[projectListDTO](t, rec)
	require.Equal(t, 12, body.Total)
	require.Equal(t, 30, body.Limit)
	require.Equal(t, 1, body.TotalPages)
	require.Len(t, body.Data, 12)

	rec = serve(server, http.MethodGet, "/api/fundraising?page=3&limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode[projectListDTO](t, rec)
	require.Equal(t, 3, body.TotalPages)
	require.Len(t, body.Data, 2)
	require.Equal(t, "Project 11", body.Data[0].ProjectName)
}

func TestListProjects_SortAndKeyword(t *testing.T) {
	t.Parallel()

	server, projects, _ := newTestServer(t, config.AuthConfig{})
	seedListing(t, projects, 12)

	rec := serve(server, http.MethodGet, "/api/fundraising?sort=fundedAt&limit=5", nil)
	body := decode[projectListDTO](t, rec)
	require.Equal(t, "Project 12", body.Data[0].ProjectName)

	rec = serve(server, http.MethodGet, "/api/fundraising?keyword=project%2007", nil)
	body = decode[projectListDTO](t, rec)
	require.Equal(t, 1, body.Total)
	require.Equal(t, "Project 07", body.Data[0].ProjectName)
}

func TestListProjects_RejectsInvalidPagination(t *testing.T) {
	t.Parallel()

	server, _, _ := newTestServer(t, config.AuthConfig{})
	for _, target := range []string{
		"/api/fundraising?page=0",
		"/api/fundraising?page=abc",
		"/api/fundraising?limit=4",
		"/api/fundraising?limit=51",
	} {
		rec := serve(server, http.MethodGet, target, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestListProjects_StoreFailure(t *testing.T) {
	t.Parallel()

	server := NewServer(failingCatalog{}, newFakeCrawls(), config.AuthConfig{}, zap.NewNop())
	rec := serve(server, http.MethodGet, "/api/fundraising", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestListInvestments(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	server, projects, _ := newTestServer(t, config.AuthConfig{})
	funded, err := projects.FindOrCreateProject(ctx, "https://src.test/Projects/Detail/a", crawler.ProjectSeed{ProjectName: "A"})
	require.NoError(t, err)
	investor, err := projects.FindOrCreateProject(ctx, "https://src.test/Projects/Detail/b", crawler.ProjectSeed{ProjectName: "B"})
	require.NoError(t, err)
	round := "Seed"
	_, err = projects.CreateRelationships(ctx, []crawler.InvestmentRelationship{
		{InvestorProjectID: investor, FundedProjectID: funded, Round: &round, Lead: true},
	})
	require.NoError(t, err)

	rec := serve(server, http.MethodGet, fmt.Sprintf("/api/fundraising/projects/%d/investments", funded), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"counterpartyName":"B"`)
	require.Contains(t, rec.Body.String(), `"made":[]`)

	rec = serve(server, http.MethodGet, "/api/fundraising/projects/999/investments", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(server, http.MethodGet, "/api/fundraising/projects/x/investments", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartCrawl(t *testing.T) {
	t.Parallel()

	server, _, crawls := newTestServer(t, config.AuthConfig{})

	rec := serve(server, http.MethodPost, "/api/fundraising/crawl/full?start_page=7", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "full crawl started")

	rec = serve(server, http.MethodPost, "/api/fundraising/crawl/full", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = serve(server, http.MethodPost, "/api/fundraising/crawl/retry-failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(server, http.MethodPost, "/api/fundraising/crawl/weekly", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(server, http.MethodPost, "/api/fundraising/crawl/quick?start_page=0", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	require.Len(t, crawls.calls, 2)
	require.Equal(t, 7, crawls.calls[0].opts.StartPage)
	require.Equal(t, crawler.Trigger{Type: crawler.TypeSpare, Mode: crawler.ModeRetryFailed}, crawls.calls[1].trig)
}

func TestStartCrawl_UnexpectedError(t *testing.T) {
	t.Parallel()

	server, _, crawls := newTestServer(t, config.AuthConfig{})
	crawls.startErr = context.Canceled

	rec := serve(server, http.MethodPost, "/api/fundraising/crawl/detail", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStatusAndReset(t *testing.T) {
	t.Parallel()

	server, _, crawls := newTestServer(t, config.AuthConfig{})
	crawls.states = []crawler.CrawlState{
		{Type: crawler.TypeDetail, Status: crawler.StatusRunning, Progress: crawler.Progress{Remaining: 4}},
		{Type: crawler.TypeFull, Status: crawler.StatusIdle},
	}

	rec := serve(server, http.MethodGet, "/api/fundraising/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"type":"detail"`)
	require.Contains(t, rec.Body.String(), `"remaining":4`)

	rec = serve(server, http.MethodPost, "/api/fundraising/status/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, crawls.resets)
}
