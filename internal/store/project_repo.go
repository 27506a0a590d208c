package store

import (
	"context"
	"errors"

	"github.com/JakeFAU/fundraising-crawler/internal/crawler"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Pagination bounds for ListProjects.
const (
	DefaultPageLimit = 30
	MinPageLimit     = 5
	MaxPageLimit     = 50
)

// ProjectQuery filters the paginated listing of initial projects.
type ProjectQuery struct {
	// Page is 1-based.
	Page    int
	Limit   int
	Keyword string
	// SortByFundedAt orders newest funding first; otherwise listing order
	// (original page number, then id).
	SortByFundedAt bool
}

// Offset returns the row offset implied by Page and Limit.
func (q ProjectQuery) Offset() int {
	if q.Page < 1 {
		return 0
	}
	return (q.Page - 1) * q.Limit
}

// ProjectPage is one page of ListProjects results.
type ProjectPage struct {
	Items []crawler.Project `json:"items"`
	Total int               `json:"total"`
	Page  int               `json:"page"`
	Limit int               `json:"limit"`
}

// Investment is an edge joined with the counterparty's identity.
type Investment struct {
	crawler.InvestmentRelationship
	CounterpartyName string `json:"counterpartyName"`
	CounterpartyLink string `json:"counterpartyLink"`
}

// Investments groups a project's edges by direction.
type Investments struct {
	// Received are rounds in which the project was funded.
	Received []Investment `json:"received"`
	// Made are rounds in which the project invested.
	Made []Investment `json:"made"`
}

// ProjectRepository persists the project graph.
type ProjectRepository interface {
	// FindOrCreateProject returns the id of the project keyed by link, creating
	// a non-initial row from seed when none exists. Calls with the same link
	// always resolve to the same id.
	FindOrCreateProject(ctx context.Context, link string, seed crawler.ProjectSeed) (int64, error)
	// UpsertListingBatch inserts or refreshes listing-sourced projects and
	// returns how many rows were written.
	UpsertListingBatch(ctx context.Context, rows []crawler.ListingRow) (int, error)
	// CreateRelationships appends edges; rows that repeat an existing
	// (investor, funded, round, date) tuple are skipped. Returns inserted count.
	CreateRelationships(ctx context.Context, edges []crawler.InvestmentRelationship) (int, error)
	// QueryDetailCandidates returns the ordered work queue for a detail crawl.
	QueryDetailCandidates(ctx context.Context, q crawler.CandidateQuery) ([]crawler.Project, error)
	// SaveDetail persists a successful detail fetch.
	SaveDetail(ctx context.Context, id int64, update crawler.DetailUpdate) error
	// IncrementDetailFailures bumps the failure counter and returns the new value.
	IncrementDetailFailures(ctx context.Context, id int64) (int, error)
	GetProject(ctx context.Context, id int64) (crawler.Project, error)
	ListProjects(ctx context.Context, q ProjectQuery) (ProjectPage, error)
	ListInvestments(ctx context.Context, projectID int64) (Investments, error)
}
