package crawler

import (
	"time"
)

// SentinelNoMoreRounds marks a project whose detail page was fetched
// successfully and yielded zero related funding edges. Queues never select it
// again.
const SentinelNoMoreRounds = 99

// Project is one row of the projects table. ProjectLink is the dedup key.
type Project struct {
	ID                   int64             `json:"id"`
	ProjectName          string            `json:"projectName"`
	ProjectLink          string            `json:"projectLink"`
	Description          *string           `json:"description,omitempty"`
	Logo                 *string           `json:"logo,omitempty"`
	SocialLinks          map[string]string `json:"socialLinks,omitempty"`
	TeamMembers          []TeamMember      `json:"teamMembers,omitempty"`
	Round                *string           `json:"round,omitempty"`
	Amount               *string           `json:"amount,omitempty"`
	FormattedAmount      *float64          `json:"formattedAmount,omitempty"`
	Valuation            *string           `json:"valuation,omitempty"`
	FormattedValuation   *float64          `json:"formattedValuation,omitempty"`
	Date                 *string           `json:"date,omitempty"`
	FundedAt             *int64            `json:"fundedAt,omitempty"`
	IsInitial            bool              `json:"isInitial"`
	OriginalPageNumber   *int              `json:"originalPageNumber,omitempty"`
	DetailFetchedAt      *int64            `json:"detailFetchedAt,omitempty"`
	DetailFailuresNumber int               `json:"detailFailuresNumber"`
	CreatedAt            time.Time         `json:"createdAt"`
	UpdatedAt            time.Time         `json:"updatedAt"`
}

// TeamMember is one entry of a project's team list.
type TeamMember struct {
	Name       string `json:"name"`
	Position   string `json:"position"`
	AvatarURL  string `json:"avatar"`
	ProfileURL string `json:"profileLink"`
}

// ProjectSeed carries the fields known when a project is first discovered as
// a counterparty.
type ProjectSeed struct {
	ProjectName string
}

// ListingRow is a normalized row from the fundraising listing.
type ListingRow struct {
	ProjectName        string
	ProjectLink        string
	Description        *string
	Round              *string
	Amount             *string
	FormattedAmount    *float64
	Valuation          *string
	FormattedValuation *float64
	Date               *string
	FundedAt           *int64
	OriginalPageNumber *int
}

// InvestmentRelationship is a directed investor to funded edge for one round.
type InvestmentRelationship struct {
	ID                 int64    `json:"id"`
	InvestorProjectID  int64    `json:"investorProjectId"`
	FundedProjectID    int64    `json:"fundedProjectId"`
	Round              *string  `json:"round,omitempty"`
	Amount             *string  `json:"amount,omitempty"`
	FormattedAmount    *float64 `json:"formattedAmount,omitempty"`
	Valuation          *string  `json:"valuation,omitempty"`
	FormattedValuation *float64 `json:"formattedValuation,omitempty"`
	Date               *int64   `json:"date,omitempty"`
	Lead               bool     `json:"lead"`
}

// DetailUpdate is persisted after a successful detail fetch.
type DetailUpdate struct {
	ProjectName          string
	Description          *string
	Logo                 string
	SocialLinks          map[string]string
	TeamMembers          []TeamMember
	DetailFetchedAt      int64
	DetailFailuresNumber int
}

// CrawlStatus is the lifecycle state of a crawl type.
type CrawlStatus string

// Crawl status values persisted in crawl_states.status.
const (
	StatusIdle      CrawlStatus = "idle"
	StatusRunning   CrawlStatus = "running"
	StatusCompleted CrawlStatus = "completed"
	StatusFailed    CrawlStatus = "failed"
)

// SpareMode selects the queue used by the spare crawl type.
type SpareMode string

// Spare crawl modes.
const (
	ModeRepair      SpareMode = "repair"
	ModeRetryFailed SpareMode = "retry-failed"
)

// Progress is the typed checkpoint stored with each crawl state row.
type Progress struct {
	CurrentPage int       `json:"currentPage,omitempty"`
	Total       int       `json:"total"`
	Remaining   int       `json:"remaining"`
	FailedCount int       `json:"failedCount"`
	LastItemKey string    `json:"lastItemKey,omitempty"`
	Mode        SpareMode `json:"mode,omitempty"`
}

// CrawlState is the single row per crawl type.
type CrawlState struct {
	Type           CrawlType   `json:"type"`
	Status         CrawlStatus `json:"status"`
	LastUpdateTime *time.Time  `json:"lastUpdateTime,omitempty"`
	Error          *string     `json:"error,omitempty"`
	Progress       Progress    `json:"otherInfo"`
}

// Outcome describes how a run ended; used by Release.
type Outcome struct {
	Status CrawlStatus
	Err    error
}

// Completed is the successful outcome.
func Completed() Outcome { return Outcome{Status: StatusCompleted} }

// Failed wraps a run-level error.
func Failed(err error) Outcome { return Outcome{Status: StatusFailed, Err: err} }

// ForceIdle is the operator reset outcome.
func ForceIdle() Outcome { return Outcome{Status: StatusIdle} }
