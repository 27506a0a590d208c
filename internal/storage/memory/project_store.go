package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/fundraising-crawler/internal/crawler"
	"github.com/JakeFAU/fundraising-crawler/internal/store"
)

type edgeKey struct {
	investor int64
	funded   int64
	round    string
	date     int64
	hasDate  bool
}

// ProjectStore provides an in-memory implementation for development/testing.
type ProjectStore struct {
	mu       sync.RWMutex
	now      func() time.Time
	nextID   int64
	nextEdge int64
	projects map[int64]crawler.Project
	byLink   map[string]int64
	edges    []crawler.InvestmentRelationship
	edgeSet  map[edgeKey]struct{}
}

var _ store.ProjectRepository = (*ProjectStore)(nil)

// NewProjectStore constructs an empty ProjectStore.
func NewProjectStore() *ProjectStore {
	return &ProjectStore{
		now:      func() time.Time { return time.Now().UTC() },
		projects: make(map[int64]crawler.Project),
		byLink:   make(map[string]int64),
		edgeSet:  make(map[edgeKey]struct{}),
	}
}

// FindOrCreateProject resolves link to a project id, creating a non-initial row
// when it is unknown.
func (s *ProjectStore) FindOrCreateProject(_ context.Context, link string, seed crawler.ProjectSeed) (int64, error) {
	if strings.TrimSpace(link) == "" {
		return 0, fmt.Errorf("project link is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byLink[link]; ok {
		return id, nil
	}
	return s.insertLocked(crawler.Project{ProjectName: seed.ProjectName, ProjectLink: link}), nil
}

func (s *ProjectStore) insertLocked(p crawler.Project) int64 {
	s.nextID++
	now := s.now()
	p.ID = s.nextID
	p.CreatedAt = now
	p.UpdatedAt = now
	s.projects[p.ID] = p
	s.byLink[p.ProjectLink] = p.ID
	return p.ID
}

// UpsertListingBatch inserts new listing projects and refreshes the snapshot
// fields of known ones. Detail-enrichment fields are left alone and the first
// page a project was seen on is kept.
func (s *ProjectStore) UpsertListingBatch(_ context.Context, rows []crawler.ListingRow) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	written := 0
	for _, row := range rows {
		if row.ProjectLink == "" {
			continue
		}
		id, exists := s.byLink[row.ProjectLink]
		if !exists {
			s.insertLocked(applyListing(crawler.Project{ProjectLink: row.ProjectLink}, row))
			written++
			continue
		}
		p := applyListing(s.projects[id], row)
		p.UpdatedAt = s.now()
		s.projects[id] = p
		written++
	}
	return written, nil
}

func applyListing(p crawler.Project, row crawler.ListingRow) crawler.Project {
	p.ProjectName = row.ProjectName
	p.Description = row.Description
	p.Round = row.Round
	p.Amount = row.Amount
	p.FormattedAmount = row.FormattedAmount
	p.Valuation = row.Valuation
	p.FormattedValuation = row.FormattedValuation
	p.Date = row.Date
	p.FundedAt = row.FundedAt
	p.IsInitial = true
	if p.OriginalPageNumber == nil {
		p.OriginalPageNumber = row.OriginalPageNumber
	}
	return p
}

// CreateRelationships appends edges, skipping repeats of an existing
// (investor, funded, round, date) tuple.
func (s *ProjectStore) CreateRelationships(_ context.Context, edges []crawler.InvestmentRelationship) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, edge := range edges {
		if _, ok := s.projects[edge.InvestorProjectID]; !ok {
			return inserted, fmt.Errorf("investor %d: %w", edge.InvestorProjectID, store.ErrNotFound)
		}
		if _, ok := s.projects[edge.FundedProjectID]; !ok {
			return inserted, fmt.Errorf("funded %d: %w", edge.FundedProjectID, store.ErrNotFound)
		}
		key := edgeKey{investor: edge.InvestorProjectID, funded: edge.FundedProjectID}
		if edge.Round != nil {
			key.round = *edge.Round
		}
		if edge.Date != nil {
			key.date, key.hasDate = *edge.Date, true
		}
		if _, dup := s.edgeSet[key]; dup {
			continue
		}
		s.edgeSet[key] = struct{}{}
		s.nextEdge++
		edge.ID = s.nextEdge
		s.edges = append(s.edges, edge)
		inserted++
	}
	return inserted, nil
}

// QueryDetailCandidates applies the queue predicate and ordering for q.Kind.
func (s *ProjectStore) QueryDetailCandidates(_ context.Context, q crawler.CandidateQuery) ([]crawler.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	funded := make(map[int64]bool)
	for _, e := range s.edges {
		funded[e.FundedProjectID] = true
	}
	var out []crawler.Project
	for _, p := range s.projects {
		if crawler.IsPlaceholderLink(p.ProjectLink) {
			continue
		}
		var keep bool
		switch q.Kind {
		case crawler.QueueInitialDetail:
			keep = p.IsInitial && !funded[p.ID] && p.DetailFailuresNumber <= q.MaxFailures
		case crawler.QueueSecondary:
			keep = !p.IsInitial && len(p.SocialLinks) == 0 && p.DetailFailuresNumber <= q.MaxFailures
		case crawler.QueueRepair:
			keep = p.Description != nil && *p.Description != "" && crawler.NamesDiffer(p.ProjectName, p.ProjectLink)
		case crawler.QueueRetryFailed:
			keep = p.IsInitial &&
				p.DetailFailuresNumber > q.MaxFailures &&
				p.DetailFailuresNumber < crawler.SentinelNoMoreRounds
		default:
			return nil, fmt.Errorf("queue %q: %w", q.Kind, crawler.ErrUnknownCrawlType)
		}
		if keep {
			out = append(out, cloneProject(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if q.Kind == crawler.QueueInitialDetail {
			return listingOrderLess(out[i], out[j])
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// listingOrderLess orders known page numbers first, ascending, then by id.
func listingOrderLess(a, b crawler.Project) bool {
	switch {
	case a.OriginalPageNumber != nil && b.OriginalPageNumber == nil:
		return true
	case a.OriginalPageNumber == nil && b.OriginalPageNumber != nil:
		return false
	case a.OriginalPageNumber != nil && *a.OriginalPageNumber != *b.OriginalPageNumber:
		return *a.OriginalPageNumber < *b.OriginalPageNumber
	}
	return a.ID < b.ID
}

// SaveDetail stores the result of a successful detail fetch.
func (s *ProjectStore) SaveDetail(_ context.Context, id int64, update crawler.DetailUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return store.ErrNotFound
	}
	if update.ProjectName != "" {
		p.ProjectName = update.ProjectName
	}
	if update.Description != nil {
		p.Description = update.Description
	}
	logo := update.Logo
	p.Logo = &logo
	p.SocialLinks = cloneLinks(update.SocialLinks)
	p.TeamMembers = append([]crawler.TeamMember(nil), update.TeamMembers...)
	fetched := update.DetailFetchedAt
	p.DetailFetchedAt = &fetched
	p.DetailFailuresNumber = update.DetailFailuresNumber
	p.UpdatedAt = s.now()
	s.projects[id] = p
	return nil
}

// IncrementDetailFailures bumps the failure counter.
func (s *ProjectStore) IncrementDetailFailures(_ context.Context, id int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	p.DetailFailuresNumber++
	p.UpdatedAt = s.now()
	s.projects[id] = p
	return p.DetailFailuresNumber, nil
}

// GetProject returns a copy of the project.
func (s *ProjectStore) GetProject(_ context.Context, id int64) (crawler.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return crawler.Project{}, store.ErrNotFound
	}
	return cloneProject(p), nil
}

// ListProjects pages through initial projects.
func (s *ProjectStore) ListProjects(_ context.Context, q store.ProjectQuery) (store.ProjectPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keyword := strings.ToLower(strings.TrimSpace(q.Keyword))
	var matched []crawler.Project
	for _, p := range s.projects {
		if !p.IsInitial {
			continue
		}
		if keyword != "" && !strings.Contains(strings.ToLower(p.ProjectName), keyword) {
			continue
		}
		matched = append(matched, p)
	}
	sort.Slice(matched, func(i, j int) bool {
		if q.SortByFundedAt {
			a, b := matched[i].FundedAt, matched[j].FundedAt
			switch {
			case a != nil && b == nil:
				return true
			case a == nil && b != nil:
				return false
			case a != nil && *a != *b:
				return *a > *b
			}
			return matched[i].ID < matched[j].ID
		}
		return listingOrderLess(matched[i], matched[j])
	})
	page := store.ProjectPage{Total: len(matched), Page: q.Page, Limit: q.Limit, Items: []crawler.Project{}}
	start := q.Offset()
	if start >= len(matched) {
		return page, nil
	}
	end := start + q.Limit
	if q.Limit <= 0 || end > len(matched) {
		end = len(matched)
	}
	for _, p := range matched[start:end] {
		page.Items = append(page.Items, cloneProject(p))
	}
	return page, nil
}

// ListInvestments returns edges where the project is funded or investor.
func (s *ProjectStore) ListInvestments(_ context.Context, projectID int64) (store.Investments, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.projects[projectID]; !ok {
		return store.Investments{}, store.ErrNotFound
	}
	out := store.Investments{Received: []store.Investment{}, Made: []store.Investment{}}
	for _, e := range s.edges {
		switch projectID {
		case e.FundedProjectID:
			other := s.projects[e.InvestorProjectID]
			out.Received = append(out.Received, store.Investment{
				InvestmentRelationship: e,
				CounterpartyName:       other.ProjectName,
				CounterpartyLink:       other.ProjectLink,
			})
		case e.InvestorProjectID:
			other := s.projects[e.FundedProjectID]
			out.Made = append(out.Made, store.Investment{
				InvestmentRelationship: e,
				CounterpartyName:       other.ProjectName,
				CounterpartyLink:       other.ProjectLink,
			})
		}
	}
	return out, nil
}

// Count returns the number of stored projects.
func (s *ProjectStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.projects)
}

// EdgeCount returns the number of stored edges.
func (s *ProjectStore) EdgeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.edges)
}

// FindByLink returns the project stored under link.
func (s *ProjectStore) FindByLink(link string) (crawler.Project, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byLink[link]
	if !ok {
		return crawler.Project{}, false
	}
	return cloneProject(s.projects[id]), true
}

func cloneProject(p crawler.Project) crawler.Project {
	p.SocialLinks = cloneLinks(p.SocialLinks)
	if p.TeamMembers != nil {
		p.TeamMembers = append([]crawler.TeamMember(nil), p.TeamMembers...)
	}
	return p
}

func cloneLinks(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
