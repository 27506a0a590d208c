package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/fundraising-crawler/internal/crawler"
	"github.com/JakeFAU/fundraising-crawler/internal/store"
)

const projectColumns = `id, project_name, project_link, description, logo, social_links, team_members,
	round, amount, formatted_amount, valuation, formatted_valuation, date, funded_at,
	is_initial, original_page_number, detail_fetched_at, detail_failures_number,
	created_at, updated_at`

// Queue predicates. Placeholder links never enter a detail queue.
const (
	realLinkPredicate = `project_link NOT LIKE 'javascript:%'`

	initialQueueSQL = `SELECT ` + projectColumns + ` FROM projects p
		WHERE is_initial
		  AND NOT EXISTS (SELECT 1 FROM investment_relationships r WHERE r.funded_project_id = p.id)
		  AND detail_failures_number <= $1
		  AND ` + realLinkPredicate + `
		ORDER BY original_page_number ASC NULLS LAST, id`

	secondaryQueueSQL = `SELECT ` + projectColumns + ` FROM projects
		WHERE NOT is_initial
		  AND (social_links IS NULL OR social_links = '{}'::jsonb)
		  AND detail_failures_number <= $1
		  AND ` + realLinkPredicate + `
		ORDER BY id`

	repairQueueSQL = `SELECT ` + projectColumns + ` FROM projects
		WHERE description IS NOT NULL AND description <> ''
		  AND ` + realLinkPredicate + `
		ORDER BY id`

	retryFailedQueueSQL = `SELECT ` + projectColumns + ` FROM projects
		WHERE is_initial
		  AND detail_failures_number > $1
		  AND detail_failures_number < $2
		  AND ` + realLinkPredicate + `
		ORDER BY id`
)

// ProjectStore implements store.ProjectRepository on Postgres.
type ProjectStore struct {
	pool Pool
}

var _ store.ProjectRepository = (*ProjectStore)(nil)

// NewProjectStore wraps an existing pool.
func NewProjectStore(pool Pool) (*ProjectStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ProjectStore{pool: pool}, nil
}

// FindOrCreateProject resolves link to an id in one statement. The no-op
// update makes RETURNING yield the existing row on conflict.
func (s *ProjectStore) FindOrCreateProject(ctx context.Context, link string, seed crawler.ProjectSeed) (int64, error) {
	if link == "" {
		return 0, fmt.Errorf("project link is required")
	}
	query := `
		INSERT INTO projects (project_name, project_link, is_initial)
		VALUES ($1, $2, FALSE)
		ON CONFLICT (project_link) DO UPDATE SET project_link = EXCLUDED.project_link
		RETURNING id;
	`
	var id int64
	if err := s.pool.QueryRow(ctx, query, seed.ProjectName, link).Scan(&id); err != nil {
		return 0, fmt.Errorf("find or create project %q: %w", link, err)
	}
	return id, nil
}

// UpsertListingBatch writes listing rows in one transaction.
func (s *ProjectStore) UpsertListingBatch(ctx context.Context, rows []crawler.ListingRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	query := `
		INSERT INTO projects (
			project_name, project_link, description, round, amount, formatted_amount,
			valuation, formatted_valuation, date, funded_at, is_initial, original_page_number
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, TRUE, $11)
		ON CONFLICT (project_link) DO UPDATE SET
			project_name = EXCLUDED.project_name,
			description = EXCLUDED.description,
			round = EXCLUDED.round,
			amount = EXCLUDED.amount,
			formatted_amount = EXCLUDED.formatted_amount,
			valuation = EXCLUDED.valuation,
			formatted_valuation = EXCLUDED.formatted_valuation,
			date = EXCLUDED.date,
			funded_at = EXCLUDED.funded_at,
			is_initial = TRUE,
			original_page_number = COALESCE(projects.original_page_number, EXCLUDED.original_page_number),
			updated_at = now();
	`
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin listing upsert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	written := 0
	for _, row := range rows {
		if row.ProjectLink == "" {
			continue
		}
		tag, err := tx.Exec(ctx, query,
			row.ProjectName,
			row.ProjectLink,
			row.Description,
			row.Round,
			row.Amount,
			row.FormattedAmount,
			row.Valuation,
			row.FormattedValuation,
			row.Date,
			row.FundedAt,
			row.OriginalPageNumber,
		)
		if err != nil {
			return 0, fmt.Errorf("upsert listing row %q: %w", row.ProjectLink, err)
		}
		written += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit listing upsert: %w", err)
	}
	return written, nil
}

// CreateRelationships inserts edges, skipping duplicates via the edge unique index.
func (s *ProjectStore) CreateRelationships(ctx context.Context, edges []crawler.InvestmentRelationship) (int, error) {
	if len(edges) == 0 {
		return 0, nil
	}
	query := `
		INSERT INTO investment_relationships (
			investor_project_id, funded_project_id, round, amount, formatted_amount,
			valuation, formatted_valuation, date, lead
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT DO NOTHING;
	`
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin relationships: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	inserted := 0
	for _, e := range edges {
		tag, err := tx.Exec(ctx, query,
			e.InvestorProjectID,
			e.FundedProjectID,
			e.Round,
			e.Amount,
			e.FormattedAmount,
			e.Valuation,
			e.FormattedValuation,
			e.Date,
			e.Lead,
		)
		if err != nil {
			return 0, fmt.Errorf("insert relationship %d->%d: %w", e.InvestorProjectID, e.FundedProjectID, err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit relationships: %w", err)
	}
	return inserted, nil
}

// QueryDetailCandidates runs the queue query for q.Kind. The repair name
// heuristic is applied after the scan.
func (s *ProjectStore) QueryDetailCandidates(ctx context.Context, q crawler.CandidateQuery) ([]crawler.Project, error) {
	var (
		sql  string
		args []any
	)
	switch q.Kind {
	case crawler.QueueInitialDetail:
		sql, args = initialQueueSQL, []any{q.MaxFailures}
	case crawler.QueueSecondary:
		sql, args = secondaryQueueSQL, []any{q.MaxFailures}
	case crawler.QueueRepair:
		sql = repairQueueSQL
	case crawler.QueueRetryFailed:
		sql, args = retryFailedQueueSQL, []any{q.MaxFailures, crawler.SentinelNoMoreRounds}
	default:
		return nil, fmt.Errorf("queue %q: %w", q.Kind, crawler.ErrUnknownCrawlType)
	}
	projects, err := s.queryProjects(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s candidates: %w", q.Kind, err)
	}
	if q.Kind != crawler.QueueRepair {
		return projects, nil
	}
	out := projects[:0]
	for _, p := range projects {
		if crawler.NamesDiffer(p.ProjectName, p.ProjectLink) {
			out = append(out, p)
		}
	}
	return out, nil
}

// SaveDetail writes the fields gathered by a successful detail fetch.
func (s *ProjectStore) SaveDetail(ctx context.Context, id int64, update crawler.DetailUpdate) error {
	socials, err := json.Marshal(nonNilLinks(update.SocialLinks))
	if err != nil {
		return fmt.Errorf("marshal social links: %w", err)
	}
	team, err := json.Marshal(nonNilTeam(update.TeamMembers))
	if err != nil {
		return fmt.Errorf("marshal team: %w", err)
	}
	query := `
		UPDATE projects SET
			project_name = COALESCE(NULLIF($2, ''), project_name),
			description = COALESCE($3, description),
			logo = $4,
			social_links = $5,
			team_members = $6,
			detail_fetched_at = $7,
			detail_failures_number = $8,
			updated_at = now()
		WHERE id = $1;
	`
	tag, err := s.pool.Exec(ctx, query,
		id,
		update.ProjectName,
		update.Description,
		update.Logo,
		socials,
		team,
		update.DetailFetchedAt,
		update.DetailFailuresNumber,
	)
	if err != nil {
		return fmt.Errorf("save detail for project %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// IncrementDetailFailures bumps the counter and returns the new value.
func (s *ProjectStore) IncrementDetailFailures(ctx context.Context, id int64) (int, error) {
	query := `
		UPDATE projects
		SET detail_failures_number = detail_failures_number + 1, updated_at = now()
		WHERE id = $1
		RETURNING detail_failures_number;
	`
	var n int
	if err := s.pool.QueryRow(ctx, query, id).Scan(&n); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, fmt.Errorf("increment failures for project %d: %w", id, err)
	}
	return n, nil
}

// GetProject loads one project by id.
func (s *ProjectStore) GetProject(ctx context.Context, id int64) (crawler.Project, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id)
	p, err := scanProject(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.Project{}, store.ErrNotFound
		}
		return crawler.Project{}, fmt.Errorf("get project %d: %w", id, err)
	}
	return p, nil
}

// ListProjects pages through initial projects with an optional name filter.
func (s *ProjectStore) ListProjects(ctx context.Context, q store.ProjectQuery) (store.ProjectPage, error) {
	where := `WHERE is_initial AND ($1 = '' OR project_name ILIKE '%' || $1 || '%')`
	order := `ORDER BY original_page_number ASC NULLS LAST, id`
	if q.SortByFundedAt {
		order = `ORDER BY funded_at DESC NULLS LAST, id`
	}

	page := store.ProjectPage{Page: q.Page, Limit: q.Limit, Items: []crawler.Project{}}
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM projects `+where, q.Keyword).Scan(&page.Total); err != nil {
		return store.ProjectPage{}, fmt.Errorf("count projects: %w", err)
	}
	items, err := s.queryProjects(ctx,
		`SELECT `+projectColumns+` FROM projects `+where+` `+order+` LIMIT $2 OFFSET $3`,
		q.Keyword, q.Limit, q.Offset(),
	)
	if err != nil {
		return store.ProjectPage{}, fmt.Errorf("list projects: %w", err)
	}
	page.Items = append(page.Items, items...)
	return page, nil
}

// ListInvestments returns the edges a project received and made.
func (s *ProjectStore) ListInvestments(ctx context.Context, projectID int64) (store.Investments, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM projects WHERE id = $1)`, projectID).Scan(&exists); err != nil {
		return store.Investments{}, fmt.Errorf("lookup project %d: %w", projectID, err)
	}
	if !exists {
		return store.Investments{}, store.ErrNotFound
	}
	query := `
		SELECT r.id, r.investor_project_id, r.funded_project_id, r.round, r.amount, r.formatted_amount,
			r.valuation, r.formatted_valuation, r.date, r.lead, p.project_name, p.project_link
		FROM investment_relationships r
		JOIN projects p ON p.id = CASE
			WHEN r.funded_project_id = $1 THEN r.investor_project_id
			ELSE r.funded_project_id END
		WHERE r.funded_project_id = $1 OR r.investor_project_id = $1
		ORDER BY r.id;
	`
	rows, err := s.pool.Query(ctx, query, projectID)
	if err != nil {
		return store.Investments{}, fmt.Errorf("list investments for %d: %w", projectID, err)
	}
	defer rows.Close()

	out := store.Investments{Received: []store.Investment{}, Made: []store.Investment{}}
	for rows.Next() {
		var inv store.Investment
		if err := rows.Scan(
			&inv.ID,
			&inv.InvestorProjectID,
			&inv.FundedProjectID,
			&inv.Round,
			&inv.Amount,
			&inv.FormattedAmount,
			&inv.Valuation,
			&inv.FormattedValuation,
			&inv.Date,
			&inv.Lead,
			&inv.CounterpartyName,
			&inv.CounterpartyLink,
		); err != nil {
			return store.Investments{}, fmt.Errorf("scan investment: %w", err)
		}
		if inv.FundedProjectID == projectID {
			out.Received = append(out.Received, inv)
		} else {
			out.Made = append(out.Made, inv)
		}
	}
	if err := rows.Err(); err != nil {
		return store.Investments{}, fmt.Errorf("iterate investments: %w", err)
	}
	return out, nil
}

func (s *ProjectStore) queryProjects(ctx context.Context, sql string, args ...any) ([]crawler.Project, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []crawler.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProject(row pgx.Row) (crawler.Project, error) {
	var (
		p              crawler.Project
		socials, team  []byte
		createdAt      time.Time
		updatedAt      time.Time
		originalPage   *int32
		detailFailures int32
	)
	if err := row.Scan(
		&p.ID,
		&p.ProjectName,
		&p.ProjectLink,
		&p.Description,
		&p.Logo,
		&socials,
		&team,
		&p.Round,
		&p.Amount,
		&p.FormattedAmount,
		&p.Valuation,
		&p.FormattedValuation,
		&p.Date,
		&p.FundedAt,
		&p.IsInitial,
		&originalPage,
		&p.DetailFetchedAt,
		&detailFailures,
		&createdAt,
		&updatedAt,
	); err != nil {
		return crawler.Project{}, err
	}
	if len(socials) > 0 {
		if err := json.Unmarshal(socials, &p.SocialLinks); err != nil {
			return crawler.Project{}, fmt.Errorf("decode social links: %w", err)
		}
	}
	if len(team) > 0 {
		if err := json.Unmarshal(team, &p.TeamMembers); err != nil {
			return crawler.Project{}, fmt.Errorf("decode team members: %w", err)
		}
	}
	if originalPage != nil {
		n := int(*originalPage)
		p.OriginalPageNumber = &n
	}
	p.DetailFailuresNumber = int(detailFailures)
	p.CreatedAt = createdAt.UTC()
	p.UpdatedAt = updatedAt.UTC()
	return p, nil
}

func nonNilLinks(in map[string]string) map[string]string {
	if in == nil {
		return map[string]string{}
	}
	return in
}

func nonNilTeam(in []crawler.TeamMember) []crawler.TeamMember {
	if in == nil {
		return []crawler.TeamMember{}
	}
	return in
}
