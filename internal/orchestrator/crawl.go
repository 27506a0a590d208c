package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/fundraising-crawler/internal/crawler"
	"github.com/JakeFAU/fundraising-crawler/internal/extract"
	"github.com/JakeFAU/fundraising-crawler/internal/metrics"
)

func normalize(trig crawler.Trigger) crawler.Trigger {
	switch {
	case trig.Type != crawler.TypeSpare:
		trig.Mode = ""
	case trig.Mode == "":
		trig.Mode = crawler.ModeRepair
	}
	return trig
}

// runListing sweeps listing pages from startPage until the listing runs out.
// Quick crawls stop after QuickPages pages.
func (s *Service) runListing(ctx context.Context, policy crawler.Policy, startPage int) error {
	typ := policy.Type
	lastPage := 0
	if typ == crawler.TypeQuick {
		lastPage = s.cfg.QuickPages
	}

	progress := crawler.Progress{CurrentPage: startPage}
	consecutive := 0
	for page := startPage; lastPage == 0 || page <= lastPage; page++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("listing page %d: %w", page, err)
		}
		if err := s.pacer.Wait(ctx, string(typ)); err != nil {
			return fmt.Errorf("pace listing page %d: %w", page, err)
		}

		rows, err := s.listingPage(ctx, policy, page)
		if errors.Is(err, crawler.ErrEmptyPage) {
			s.logger.Info("listing exhausted", zap.String("crawl_type", string(typ)), zap.Int("page", page))
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("listing page %d: %w", page, err)
			}
			consecutive++
			progress.FailedCount++
			metrics.ObserveItem(string(typ), metrics.ItemFailed)
			s.logger.Warn("listing page failed",
				zap.String("crawl_type", string(typ)),
				zap.Int("page", page),
				zap.Int("consecutive_failures", consecutive),
				zap.Error(err),
			)
			if err := s.checkpoint(ctx, typ, progress); err != nil {
				return err
			}
			if consecutive >= s.cfg.MaxConsecutivePageFailures {
				return fmt.Errorf("%d consecutive listing pages failed, last page %d: %w", consecutive, page, err)
			}
			continue
		}
		consecutive = 0

		n, err := s.projects.UpsertListingBatch(ctx, rows)
		if err != nil {
			return fmt.Errorf("upsert listing page %d: %w", page, err)
		}
		progress.CurrentPage = page
		progress.Total += n
		progress.LastItemKey = rows[len(rows)-1].ProjectLink
		if err := s.checkpoint(ctx, typ, progress); err != nil {
			return err
		}
		metrics.ObserveItem(string(typ), metrics.ItemSuccess)
		s.itemDone(typ)
		s.logger.Debug("listing page stored",
			zap.String("crawl_type", string(typ)),
			zap.Int("page", page),
			zap.Int("rows", n),
		)
	}
	return nil
}

func (s *Service) listingURL(page int) string {
	return strings.TrimRight(s.cfg.BaseURL, "/") + fmt.Sprintf(s.cfg.ListingPath, page)
}

// listingPage fetches and extracts one listing page. It returns
// crawler.ErrEmptyPage past the last page.
func (s *Service) listingPage(ctx context.Context, policy crawler.Policy, page int) ([]crawler.ListingRow, error) {
	target := s.listingURL(page)
	sel := s.cfg.Selectors
	start := time.Now()
	defer func() { metrics.ObserveFetch(string(policy.Type), time.Since(start)) }()

	var rows []crawler.ListingRow
	err := crawler.Retry(ctx, s.retry, func(ctx context.Context, _ int) error {
		sess, err := s.session(ctx, policy.Type)
		if err != nil {
			return err
		}
		if err := sess.Navigate(ctx, target, policy.NavTimeout); err != nil {
			return err
		}
		if err := sess.WaitFor(ctx, sel.ListingContainer, s.cfg.SelectorTimeout); err != nil {
			return fmt.Errorf("wait for listing: %w", err)
		}
		doc, err := sess.Document(ctx)
		if err != nil {
			return err
		}
		if extract.IsEmptyListing(doc, sel) {
			return fmt.Errorf("page %d: %w", page, crawler.ErrEmptyPage)
		}
		rows = extract.ListingRows(doc, sel, s.canon, page, s.clock.Now())
		if len(rows) == 0 {
			return fmt.Errorf("page %d has no rows: %w", page, crawler.ErrEmptyPage)
		}
		return nil
	}, s.onRetry(policy.Type, target))
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// runQueue enriches every candidate of the policy's queue once. Item
// failures are counted, not returned.
func (s *Service) runQueue(ctx context.Context, policy crawler.Policy, mode crawler.SpareMode) error {
	typ := policy.Type
	query := crawler.CandidateQuery{Kind: policy.QueueFor(mode), MaxFailures: policy.Threshold}
	candidates, err := s.projects.QueryDetailCandidates(ctx, query)
	if err != nil {
		return fmt.Errorf("query %s candidates: %w", query.Kind, err)
	}

	progress := crawler.Progress{Total: len(candidates), Remaining: len(candidates), Mode: mode}
	if err := s.checkpoint(ctx, typ, progress); err != nil {
		return err
	}
	s.logger.Info("detail queue loaded",
		zap.String("crawl_type", string(typ)),
		zap.String("queue", string(query.Kind)),
		zap.Int("candidates", len(candidates)),
	)

	for _, project := range candidates {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s queue: %w", typ, err)
		}
		if err := s.pacer.Wait(ctx, string(typ)); err != nil {
			return fmt.Errorf("pace %s: %w", project.ProjectLink, err)
		}

		result := s.processProject(ctx, policy, project)
		metrics.ObserveItem(string(typ), result)
		s.itemDone(typ)

		progress.Remaining--
		progress.LastItemKey = project.ProjectLink
		if result == metrics.ItemFailed {
			progress.FailedCount++
		}
		if err := s.checkpoint(ctx, typ, progress); err != nil {
			return err
		}
	}
	return nil
}

// processProject runs the retried detail fetch for one project and reports
// the item result.
func (s *Service) processProject(ctx context.Context, policy crawler.Policy, project crawler.Project) string {
	typ := policy.Type
	start := time.Now()
	var sentinel bool
	err := crawler.Retry(ctx, s.retry, func(ctx context.Context, attempt int) error {
		var err error
		sentinel, err = s.fetchDetail(ctx, policy, project)
		if err != nil {
			s.recordFailure(ctx, typ, project, attempt, err)
		}
		return err
	}, s.onRetry(typ, project.ProjectLink))
	metrics.ObserveFetch(string(typ), time.Since(start))

	switch {
	case err != nil:
		s.logger.Warn("project detail failed",
			zap.String("crawl_type", string(typ)),
			zap.String("project_link", project.ProjectLink),
			zap.Error(err),
		)
		return metrics.ItemFailed
	case sentinel:
		return metrics.ItemSentinel
	default:
		return metrics.ItemSuccess
	}
}

func (s *Service) recordFailure(ctx context.Context, typ crawler.CrawlType, project crawler.Project, attempt int, cause error) {
	failures, err := s.projects.IncrementDetailFailures(context.WithoutCancel(ctx), project.ID)
	if err != nil {
		s.logger.Error("increment detail failures",
			zap.String("crawl_type", string(typ)),
			zap.String("project_link", project.ProjectLink),
			zap.Error(err),
		)
		return
	}
	s.logger.Debug("detail attempt failed",
		zap.String("crawl_type", string(typ)),
		zap.String("project_link", project.ProjectLink),
		zap.Int("attempt", attempt),
		zap.Int("failures", failures),
		zap.NamedError("cause", cause),
	)
}

// fetchDetail enriches one project. For initial projects the funding rounds
// are persisted before the summary is validated; sentinel reports that an
// initial project yielded no edges. A page without a rounds control has no
// rounds.
func (s *Service) fetchDetail(ctx context.Context, policy crawler.Policy, project crawler.Project) (sentinel bool, err error) {
	if crawler.IsPlaceholderLink(project.ProjectLink) {
		return false, fmt.Errorf("%s: %w", project.ProjectLink, crawler.ErrPlaceholderLink)
	}
	sel := s.cfg.Selectors
	sess, err := s.session(ctx, policy.Type)
	if err != nil {
		return false, err
	}
	if err := sess.Navigate(ctx, project.ProjectLink, policy.NavTimeout); err != nil {
		return false, err
	}
	if err := sess.WaitFor(ctx, sel.DetailMarker, s.cfg.SelectorTimeout); err != nil {
		return false, fmt.Errorf("wait for detail: %w", err)
	}
	if _, err := sess.Interact(ctx, s.expand); err != nil {
		return false, fmt.Errorf("expand detail: %w", err)
	}
	if project.IsInitial {
		clicks, err := sess.Interact(ctx, s.rounds)
		if err != nil {
			return false, fmt.Errorf("open rounds: %w", err)
		}
		// An opened rounds tab with no table is a failed load, not zero rounds.
		if clicks > 0 {
			if err := sess.WaitFor(ctx, sel.RoundsTable, s.cfg.SelectorTimeout); err != nil {
				return false, fmt.Errorf("wait for rounds: %w", err)
			}
		}
	}
	doc, err := sess.Document(ctx)
	if err != nil {
		return false, err
	}

	edges := 0
	if project.IsInitial {
		edges, err = s.ProcessRounds(ctx, project.ID, doc)
		if err != nil {
			return false, err
		}
	}

	summary := extract.ExtractSummary(doc, sel, s.cfg.BaseURL)
	if !summary.Complete() {
		return false, fmt.Errorf("%w: name=%t logo=%t social_links=%d",
			crawler.ErrDetailIncomplete, summary.Name.Present(), summary.Logo.Present(), len(summary.SocialLinks))
	}

	sentinel = project.IsInitial && edges == 0
	failures := 0
	if sentinel {
		failures = crawler.SentinelNoMoreRounds
	}
	update := crawler.DetailUpdate{
		ProjectName:          summary.Name.OrZero(),
		Description:          summary.Description.Ptr(),
		Logo:                 summary.Logo.OrZero(),
		SocialLinks:          summary.SocialLinks,
		TeamMembers:          summary.Team,
		DetailFetchedAt:      s.clock.Now().UnixMilli(),
		DetailFailuresNumber: failures,
	}
	if err := s.projects.SaveDetail(ctx, project.ID, update); err != nil {
		return false, fmt.Errorf("save detail: %w", err)
	}
	return sentinel, nil
}

// ProcessRounds stores the funding rounds on doc as edges into fundedID,
// creating investor projects on first sight. It returns the number of edges
// found on the page, including ones already stored.
func (s *Service) ProcessRounds(ctx context.Context, fundedID int64, doc *goquery.Document) (int, error) {
	rounds, found := extract.Rounds(doc, s.cfg.Selectors, s.canon, s.clock.Now())
	if !found {
		return 0, nil
	}
	var edges []crawler.InvestmentRelationship
	for _, round := range rounds {
		for _, investor := range round.Investors {
			investorID, err := s.projects.FindOrCreateProject(ctx, investor.Link,
				crawler.ProjectSeed{ProjectName: investor.Name})
			if err != nil {
				return 0, fmt.Errorf("investor %s: %w", investor.Link, err)
			}
			edges = append(edges, crawler.InvestmentRelationship{
				InvestorProjectID:  investorID,
				FundedProjectID:    fundedID,
				Round:              round.Label.Ptr(),
				Amount:             round.Amount.Ptr(),
				FormattedAmount:    round.FormattedAmount,
				Valuation:          round.Valuation.Ptr(),
				FormattedValuation: round.FormattedValuation,
				Date:               round.FundedAt,
				Lead:               investor.Lead,
			})
		}
	}
	if len(edges) == 0 {
		return 0, nil
	}
	if _, err := s.projects.CreateRelationships(ctx, edges); err != nil {
		return 0, fmt.Errorf("create relationships: %w", err)
	}
	return len(edges), nil
}
