package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/fundraising-crawler/internal/crawler"
	"github.com/JakeFAU/fundraising-crawler/internal/orchestrator"
	"github.com/JakeFAU/fundraising-crawler/internal/store"
)

// listProjects handles GET /api/fundraising?page=&limit=&keyword=&sort=.
// Only initial projects are listed. page must be >= 1 and limit within
// [5, 50]; anything else is a 400.
func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	q, err := parseProjectQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	page, err := s.catalog.ListProjects(ctx, q)
	if err != nil {
		s.logger.Error("list projects failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch data")
		return
	}
	writeJSON(w, http.StatusOK, projectListDTO{
		Data:       page.Items,
		Total:      page.Total,
		Page:       q.Page,
		Limit:      q.Limit,
		TotalPages: (page.Total + q.Limit - 1) / q.Limit,
	})
}

// listInvestments handles GET /api/fundraising/projects/{id}/investments.
func (s *Server) listInvestments(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	inv, err := s.catalog.ListInvestments(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
		s.logger.Error("list investments failed", zap.Int64("project_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch investments")
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// status handles GET /api/fundraising/status. Every crawl type is listed,
// including ones that never ran.
func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	states, err := s.crawls.Status(ctx)
	if err != nil {
		s.logger.Error("load crawl status failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch crawl status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"states": states})
}

// resetStatus handles POST /api/fundraising/status/reset.
func (s *Server) resetStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	if err := s.crawls.Reset(ctx); err != nil {
		s.logger.Error("reset crawl status failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to reset crawl statuses")
		return
	}
	s.logger.Warn("crawl statuses reset to idle", zap.String("request_id", requestID(r.Context())))
	writeJSON(w, http.StatusOK, map[string]string{"message": "all crawl statuses reset to idle"})
}

// startCrawl handles POST /api/fundraising/crawl/{type}[?start_page=N]. The
// crawl runs in the background; 200 means it was accepted, 409 means the
// type is already running and 404 names an unknown type.
func (s *Server) startCrawl(w http.ResponseWriter, r *http.Request) {
	trig, err := crawler.ParseTrigger(chi.URLParam(r, "type"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	var opts orchestrator.StartOptions
	if raw := r.URL.Query().Get("start_page"); raw != "" {
		page, convErr := strconv.Atoi(raw)
		if convErr != nil || page < 1 {
			writeError(w, http.StatusBadRequest, "invalid start_page")
			return
		}
		opts.StartPage = page
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	if err := s.crawls.Start(ctx, trig, opts); err != nil {
		if errors.Is(err, store.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("start crawl failed", zap.String("trigger", trig.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to start %s crawl", trig))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": fmt.Sprintf("%s crawl started", trig)})
}

func parseProjectQuery(r *http.Request) (store.ProjectQuery, error) {
	values := r.URL.Query()
	q := store.ProjectQuery{
		Page:           1,
		Limit:          store.DefaultPageLimit,
		Keyword:        strings.TrimSpace(values.Get("keyword")),
		SortByFundedAt: values.Get("sort") == "fundedAt",
	}
	if raw := values.Get("page"); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil || page < 1 {
			return store.ProjectQuery{}, errors.New("page must be an integer >= 1")
		}
		q.Page = page
	}
	if raw := values.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < store.MinPageLimit || limit > store.MaxPageLimit {
			return store.ProjectQuery{}, fmt.Errorf(
				"limit must be an integer between %d and %d", store.MinPageLimit, store.MaxPageLimit)
		}
		q.Limit = limit
	}
	return q, nil
}

type projectListDTO struct {
	Data       []crawler.Project `json:"data"`
	Total      int               `json:"total"`
	Page       int               `json:"page"`
	Limit      int               `json:"limit"`
	TotalPages int               `json:"totalPages"`
}
