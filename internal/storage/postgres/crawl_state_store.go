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

const stateColumns = `type, status, last_update_time, error, progress`

// CrawlStateStore implements store.CrawlStateStore on the crawl_states table.
type CrawlStateStore struct {
	pool Pool
	now  func() time.Time
}

var _ store.CrawlStateStore = (*CrawlStateStore)(nil)

// NewCrawlStateStore wraps an existing pool.
func NewCrawlStateStore(pool Pool) (*CrawlStateStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &CrawlStateStore{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// Get loads the row for typ.
func (s *CrawlStateStore) Get(ctx context.Context, typ crawler.CrawlType) (crawler.CrawlState, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+stateColumns+` FROM crawl_states WHERE type = $1`, string(typ))
	state, err := scanState(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.CrawlState{}, store.ErrNotFound
		}
		return crawler.CrawlState{}, fmt.Errorf("get crawl state %s: %w", typ, err)
	}
	return state, nil
}

// CreateIfAbsent returns the row for typ, inserting an idle one if missing.
func (s *CrawlStateStore) CreateIfAbsent(ctx context.Context, typ crawler.CrawlType) (crawler.CrawlState, error) {
	query := `
		INSERT INTO crawl_states (type, status, last_update_time, progress)
		VALUES ($1, 'idle', $2, '{}'::jsonb)
		ON CONFLICT (type) DO UPDATE SET type = EXCLUDED.type
		RETURNING ` + stateColumns + `;
	`
	state, err := scanState(s.pool.QueryRow(ctx, query, string(typ), s.now()))
	if err != nil {
		return crawler.CrawlState{}, fmt.Errorf("create crawl state %s: %w", typ, err)
	}
	return state, nil
}

// Save upserts the whole row.
func (s *CrawlStateStore) Save(ctx context.Context, state crawler.CrawlState) error {
	progress, err := json.Marshal(state.Progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	query := `
		INSERT INTO crawl_states (type, status, last_update_time, error, progress)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (type) DO UPDATE SET
			status = EXCLUDED.status,
			last_update_time = EXCLUDED.last_update_time,
			error = EXCLUDED.error,
			progress = EXCLUDED.progress;
	`
	if _, err := s.pool.Exec(ctx, query,
		string(state.Type), string(state.Status), s.now(), state.Error, progress,
	); err != nil {
		return fmt.Errorf("save crawl state %s: %w", state.Type, err)
	}
	return nil
}

// TryAcquire is a single conditional upsert: the update only applies when the
// existing row is not running, so no row comes back on conflict.
func (s *CrawlStateStore) TryAcquire(
	ctx context.Context,
	typ crawler.CrawlType,
	progress crawler.Progress,
) (crawler.CrawlState, error) {
	payload, err := json.Marshal(progress)
	if err != nil {
		return crawler.CrawlState{}, fmt.Errorf("marshal progress: %w", err)
	}
	query := `
		INSERT INTO crawl_states (type, status, last_update_time, error, progress)
		VALUES ($1, 'running', $2, NULL, $3)
		ON CONFLICT (type) DO UPDATE SET
			status = 'running',
			last_update_time = EXCLUDED.last_update_time,
			error = NULL,
			progress = EXCLUDED.progress
		WHERE crawl_states.status <> 'running'
		RETURNING ` + stateColumns + `;
	`
	state, err := scanState(s.pool.QueryRow(ctx, query, string(typ), s.now(), payload))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.CrawlState{}, &store.ConflictError{Type: typ}
		}
		return crawler.CrawlState{}, fmt.Errorf("acquire crawl state %s: %w", typ, err)
	}
	return state, nil
}

// Release records a terminal status and keeps the last progress checkpoint.
func (s *CrawlStateStore) Release(ctx context.Context, typ crawler.CrawlType, outcome crawler.Outcome) error {
	var errText *string
	if outcome.Err != nil {
		msg := outcome.Err.Error()
		errText = &msg
	}
	query := `
		INSERT INTO crawl_states (type, status, last_update_time, error, progress)
		VALUES ($1, $2, $3, $4, '{}'::jsonb)
		ON CONFLICT (type) DO UPDATE SET
			status = EXCLUDED.status,
			last_update_time = EXCLUDED.last_update_time,
			error = EXCLUDED.error;
	`
	if _, err := s.pool.Exec(ctx, query, string(typ), string(outcome.Status), s.now(), errText); err != nil {
		return fmt.Errorf("release crawl state %s: %w", typ, err)
	}
	return nil
}

// ResetAll forces every crawl type to idle, creating missing rows.
func (s *CrawlStateStore) ResetAll(ctx context.Context) error {
	types := make([]string, 0, len(crawler.AllTypes))
	for _, t := range crawler.AllTypes {
		types = append(types, string(t))
	}
	query := `
		INSERT INTO crawl_states (type, status, last_update_time, progress)
		SELECT t, 'idle', $2, '{}'::jsonb FROM unnest($1::text[]) AS t
		ON CONFLICT (type) DO UPDATE SET
			status = 'idle',
			error = NULL,
			last_update_time = EXCLUDED.last_update_time;
	`
	if _, err := s.pool.Exec(ctx, query, types, s.now()); err != nil {
		return fmt.Errorf("reset crawl states: %w", err)
	}
	return nil
}

// List returns every row ordered by type.
func (s *CrawlStateStore) List(ctx context.Context) ([]crawler.CrawlState, error) {
	return s.queryStates(ctx, `SELECT `+stateColumns+` FROM crawl_states ORDER BY type`)
}

// RecoverInterrupted resets running/failed rows and returns their prior state.
func (s *CrawlStateStore) RecoverInterrupted(ctx context.Context) ([]crawler.CrawlState, error) {
	query := `
		WITH prior AS (
			SELECT ` + stateColumns + ` FROM crawl_states
			WHERE status IN ('running', 'failed')
			FOR UPDATE
		), reset AS (
			UPDATE crawl_states c
			SET status = 'idle', error = NULL, last_update_time = $1
			FROM prior
			WHERE c.type = prior.type
		)
		SELECT ` + stateColumns + ` FROM prior ORDER BY type;
	`
	states, err := s.queryStates(ctx, query, s.now())
	if err != nil {
		return nil, fmt.Errorf("recover crawl states: %w", err)
	}
	return states, nil
}

func (s *CrawlStateStore) queryStates(ctx context.Context, sql string, args ...any) ([]crawler.CrawlState, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query crawl states: %w", err)
	}
	defer rows.Close()
	var out []crawler.CrawlState
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan crawl state: %w", err)
		}
		out = append(out, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate crawl states: %w", err)
	}
	return out, nil
}

func scanState(row pgx.Row) (crawler.CrawlState, error) {
	var (
		typ, status string
		updated     *time.Time
		errText     *string
		progress    []byte
	)
	if err := row.Scan(&typ, &status, &updated, &errText, &progress); err != nil {
		return crawler.CrawlState{}, err
	}
	state := crawler.CrawlState{
		Type:           crawler.CrawlType(typ),
		Status:         crawler.CrawlStatus(status),
		LastUpdateTime: updated,
		Error:          errText,
	}
	if len(progress) > 0 {
		if err := json.Unmarshal(progress, &state.Progress); err != nil {
			return crawler.CrawlState{}, fmt.Errorf("decode progress: %w", err)
		}
	}
	return state, nil
}
