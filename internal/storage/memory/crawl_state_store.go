package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/fundraising-crawler/internal/crawler"
	"github.com/JakeFAU/fundraising-crawler/internal/store"
)

// CrawlStateStore keeps crawl state rows in memory. TryAcquire holds the
// write lock across the check and the update.
type CrawlStateStore struct {
	mu     sync.Mutex
	now    func() time.Time
	states map[crawler.CrawlType]crawler.CrawlState
}

var _ store.CrawlStateStore = (*CrawlStateStore)(nil)

// NewCrawlStateStore constructs an empty CrawlStateStore.
func NewCrawlStateStore() *CrawlStateStore {
	return &CrawlStateStore{
		now:    func() time.Time { return time.Now().UTC() },
		states: make(map[crawler.CrawlType]crawler.CrawlState),
	}
}

// Get returns the row for typ.
func (s *CrawlStateStore) Get(_ context.Context, typ crawler.CrawlType) (crawler.CrawlState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[typ]
	if !ok {
		return crawler.CrawlState{}, store.ErrNotFound
	}
	return cloneState(state), nil
}

// CreateIfAbsent returns the row for typ, creating an idle one if needed.
func (s *CrawlStateStore) CreateIfAbsent(_ context.Context, typ crawler.CrawlType) (crawler.CrawlState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneState(s.ensureLocked(typ)), nil
}

func (s *CrawlStateStore) ensureLocked(typ crawler.CrawlType) crawler.CrawlState {
	state, ok := s.states[typ]
	if !ok {
		now := s.now()
		state = crawler.CrawlState{Type: typ, Status: crawler.StatusIdle, LastUpdateTime: &now}
		s.states[typ] = state
	}
	return state
}

// Save overwrites the row and stamps lastUpdateTime.
func (s *CrawlStateStore) Save(_ context.Context, state crawler.CrawlState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	state.LastUpdateTime = &now
	s.states[state.Type] = cloneState(state)
	return nil
}

// TryAcquire moves typ to running unless it already is.
func (s *CrawlStateStore) TryAcquire(
	_ context.Context,
	typ crawler.CrawlType,
	progress crawler.Progress,
) (crawler.CrawlState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.ensureLocked(typ)
	if state.Status == crawler.StatusRunning {
		return crawler.CrawlState{}, &store.ConflictError{Type: typ}
	}
	now := s.now()
	state.Status = crawler.StatusRunning
	state.Error = nil
	state.Progress = progress
	state.LastUpdateTime = &now
	s.states[typ] = state
	return cloneState(state), nil
}

// Release records the outcome of a run.
func (s *CrawlStateStore) Release(_ context.Context, typ crawler.CrawlType, outcome crawler.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.ensureLocked(typ)
	now := s.now()
	state.Status = outcome.Status
	state.Error = nil
	if outcome.Err != nil {
		msg := outcome.Err.Error()
		state.Error = &msg
	}
	state.LastUpdateTime = &now
	s.states[typ] = state
	return nil
}

// ResetAll forces every known row, and every crawl type, to idle.
func (s *CrawlStateStore) ResetAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, typ := range crawler.AllTypes {
		s.ensureLocked(typ)
	}
	for typ, state := range s.states {
		state.Status = crawler.StatusIdle
		state.Error = nil
		state.LastUpdateTime = &now
		s.states[typ] = state
	}
	return nil
}

// List returns every row ordered by type.
func (s *CrawlStateStore) List(_ context.Context) ([]crawler.CrawlState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]crawler.CrawlState, 0, len(s.states))
	for _, state := range s.states {
		out = append(out, cloneState(state))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

// RecoverInterrupted resets running and failed rows to idle.
func (s *CrawlStateStore) RecoverInterrupted(_ context.Context) ([]crawler.CrawlState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var recovered []crawler.CrawlState
	for typ, state := range s.states {
		if state.Status != crawler.StatusRunning && state.Status != crawler.StatusFailed {
			continue
		}
		recovered = append(recovered, cloneState(state))
		state.Status = crawler.StatusIdle
		state.Error = nil
		state.LastUpdateTime = &now
		s.states[typ] = state
	}
	sort.Slice(recovered, func(i, j int) bool { return recovered[i].Type < recovered[j].Type })
	return recovered, nil
}

func cloneState(state crawler.CrawlState) crawler.CrawlState {
	if state.LastUpdateTime != nil {
		t := *state.LastUpdateTime
		state.LastUpdateTime = &t
	}
	if state.Error != nil {
		e := *state.Error
		state.Error = &e
	}
	return state
}
