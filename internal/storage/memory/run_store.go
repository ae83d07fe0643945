// Package memory provides in-memory persistence for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"adscout/internal/scout"
)

// RunStore keeps runs in a map guarded by a mutex.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]scout.Run
}

// NewRunStore creates an empty in-memory run store.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]scout.Run)}
}

// CreateRun inserts a run, rejecting a duplicate id with ErrRunExists.
func (s *RunStore) CreateRun(_ context.Context, run scout.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.RunID]; ok {
		return scout.ErrRunExists
	}
	s.runs[run.RunID] = run
	return nil
}

// GetRun fetches a run by id.
func (s *RunStore) GetRun(_ context.Context, runID string) (scout.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return scout.Run{}, scout.ErrRunNotFound
	}
	return run, nil
}

// Status collapses the stored run into the three-state answer.
func (s *RunStore) Status(_ context.Context, runID string) (scout.RunState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return scout.RunStateUnknown, nil
	}
	if run.Completed() {
		return scout.RunStateCompleted, nil
	}
	return scout.RunStateInProgress, nil
}

// MarkCompleted records completion once; replays are no-ops.
func (s *RunStore) MarkCompleted(_ context.Context, runID string, scrapedCount int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return scout.ErrRunNotFound
	}
	if run.Completed() {
		return nil
	}
	run.ScrapedCount = scrapedCount
	run.CompletedAt = &at
	run.UpdatedAt = at
	s.runs[runID] = run
	return nil
}

// RenewLease extends the poll lease on an incomplete run.
func (s *RunStore) RenewLease(_ context.Context, runID string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok || run.Completed() {
		return nil
	}
	run.LeaseExpiresAt = &until
	run.UpdatedAt = until
	s.runs[runID] = run
	return nil
}

// ListExpiredLeases returns incomplete runs whose lease lapsed before the
// cutoff, oldest lease first.
func (s *RunStore) ListExpiredLeases(_ context.Context, cutoff time.Time, limit int) ([]scout.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	var expired []scout.Run
	for _, run := range s.runs {
		if run.Completed() || run.LeaseExpiresAt == nil {
			continue
		}
		if run.LeaseExpiresAt.Before(cutoff) {
			expired = append(expired, run)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].LeaseExpiresAt.Before(*expired[j].LeaseExpiresAt)
	})
	if len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

// DeleteRun removes a run; deleting a missing run is not an error.
func (s *RunStore) DeleteRun(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.runs, runID)
	return nil
}
