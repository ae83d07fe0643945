package memory

import (
	"context"
	"sort"
	"sync"

	"adscout/internal/scout"
)

// CreativeStore keeps creatives keyed on ad_archive_id.
type CreativeStore struct {
	mu        sync.RWMutex
	creatives map[string]scout.Creative
}

// NewCreativeStore creates an empty in-memory creative store.
func NewCreativeStore() *CreativeStore {
	return &CreativeStore{creatives: make(map[string]scout.Creative)}
}

// UpsertBatch writes every record keyed on its ad_archive_id. A re-run of
// the same batch rewrites the same entries.
func (s *CreativeStore) UpsertBatch(_ context.Context, records []scout.Creative) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	written := 0
	for _, rec := range records {
		if rec.AdArchiveID == "" {
			continue
		}
		if existing, ok := s.creatives[rec.AdArchiveID]; ok {
			rec.CreatedAt = existing.CreatedAt
		}
		s.creatives[rec.AdArchiveID] = rec
		written++
	}
	return written, nil
}

// ListByRun returns creatives for a run, newest first.
func (s *CreativeStore) ListByRun(_ context.Context, runID string) ([]scout.Creative, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []scout.Creative
	for _, rec := range s.creatives {
		if rec.RunID == runID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].AdArchiveID < out[j].AdArchiveID
	})
	return out, nil
}
