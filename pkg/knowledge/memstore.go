package knowledge

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemStore is an in-memory Store for tests and single-process runs.
type MemStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[string]Entry)}
}

// Init is a no-op for the in-memory backend.
func (s *MemStore) Init(context.Context) error { return nil }

// Add persists a new entry. Duplicate ids are an error.
func (s *MemStore) Add(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[e.ID]; exists {
		return fmt.Errorf("knowledge: duplicate entry id %q", e.ID)
	}
	s.entries[e.ID] = e
	return nil
}

// Get fetches a full document by id.
func (s *MemStore) Get(_ context.Context, id string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("knowledge: entry not found: %s", id)
	}
	return e, nil
}

// SearchVector brute-forces cosine similarity over question embeddings.
func (s *MemStore) SearchVector(_ context.Context, embedding []float32, k int) ([]Scored, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]Scored, 0, len(s.entries))
	for _, e := range s.entries {
		if len(e.QuestionEmbedding) == 0 {
			continue
		}
		results = append(results, Scored{Entry: e, Score: CosineSimilarity(embedding, e.QuestionEmbedding)})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// SearchKeyword ranks entries with in-process BM25.
func (s *MemStore) SearchKeyword(_ context.Context, query string, k int) ([]Scored, error) {
	s.mu.RLock()
	all := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		all = append(all, e)
	}
	s.mu.RUnlock()

	// Stable corpus order so BM25 ties resolve deterministically.
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return rankBM25(query, all, k), nil
}

// IncrementTimesAsked bumps the match counter.
func (s *MemStore) IncrementTimesAsked(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("knowledge: entry not found: %s", id)
	}
	e.Meta.TimesAsked++
	s.entries[id] = e
	return nil
}

// Count returns the number of stored entries.
func (s *MemStore) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

// Close is a no-op for the in-memory backend.
func (s *MemStore) Close() error { return nil }
