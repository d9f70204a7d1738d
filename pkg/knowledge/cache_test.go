package knowledge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/focusgroup-ai/focusgroup/pkg/cost"
	"github.com/focusgroup-ai/focusgroup/pkg/llm"
)

func newTestCache(t *testing.T) (*Cache, *MemStore, *cost.Controller) {
	t.Helper()
	store := NewMemStore()
	costs := cost.NewController(cost.DefaultBudget())
	cache := NewCache(store, llm.NewHashEmbedder(384), costs)
	return cache, store, costs
}

func TestStoreThenSearchRanksStoredEntryFirst(t *testing.T) {
	cache, _, _ := newTestCache(t)
	ctx := context.Background()

	id, embedCost, err := cache.StoreApproved(ctx, StoreRequest{
		Question:   "How do I authenticate against the API?",
		Answer:     "Use a bearer token in the Authorization header.",
		ApprovedBy: "reviewer-1",
		Category:   "auth",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Greater(t, embedCost, 0.0)

	results, searchCost := cache.Search(ctx, "How do I authenticate against the API?", 5)
	require.NotEmpty(t, results)
	assert.Equal(t, id, results[0].ID)
	assert.GreaterOrEqual(t, results[0].RelevanceScore, 0.9)
	assert.True(t, cache.Hit(results))
	assert.GreaterOrEqual(t, searchCost, 0.0)
}

func TestSearchEmptyQuery(t *testing.T) {
	cache, _, _ := newTestCache(t)
	results, embedCost := cache.Search(context.Background(), "   ", 5)
	assert.Empty(t, results)
	assert.Zero(t, embedCost)
}

func TestSearchMissBelowThreshold(t *testing.T) {
	cache, _, _ := newTestCache(t)
	ctx := context.Background()

	_, _, err := cache.StoreApproved(ctx, StoreRequest{
		Question:   "How do I configure database migrations?",
		Answer:     "Run the migrate tool before startup.",
		ApprovedBy: "reviewer-1",
		Category:   "db",
	})
	require.NoError(t, err)

	// Unrelated query: only a weak single-list match at best.
	results, _ := cache.Search(ctx, "why is my websocket handshake failing", 5)
	assert.False(t, cache.Hit(results))
}

func TestStoreApprovedRejectsEmpty(t *testing.T) {
	cache, _, _ := newTestCache(t)
	_, _, err := cache.StoreApproved(context.Background(), StoreRequest{Question: "", Answer: "x"})
	assert.Error(t, err)
	_, _, err = cache.StoreApproved(context.Background(), StoreRequest{Question: "q", Answer: "  "})
	assert.Error(t, err)
}

func TestStoreApprovedDefaultsCategory(t *testing.T) {
	cache, store, _ := newTestCache(t)
	ctx := context.Background()

	id, _, err := cache.StoreApproved(ctx, StoreRequest{
		Question: "q", Answer: "a", ApprovedBy: "r",
	})
	require.NoError(t, err)

	e, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "general", e.Meta.Category)
	assert.True(t, e.Meta.HumanApproved)
	assert.Equal(t, 1, e.Meta.TimesAsked)
}

func TestSearchChargesEmbeddingOnceThenUsesCache(t *testing.T) {
	cache, _, costs := newTestCache(t)
	ctx := context.Background()

	_, c1 := cache.Search(ctx, "some novel question", 5)
	assert.InDelta(t, costPerEmbedding, c1, 1e-12)

	_, c2 := cache.Search(ctx, "some novel question", 5)
	assert.Zero(t, c2, "repeat query should hit the embedding cache")

	assert.InDelta(t, costPerEmbedding, costs.Spent(cost.CategoryEmbeddings), 1e-12)
}

func TestSearchIncrementsTimesAsked(t *testing.T) {
	cache, store, _ := newTestCache(t)
	ctx := context.Background()

	id, _, err := cache.StoreApproved(ctx, StoreRequest{
		Question: "how do I paginate results", Answer: "use the cursor param", ApprovedBy: "r",
	})
	require.NoError(t, err)

	cache.Search(ctx, "how do I paginate results", 5)
	e, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, e.Meta.TimesAsked)
}

type failingStore struct {
	*MemStore
	failAdd bool
}

func (f *failingStore) SearchVector(context.Context, []float32, int) ([]Scored, error) {
	return nil, errors.New("backend unavailable")
}

func (f *failingStore) SearchKeyword(context.Context, string, int) ([]Scored, error) {
	return nil, errors.New("backend unavailable")
}

func (f *failingStore) Add(ctx context.Context, e Entry) error {
	if f.failAdd {
		return errors.New("backend unavailable")
	}
	return f.MemStore.Add(ctx, e)
}

func TestSearchDegradesOnBackendFailure(t *testing.T) {
	store := &failingStore{MemStore: NewMemStore()}
	costs := cost.NewController(cost.DefaultBudget())
	cache := NewCache(store, llm.NewHashEmbedder(384), costs)

	results, _ := cache.Search(context.Background(), "anything", 5)
	assert.Empty(t, results)
}

func TestStoreFailureIsFatal(t *testing.T) {
	store := &failingStore{MemStore: NewMemStore(), failAdd: true}
	costs := cost.NewController(cost.DefaultBudget())
	cache := NewCache(store, llm.NewHashEmbedder(384), costs)

	_, _, err := cache.StoreApproved(context.Background(), StoreRequest{
		Question: "q", Answer: "a", ApprovedBy: "r",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store approved answer")
}

func TestEmbedCacheTTL(t *testing.T) {
	c := NewEmbedCache()
	base := time.Now()
	c.now = func() time.Time { return base }

	c.Put("q", []float32{1, 2, 3})
	got, ok := c.Get("q")
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2, 3}, got)

	c.now = func() time.Time { return base.Add(embedCacheTTL + time.Minute) }
	_, ok = c.Get("q")
	assert.False(t, ok)
}

func TestEmbedCacheSweep(t *testing.T) {
	c := NewEmbedCache()
	base := time.Now()
	c.now = func() time.Time { return base }

	c.Put("fresh", []float32{1})
	c.Put("stale", []float32{2})
	assert.Equal(t, 2, c.Len())

	c.now = func() time.Time { return base.Add(embedCacheTTL + time.Minute) }
	c.Put("newer", []float32{3})

	removed := c.Sweep()
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, c.Len())
}

func TestMemStoreSearchKeyword(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	require.NoError(t, store.Add(ctx, Entry{
		ID: "auth", Question: "How do I authenticate?", Answer: "Use a bearer token.",
	}))
	require.NoError(t, store.Add(ctx, Entry{
		ID: "db", Question: "How do I run migrations?", Answer: "Use the migrate tool.",
	}))

	hits, err := store.SearchKeyword(ctx, "bearer token authenticate", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "auth", hits[0].ID)

	none, err := store.SearchKeyword(ctx, "zzz qqq", 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemStoreDuplicateID(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	require.NoError(t, store.Add(ctx, Entry{ID: "x", Question: "q", Answer: "a"}))
	assert.Error(t, store.Add(ctx, Entry{ID: "x", Question: "q2", Answer: "a2"}))

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
