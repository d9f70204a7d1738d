package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/focusgroup-ai/focusgroup/pkg/cost"
	"github.com/focusgroup-ai/focusgroup/pkg/llm"
	"github.com/focusgroup-ai/focusgroup/pkg/models"
)

const (
	// defaultHitThreshold is the fused relevance at or above which a
	// search result counts as a cache hit for routing.
	defaultHitThreshold = 0.7

	// defaultTopK is the result count returned by Search.
	defaultTopK = 5

	// searchTimeout bounds one hybrid lookup.
	searchTimeout = 5 * time.Second

	// costPerEmbedding approximates small-model embedding spend at
	// ~100 tokens per text.
	costPerEmbedding = 0.000002
)

// Cache is the hybrid lookup front of the knowledge store. Search is
// best effort: backend failures degrade to an empty result with zero
// cost. Store failures are fatal so an approved answer is never lost
// silently.
type Cache struct {
	store        Store
	embedder     llm.EmbeddingClient
	costs        *cost.Controller
	embedCache   *EmbedCache
	hitThreshold float64
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithHitThreshold overrides the fused-score hit threshold.
func WithHitThreshold(t float64) CacheOption {
	return func(c *Cache) { c.hitThreshold = t }
}

// WithEmbedCache shares an embedding cache across Cache instances so
// repeated queries skip re-embedding and the retention janitor has one
// place to sweep.
func WithEmbedCache(ec *EmbedCache) CacheOption {
	return func(c *Cache) {
		if ec != nil {
			c.embedCache = ec
		}
	}
}

// NewCache wires the store, the embedding client, and the cost ledger.
func NewCache(store Store, embedder llm.EmbeddingClient, costs *cost.Controller, opts ...CacheOption) *Cache {
	c := &Cache{
		store:        store,
		embedder:     embedder,
		costs:        costs,
		embedCache:   NewEmbedCache(),
		hitThreshold: defaultHitThreshold,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HitThreshold returns the fused-score threshold for routing.
func (c *Cache) HitThreshold() float64 { return c.hitThreshold }

// Hit reports whether the best result clears the hit threshold.
func (c *Cache) Hit(results []models.CacheResult) bool {
	return len(results) > 0 && results[0].RelevanceScore >= c.hitThreshold
}

// Search runs the hybrid lookup: embed the query, take vector and
// keyword candidates at 2x depth, fuse with RRF, and return the topK
// full documents with fused relevance attached. The second return is
// the embedding cost incurred. Failures never propagate; they degrade
// to an empty result with zero cost.
func (c *Cache) Search(ctx context.Context, query string, topK int) ([]models.CacheResult, float64) {
	if strings.TrimSpace(query) == "" {
		return nil, 0
	}
	if topK <= 0 {
		topK = defaultTopK
	}
	ctx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()
	start := time.Now()

	embedding, embedCost, err := c.embedQuery(ctx, query)
	if err != nil {
		slog.Warn("Cache search degraded: embedding failed", "error", err)
		return nil, 0
	}

	vector, err := c.store.SearchVector(ctx, embedding, 2*topK)
	if err != nil {
		slog.Warn("Vector search failed", "error", err)
		vector = nil
	}
	keyword, err := c.store.SearchKeyword(ctx, query, 2*topK)
	if err != nil {
		slog.Warn("Keyword search failed", "error", err)
		keyword = nil
	}

	fused := FuseRRF(vector, keyword, topK)
	results := make([]models.CacheResult, 0, len(fused))
	for _, f := range fused {
		if err := c.store.IncrementTimesAsked(ctx, f.ID); err != nil {
			slog.Warn("Failed to bump times_asked", "id", f.ID, "error", err)
		}
		results = append(results, models.CacheResult{
			ID:             f.ID,
			Question:       f.Question,
			Answer:         f.Answer,
			Category:       f.Meta.Category,
			RelevanceScore: f.Score,
		})
	}

	slog.Info("Hybrid search complete",
		"results", len(results),
		"vector_hits", len(vector),
		"keyword_hits", len(keyword),
		"duration", time.Since(start))
	return results, embedCost
}

// embedQuery returns the query embedding, consulting the content-hash
// cache first. Only a fresh embedding call incurs cost.
func (c *Cache) embedQuery(ctx context.Context, query string) ([]float32, float64, error) {
	if vec, ok := c.embedCache.Get(query); ok {
		return vec, 0, nil
	}
	vecs, err := c.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, 0, err
	}
	if len(vecs) != 1 {
		return nil, 0, fmt.Errorf("knowledge: expected 1 embedding, got %d", len(vecs))
	}
	c.embedCache.Put(query, vecs[0])
	c.costs.RecordFlat(cost.CategoryEmbeddings, "embedding", 0, 0, costPerEmbedding)
	return vecs[0], costPerEmbedding, nil
}

// StoreRequest carries one approved answer into the cache.
type StoreRequest struct {
	Question             string
	Answer               string
	ApprovedBy           string
	Category             string
	OriginalExpertAnswer string
	HumanModified        bool
}

// StoreApproved embeds question and answer in one batch and persists
// the document with human_approved set. It returns the new id and the
// embedding cost. Any failure is returned to the caller; the answer
// must not be lost silently.
func (c *Cache) StoreApproved(ctx context.Context, req StoreRequest) (string, float64, error) {
	if strings.TrimSpace(req.Question) == "" || strings.TrimSpace(req.Answer) == "" {
		return "", 0, fmt.Errorf("knowledge: question and answer cannot be empty")
	}
	if req.Category == "" {
		req.Category = "general"
	}

	vecs, err := c.embedder.Embed(ctx, []string{req.Question, req.Answer})
	if err != nil {
		return "", 0, fmt.Errorf("knowledge: embed question/answer: %w", err)
	}
	if len(vecs) != 2 {
		return "", 0, fmt.Errorf("knowledge: expected 2 embeddings, got %d", len(vecs))
	}
	embedCost := 2 * costPerEmbedding
	c.costs.RecordFlat(cost.CategoryEmbeddings, "embedding", 0, 0, embedCost)

	id := "q_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	entry := Entry{
		ID:                id,
		Question:          req.Question,
		Answer:            req.Answer,
		QuestionEmbedding: vecs[0],
		AnswerEmbedding:   vecs[1],
		Meta: Metadata{
			HumanApproved:        true,
			ApprovedBy:           req.ApprovedBy,
			ApprovalTimestamp:    time.Now().UTC(),
			Category:             req.Category,
			HumanModified:        req.HumanModified,
			TimesAsked:           1,
			OriginalExpertAnswer: req.OriginalExpertAnswer,
		},
	}
	if err := c.store.Add(ctx, entry); err != nil {
		return "", embedCost, fmt.Errorf("knowledge: store approved answer: %w", err)
	}

	slog.Info("Cached approved answer", "id", id, "category", req.Category)
	return id, embedCost, nil
}

// SweepEmbeddings drops expired embedding cache entries. Called by the
// retention janitor.
func (c *Cache) SweepEmbeddings() int {
	return c.embedCache.Sweep()
}
