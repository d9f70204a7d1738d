// Package knowledge is the hybrid store of human-approved question and
// answer pairs. Lookup fuses vector similarity over question embeddings
// with keyword search over question and answer text using Reciprocal
// Rank Fusion; storage keeps embeddings of both question and answer.
//
// Backends implement the Store interface: an in-memory store for tests,
// a pure-Go SQLite store for single-node deployments, and a PostgreSQL
// store with pgvector for shared deployments.
package knowledge

import (
	"context"
	"math"
	"time"
)

// Metadata describes the provenance of a cached answer.
type Metadata struct {
	HumanApproved        bool      `json:"human_approved"`
	ApprovedBy           string    `json:"approved_by"`
	ApprovalTimestamp    time.Time `json:"approval_timestamp"`
	Category             string    `json:"category"`
	HumanModified        bool      `json:"human_modified"`
	TimesAsked           int       `json:"times_asked"`
	EffectivenessScore   *float64  `json:"effectiveness_score,omitempty"`
	OriginalExpertAnswer string    `json:"original_expert_answer,omitempty"`
}

// Entry is one approved question/answer document with embeddings of
// both sides.
type Entry struct {
	ID                string    `json:"id"`
	Question          string    `json:"question"`
	Answer            string    `json:"answer"`
	QuestionEmbedding []float32 `json:"question_embedding"`
	AnswerEmbedding   []float32 `json:"answer_embedding"`
	Meta              Metadata  `json:"metadata"`
}

// Scored pairs an entry with a search score. The score's meaning
// depends on the producing search: cosine similarity for vector
// search, backend rank score for keyword search, fused relevance after
// RRF.
type Scored struct {
	Entry
	Score float64
}

// Store is the persistence backend. At most one entry exists per id;
// Add never overwrites silently.
type Store interface {
	// Init creates backend schema. Safe to call repeatedly.
	Init(ctx context.Context) error
	// Add persists a new entry. Duplicate ids are an error.
	Add(ctx context.Context, e Entry) error
	// Get fetches a full document by id.
	Get(ctx context.Context, id string) (Entry, error)
	// SearchVector returns the k nearest entries to the query embedding
	// by cosine similarity over question embeddings, best first.
	SearchVector(ctx context.Context, embedding []float32, k int) ([]Scored, error)
	// SearchKeyword ranks entries by keyword relevance of the query
	// against question and answer text, best first.
	SearchKeyword(ctx context.Context, query string, k int) ([]Scored, error)
	// IncrementTimesAsked bumps the match counter, best effort.
	IncrementTimesAsked(ctx context.Context, id string) error
	// Count returns the number of stored entries.
	Count(ctx context.Context) (int, error)
	Close() error
}

// CosineSimilarity computes cosine similarity between two vectors.
// Mismatched lengths or zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
