// Package postgres implements knowledge.Store on PostgreSQL with
// pgvector for native cosine search and tsvector for keyword ranking.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection; the caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/focusgroup-ai/focusgroup/pkg/knowledge"
)

// Store is a knowledge.Store backed by PostgreSQL with pgvector.
type Store struct {
	pool *pgxpool.Pool
	dim  int
}

var _ knowledge.Store = (*Store)(nil)

// New creates a Store over an existing pool. dim fixes the vector
// column dimension (e.g. 384 or 1536).
func New(pool *pgxpool.Pool, dim int) *Store {
	return &Store{pool: pool, dim: dim}
}

// Init creates the pgvector extension, table, and indexes. All
// statements are idempotent.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS answers (
			id TEXT PRIMARY KEY,
			question TEXT NOT NULL,
			answer TEXT NOT NULL,
			question_embedding vector(%d),
			answer_embedding vector(%d),
			metadata JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.dim, s.dim),
		`CREATE INDEX IF NOT EXISTS answers_question_embedding_idx
		 ON answers USING hnsw (question_embedding vector_cosine_ops)`,
		`CREATE INDEX IF NOT EXISTS answers_fts_idx
		 ON answers USING gin (to_tsvector('english', question || ' ' || answer))`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init schema: %w", err)
		}
	}
	return nil
}

// vectorLiteral renders an embedding in pgvector's text format.
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(x), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

func parseVector(s string) []float32 {
	s = strings.Trim(s, "[]")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil
		}
		out = append(out, float32(f))
	}
	return out
}

// Add inserts a new entry. Duplicate ids surface as a unique
// constraint error.
func (s *Store) Add(ctx context.Context, e knowledge.Entry) error {
	metaJSON, err := json.Marshal(e.Meta)
	if err != nil {
		return fmt.Errorf("postgres: marshal metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO answers (id, question, answer, question_embedding, answer_embedding, metadata)
		 VALUES ($1, $2, $3, $4::vector, $5::vector, $6)`,
		e.ID, e.Question, e.Answer,
		vectorLiteral(e.QuestionEmbedding), vectorLiteral(e.AnswerEmbedding), metaJSON,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert answer %s: %w", e.ID, err)
	}
	return nil
}

// Get fetches a full document by id.
func (s *Store) Get(ctx context.Context, id string) (knowledge.Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, question, answer, question_embedding::text, answer_embedding::text, metadata
		 FROM answers WHERE id = $1`, id)
	e, err := scanEntry(row.Scan)
	if err == pgx.ErrNoRows {
		return knowledge.Entry{}, fmt.Errorf("postgres: entry not found: %s", id)
	}
	return e, err
}

func scanEntry(scan func(...any) error) (knowledge.Entry, error) {
	var e knowledge.Entry
	var qEmb, aEmb string
	var metaJSON []byte
	if err := scan(&e.ID, &e.Question, &e.Answer, &qEmb, &aEmb, &metaJSON); err != nil {
		return knowledge.Entry{}, err
	}
	if err := json.Unmarshal(metaJSON, &e.Meta); err != nil {
		return knowledge.Entry{}, fmt.Errorf("postgres: unmarshal metadata: %w", err)
	}
	e.QuestionEmbedding = parseVector(qEmb)
	e.AnswerEmbedding = parseVector(aEmb)
	return e, nil
}

// SearchVector ranks by pgvector cosine distance over question
// embeddings. Score is cosine similarity (1 - distance).
func (s *Store) SearchVector(ctx context.Context, embedding []float32, k int) ([]knowledge.Scored, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, question, answer, question_embedding::text, answer_embedding::text, metadata,
		        1 - (question_embedding <=> $1::vector) AS score
		 FROM answers
		 WHERE question_embedding IS NOT NULL
		 ORDER BY question_embedding <=> $1::vector
		 LIMIT $2`,
		vectorLiteral(embedding), k)
	if err != nil {
		return nil, fmt.Errorf("postgres: vector search: %w", err)
	}
	defer rows.Close()
	return scanScored(rows)
}

// SearchKeyword ranks with ts_rank over the concatenated question and
// answer text.
func (s *Store) SearchKeyword(ctx context.Context, query string, k int) ([]knowledge.Scored, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, question, answer, question_embedding::text, answer_embedding::text, metadata,
		        ts_rank(to_tsvector('english', question || ' ' || answer),
		                plainto_tsquery('english', $1)) AS score
		 FROM answers
		 WHERE to_tsvector('english', question || ' ' || answer) @@ plainto_tsquery('english', $1)
		 ORDER BY score DESC
		 LIMIT $2`,
		query, k)
	if err != nil {
		return nil, fmt.Errorf("postgres: keyword search: %w", err)
	}
	defer rows.Close()
	return scanScored(rows)
}

func scanScored(rows pgx.Rows) ([]knowledge.Scored, error) {
	var results []knowledge.Scored
	for rows.Next() {
		var e knowledge.Entry
		var qEmb, aEmb string
		var metaJSON []byte
		var score float64
		if err := rows.Scan(&e.ID, &e.Question, &e.Answer, &qEmb, &aEmb, &metaJSON, &score); err != nil {
			return nil, fmt.Errorf("postgres: scan answer: %w", err)
		}
		if err := json.Unmarshal(metaJSON, &e.Meta); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal metadata: %w", err)
		}
		e.QuestionEmbedding = parseVector(qEmb)
		e.AnswerEmbedding = parseVector(aEmb)
		results = append(results, knowledge.Scored{Entry: e, Score: score})
	}
	return results, rows.Err()
}

// IncrementTimesAsked bumps the counter inside the metadata JSONB.
func (s *Store) IncrementTimesAsked(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE answers
		 SET metadata = jsonb_set(metadata, '{times_asked}',
		       (COALESCE((metadata->>'times_asked')::int, 0) + 1)::text::jsonb)
		 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: update times_asked for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: entry not found: %s", id)
	}
	return nil
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM answers`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count answers: %w", err)
	}
	return n, nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error { return nil }
