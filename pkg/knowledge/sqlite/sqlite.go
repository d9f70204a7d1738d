// Package sqlite implements knowledge.Store on pure-Go SQLite. Vector
// search is brute-force cosine in-process with embeddings stored as
// JSON text; keyword search uses FTS5 with its built-in BM25 ranking.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/focusgroup-ai/focusgroup/pkg/knowledge"
)

// Store is a knowledge.Store backed by a local SQLite file.
type Store struct {
	db *sql.DB
}

var _ knowledge.Store = (*Store)(nil)

// New opens the store at dbPath. A single shared connection
// (SetMaxOpenConns(1)) serializes all goroutines through one
// connection, avoiding SQLITE_BUSY from concurrent writers.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

// Init creates the answer table and its FTS5 index. Safe to call
// repeatedly.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS answers (
			id TEXT PRIMARY KEY,
			question TEXT NOT NULL,
			answer TEXT NOT NULL,
			question_embedding TEXT,
			answer_embedding TEXT,
			metadata TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS answers_fts USING fts5(
			answer_id UNINDEXED,
			question,
			answer
		)`,
	}
	for _, ddl := range stmts {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("sqlite: create schema: %w", err)
		}
	}
	return nil
}

// Add inserts a new entry and its FTS row in one transaction.
func (s *Store) Add(ctx context.Context, e knowledge.Entry) error {
	metaJSON, err := json.Marshal(e.Meta)
	if err != nil {
		return fmt.Errorf("sqlite: marshal metadata: %w", err)
	}
	qEmb, err := json.Marshal(e.QuestionEmbedding)
	if err != nil {
		return fmt.Errorf("sqlite: marshal question embedding: %w", err)
	}
	aEmb, err := json.Marshal(e.AnswerEmbedding)
	if err != nil {
		return fmt.Errorf("sqlite: marshal answer embedding: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO answers (id, question, answer, question_embedding, answer_embedding, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Question, e.Answer, string(qEmb), string(aEmb), string(metaJSON), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert answer %s: %w", e.ID, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO answers_fts (answer_id, question, answer) VALUES (?, ?, ?)`,
		e.ID, e.Question, e.Answer,
	)
	if err != nil {
		return fmt.Errorf("sqlite: index answer %s: %w", e.ID, err)
	}
	return tx.Commit()
}

// Get fetches a full document by id.
func (s *Store) Get(ctx context.Context, id string) (knowledge.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, question, answer, question_embedding, answer_embedding, metadata
		 FROM answers WHERE id = ?`, id)
	e, err := scanEntry(row.Scan)
	if err == sql.ErrNoRows {
		return knowledge.Entry{}, fmt.Errorf("sqlite: entry not found: %s", id)
	}
	return e, err
}

func scanEntry(scan func(...any) error) (knowledge.Entry, error) {
	var e knowledge.Entry
	var qEmb, aEmb, metaJSON string
	if err := scan(&e.ID, &e.Question, &e.Answer, &qEmb, &aEmb, &metaJSON); err != nil {
		return knowledge.Entry{}, err
	}
	if err := json.Unmarshal([]byte(metaJSON), &e.Meta); err != nil {
		return knowledge.Entry{}, fmt.Errorf("sqlite: unmarshal metadata: %w", err)
	}
	_ = json.Unmarshal([]byte(qEmb), &e.QuestionEmbedding)
	_ = json.Unmarshal([]byte(aEmb), &e.AnswerEmbedding)
	return e, nil
}

// SearchVector scans all question embeddings and ranks by cosine
// similarity in-process.
func (s *Store) SearchVector(ctx context.Context, embedding []float32, k int) ([]knowledge.Scored, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, question, answer, question_embedding, answer_embedding, metadata
		 FROM answers WHERE question_embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: vector search: %w", err)
	}
	defer rows.Close()

	var results []knowledge.Scored
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan answer: %w", err)
		}
		if len(e.QuestionEmbedding) == 0 {
			continue
		}
		results = append(results, knowledge.Scored{
			Entry: e,
			Score: knowledge.CosineSimilarity(embedding, e.QuestionEmbedding),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate answers: %w", err)
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

// ftsQuery turns free text into an OR query of quoted tokens so user
// punctuation cannot break FTS5 syntax.
func ftsQuery(query string) string {
	fields := strings.Fields(query)
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		quoted = append(quoted, `"`+strings.ReplaceAll(f, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " OR ")
}

// SearchKeyword ranks entries with FTS5 BM25 over question and answer
// text. FTS5 bm25() is ascending-better, so the score is negated.
func (s *Store) SearchKeyword(ctx context.Context, query string, k int) ([]knowledge.Scored, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT a.id, a.question, a.answer, a.question_embedding, a.answer_embedding, a.metadata,
		        bm25(answers_fts) AS rank
		 FROM answers_fts
		 JOIN answers a ON a.id = answers_fts.answer_id
		 WHERE answers_fts MATCH ?
		 ORDER BY rank LIMIT ?`, match, k)
	if err != nil {
		return nil, fmt.Errorf("sqlite: keyword search: %w", err)
	}
	defer rows.Close()

	var results []knowledge.Scored
	for rows.Next() {
		var e knowledge.Entry
		var qEmb, aEmb, metaJSON string
		var rank float64
		if err := rows.Scan(&e.ID, &e.Question, &e.Answer, &qEmb, &aEmb, &metaJSON, &rank); err != nil {
			return nil, fmt.Errorf("sqlite: scan keyword hit: %w", err)
		}
		if err := json.Unmarshal([]byte(metaJSON), &e.Meta); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal metadata: %w", err)
		}
		_ = json.Unmarshal([]byte(qEmb), &e.QuestionEmbedding)
		_ = json.Unmarshal([]byte(aEmb), &e.AnswerEmbedding)
		results = append(results, knowledge.Scored{Entry: e, Score: -rank})
	}
	return results, rows.Err()
}

// IncrementTimesAsked rewrites the metadata JSON with the counter
// bumped. Best effort per the store contract; missing ids error.
func (s *Store) IncrementTimesAsked(ctx context.Context, id string) error {
	e, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	e.Meta.TimesAsked++
	metaJSON, err := json.Marshal(e.Meta)
	if err != nil {
		return fmt.Errorf("sqlite: marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE answers SET metadata = ? WHERE id = ?`, string(metaJSON), id)
	if err != nil {
		return fmt.Errorf("sqlite: update times_asked for %s: %w", id, err)
	}
	return nil
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM answers`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: count answers: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	slog.Debug("Closing sqlite knowledge store")
	return s.db.Close()
}
