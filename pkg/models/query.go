// Package models defines the wire-level data types shared across the
// orchestrator: expert queries and answers, review items, and validation
// results. These are passive records; all behavior lives in the packages
// that produce them.
package models

import "time"

// IssueType classifies why a worker is stuck.
type IssueType string

const (
	IssueDocumentationGap    IssueType = "documentation_gap"
	IssueAPIError            IssueType = "api_error"
	IssueConceptualBlock     IssueType = "conceptual_block"
	IssueBugSuspected        IssueType = "bug_suspected"
	IssueClarificationNeeded IssueType = "clarification_needed"
)

// CacheResult is one scored document returned by the knowledge cache.
type CacheResult struct {
	ID             string  `json:"id"`
	Question       string  `json:"question"`
	Answer         string  `json:"answer"`
	Category       string  `json:"category"`
	RelevanceScore float64 `json:"relevance_score"`
}

// ExpertQuery is a question escalated on behalf of a stuck worker.
// The arbiter builds it; the hybrid search phase enriches it with
// cache results before it reaches review or the expert.
type ExpertQuery struct {
	QueryID       string        `json:"query_id"`
	Question      string        `json:"question"`
	WorkerID      string        `json:"worker_id"`
	WorkerContext string        `json:"worker_context"`
	Category      string        `json:"category"`
	IssueType     IssueType     `json:"issue_type"`
	UrgencyScore  float64       `json:"urgency_score"`
	Timestamp     time.Time     `json:"timestamp"`
	CacheHit      bool          `json:"cache_hit"`
	CacheResults  []CacheResult `json:"cache_results,omitempty"`
}

// ExpertAnswer is the expert model's response to an ExpertQuery.
type ExpertAnswer struct {
	AnswerID            string    `json:"answer_id"`
	QueryID             string    `json:"query_id"`
	Content             string    `json:"content"`
	EstimatedConfidence float64   `json:"estimated_confidence"`
	ModelUsed           string    `json:"model_used"`
	Timestamp           time.Time `json:"timestamp"`
}

// WorkerOutcome describes how a worker fared after receiving an expert
// answer. The learning store consumes it to score answer effectiveness.
type WorkerOutcome struct {
	WorkerID            string   `json:"worker_id"`
	AnswerID            string   `json:"answer_id"`
	Success             bool     `json:"success"`
	TimeToComplete      float64  `json:"time_to_complete"` // seconds
	SubsequentQuestions []string `json:"subsequent_questions,omitempty"`
}
