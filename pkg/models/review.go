package models

import "time"

// ReviewStatus is the lifecycle state of a review item.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
	ReviewModified ReviewStatus = "modified"
)

// ReviewItem is a question queued for a human decision.
type ReviewItem struct {
	ID                    string        `json:"id"`
	Timestamp             time.Time     `json:"timestamp"`
	Question              string        `json:"question"`
	WorkerID              string        `json:"worker_id"`
	WorkerContext         string        `json:"worker_context"`
	ArbiterUrgency        float64       `json:"arbiter_urgency"`
	ArbiterClassification string        `json:"arbiter_classification"`
	SimilarCached         []CacheResult `json:"similar_cached,omitempty"`
	Status                ReviewStatus  `json:"status"`
	ReviewerID            string        `json:"reviewer_id,omitempty"`
	ReviewedAt            *time.Time    `json:"reviewed_at,omitempty"`
	CorrectedAnswer       string        `json:"corrected_answer,omitempty"`
}

// ReviewDecision is a reviewer's verdict on a pending item.
type ReviewDecision struct {
	ReviewID        string       `json:"review_id"`
	Decision        ReviewStatus `json:"decision"`
	ReviewerID      string       `json:"reviewer_id"`
	Reason          string       `json:"reason,omitempty"`
	CorrectedAnswer string       `json:"corrected_answer,omitempty"`
}
