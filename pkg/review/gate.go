// Package review is the blocking handoff between the workflow engine
// and a human decider. Submit enqueues and returns immediately; Wait
// blocks until a decision is posted or the timeout elapses. In
// auto-approve mode (and on timeout) missing decisions resolve to
// approved.
package review

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/focusgroup-ai/focusgroup/pkg/models"
)

// defaultWaitTimeout bounds a Wait call.
const defaultWaitTimeout = 300 * time.Second

// Mode selects how undecided items resolve.
type Mode string

const (
	// ModeHuman blocks until a reviewer decides or the wait times out.
	ModeHuman Mode = "human"
	// ModeAutoApprove resolves every submission as approved at once.
	ModeAutoApprove Mode = "auto_approve"
)

type pendingItem struct {
	item    models.ReviewItem
	decided chan models.ReviewDecision // buffered(1), closed never
}

// Gate is the review queue.
type Gate struct {
	mu          sync.Mutex
	mode        Mode
	waitTimeout time.Duration
	items       map[string]*pendingItem
}

// Option configures a Gate.
type Option func(*Gate)

// WithWaitTimeout overrides the decision timeout.
func WithWaitTimeout(d time.Duration) Option {
	return func(g *Gate) { g.waitTimeout = d }
}

// NewGate creates a review gate in the given mode.
func NewGate(mode Mode, opts ...Option) *Gate {
	g := &Gate{
		mode:        mode,
		waitTimeout: defaultWaitTimeout,
		items:       make(map[string]*pendingItem),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Mode returns the configured resolution mode.
func (g *Gate) Mode() Mode { return g.mode }

// Submit enqueues a query for review and returns the review id
// immediately.
func (g *Gate) Submit(query models.ExpertQuery) string {
	id := uuid.NewString()
	item := models.ReviewItem{
		ID:                    id,
		Timestamp:             time.Now(),
		Question:              query.Question,
		WorkerID:              query.WorkerID,
		WorkerContext:         query.WorkerContext,
		ArbiterUrgency:        query.UrgencyScore,
		ArbiterClassification: string(query.IssueType),
		SimilarCached:         query.CacheResults,
		Status:                models.ReviewPending,
	}

	g.mu.Lock()
	g.items[id] = &pendingItem{
		item:    item,
		decided: make(chan models.ReviewDecision, 1),
	}
	g.mu.Unlock()

	slog.Info("Review item submitted",
		"review_id", id, "worker_id", query.WorkerID, "urgency", query.UrgencyScore)
	return id
}

// Wait blocks until the item is decided, the gate's timeout elapses,
// or ctx is cancelled. Auto-approve mode and timeouts resolve to an
// approved decision; context cancellation returns the context error.
func (g *Gate) Wait(ctx context.Context, reviewID string) (models.ReviewDecision, error) {
	g.mu.Lock()
	p, ok := g.items[reviewID]
	g.mu.Unlock()
	if !ok {
		return models.ReviewDecision{}, fmt.Errorf("review: unknown review id %q", reviewID)
	}

	if g.mode == ModeAutoApprove {
		decision := models.ReviewDecision{
			ReviewID:   reviewID,
			Decision:   models.ReviewApproved,
			ReviewerID: "auto",
		}
		g.resolve(reviewID, decision)
		return decision, nil
	}

	timer := time.NewTimer(g.waitTimeout)
	defer timer.Stop()

	select {
	case decision := <-p.decided:
		return decision, nil
	case <-timer.C:
		decision := models.ReviewDecision{
			ReviewID:   reviewID,
			Decision:   models.ReviewApproved,
			ReviewerID: "timeout",
			Reason:     "no decision within timeout, auto-approved",
		}
		g.resolve(reviewID, decision)
		slog.Warn("Review timed out, auto-approving", "review_id", reviewID)
		return decision, nil
	case <-ctx.Done():
		return models.ReviewDecision{}, ctx.Err()
	}
}

// Decide posts a reviewer verdict, resolving any Wait in flight.
// Already-decided or unknown items are an error.
func (g *Gate) Decide(decision models.ReviewDecision) error {
	if decision.Decision != models.ReviewApproved &&
		decision.Decision != models.ReviewRejected &&
		decision.Decision != models.ReviewModified {
		return fmt.Errorf("review: invalid decision %q", decision.Decision)
	}
	if decision.Decision == models.ReviewModified && decision.CorrectedAnswer == "" {
		return fmt.Errorf("review: modified decision requires a corrected answer")
	}

	g.mu.Lock()
	p, ok := g.items[decision.ReviewID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("review: unknown review id %q", decision.ReviewID)
	}
	if p.item.Status != models.ReviewPending {
		g.mu.Unlock()
		return fmt.Errorf("review: item %s already %s", decision.ReviewID, p.item.Status)
	}
	g.mu.Unlock()

	g.resolve(decision.ReviewID, decision)

	select {
	case p.decided <- decision:
	default:
		// A concurrent timeout already resolved the wait; the recorded
		// status above still reflects the human verdict.
	}
	return nil
}

// resolve updates the stored item's status.
func (g *Gate) resolve(reviewID string, decision models.ReviewDecision) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.items[reviewID]
	if !ok || p.item.Status != models.ReviewPending {
		return
	}
	now := time.Now()
	p.item.Status = decision.Decision
	p.item.ReviewerID = decision.ReviewerID
	p.item.ReviewedAt = &now
	p.item.CorrectedAnswer = decision.CorrectedAnswer
}

// Pending lists undecided items, oldest first.
func (g *Gate) Pending() []models.ReviewItem {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []models.ReviewItem
	for _, p := range g.items {
		if p.item.Status == models.ReviewPending {
			out = append(out, p.item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// Get fetches one item by id.
func (g *Gate) Get(reviewID string) (models.ReviewItem, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.items[reviewID]
	if !ok {
		return models.ReviewItem{}, fmt.Errorf("review: unknown review id %q", reviewID)
	}
	return p.item, nil
}
