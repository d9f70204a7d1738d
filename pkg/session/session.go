package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/focusgroup-ai/focusgroup/pkg/models"
)

// Session is one end-to-end run of the orchestrator on a single task.
//
// All fields are guarded by mu. The workflow engine is the only writer;
// the HTTP API reads through Snapshot and WorkerView.
type Session struct {
	mu sync.RWMutex

	id        string
	task      string
	phase     Phase
	workers   []*Worker
	queries   []models.ExpertQuery
	shared    []SharedPattern
	report    *models.SessionReport
	errMsg    string
	createdAt time.Time
	updatedAt time.Time

	cancel context.CancelFunc
}

// New creates a session in the init phase with the given worker roster.
func New(id, task string, workers []*Worker) *Session {
	now := time.Now()
	return &Session{
		id:        id,
		task:      task,
		phase:     PhaseInit,
		workers:   workers,
		createdAt: now,
		updatedAt: now,
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Task returns the session task text.
func (s *Session) Task() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.task
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// SetPhase advances the session along a workflow edge. It returns an
// error on an edge not present in the transition table; the engine
// treats that as an invariant violation and fails the session.
func (s *Session) SetPhase(to Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase.Terminal() {
		return fmt.Errorf("session %s: phase %s is terminal", s.id, s.phase)
	}
	if !ValidTransition(s.phase, to) {
		return fmt.Errorf("session %s: invalid phase transition %s -> %s", s.id, s.phase, to)
	}
	s.phase = to
	s.updatedAt = time.Now()
	return nil
}

// SetCancel stores the cancellation function for the session run.
func (s *Session) SetCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = cancel
}

// Cancel cancels the in-flight run, if any.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

// SetError records the fatal error message for a failed session.
func (s *Session) SetError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errMsg = msg
	s.updatedAt = time.Now()
}

// Err returns the recorded fatal error message, if any.
func (s *Session) Err() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errMsg
}

// WorkerIDs returns worker ids in roster order.
func (s *Session) WorkerIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, len(s.workers))
	for i, w := range s.workers {
		ids[i] = w.ID
	}
	return ids
}

// UpdateWorker runs fn against the named worker under the session lock.
// The engine uses short locked sections to apply state changes; external
// calls (model, sandbox) happen outside.
func (s *Session) UpdateWorker(id string, fn func(*Worker)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.workers {
		if w.ID == id {
			fn(w)
			s.updatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("session %s: unknown worker %q", s.id, id)
}

// WorkerView returns a deep copy of the named worker for lock-free reads.
// The completed-implies-not-stuck invariant is applied on read.
func (s *Session) WorkerView(id string) (Worker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.workers {
		if w.ID == id {
			return copyWorker(w), true
		}
	}
	return Worker{}, false
}

// Workers returns deep copies of all workers in roster order.
func (s *Session) Workers() []Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Worker, len(s.workers))
	for i, w := range s.workers {
		out[i] = copyWorker(w)
	}
	return out
}

func copyWorker(w *Worker) Worker {
	c := *w
	c.Conversation = append([]Message(nil), w.Conversation...)
	c.Actions = append([]WorkerAction(nil), w.Actions...)
	c.RecentErrors = append([]string(nil), w.RecentErrors...)
	if w.Output != nil {
		o := *w.Output
		o.PreviewURLs = append([]PreviewURL(nil), w.Output.PreviewURLs...)
		c.Output = &o
	}
	if c.Completed {
		c.Stuck = false
	}
	return c
}

// AppendQuery appends an expert query. Query order within a session is
// the arbiter's worker-id order; the hybrid search phase operates on
// the last-appended query.
func (s *Session) AppendQuery(q models.ExpertQuery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, q)
	s.updatedAt = time.Now()
}

// LastQuery returns a copy of the most recently appended query.
func (s *Session) LastQuery() (models.ExpertQuery, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.queries) == 0 {
		return models.ExpertQuery{}, false
	}
	return s.queries[len(s.queries)-1], true
}

// UpdateLastQuery mutates the most recently appended query in place.
func (s *Session) UpdateLastQuery(fn func(*models.ExpertQuery)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queries) == 0 {
		return
	}
	fn(&s.queries[len(s.queries)-1])
	s.updatedAt = time.Now()
}

// Queries returns a copy of all expert queries in append order.
func (s *Session) Queries() []models.ExpertQuery {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.ExpertQuery(nil), s.queries...)
}

// AddSharedPattern contributes a cross-worker pattern to the session bag.
func (s *Session) AddSharedPattern(p SharedPattern) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}
	s.shared = append(s.shared, p)
	s.updatedAt = time.Now()
}

// SharedPatterns returns the cross-worker pattern bag.
func (s *Session) SharedPatterns() []SharedPattern {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]SharedPattern(nil), s.shared...)
}

// SetReport stores the final session report.
func (s *Session) SetReport(r *models.SessionReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.report = r
	s.updatedAt = time.Now()
}

// Report returns the final report, or nil before generate_report.
func (s *Session) Report() *models.SessionReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.report
}

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// UpdatedAt returns the last mutation time.
func (s *Session) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

// Summary is the read-only session view served by the API.
type Summary struct {
	SessionID string          `json:"session_id"`
	Task      string          `json:"task"`
	Phase     Phase           `json:"phase"`
	Status    string          `json:"status"`
	Workers   []WorkerSummary `json:"workers"`
	Queries   int             `json:"queries"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Snapshot builds the API summary under a read lock.
func (s *Session) Snapshot() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	workers := make([]WorkerSummary, len(s.workers))
	for i, w := range s.workers {
		stuck := w.Stuck
		if w.Completed {
			stuck = false
		}
		workers[i] = WorkerSummary{
			ID:          w.ID,
			Completed:   w.Completed,
			Stuck:       stuck,
			ActionCount: len(w.Actions),
			ErrorCount:  len(w.RecentErrors),
		}
	}

	status := "running"
	switch s.phase {
	case PhaseCompleted:
		status = "completed"
	case PhaseFailed:
		status = "failed"
	}

	return Summary{
		SessionID: s.id,
		Task:      s.task,
		Phase:     s.phase,
		Status:    status,
		Workers:   workers,
		Queries:   len(s.queries),
		Error:     s.errMsg,
		CreatedAt: s.createdAt,
		UpdatedAt: s.updatedAt,
	}
}
