package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/focusgroup-ai/focusgroup/pkg/agent"
	"github.com/focusgroup-ai/focusgroup/pkg/breaker"
	"github.com/focusgroup-ai/focusgroup/pkg/bus"
	"github.com/focusgroup-ai/focusgroup/pkg/cost"
	"github.com/focusgroup-ai/focusgroup/pkg/knowledge"
	"github.com/focusgroup-ai/focusgroup/pkg/llm"
	"github.com/focusgroup-ai/focusgroup/pkg/models"
	"github.com/focusgroup-ai/focusgroup/pkg/session"
)

// Stuck thresholds applied at check_progress.
const (
	stuckMinutes = 5.0
	stuckErrors  = 3
)

// workerTrack is the per-worker progress snapshot compared across
// check_progress passes.
type workerTrack struct {
	signatures   map[string]struct{}
	errCount     int
	completed    bool
	stuck        bool
	patternsSeen int
	// guidancePending is set after guidance is injected and cleared at
	// the next completion or re-stuck observation, feeding the
	// consecutive-expert-failure breaker.
	guidancePending bool
}

type issuedAnswer struct {
	answerID      string
	workerID      string
	issuedAt      time.Time
	queriesBefore int
}

// run is the mutable state of one session execution.
type run struct {
	engine   *Engine
	sess     *session.Session
	costs    *cost.Controller
	cache    *knowledge.Cache
	driver   *agent.Driver
	expert   *agent.Expert
	arbiter  agent.Arbiter
	breakers *breaker.System

	startedAt time.Time
	lastSpent float64
	tracks    map[string]*workerTrack
	answers   []issuedAnswer
	notes     []string
	results   []models.ValidationResult

	// pendingQuery is the query the current arbiter pass produced, if any.
	pendingQuery *models.ExpertQuery
	// pendingDecision carries the review verdict into expert_answer.
	pendingDecision models.ReviewDecision
}

func newRun(e *Engine, sess *session.Session, costs *cost.Controller) *run {
	r := &run{
		engine:    e,
		sess:      sess,
		costs:     costs,
		cache:     knowledge.NewCache(e.deps.Knowledge, e.deps.Embedder, costs, knowledge.WithEmbedCache(e.deps.EmbedCache)),
		driver:    agent.NewDriver(e.deps.Chat, e.deps.Sandbox, costs, e.deps.Events),
		expert:    agent.NewExpert(e.deps.Chat, e.opts.ExpertModel, costs, e.deps.Lessons),
		breakers:  breaker.NewSystem(),
		startedAt: time.Now(),
		tracks:    make(map[string]*workerTrack),
	}
	for _, id := range sess.WorkerIDs() {
		r.tracks[id] = &workerTrack{signatures: make(map[string]struct{})}
	}
	return r
}

func (r *run) emit(workerID, eventType string, data map[string]any) {
	r.engine.deps.Events.Emit(r.sess.ID(), workerID, eventType, data)
}

// transition advances the phase and publishes the edge. A rejected edge
// is an invariant violation and fails the session.
func (r *run) transition(to session.Phase) bool {
	from := r.sess.Phase()
	if err := r.sess.SetPhase(to); err != nil {
		slog.Error("Phase transition rejected", "session_id", r.sess.ID(), "error", err)
		r.fail(err.Error())
		return false
	}
	r.emit("system", bus.EventPhaseChange, map[string]any{
		"from": string(from),
		"to":   string(to),
	})
	return true
}

// loop drives the session until a terminal phase.
func (r *run) loop(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Session run panicked", "session_id", r.sess.ID(), "panic", rec)
			r.fail(fmt.Sprintf("internal error: %v", rec))
		}
	}()

	slog.Info("Session run starting", "session_id", r.sess.ID(), "task", r.sess.Task())

	for i := 0; i < r.engine.opts.MaxIterations; i++ {
		phase := r.sess.Phase()
		if phase.Terminal() {
			return
		}
		if ctx.Err() != nil {
			r.fail("session cancelled")
			return
		}

		var ok bool
		switch phase {
		case session.PhaseInit:
			ok = r.phaseInit(ctx)
		case session.PhaseAssignTask:
			ok = r.phaseAssignTask()
		case session.PhaseWorkerExecute:
			ok = r.phaseWorkerExecute(ctx)
		case session.PhaseCheckProgress:
			ok = r.phaseCheckProgress()
		case session.PhaseArbiter:
			ok = r.phaseArbiter()
		case session.PhaseHybridSearch:
			ok = r.phaseHybridSearch(ctx)
		case session.PhaseHumanReview:
			ok = r.phaseHumanReview(ctx)
		case session.PhaseExpertAnswer:
			ok = r.phaseExpertAnswer(ctx)
		case session.PhaseBrowserTest:
			ok = r.phaseBrowserTest(ctx)
		case session.PhaseGenerateReport:
			ok = r.phaseGenerateReport()
		case session.PhaseExpertLearn:
			ok = r.phaseExpertLearn(ctx)
		default:
			r.fail(fmt.Sprintf("unknown phase %q", phase))
			return
		}
		if !ok {
			return
		}
		if !r.checkBreakers() {
			return
		}
	}

	r.notes = append(r.notes, "iteration_cap_reached")
	slog.Warn("Iteration cap reached, forcing report", "session_id", r.sess.ID())
	if r.transition(session.PhaseGenerateReport) {
		if r.phaseGenerateReport() && r.phaseExpertLearn(context.Background()) {
			return
		}
	}
}

func (r *run) phaseInit(ctx context.Context) bool {
	r.emit("system", bus.EventSessionStarted, map[string]any{
		"task":    r.sess.Task(),
		"workers": r.sess.WorkerIDs(),
	})
	for _, id := range r.sess.WorkerIDs() {
		if err := r.driver.InitSandbox(ctx, r.sess, id); err != nil {
			r.fail(fmt.Sprintf("sandbox init for %s: %v", id, err))
			return false
		}
	}
	return r.transition(session.PhaseAssignTask)
}

func (r *run) phaseAssignTask() bool {
	task := r.sess.Task()
	if task == "" {
		r.fail("empty task")
		return false
	}
	for _, id := range r.sess.WorkerIDs() {
		if err := r.sess.UpdateWorker(id, func(w *session.Worker) {
			w.Subtask = task
		}); err != nil {
			r.fail(err.Error())
			return false
		}
		r.emit(id, bus.EventTaskAssigned, map[string]any{"subtask": task})
	}
	return r.transition(session.PhaseWorkerExecute)
}

func (r *run) phaseWorkerExecute(ctx context.Context) bool {
	for _, id := range r.sess.WorkerIDs() {
		w, ok := r.sess.WorkerView(id)
		if !ok || w.Completed {
			continue
		}

		if decision, reason, _ := r.costs.Check(); decision == cost.DecisionDeny {
			r.notes = append(r.notes, "budget_exhausted: "+reason)
			slog.Warn("Budget denied, skipping to report",
				"session_id", r.sess.ID(), "reason", reason, "advice", r.costs.Advise())
			return r.transition(session.PhaseGenerateReport)
		} else if decision == cost.DecisionWarn {
			slog.Warn("Budget warning", "session_id", r.sess.ID(), "reason", reason)
		}

		r.shareTeamPatterns(id)

		if err := r.driver.Step(ctx, r.sess, id); err != nil {
			var perm *llm.PermanentError
			if errors.As(err, &perm) {
				r.fail(fmt.Sprintf("worker %s: %v", id, perm))
				return false
			}
			slog.Warn("Worker step failed", "session_id", r.sess.ID(), "worker_id", id, "error", err)
		}
	}
	return r.transition(session.PhaseCheckProgress)
}

// shareTeamPatterns injects patterns contributed by other workers since
// this worker last saw the bag.
func (r *run) shareTeamPatterns(workerID string) {
	patterns := r.sess.SharedPatterns()
	track := r.tracks[workerID]
	if track.patternsSeen >= len(patterns) {
		return
	}
	fresh := patterns[track.patternsSeen:]
	track.patternsSeen = len(patterns)

	for _, p := range fresh {
		if p.ContributedBy == workerID {
			continue
		}
		msg := fmt.Sprintf("A teammate (%s) made progress with this approach:\n%s", p.ContributedBy, p.Summary)
		_ = r.sess.UpdateWorker(workerID, func(w *session.Worker) {
			w.Conversation = append(w.Conversation, session.Message{
				Role:    session.RoleUser,
				Content: msg,
			})
		})
	}
}

func (r *run) phaseCheckProgress() bool {
	anyStuck := false
	allCompleted := true

	for _, id := range r.sess.WorkerIDs() {
		w, _ := r.sess.WorkerView(id)
		track := r.tracks[id]

		progressed := false
		if w.Completed && !track.completed {
			progressed = true
			r.sess.AddSharedPattern(session.SharedPattern{
				ContributedBy: id,
				Summary:       completionSummary(w),
			})
		}
		for _, a := range w.Actions {
			sig := a.Signature()
			if _, seen := track.signatures[sig]; !seen {
				track.signatures[sig] = struct{}{}
				if !w.Completed {
					progressed = true
				}
			}
		}
		if len(w.RecentErrors) < track.errCount {
			progressed = true
		}

		if progressed {
			_ = r.sess.UpdateWorker(id, func(w *session.Worker) {
				w.MinutesWithoutProgress = 0
			})
			w, _ = r.sess.WorkerView(id)
		}

		stuck := !w.Completed &&
			(w.MinutesWithoutProgress >= stuckMinutes || len(w.RecentErrors) >= stuckErrors)
		if stuck != w.Stuck {
			_ = r.sess.UpdateWorker(id, func(w *session.Worker) { w.Stuck = stuck })
		}
		if stuck && !track.stuck {
			r.emit(id, bus.EventStuck, map[string]any{
				"minutes": w.MinutesWithoutProgress,
				"errors":  len(w.RecentErrors),
			})
		}

		// Expert-loop accounting: a worker that received guidance either
		// recovers or re-sticks; both outcomes feed the breaker.
		if track.guidancePending {
			if w.Completed {
				track.guidancePending = false
				r.breakers.ExpertLoop.RecordOutcome(true)
			} else if stuck && !track.stuck {
				track.guidancePending = false
				if trip := r.breakers.ExpertLoop.RecordOutcome(false); trip != nil {
					r.fail(trip.Error())
					return false
				}
			}
		}

		track.completed = w.Completed
		track.errCount = len(w.RecentErrors)
		track.stuck = stuck

		if stuck {
			anyStuck = true
		}
		if !w.Completed {
			allCompleted = false
		}
	}

	switch {
	case allCompleted:
		return r.transition(session.PhaseBrowserTest)
	case anyStuck:
		return r.transition(session.PhaseArbiter)
	default:
		return r.transition(session.PhaseWorkerExecute)
	}
}

func completionSummary(w session.Worker) string {
	if w.Output != nil && w.Output.Thought != "" {
		return w.Output.Thought
	}
	return "completed subtask: " + w.Subtask
}

func (r *run) phaseArbiter() bool {
	r.pendingQuery = nil

	stuckIDs := make([]string, 0)
	for _, id := range r.sess.WorkerIDs() {
		if w, ok := r.sess.WorkerView(id); ok && w.Stuck && !w.Completed {
			stuckIDs = append(stuckIDs, id)
		}
	}
	sort.Strings(stuckIDs)

	for _, id := range stuckIDs {
		w, _ := r.sess.WorkerView(id)
		eval := r.arbiter.Evaluate(w)
		if !eval.Escalate {
			// False alarm; give the worker another round.
			_ = r.sess.UpdateWorker(id, func(w *session.Worker) {
				w.Stuck = false
				w.MinutesWithoutProgress = 0
			})
			r.tracks[id].stuck = false
			continue
		}
		query := r.arbiter.BuildQuery(r.sess.Task(), w, eval)
		r.sess.AppendQuery(query)
		q := query
		r.pendingQuery = &q
		r.emit(id, bus.EventEscalated, map[string]any{
			"query_id":   query.QueryID,
			"issue_type": string(query.IssueType),
			"urgency":    query.UrgencyScore,
			"category":   query.Category,
		})
	}
	return r.transition(session.PhaseHybridSearch)
}

func (r *run) phaseHybridSearch(ctx context.Context) bool {
	if r.pendingQuery == nil {
		return r.transition(session.PhaseWorkerExecute)
	}
	query := *r.pendingQuery

	results, _ := r.cache.Search(ctx, query.Question, 0)
	hit := r.cache.Hit(results)
	r.sess.UpdateLastQuery(func(q *models.ExpertQuery) {
		q.CacheHit = hit
		q.CacheResults = results
	})

	if !hit {
		return r.transition(session.PhaseHumanReview)
	}

	best := results[0]
	slog.Info("Cache hit, injecting cached answer",
		"session_id", r.sess.ID(), "worker_id", query.WorkerID,
		"entry_id", best.ID, "score", best.RelevanceScore)
	r.applyGuidance(ctx, query.WorkerID, best.Answer)
	r.pendingQuery = nil
	return r.transition(session.PhaseWorkerExecute)
}

func (r *run) phaseHumanReview(ctx context.Context) bool {
	query := *r.pendingQuery
	query.CacheResults = latestCacheResults(r.sess)

	reviewID := r.engine.deps.Gate.Submit(query)
	r.emit(query.WorkerID, bus.EventReviewPending, map[string]any{
		"review_id": reviewID,
		"question":  query.Question,
	})

	decision, err := r.engine.deps.Gate.Wait(ctx, reviewID)
	if err != nil {
		r.fail("review wait: " + err.Error())
		return false
	}

	switch decision.Decision {
	case models.ReviewRejected:
		_ = r.sess.UpdateWorker(query.WorkerID, func(w *session.Worker) {
			w.Stuck = false
			w.MinutesWithoutProgress = 0
		})
		r.pendingQuery = nil
		return r.transition(session.PhaseWorkerExecute)

	case models.ReviewModified:
		// The reviewer supplied the answer; no expert call needed.
		r.storeAnswer(ctx, query, decision.CorrectedAnswer, decision.ReviewerID, "", true)
		r.applyGuidance(ctx, query.WorkerID, decision.CorrectedAnswer)
		r.pendingQuery = nil
		return r.transition(session.PhaseWorkerExecute)

	default: // approved
		r.pendingDecision = decision
		return r.transition(session.PhaseExpertAnswer)
	}
}

func latestCacheResults(sess *session.Session) []models.CacheResult {
	if q, ok := sess.LastQuery(); ok {
		return q.CacheResults
	}
	return nil
}

func (r *run) phaseExpertAnswer(ctx context.Context) bool {
	query := *r.pendingQuery
	r.pendingQuery = nil

	if decision, reason, _ := r.costs.Check(); decision == cost.DecisionDeny {
		r.notes = append(r.notes, "budget_exhausted: "+reason)
		return r.transition(session.PhaseGenerateReport)
	}

	answer, err := r.expert.Answer(ctx, query)
	if err != nil {
		r.emit(query.WorkerID, bus.EventExpertError, map[string]any{"error": err.Error()})
		var perm *llm.PermanentError
		if errors.As(err, &perm) {
			r.fail("expert: " + perm.Error())
			return false
		}
		// Degrade to generic guidance so the worker is not left stuck.
		slog.Warn("Expert call failed, applying fallback guidance",
			"session_id", r.sess.ID(), "error", err)
		r.applyGuidance(ctx, query.WorkerID,
			"Re-read the error message carefully, consult the SDK documentation for the failing call, and try a minimal reproduction before retrying the full task.")
		return r.transition(session.PhaseWorkerExecute)
	}

	r.emit(query.WorkerID, bus.EventExpertAnswer, map[string]any{
		"answer_id":  answer.AnswerID,
		"query_id":   answer.QueryID,
		"model":      answer.ModelUsed,
		"confidence": answer.EstimatedConfidence,
	})

	r.storeAnswer(ctx, query, answer.Content, r.pendingDecision.ReviewerID, answer.Content, false)
	r.answers = append(r.answers, issuedAnswer{
		answerID:      answer.AnswerID,
		workerID:      query.WorkerID,
		issuedAt:      time.Now(),
		queriesBefore: len(r.sess.Queries()),
	})
	r.applyGuidance(ctx, query.WorkerID, answer.Content)
	return r.transition(session.PhaseWorkerExecute)
}

// storeAnswer persists an approved answer to the knowledge cache.
// Store failures fail the write, not the session.
func (r *run) storeAnswer(ctx context.Context, query models.ExpertQuery, answer, approvedBy, originalExpert string, modified bool) {
	_, _, err := r.cache.StoreApproved(ctx, knowledge.StoreRequest{
		Question:             query.Question,
		Answer:               answer,
		ApprovedBy:           approvedBy,
		Category:             query.Category,
		OriginalExpertAnswer: originalExpert,
		HumanModified:        modified,
	})
	if err != nil {
		slog.Error("Knowledge store write failed",
			"session_id", r.sess.ID(), "query_id", query.QueryID, "error", err)
	}
}

// applyGuidance injects an answer into the worker and marks the
// guidance outcome as pending for the expert-loop breaker.
func (r *run) applyGuidance(ctx context.Context, workerID, answer string) {
	if err := r.driver.ApplyExpertAnswer(ctx, r.sess, workerID, answer); err != nil {
		slog.Warn("Guidance application failed",
			"session_id", r.sess.ID(), "worker_id", workerID, "error", err)
	}
	r.tracks[workerID].stuck = false
	r.tracks[workerID].guidancePending = true
}

func (r *run) phaseBrowserTest(ctx context.Context) bool {
	r.emit("system", bus.EventValidationStarted, nil)

	r.results = r.results[:0]
	allPassed := true
	for _, id := range r.sess.WorkerIDs() {
		w, _ := r.sess.WorkerView(id)
		result := r.engine.deps.Validator.Validate(ctx, w)
		r.results = append(r.results, result)
		if !result.Passed {
			allPassed = false
			r.emit(id, bus.EventValidationError, map[string]any{
				"errors": result.Errors,
			})
			// Send the worker back to fix its output.
			_ = r.sess.UpdateWorker(id, func(w *session.Worker) {
				w.Completed = false
				w.Output = nil
			})
			r.tracks[id].completed = false
		}
	}

	r.emit("system", bus.EventValidationComplete, map[string]any{
		"passed": allPassed,
	})

	if allPassed {
		return r.transition(session.PhaseGenerateReport)
	}
	return r.transition(session.PhaseWorkerExecute)
}

func (r *run) phaseGenerateReport() bool {
	workers := r.sess.Workers()
	report := &models.SessionReport{
		SessionID:   r.sess.ID(),
		Task:        r.sess.Task(),
		Workers:     make([]models.WorkerReport, 0, len(workers)),
		Validations: append([]models.ValidationResult(nil), r.results...),
		Notes:       append([]string(nil), r.notes...),
	}
	for _, w := range workers {
		wr := models.WorkerReport{
			ID:          w.ID,
			Completed:   w.Completed,
			ActionCount: len(w.Actions),
		}
		if w.Output != nil {
			wr.Output = *w.Output
		}
		report.Workers = append(report.Workers, wr)
	}
	r.sess.SetReport(report)
	return r.transition(session.PhaseExpertLearn)
}

func (r *run) phaseExpertLearn(ctx context.Context) bool {
	queries := r.sess.Queries()
	for _, issued := range r.answers {
		w, ok := r.sess.WorkerView(issued.workerID)
		if !ok {
			continue
		}
		outcome := models.WorkerOutcome{
			WorkerID:       issued.workerID,
			AnswerID:       issued.answerID,
			Success:        w.Completed,
			TimeToComplete: time.Since(issued.issuedAt).Seconds(),
		}
		for _, q := range queries[min(issued.queriesBefore, len(queries)):] {
			if q.WorkerID == issued.workerID {
				outcome.SubsequentQuestions = append(outcome.SubsequentQuestions, q.Question)
			}
		}
		if _, err := r.engine.deps.Lessons.Evaluate(ctx, issued.answerID, outcome); err != nil {
			slog.Warn("Answer evaluation failed",
				"session_id", r.sess.ID(), "answer_id", issued.answerID, "error", err)
		}
	}

	if !r.transition(session.PhaseCompleted) {
		return false
	}
	r.finish("completed")
	return true
}

// checkBreakers evaluates the breaker set at a phase boundary. Returns
// false when the run must stop.
func (r *run) checkBreakers() bool {
	phase := r.sess.Phase()
	if phase.Terminal() {
		return false
	}

	// Past the report phases the timeout trip has nothing left to skip;
	// re-firing would only churn phase_change events.
	inReportPath := phase == session.PhaseGenerateReport || phase == session.PhaseExpertLearn
	if !inReportPath {
		if trip := r.breakers.Timeout.Check(time.Since(r.startedAt).Minutes()); trip != nil {
			r.notes = append(r.notes, trip.Error())
			slog.Warn("Timeout breaker tripped", "session_id", r.sess.ID())
			if !r.transition(session.PhaseGenerateReport) {
				return false
			}
			return true
		}
	}

	spent := r.costs.Total()
	if trip := r.breakers.CostSpike.Check(spent - r.lastSpent); trip != nil {
		r.notes = append(r.notes, trip.Error())
		slog.Warn("Cost spike detected, throttling", "session_id", r.sess.ID(), "message", trip.Message)
	}
	r.lastSpent = spent

	workers := r.sess.Workers()

	for _, w := range workers {
		if w.Completed {
			continue
		}
		sigs := make([]string, len(w.Actions))
		for i, a := range w.Actions {
			sigs[i] = a.Signature()
		}
		if trip := r.breakers.Repetition.Check(sigs); trip != nil {
			slog.Warn("Repetition breaker tripped, resetting worker",
				"session_id", r.sess.ID(), "worker_id", w.ID, "message", trip.Message)
			// Reset clears the error ring and the progress clock but
			// preserves the action history.
			_ = r.sess.UpdateWorker(w.ID, func(w *session.Worker) {
				w.RecentErrors = nil
				w.MinutesWithoutProgress = 0
				w.Stuck = false
			})
			r.tracks[w.ID].errCount = 0
			r.tracks[w.ID].stuck = false
		}
	}

	minIdle := -1.0
	for _, w := range workers {
		if w.Completed {
			continue
		}
		if minIdle < 0 || w.MinutesWithoutProgress < minIdle {
			minIdle = w.MinutesWithoutProgress
		}
	}
	if minIdle >= 0 {
		if trip := r.breakers.NoProgress.Check(minIdle); trip != nil {
			slog.Warn("No-progress breaker tripped, escalating",
				"session_id", r.sess.ID(), "message", trip.Message)
			for _, w := range workers {
				if !w.Completed && !w.Stuck {
					_ = r.sess.UpdateWorker(w.ID, func(w *session.Worker) { w.Stuck = true })
				}
			}
		}
	}

	return true
}

// fail moves the session to failed and closes the stream.
func (r *run) fail(msg string) {
	slog.Error("Session failed", "session_id", r.sess.ID(), "error", msg)
	r.sess.SetError(msg)
	if r.sess.Phase().Terminal() {
		return
	}
	from := r.sess.Phase()
	if err := r.sess.SetPhase(session.PhaseFailed); err == nil {
		r.emit("system", bus.EventPhaseChange, map[string]any{
			"from": string(from),
			"to":   string(session.PhaseFailed),
		})
	}
	r.emit("system", bus.EventError, map[string]any{"error": msg})
	r.finish("failed")
}

// finish releases sandboxes and emits the terminal session_done event.
func (r *run) finish(status string) {
	releaseCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, id := range r.sess.WorkerIDs() {
		r.driver.ReleaseSandbox(releaseCtx, r.sess, id)
	}
	r.emit("system", bus.EventSessionDone, map[string]any{"status": status})
	slog.Info("Session finished", "session_id", r.sess.ID(), "status", status,
		"total_cost", r.costs.Total())
}
