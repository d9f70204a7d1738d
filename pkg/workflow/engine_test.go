package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/focusgroup-ai/focusgroup/pkg/bus"
	"github.com/focusgroup-ai/focusgroup/pkg/cost"
	"github.com/focusgroup-ai/focusgroup/pkg/knowledge"
	"github.com/focusgroup-ai/focusgroup/pkg/learning"
	"github.com/focusgroup-ai/focusgroup/pkg/llm"
	"github.com/focusgroup-ai/focusgroup/pkg/models"
	"github.com/focusgroup-ai/focusgroup/pkg/review"
	"github.com/focusgroup-ai/focusgroup/pkg/sandbox"
	"github.com/focusgroup-ai/focusgroup/pkg/session"
)

const (
	thoughtOnlyReply = "THOUGHT: still working through the approach\nCONFIDENCE: 0.9"
	completingReply  = "THOUGHT: done\nCODE: ```python\nprint(2+2)\n```\nCONFIDENCE: 0.9"
)

// queueChat pops scripted replies; the last reply repeats forever.
type queueChat struct {
	mu      sync.Mutex
	replies []llm.ChatResponse
}

func (c *queueChat) Chat(_ context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.replies) == 0 {
		return llm.ChatResponse{Content: thoughtOnlyReply, Model: req.Model}, nil
	}
	reply := c.replies[0]
	if len(c.replies) > 1 {
		c.replies = c.replies[1:]
	}
	if reply.Model == "" {
		reply.Model = req.Model
	}
	if reply.Usage == (llm.Usage{}) {
		reply.Usage = llm.Usage{TokensIn: 100, TokensOut: 50}
	}
	return reply, nil
}

type fixture struct {
	engine  *Engine
	chat    *queueChat
	boxes   *sandbox.Fake
	store   *knowledge.MemStore
	lessons *learning.MemStore
	gate    *review.Gate
	events  *bus.Bus
	manager *session.Manager
}

func newFixture(t *testing.T, mode review.Mode) *fixture {
	t.Helper()
	f := &fixture{
		chat:    &queueChat{},
		boxes:   sandbox.NewFake(),
		store:   knowledge.NewMemStore(),
		lessons: learning.NewMemStore(),
		gate:    review.NewGate(mode, review.WithWaitTimeout(time.Second)),
		events:  bus.New(),
		manager: session.NewManager(),
	}
	opts := DefaultOptions()
	opts.Workers = []WorkerSpec{
		{ID: "junior", Model: "microsoft/Phi-4-mini-instruct", Expertise: "beginner"},
	}
	opts.MaxIterations = 50
	f.engine = New(Deps{
		Chat:      f.chat,
		Embedder:  llm.NewHashEmbedder(64),
		Knowledge: f.store,
		Sandbox:   f.boxes,
		Lessons:   f.lessons,
		Gate:      f.gate,
		Events:    f.events,
		Manager:   f.manager,
	}, opts)
	return f
}

// runAndCollect runs the session to a terminal phase and returns every
// event on its stream.
func (f *fixture) runAndCollect(t *testing.T, sess *session.Session, budget cost.Budget) []bus.Event {
	t.Helper()
	ch, cancel := f.events.Subscribe(sess.ID())
	defer cancel()

	f.engine.Run(context.Background(), sess, budget)

	var out []bus.Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-time.After(2 * time.Second):
			t.Fatal("event stream did not terminate")
			return nil
		}
	}
}

func phaseEdgesOf(events []bus.Event) []string {
	var edges []string
	for _, ev := range events {
		if ev.Type == bus.EventPhaseChange {
			edges = append(edges, fmt.Sprintf("%s->%s", ev.Data["from"], ev.Data["to"]))
		}
	}
	return edges
}

func countType(events []bus.Event, eventType string) int {
	n := 0
	for _, ev := range events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

func findType(events []bus.Event, eventType string) (bus.Event, bool) {
	for _, ev := range events {
		if ev.Type == eventType {
			return ev, true
		}
	}
	return bus.Event{}, false
}

// induceStuckWorker seeds a worker that is already stuck with auth
// errors and walks the session to the check_progress phase so the run
// starts there.
func (f *fixture) induceStuckWorker(t *testing.T, sess *session.Session) {
	t.Helper()
	handle, err := f.boxes.Create(context.Background(), "focusgroup-"+sess.ID()+"-junior", "python")
	require.NoError(t, err)

	require.NoError(t, sess.UpdateWorker("junior", func(w *session.Worker) {
		w.Subtask = "call the customer api"
		w.SandboxHandle = handle
		w.LLMConfidence = 0.7
		w.MinutesWithoutProgress = 6.0
		for i := 0; i < 4; i++ {
			w.PushError("401 unauthorized when calling the api")
		}
	}))

	require.NoError(t, sess.SetPhase(session.PhaseAssignTask))
	require.NoError(t, sess.SetPhase(session.PhaseWorkerExecute))
	require.NoError(t, sess.SetPhase(session.PhaseCheckProgress))
}

func TestHappyPathSingleWorker(t *testing.T) {
	f := newFixture(t, review.ModeAutoApprove)
	f.chat.replies = []llm.ChatResponse{{Content: completingReply}}

	sess := f.engine.NewSession("print 2+2")
	events := f.runAndCollect(t, sess, cost.DefaultBudget())

	assert.Equal(t, session.PhaseCompleted, sess.Phase())
	assert.Equal(t, []string{
		"init->assign_task",
		"assign_task->worker_execute",
		"worker_execute->check_progress",
		"check_progress->worker_execute",
		"worker_execute->check_progress",
		"check_progress->browserbase_test",
		"browserbase_test->generate_report",
		"generate_report->expert_learn",
		"expert_learn->completed",
	}, phaseEdgesOf(events))

	result, ok := findType(events, bus.EventCodeResult)
	require.True(t, ok)
	assert.Equal(t, 0, result.Data["exit_code"])

	assert.Equal(t, 1, countType(events, bus.EventSessionDone))
	done, _ := findType(events, bus.EventSessionDone)
	assert.Equal(t, "completed", done.Data["status"])

	summary, ok := f.engine.Costs(sess.ID())
	require.True(t, ok)
	assert.Greater(t, summary.Total, 0.0)
	assert.Less(t, summary.Total, 0.01)

	require.NotNil(t, sess.Report())
	require.Len(t, sess.Report().Workers, 1)
	assert.True(t, sess.Report().Workers[0].Completed)

	// Sandbox released on termination.
	assert.NotEmpty(t, f.boxes.Deleted())
}

func TestStuckWorkerResolvedFromCache(t *testing.T) {
	f := newFixture(t, review.ModeHuman)
	f.chat.replies = []llm.ChatResponse{{Content: completingReply}}

	// Seed the knowledge cache with an approved auth answer.
	seedCosts := cost.NewController(cost.DefaultBudget())
	seedCache := knowledge.NewCache(f.store, llm.NewHashEmbedder(64), seedCosts)
	_, _, err := seedCache.StoreApproved(context.Background(), knowledge.StoreRequest{
		Question:   "How do I authenticate with the API?",
		Answer:     "Use a bearer token in the Authorization header.",
		ApprovedBy: "alice",
	})
	require.NoError(t, err)

	sess := f.engine.NewSession("call the customer api")
	f.induceStuckWorker(t, sess)
	events := f.runAndCollect(t, sess, cost.DefaultBudget())

	assert.Equal(t, session.PhaseCompleted, sess.Phase())

	queries := sess.Queries()
	require.Len(t, queries, 1)
	assert.Equal(t, models.IssueAPIError, queries[0].IssueType)
	assert.GreaterOrEqual(t, queries[0].UrgencyScore, 0.55)
	assert.True(t, queries[0].CacheHit)
	require.NotEmpty(t, queries[0].CacheResults)
	assert.GreaterOrEqual(t, queries[0].CacheResults[0].RelevanceScore, 0.7)

	assert.Equal(t, 1, countType(events, bus.EventEscalated))
	assert.Zero(t, countType(events, bus.EventReviewPending), "cache hit skips review")

	w, _ := sess.WorkerView("junior")
	var guided bool
	for _, a := range w.Actions {
		if a.Type == session.ActionExpertGuidance {
			guided = true
			assert.Contains(t, a.Description, "bearer token")
		}
	}
	assert.True(t, guided, "cached answer injected as guidance")
}

func TestCacheMissEscalatesToExpert(t *testing.T) {
	f := newFixture(t, review.ModeAutoApprove)
	f.chat.replies = []llm.ChatResponse{
		{Content: "Use a bearer token from the auth endpoint.", Model: "deepseek-ai/DeepSeek-R1"},
		{Content: completingReply},
	}

	sess := f.engine.NewSession("call the customer api")
	f.induceStuckWorker(t, sess)
	events := f.runAndCollect(t, sess, cost.DefaultBudget())

	assert.Equal(t, session.PhaseCompleted, sess.Phase())
	assert.Equal(t, 1, countType(events, bus.EventEscalated))
	assert.Equal(t, 1, countType(events, bus.EventReviewPending))
	assert.Equal(t, 1, countType(events, bus.EventExpertAnswer))

	// The approved answer landed in the knowledge cache with a
	// non-zero embedding spend.
	n, err := f.store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	summary, _ := f.engine.Costs(sess.ID())
	assert.Greater(t, summary.Spent[cost.CategoryEmbeddings], 0.0)
	assert.Greater(t, summary.Spent[cost.CategoryExpert], 0.0)

	w, _ := sess.WorkerView("junior")
	var guided bool
	for _, a := range w.Actions {
		if a.Type == session.ActionExpertGuidance {
			guided = true
		}
	}
	assert.True(t, guided)

	// expert_learn scored the successful outcome into the category.
	learned, err := f.lessons.GetContext(context.Background(), "api_usage")
	require.NoError(t, err)
	assert.Contains(t, learned, "worked well")
}

func TestBudgetExhaustionSkipsToReport(t *testing.T) {
	f := newFixture(t, review.ModeAutoApprove)
	f.chat.replies = []llm.ChatResponse{{
		Content: thoughtOnlyReply,
		Usage:   llm.Usage{TokensIn: 20000, TokensOut: 0},
	}}

	budget := cost.Budget{Total: 0.001, Workers: 0.001}
	sess := f.engine.NewSession("build a large app")
	events := f.runAndCollect(t, sess, budget)

	assert.Equal(t, session.PhaseCompleted, sess.Phase())
	done, _ := findType(events, bus.EventSessionDone)
	assert.Equal(t, "completed", done.Data["status"])

	require.NotNil(t, sess.Report())
	var noted bool
	for _, n := range sess.Report().Notes {
		if strings.HasPrefix(n, "budget_exhausted") {
			noted = true
		}
	}
	assert.True(t, noted, "report carries the budget_exhausted note")

	summary, _ := f.engine.Costs(sess.ID())
	assert.LessOrEqual(t, summary.Total, 0.003)
	assert.False(t, sess.Report().Workers[0].Completed)
}

func TestRepetitionBreakerResetsWorker(t *testing.T) {
	f := newFixture(t, review.ModeAutoApprove)
	sess := f.engine.NewSession("task")
	r := newRun(f.engine, sess, cost.NewController(cost.DefaultBudget()))

	require.NoError(t, sess.UpdateWorker("junior", func(w *session.Worker) {
		for i := 0; i < 10; i++ {
			w.AppendAction(session.WorkerAction{
				Type:        session.ActionCodeExecution,
				Description: "retry the exact same script",
			})
		}
		w.PushError("e1")
		w.PushError("e2")
		w.PushError("e3")
		w.MinutesWithoutProgress = 4.0
	}))

	require.True(t, r.checkBreakers())

	w, _ := sess.WorkerView("junior")
	assert.Empty(t, w.RecentErrors)
	assert.Zero(t, w.MinutesWithoutProgress)
	assert.Len(t, w.Actions, 10, "action history preserved")
}

func TestTimeoutBreakerFiresOnceBeforeReportPhases(t *testing.T) {
	f := newFixture(t, review.ModeAutoApprove)
	sess := f.engine.NewSession("task")
	r := newRun(f.engine, sess, cost.NewController(cost.DefaultBudget()))
	r.startedAt = time.Now().Add(-90 * time.Minute)

	require.NoError(t, sess.SetPhase(session.PhaseAssignTask))
	require.NoError(t, sess.SetPhase(session.PhaseWorkerExecute))

	require.True(t, r.checkBreakers())
	assert.Equal(t, session.PhaseGenerateReport, sess.Phase())
	require.Len(t, r.notes, 1)

	// Once in the report path there is nothing left to skip; the trip
	// must not re-fire from generate_report or expert_learn.
	require.True(t, r.checkBreakers())
	assert.Equal(t, session.PhaseGenerateReport, sess.Phase())
	assert.Len(t, r.notes, 1)

	require.NoError(t, sess.SetPhase(session.PhaseExpertLearn))
	require.True(t, r.checkBreakers())
	assert.Equal(t, session.PhaseExpertLearn, sess.Phase())
	assert.Len(t, r.notes, 1)
}

func TestEmptyTaskFailsInAssignTask(t *testing.T) {
	f := newFixture(t, review.ModeAutoApprove)
	sess := f.engine.NewSession("")
	events := f.runAndCollect(t, sess, cost.DefaultBudget())

	assert.Equal(t, session.PhaseFailed, sess.Phase())
	assert.Contains(t, sess.Err(), "empty task")
	done, _ := findType(events, bus.EventSessionDone)
	assert.Equal(t, "failed", done.Data["status"])
}

// blockingChat parks until the context is cancelled.
type blockingChat struct{}

func (blockingChat) Chat(ctx context.Context, _ llm.ChatRequest) (llm.ChatResponse, error) {
	<-ctx.Done()
	return llm.ChatResponse{}, ctx.Err()
}

func TestCancellationFailsSession(t *testing.T) {
	f := newFixture(t, review.ModeAutoApprove)
	f.engine.deps.Chat = blockingChat{}

	sess := f.engine.NewSession("never finishes")
	ctx, cancel := context.WithCancel(context.Background())
	sess.SetCancel(cancel)

	done := make(chan struct{})
	go func() {
		f.engine.Run(ctx, sess, cost.DefaultBudget())
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	require.True(t, sess.Cancel())

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
	assert.Equal(t, session.PhaseFailed, sess.Phase())
	assert.Contains(t, sess.Err(), "cancelled")
}

func TestValidationFailureSendsWorkerBack(t *testing.T) {
	f := newFixture(t, review.ModeAutoApprove)

	// First validation fails, second passes.
	calls := 0
	f.engine.deps.Validator = validatorFunc(func(_ context.Context, w session.Worker) models.ValidationResult {
		calls++
		if calls == 1 {
			return models.ValidationResult{WorkerID: w.ID, Passed: false, Errors: []string{"preview not reachable"}}
		}
		return models.ValidationResult{WorkerID: w.ID, Passed: true, Score: 1.0}
	})
	f.chat.replies = []llm.ChatResponse{{Content: completingReply}}

	sess := f.engine.NewSession("serve a page")
	events := f.runAndCollect(t, sess, cost.DefaultBudget())

	assert.Equal(t, session.PhaseCompleted, sess.Phase())
	assert.Equal(t, 1, countType(events, bus.EventValidationError))
	assert.Equal(t, 2, countType(events, bus.EventValidationStarted))
	assert.GreaterOrEqual(t, calls, 2)
}

type validatorFunc func(context.Context, session.Worker) models.ValidationResult

func (f validatorFunc) Validate(ctx context.Context, w session.Worker) models.ValidationResult {
	return f(ctx, w)
}
