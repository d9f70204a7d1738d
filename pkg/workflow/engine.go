// Package workflow implements the phase engine: the finite-state
// machine that drives a session from init to a terminal phase,
// consulting the cost controller and circuit breakers at every
// boundary and routing stuck workers through the arbiter, the
// knowledge cache, human review, and the expert.
package workflow

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/focusgroup-ai/focusgroup/pkg/bus"
	"github.com/focusgroup-ai/focusgroup/pkg/cost"
	"github.com/focusgroup-ai/focusgroup/pkg/knowledge"
	"github.com/focusgroup-ai/focusgroup/pkg/learning"
	"github.com/focusgroup-ai/focusgroup/pkg/llm"
	"github.com/focusgroup-ai/focusgroup/pkg/review"
	"github.com/focusgroup-ai/focusgroup/pkg/sandbox"
	"github.com/focusgroup-ai/focusgroup/pkg/session"
)

// WorkerSpec configures one roster slot.
type WorkerSpec struct {
	ID        string `yaml:"id"`
	Model     string `yaml:"model"`
	Expertise string `yaml:"expertise"`
}

// Options are the engine-level knobs: the worker roster, the expert
// model, the default budget, and the loop safety cap.
type Options struct {
	Workers       []WorkerSpec
	ExpertModel   string
	Budget        cost.Budget
	MaxIterations int
}

// DefaultOptions returns the stock three-worker roster.
func DefaultOptions() Options {
	return Options{
		Workers: []WorkerSpec{
			{ID: "junior", Model: "microsoft/Phi-4-mini-instruct", Expertise: "beginner"},
			{ID: "intermediate", Model: "Qwen/Qwen2.5-14B-Instruct", Expertise: "mid-level"},
			{ID: "senior", Model: "meta-llama/Llama-3.3-70B-Instruct", Expertise: "advanced"},
		},
		ExpertModel:   "deepseek-ai/DeepSeek-R1",
		Budget:        cost.DefaultBudget(),
		MaxIterations: 200,
	}
}

// Deps are the external collaborators a session run needs. Everything
// is injected; the engine holds no global state.
type Deps struct {
	Chat      llm.ChatClient
	Embedder  llm.EmbeddingClient
	Knowledge knowledge.Store
	Sandbox   sandbox.Provider
	Lessons   learning.Store
	Gate      *review.Gate
	Events    *bus.Bus
	Manager   *session.Manager
	Validator Validator

	// EmbedCache, when set, is shared by every run's knowledge cache
	// so repeated queries skip re-embedding across sessions.
	EmbedCache *knowledge.EmbedCache
}

// Engine creates and runs sessions.
type Engine struct {
	deps Deps
	opts Options

	mu     sync.Mutex
	ledger map[string]*cost.Controller
}

// New builds an engine. A nil Validator defaults to OutputValidator.
func New(deps Deps, opts Options) *Engine {
	if deps.Validator == nil {
		deps.Validator = OutputValidator{}
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultOptions().MaxIterations
	}
	return &Engine{
		deps:   deps,
		opts:   opts,
		ledger: make(map[string]*cost.Controller),
	}
}

// NewSession creates a session with the configured roster and registers
// it with the manager. It does not start the run.
func (e *Engine) NewSession(task string) *session.Session {
	workers := make([]*session.Worker, len(e.opts.Workers))
	for i, spec := range e.opts.Workers {
		workers[i] = &session.Worker{
			ID: spec.ID,
			Profile: session.Profile{
				Model:     spec.Model,
				Expertise: spec.Expertise,
			},
			LLMConfidence: 1.0,
		}
	}
	sess := session.New(uuid.NewString(), task, workers)
	e.deps.Manager.Add(sess)
	return sess
}

// Start creates a session and runs it asynchronously with the given
// budget. The returned session is already registered with the manager.
func (e *Engine) Start(task string, budget cost.Budget) *session.Session {
	sess := e.NewSession(task)
	ctx, cancel := context.WithCancel(context.Background())
	sess.SetCancel(cancel)
	go e.Run(ctx, sess, budget)
	return sess
}

// Run drives the session synchronously until it reaches a terminal
// phase. Exported so tests and callers that want to block can use it.
func (e *Engine) Run(ctx context.Context, sess *session.Session, budget cost.Budget) {
	costs := cost.NewController(budget)

	e.mu.Lock()
	e.ledger[sess.ID()] = costs
	e.mu.Unlock()

	r := newRun(e, sess, costs)
	r.loop(ctx)
}

// Costs returns the cost summary for a session, live or finished.
func (e *Engine) Costs(sessionID string) (cost.Summary, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.ledger[sessionID]
	if !ok {
		return cost.Summary{}, false
	}
	return c.Snapshot(), true
}

// ForgetCosts drops a finished session's ledger. Called by the
// retention janitor alongside bus cleanup.
func (e *Engine) ForgetCosts(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.ledger, sessionID)
}
