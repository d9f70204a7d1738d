// Package session holds the in-memory state of a focus-group session:
// the worker roster, conversation and action histories, expert queries,
// and the phase the workflow engine is currently in. State is owned by
// the engine; concurrent readers (the HTTP API) go through snapshot
// methods that copy under the session lock.
package session

import (
	"fmt"
	"time"
)

// MessageRole represents the role of a message sender.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is a single conversation turn.
type Message struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

// ActionType tags an entry in a worker's action history.
type ActionType string

const (
	ActionLLMPlan        ActionType = "llm_plan"
	ActionCodeExecution  ActionType = "code_execution"
	ActionLLMError       ActionType = "llm_error"
	ActionExpertGuidance ActionType = "expert_guidance"
)

// maxDescriptionLen caps action descriptions.
const maxDescriptionLen = 200

// maxRecentErrors bounds the per-worker error ring.
const maxRecentErrors = 5

// WorkerAction is one append-only entry in a worker's history.
type WorkerAction struct {
	Timestamp time.Time  `json:"timestamp"`
	Type      ActionType `json:"action_type"`
	// Description is capped at 200 characters.
	Description string `json:"description"`
	Result      string `json:"result,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Signature returns the repetition-detection signature for the action:
// type plus the first 50 characters of the description.
func (a WorkerAction) Signature() string {
	return fmt.Sprintf("%s:%s", a.Type, truncateRunes(a.Description, 50))
}

// truncateRunes caps s at n runes so multi-byte characters are never
// split mid-sequence.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// Profile identifies the model and expertise level backing a worker.
type Profile struct {
	Model     string `json:"model" yaml:"model"`
	Expertise string `json:"expertise" yaml:"expertise"`
}

// PreviewURL is a live preview endpoint discovered on a worker's sandbox.
type PreviewURL struct {
	Port int    `json:"port"`
	URL  string `json:"url"`
}

// Output is the structured result of a completed worker.
type Output struct {
	Code        string       `json:"code"`
	Output      string       `json:"output"`
	Thought     string       `json:"thought"`
	PreviewURLs []PreviewURL `json:"preview_urls,omitempty"`
}

// Worker is one model-driven agent within a session.
//
// Worker state is mutated only through Session.UpdateWorker so that
// API snapshot reads never race with the engine.
type Worker struct {
	ID           string  `json:"id"`
	Profile      Profile `json:"profile"`
	Subtask      string  `json:"subtask"`
	Conversation []Message      `json:"conversation"`
	Actions      []WorkerAction `json:"actions"`
	// RecentErrors keeps the last 5 error strings, oldest evicted.
	RecentErrors           []string `json:"recent_errors"`
	LLMConfidence          float64  `json:"llm_confidence"`
	MinutesWithoutProgress float64  `json:"minutes_without_progress"`
	SandboxHandle          string   `json:"sandbox_handle,omitempty"`
	Output                 *Output  `json:"output,omitempty"`
	Completed              bool     `json:"completed"`
	Stuck                  bool     `json:"stuck"`
}

// AppendAction records an action, truncating the description to the cap.
func (w *Worker) AppendAction(a WorkerAction) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	a.Description = truncateRunes(a.Description, maxDescriptionLen)
	w.Actions = append(w.Actions, a)
}

// PushError appends to the bounded recent-error ring.
func (w *Worker) PushError(msg string) {
	w.RecentErrors = append(w.RecentErrors, msg)
	if len(w.RecentErrors) > maxRecentErrors {
		w.RecentErrors = w.RecentErrors[len(w.RecentErrors)-maxRecentErrors:]
	}
}

// RecentActions returns the last n actions (fewer if the history is short).
func (w *Worker) RecentActions(n int) []WorkerAction {
	if len(w.Actions) <= n {
		return w.Actions
	}
	return w.Actions[len(w.Actions)-n:]
}

// SharedPattern is a cross-worker hint contributed on completion.
type SharedPattern struct {
	ContributedBy string    `json:"contributed_by"`
	Summary       string    `json:"summary"`
	Timestamp     time.Time `json:"timestamp"`
}

// WorkerSummary is the read-only per-worker view served by the API.
type WorkerSummary struct {
	ID          string `json:"id"`
	Completed   bool   `json:"completed"`
	Stuck       bool   `json:"stuck"`
	ActionCount int    `json:"action_count"`
	ErrorCount  int    `json:"error_count"`
}
