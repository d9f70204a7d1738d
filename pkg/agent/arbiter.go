package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/focusgroup-ai/focusgroup/pkg/models"
	"github.com/focusgroup-ai/focusgroup/pkg/session"
)

// Arbiter thresholds.
const (
	timeStuckMinutes    = 5.0
	errorLoopCount      = 3
	lowConfidenceBelow  = 0.6
	escalationThreshold = 0.5
)

// Urgency weights per signal.
const (
	weightTimeStuck     = 0.30
	weightErrorLoop     = 0.25
	weightLowConfidence = 0.20
	weightRepetition    = 0.15
	weightDeadEnd       = 0.10
)

// Signals are the boolean stuck indicators derived from worker state.
type Signals struct {
	TimeStuck     bool `json:"time_stuck"`
	ErrorLoop     bool `json:"error_loop"`
	LowConfidence bool `json:"low_confidence"`
	Repetition    bool `json:"repetition"`
	DeadEnd       bool `json:"dead_end"`
}

// Evaluation is the arbiter's verdict on one worker.
type Evaluation struct {
	Signals   Signals          `json:"signals"`
	Urgency   float64          `json:"urgency"`
	Escalate  bool             `json:"escalate"`
	IssueType models.IssueType `json:"issue_type"`
}

// Arbiter evaluates worker snapshots and builds expert queries for the
// ones that need help. It is stateless; every call works on the
// snapshot it is given.
type Arbiter struct{}

// Evaluate derives the stuck signals, the weighted urgency, the
// escalation decision, and the issue classification.
func (Arbiter) Evaluate(w session.Worker) Evaluation {
	sig := Signals{
		TimeStuck:     w.MinutesWithoutProgress > timeStuckMinutes,
		ErrorLoop:     len(w.RecentErrors) > errorLoopCount,
		LowConfidence: w.LLMConfidence < lowConfidenceBelow,
		Repetition:    detectRepetition(w.Actions),
		DeadEnd:       detectDeadEnd(w.Actions),
	}

	urgency := boolWeight(sig.TimeStuck, weightTimeStuck) +
		boolWeight(sig.ErrorLoop, weightErrorLoop) +
		boolWeight(sig.LowConfidence, weightLowConfidence) +
		boolWeight(sig.Repetition, weightRepetition) +
		boolWeight(sig.DeadEnd, weightDeadEnd)

	escalate := urgency > escalationThreshold ||
		(sig.TimeStuck && sig.ErrorLoop) ||
		sig.DeadEnd

	return Evaluation{
		Signals:   sig,
		Urgency:   urgency,
		Escalate:  escalate,
		IssueType: classifyIssue(sig),
	}
}

func boolWeight(b bool, w float64) float64 {
	if b {
		return w
	}
	return 0
}

// detectRepetition reports low variety in recent actions: fewer than 3
// distinct signatures among the last 10. Histories shorter than 5
// actions never count as repetition.
func detectRepetition(actions []session.WorkerAction) bool {
	if len(actions) < 5 {
		return false
	}
	recent := lastN(actions, 10)
	distinct := make(map[string]struct{}, len(recent))
	for _, a := range recent {
		distinct[a.Signature()] = struct{}{}
	}
	return len(distinct) < 3
}

// detectDeadEnd looks for three shapes of going nowhere: most recent
// actions erroring, a long single-type streak, or a short ping-pong
// between two signatures.
func detectDeadEnd(actions []session.WorkerAction) bool {
	recent := lastN(actions, 10)

	errored := 0
	for _, a := range recent {
		if a.Error != "" {
			errored++
		}
	}
	if errored >= 5 {
		return true
	}

	if len(recent) >= 5 {
		tail := lastN(recent, 5)
		sameType := true
		for _, a := range tail[1:] {
			if a.Type != tail[0].Type {
				sameType = false
				break
			}
		}
		if sameType {
			return true
		}
	}

	if len(recent) >= 6 {
		tail := lastN(recent, 6)
		distinct := make(map[string]struct{}, len(tail))
		for _, a := range tail {
			distinct[a.Signature()] = struct{}{}
		}
		if len(distinct) <= 2 {
			return true
		}
	}
	return false
}

func lastN(actions []session.WorkerAction, n int) []session.WorkerAction {
	if len(actions) <= n {
		return actions
	}
	return actions[len(actions)-n:]
}

// classifyIssue maps signals to an issue type, first match wins.
func classifyIssue(sig Signals) models.IssueType {
	switch {
	case sig.ErrorLoop && sig.Repetition:
		return models.IssueBugSuspected
	case sig.ErrorLoop:
		return models.IssueAPIError
	case sig.DeadEnd:
		return models.IssueConceptualBlock
	case sig.LowConfidence && sig.TimeStuck:
		return models.IssueClarificationNeeded
	default:
		return models.IssueDocumentationGap
	}
}

// context assembly caps.
const (
	contextActions   = 5
	contextActionLen = 100
	contextErrors    = 3
	contextErrorLen  = 150
)

// BuildQuery composes the expert query for a stuck worker: a context
// summary of the worker's recent activity and an issue-typed question.
func (a Arbiter) BuildQuery(task string, w session.Worker, eval Evaluation) models.ExpertQuery {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", task)
	fmt.Fprintf(&b, "Worker: %s (subtask: %s)\n\n", w.ID, w.Subtask)

	b.WriteString("Recent actions:\n")
	for _, action := range lastN(w.Actions, contextActions) {
		fmt.Fprintf(&b, "- [%s] %s\n", action.Type, truncate(action.Description, contextActionLen))
	}

	if len(w.RecentErrors) > 0 {
		b.WriteString("\nRecent errors:\n")
		errs := w.RecentErrors
		if len(errs) > contextErrors {
			errs = errs[len(errs)-contextErrors:]
		}
		for _, e := range errs {
			fmt.Fprintf(&b, "- %s\n", truncate(e, contextErrorLen))
		}
	}

	fmt.Fprintf(&b, "\nMinutes without progress: %.1f\n", w.MinutesWithoutProgress)
	fmt.Fprintf(&b, "Model confidence: %.2f\n", w.LLMConfidence)

	problem := w.Subtask
	if len(w.RecentErrors) > 0 {
		problem += "\nLatest error: " + truncate(w.RecentErrors[len(w.RecentErrors)-1], contextErrorLen)
	}

	return models.ExpertQuery{
		QueryID:       uuid.NewString(),
		Question:      buildQuestion(eval.IssueType, problem),
		WorkerID:      w.ID,
		WorkerContext: b.String(),
		Category:      classifyCategory(w.Subtask),
		IssueType:     eval.IssueType,
		UrgencyScore:  eval.Urgency,
		Timestamp:     time.Now(),
	}
}

// truncate caps s at n runes so multi-byte characters are never split.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
