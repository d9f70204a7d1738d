package session

// Phase is a state in the session workflow. Phase transitions are the
// only way a session mutates; the engine validates every edge against
// the table below.
type Phase string

const (
	PhaseInit           Phase = "init"
	PhaseAssignTask     Phase = "assign_task"
	PhaseWorkerExecute  Phase = "worker_execute"
	PhaseCheckProgress  Phase = "check_progress"
	PhaseArbiter        Phase = "arbiter"
	PhaseHybridSearch   Phase = "hybrid_search"
	PhaseHumanReview    Phase = "human_review"
	PhaseExpertAnswer   Phase = "expert_answer"
	PhaseBrowserTest    Phase = "browserbase_test"
	PhaseGenerateReport Phase = "generate_report"
	PhaseExpertLearn    Phase = "expert_learn"
	PhaseCompleted      Phase = "completed"
	PhaseFailed         Phase = "failed"
)

// Terminal reports whether the phase admits no further transitions.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// phaseEdges is the transition table. Besides these edges, any
// non-terminal phase may transition to failed (fatal breaker trip) or
// to generate_report (budget exhaustion / timeout breaker skip).
var phaseEdges = map[Phase][]Phase{
	PhaseInit:           {PhaseAssignTask},
	PhaseAssignTask:     {PhaseWorkerExecute},
	PhaseWorkerExecute:  {PhaseCheckProgress},
	PhaseCheckProgress:  {PhaseBrowserTest, PhaseArbiter, PhaseWorkerExecute},
	PhaseArbiter:        {PhaseHybridSearch},
	PhaseHybridSearch:   {PhaseWorkerExecute, PhaseHumanReview},
	PhaseHumanReview:    {PhaseExpertAnswer, PhaseWorkerExecute},
	PhaseExpertAnswer:   {PhaseWorkerExecute},
	PhaseBrowserTest:    {PhaseGenerateReport, PhaseWorkerExecute},
	PhaseGenerateReport: {PhaseExpertLearn},
	PhaseExpertLearn:    {PhaseCompleted},
}

// ValidTransition reports whether from→to is an allowed phase edge.
func ValidTransition(from, to Phase) bool {
	if from.Terminal() {
		return false
	}
	if to == PhaseFailed || to == PhaseGenerateReport {
		return true
	}
	for _, next := range phaseEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}
