package models

// ValidationCheck is a single named check run against a worker's output.
type ValidationCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Error  string `json:"error,omitempty"`
}

// ValidationResult aggregates the checks run against one worker's output
// during the browser validation phase.
type ValidationResult struct {
	WorkerID string            `json:"worker_id"`
	Passed   bool              `json:"passed"`
	Score    float64           `json:"score"`
	Checks   []ValidationCheck `json:"checks,omitempty"`
	Errors   []string          `json:"errors,omitempty"`
}

// WorkerReport summarizes one worker's contribution in the final report.
type WorkerReport struct {
	ID          string `json:"id"`
	Completed   bool   `json:"completed"`
	ActionCount int    `json:"action_count"`
	Output      any    `json:"output,omitempty"`
}

// SessionReport is assembled during the generate_report phase.
type SessionReport struct {
	SessionID   string             `json:"session_id"`
	Task        string             `json:"task"`
	Workers     []WorkerReport     `json:"workers"`
	Validations []ValidationResult `json:"validations,omitempty"`
	Notes       []string           `json:"notes,omitempty"`
}
