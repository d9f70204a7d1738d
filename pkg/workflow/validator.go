package workflow

import (
	"context"

	"github.com/focusgroup-ai/focusgroup/pkg/models"
	"github.com/focusgroup-ai/focusgroup/pkg/session"
)

// Validator checks a completed worker's output during the
// browserbase_test phase. Implementations may drive a real browser
// against the worker's preview URLs; the default only requires that
// the worker produced output.
type Validator interface {
	Validate(ctx context.Context, w session.Worker) models.ValidationResult
}

// OutputValidator passes any worker whose output is non-empty.
type OutputValidator struct{}

var _ Validator = OutputValidator{}

// Validate runs the output-presence check.
func (OutputValidator) Validate(_ context.Context, w session.Worker) models.ValidationResult {
	result := models.ValidationResult{WorkerID: w.ID}
	check := models.ValidationCheck{Name: "output_present"}
	if w.Output != nil && (w.Output.Output != "" || w.Output.Code != "") {
		check.Passed = true
		result.Passed = true
		result.Score = 1.0
	} else {
		check.Error = "worker produced no output"
		result.Errors = append(result.Errors, check.Error)
	}
	result.Checks = append(result.Checks, check)
	return result
}
