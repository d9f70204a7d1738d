package agent

import (
	"fmt"
	"strings"

	"github.com/focusgroup-ai/focusgroup/pkg/models"
)

// workerSystemPrompt is the fixed system prompt every worker runs with.
const workerSystemPrompt = `You are a capable software developer working on a task.
You write clean, working code and debug issues effectively.

Your task is to write and execute Python code to solve the given problem.
You have access to a sandbox where you can execute code.

If you are building a web application, start the server on port 8080 in the background
(e.g. using subprocess or threading) so it can be previewed. Make sure the server binds
to 0.0.0.0 so it is accessible externally.

Respond in this format:
THOUGHT: <your thinking and reasoning>
CODE: <the Python code to execute (wrapped in ` + "```python ```" + `)>
CONFIDENCE: <float between 0.0 and 1.0 representing your confidence>`

// expertSystemPrompt frames the expert model's role.
const expertSystemPrompt = `You are an expert developer helping other developers ` +
	`who are stuck while using an SDK/API product. Provide clear, actionable answers ` +
	`with code examples when appropriate. Be concise but thorough.`

// questionTemplates turn an issue classification into a question the
// expert (or a cached answer) can address.
var questionTemplates = map[models.IssueType]string{
	models.IssueDocumentationGap:    "The worker cannot find documentation for what it is trying to do. What is the correct approach?\n\n%s",
	models.IssueAPIError:            "The worker keeps hitting API errors. What is causing them and how should they be fixed?\n\n%s",
	models.IssueConceptualBlock:     "The worker appears to have a conceptual misunderstanding and has hit a dead end. What should it do differently?\n\n%s",
	models.IssueBugSuspected:        "The worker suspects a bug: repeated attempts fail the same way. Is this a known issue, and what is the workaround?\n\n%s",
	models.IssueClarificationNeeded: "The worker is unsure how to proceed and needs clarification. What guidance would unblock it?\n\n%s",
}

// buildQuestion renders the issue-type template around a short problem
// statement.
func buildQuestion(issueType models.IssueType, problem string) string {
	tmpl, ok := questionTemplates[issueType]
	if !ok {
		tmpl = questionTemplates[models.IssueDocumentationGap]
	}
	return fmt.Sprintf(tmpl, problem)
}

// categoryKeywords drives the subtask category heuristic, checked in
// order.
var categoryKeywords = []struct {
	category string
	words    []string
}{
	{"auth", []string{"auth", "login", "token", "credential", "oauth", "password"}},
	{"db", []string{"database", "sql", "postgres", "sqlite", "migration", "query", "schema"}},
	{"testing", []string{"test", "assert", "mock", "coverage"}},
	{"deploy", []string{"deploy", "docker", "kubernetes", "release", "ci", "pipeline"}},
	{"api_usage", []string{"api", "endpoint", "request", "sdk", "client", "http"}},
}

// classifyCategory maps a subtask to a coarse category by keyword.
func classifyCategory(subtask string) string {
	lower := strings.ToLower(subtask)
	for _, ck := range categoryKeywords {
		for _, w := range ck.words {
			if strings.Contains(lower, w) {
				return ck.category
			}
		}
	}
	return "general"
}
