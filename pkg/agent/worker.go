package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/focusgroup-ai/focusgroup/pkg/bus"
	"github.com/focusgroup-ai/focusgroup/pkg/cost"
	"github.com/focusgroup-ai/focusgroup/pkg/llm"
	"github.com/focusgroup-ai/focusgroup/pkg/sandbox"
	"github.com/focusgroup-ai/focusgroup/pkg/session"
)

const (
	workerTemperature = 0.7
	workerMaxTokens   = 2048

	// stepMinutes is the progress-clock increment charged per step.
	stepMinutes = 0.5

	// resultCap bounds stored execution results; feedbackCap bounds the
	// result echoed back into the conversation.
	resultCap   = 500
	feedbackCap = 1000

	sandboxLanguage = "python"
	sandboxCodePath = "/workspace/main.py"
)

// previewPorts are probed on the sandbox after a successful run to
// surface web apps the worker may have started.
var previewPorts = []int{8080, 3000, 5000, 8000, 4000, 5173, 8888}

// Driver runs worker steps: one model call, optional code execution in
// the worker's sandbox, and all the bookkeeping on the session that the
// arbiter later reads.
type Driver struct {
	chat   llm.ChatClient
	boxes  sandbox.Provider
	costs  *cost.Controller
	events *bus.Bus
}

// NewDriver wires a worker driver.
func NewDriver(chat llm.ChatClient, boxes sandbox.Provider, costs *cost.Controller, events *bus.Bus) *Driver {
	return &Driver{chat: chat, boxes: boxes, costs: costs, events: events}
}

// InitSandbox provisions the worker's sandbox, replacing any leftover
// one with the same name from a previous run.
func (d *Driver) InitSandbox(ctx context.Context, sess *session.Session, workerID string) error {
	name := fmt.Sprintf("focusgroup-%s-%s", sess.ID(), workerID)

	if handle, err := d.boxes.FindByName(ctx, name); err != nil {
		return fmt.Errorf("look up sandbox %s: %w", name, err)
	} else if handle != "" {
		if err := d.boxes.Delete(ctx, handle); err != nil {
			return fmt.Errorf("delete stale sandbox %s: %w", name, err)
		}
	}

	handle, err := d.boxes.Create(ctx, name, sandboxLanguage)
	if err != nil {
		return fmt.Errorf("create sandbox %s: %w", name, err)
	}

	if err := sess.UpdateWorker(workerID, func(w *session.Worker) {
		w.SandboxHandle = handle
	}); err != nil {
		return err
	}

	d.events.Emit(sess.ID(), workerID, bus.EventSandboxReady, map[string]any{
		"handle": handle,
	})
	return nil
}

// ReleaseSandbox tears down the worker's sandbox. Missing sandboxes are
// not an error.
func (d *Driver) ReleaseSandbox(ctx context.Context, sess *session.Session, workerID string) {
	w, ok := sess.WorkerView(workerID)
	if !ok || w.SandboxHandle == "" {
		return
	}
	if err := d.boxes.Delete(ctx, w.SandboxHandle); err != nil {
		slog.Warn("Sandbox release failed",
			"session_id", sess.ID(), "worker_id", workerID, "error", err)
	}
	_ = sess.UpdateWorker(workerID, func(w *session.Worker) { w.SandboxHandle = "" })
}

// Step runs one iteration for the worker: model call, parse, optional
// execution, feedback. Errors from the model or sandbox are recorded on
// the worker and returned; the engine decides what to do with them.
func (d *Driver) Step(ctx context.Context, sess *session.Session, workerID string) error {
	w, ok := sess.WorkerView(workerID)
	if !ok {
		return fmt.Errorf("unknown worker %q", workerID)
	}
	hadPriorActions := len(w.Actions) > 0

	messages := d.buildMessages(w)

	d.events.Emit(sess.ID(), workerID, bus.EventThinking, map[string]any{
		"model": w.Profile.Model,
	})

	resp, err := d.chat.Chat(ctx, llm.ChatRequest{
		Model:       w.Profile.Model,
		Messages:    messages,
		Temperature: workerTemperature,
		MaxTokens:   workerMaxTokens,
	})
	if err != nil {
		d.recordFailure(sess, workerID, session.ActionLLMError, "Model call failed", err.Error())
		return fmt.Errorf("worker %s model call: %w", workerID, err)
	}
	d.costs.Record(cost.CategoryWorkers, resp.Model, resp.Usage.TokensIn, resp.Usage.TokensOut)

	parsed := ParseResponse(resp.Content)

	d.events.Emit(sess.ID(), workerID, bus.EventThought, map[string]any{
		"thought":    parsed.Thought,
		"confidence": parsed.Confidence,
	})

	if err := sess.UpdateWorker(workerID, func(w *session.Worker) {
		w.Conversation = append(w.Conversation, session.Message{
			Role:    session.RoleAssistant,
			Content: resp.Content,
		})
		w.LLMConfidence = parsed.Confidence
		w.MinutesWithoutProgress += stepMinutes
		w.AppendAction(session.WorkerAction{
			Type:        session.ActionLLMPlan,
			Description: parsed.Thought,
		})
	}); err != nil {
		return err
	}

	if parsed.Code == "" {
		return nil
	}
	return d.executeCode(ctx, sess, workerID, parsed, hadPriorActions)
}

// buildMessages assembles the chat transcript: system prompt, the task
// framing, and the conversation so far.
func (d *Driver) buildMessages(w session.Worker) []llm.Message {
	messages := make([]llm.Message, 0, len(w.Conversation)+2)
	messages = append(messages, llm.Message{
		Role:    string(session.RoleSystem),
		Content: workerSystemPrompt,
	})
	messages = append(messages, llm.Message{
		Role: string(session.RoleUser),
		Content: fmt.Sprintf("Your task:\n%s\n\nExecute this task step by step. Write code to accomplish it.",
			w.Subtask),
	})
	for _, m := range w.Conversation {
		messages = append(messages, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	return messages
}

func (d *Driver) executeCode(ctx context.Context, sess *session.Session, workerID string, parsed ParsedResponse, hadPriorActions bool) error {
	w, _ := sess.WorkerView(workerID)

	d.events.Emit(sess.ID(), workerID, bus.EventCodeRunning, map[string]any{
		"code_len": len(parsed.Code),
	})

	if err := d.boxes.Upload(ctx, w.SandboxHandle, sandboxCodePath, []byte(parsed.Code)); err != nil {
		d.recordFailure(sess, workerID, session.ActionCodeExecution, "Code upload failed", err.Error())
		return fmt.Errorf("worker %s upload: %w", workerID, err)
	}

	result, err := d.boxes.Exec(ctx, w.SandboxHandle, "python "+sandboxCodePath)
	if err != nil {
		d.recordFailure(sess, workerID, session.ActionCodeExecution, "Code execution failed", err.Error())
		return fmt.Errorf("worker %s exec: %w", workerID, err)
	}

	d.events.Emit(sess.ID(), workerID, bus.EventCodeResult, map[string]any{
		"exit_code": result.ExitCode,
		"output":    truncate(result.Stdout, resultCap),
	})

	desc := fmt.Sprintf("Executed %d chars of code", len(parsed.Code))
	feedback := ""
	if result.Success() {
		feedback = "Code execution succeeded:\n" + truncate(result.Stdout, feedbackCap)
	} else {
		feedback = "Code execution failed:\n" + truncate(result.Stdout, feedbackCap)
	}

	completed := result.Success() && hadPriorActions

	if err := sess.UpdateWorker(workerID, func(w *session.Worker) {
		action := session.WorkerAction{
			Type:        session.ActionCodeExecution,
			Description: desc,
		}
		if result.Success() {
			action.Result = truncate(result.Stdout, resultCap)
		} else {
			action.Error = truncate(result.Stdout, resultCap)
			w.PushError(truncate(result.Stdout, resultCap))
		}
		w.AppendAction(action)
		w.Conversation = append(w.Conversation, session.Message{
			Role:    session.RoleUser,
			Content: feedback,
		})
		if completed {
			w.Completed = true
			w.Stuck = false
			w.MinutesWithoutProgress = 0
			w.Output = &session.Output{
				Code:    parsed.Code,
				Output:  result.Stdout,
				Thought: parsed.Thought,
			}
		}
	}); err != nil {
		return err
	}

	if !result.Success() {
		d.events.Emit(sess.ID(), workerID, bus.EventError, map[string]any{
			"exit_code": result.ExitCode,
			"error":     truncate(result.Stdout, resultCap),
		})
		return nil
	}

	if completed {
		d.collectPreviews(ctx, sess, workerID)
		d.events.Emit(sess.ID(), workerID, bus.EventCompleted, map[string]any{
			"output": truncate(result.Stdout, resultCap),
		})
	}
	return nil
}

// collectPreviews probes the well-known ports and records any live
// preview URLs on the worker output.
func (d *Driver) collectPreviews(ctx context.Context, sess *session.Session, workerID string) {
	w, ok := sess.WorkerView(workerID)
	if !ok || w.SandboxHandle == "" {
		return
	}
	var urls []session.PreviewURL
	for _, port := range previewPorts {
		u, err := d.boxes.PreviewURL(ctx, w.SandboxHandle, port)
		if err != nil || u == "" {
			continue
		}
		urls = append(urls, session.PreviewURL{Port: port, URL: u})
		d.events.Emit(sess.ID(), workerID, bus.EventPreviewURL, map[string]any{
			"port": port,
			"url":  u,
		})
	}
	if len(urls) == 0 {
		return
	}
	_ = sess.UpdateWorker(workerID, func(w *session.Worker) {
		if w.Output != nil {
			w.Output.PreviewURLs = urls
		}
	})
}

// ApplyExpertAnswer injects expert guidance into the worker's
// conversation, clears the stuck flag, and runs one follow-up step.
func (d *Driver) ApplyExpertAnswer(ctx context.Context, sess *session.Session, workerID, answer string) error {
	if err := sess.UpdateWorker(workerID, func(w *session.Worker) {
		w.Conversation = append(w.Conversation, session.Message{
			Role:    session.RoleUser,
			Content: fmt.Sprintf("Expert guidance: %s\n\nPlease continue with your task using this guidance.", answer),
		})
		w.AppendAction(session.WorkerAction{
			Type:        session.ActionExpertGuidance,
			Description: answer,
		})
		w.Stuck = false
		w.MinutesWithoutProgress = 0
	}); err != nil {
		return err
	}
	return d.Step(ctx, sess, workerID)
}

// recordFailure books an error on the worker and the event stream.
func (d *Driver) recordFailure(sess *session.Session, workerID string, kind session.ActionType, desc, errMsg string) {
	_ = sess.UpdateWorker(workerID, func(w *session.Worker) {
		w.AppendAction(session.WorkerAction{
			Type:        kind,
			Description: desc,
			Error:       truncate(errMsg, resultCap),
		})
		w.PushError(truncate(errMsg, resultCap))
		w.MinutesWithoutProgress += stepMinutes
	})
	d.events.Emit(sess.ID(), workerID, bus.EventError, map[string]any{
		"error": truncate(errMsg, resultCap),
	})
}
