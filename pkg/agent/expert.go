package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/focusgroup-ai/focusgroup/pkg/cost"
	"github.com/focusgroup-ai/focusgroup/pkg/learning"
	"github.com/focusgroup-ai/focusgroup/pkg/llm"
	"github.com/focusgroup-ai/focusgroup/pkg/models"
)

const (
	expertTemperature = 0.2
	expertMaxTokens   = 1024

	// expertConfidence is the fixed initial confidence attached to a
	// fresh expert answer; the learning store revises it from outcomes.
	expertConfidence = 0.7
)

// Expert answers escalated queries with a stronger model, seeding the
// prompt with learned category patterns and tracking every answer for
// later effectiveness evaluation.
type Expert struct {
	chat    llm.ChatClient
	model   string
	costs   *cost.Controller
	lessons learning.Store
}

// NewExpert wires an expert driver around the given model.
func NewExpert(chat llm.ChatClient, model string, costs *cost.Controller, lessons learning.Store) *Expert {
	return &Expert{chat: chat, model: model, costs: costs, lessons: lessons}
}

// Answer generates an expert answer for the query. The answer is
// tracked in the learning store before it is returned.
func (e *Expert) Answer(ctx context.Context, query models.ExpertQuery) (models.ExpertAnswer, error) {
	messages := []llm.Message{
		{Role: "system", Content: expertSystemPrompt},
	}

	learned, err := e.lessons.GetContext(ctx, query.Category)
	if err != nil {
		slog.Warn("Learning context unavailable", "category", query.Category, "error", err)
	} else if learned != "" {
		messages = append(messages, llm.Message{Role: "system", Content: learned})
	}

	messages = append(messages, llm.Message{
		Role:    "user",
		Content: fmt.Sprintf("%s\n\nWorker context:\n%s", query.Question, query.WorkerContext),
	})

	resp, err := e.chat.Chat(ctx, llm.ChatRequest{
		Model:       e.model,
		Messages:    messages,
		Temperature: expertTemperature,
		MaxTokens:   expertMaxTokens,
	})
	if err != nil {
		return models.ExpertAnswer{}, fmt.Errorf("expert model call: %w", err)
	}
	e.costs.Record(cost.CategoryExpert, resp.Model, resp.Usage.TokensIn, resp.Usage.TokensOut)

	answer := models.ExpertAnswer{
		AnswerID:            uuid.NewString(),
		QueryID:             query.QueryID,
		Content:             resp.Content,
		EstimatedConfidence: expertConfidence,
		ModelUsed:           resp.Model,
		Timestamp:           time.Now(),
	}

	if id, err := e.lessons.TrackAnswer(ctx, query, answer.Content, answer.EstimatedConfidence); err != nil {
		slog.Warn("Answer tracking failed", "query_id", query.QueryID, "error", err)
	} else {
		answer.AnswerID = id
	}
	return answer, nil
}
