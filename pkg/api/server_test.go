package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
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
	"github.com/focusgroup-ai/focusgroup/pkg/workflow"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// completingChat always returns a response whose code executes cleanly,
// so sessions finish after two worker steps.
type completingChat struct{}

func (completingChat) Chat(_ context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	return llm.ChatResponse{
		Content: "THOUGHT: done\nCODE: ```python\nprint(2+2)\n```\nCONFIDENCE: 0.9",
		Model:   req.Model,
		Usage:   llm.Usage{TokensIn: 100, TokensOut: 50},
	}, nil
}

// stallingChat blocks until cancelled.
type stallingChat struct{}

func (stallingChat) Chat(ctx context.Context, _ llm.ChatRequest) (llm.ChatResponse, error) {
	<-ctx.Done()
	return llm.ChatResponse{}, ctx.Err()
}

type apiFixture struct {
	server  *Server
	router  *gin.Engine
	manager *session.Manager
	gate    *review.Gate
	events  *bus.Bus
}

func newAPIFixture(t *testing.T, chat llm.ChatClient) *apiFixture {
	t.Helper()
	manager := session.NewManager()
	events := bus.New()
	gate := review.NewGate(review.ModeAutoApprove)

	opts := workflow.DefaultOptions()
	opts.Workers = []workflow.WorkerSpec{
		{ID: "junior", Model: "microsoft/Phi-4-mini-instruct", Expertise: "beginner"},
	}
	opts.MaxIterations = 50

	engine := workflow.New(workflow.Deps{
		Chat:      chat,
		Embedder:  llm.NewHashEmbedder(64),
		Knowledge: knowledge.NewMemStore(),
		Sandbox:   sandbox.NewFake(),
		Lessons:   learning.NewMemStore(),
		Gate:      gate,
		Events:    events,
		Manager:   manager,
	}, opts)

	server := NewServer(engine, manager, events, gate, cost.DefaultBudget())
	return &apiFixture{
		server:  server,
		router:  server.Router(),
		manager: manager,
		gate:    gate,
		events:  events,
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) waitForStatus(t *testing.T, id, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := f.manager.Get(id)
		require.NoError(t, err)
		if sess.Snapshot().Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %s never reached status %q", id, want)
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, completingChat{})
	rec := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestCreateAndGetSession(t *testing.T) {
	f := newAPIFixture(t, completingChat{})

	rec := f.do(t, http.MethodPost, "/sessions", gin.H{"task": "print 2+2"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var created struct {
		SessionID string `json:"session_id"`
		Status    string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.SessionID)
	assert.Equal(t, "running", created.Status)

	f.waitForStatus(t, created.SessionID, "completed")

	rec = f.do(t, http.MethodGet, "/sessions/"+created.SessionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary session.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, "completed", summary.Status)
	require.Len(t, summary.Workers, 1)
	assert.True(t, summary.Workers[0].Completed)

	rec = f.do(t, http.MethodGet, "/sessions", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), created.SessionID)
}

func TestCreateSessionValidation(t *testing.T) {
	f := newAPIFixture(t, completingChat{})
	rec := f.do(t, http.MethodPost, "/sessions", gin.H{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetUnknownSession(t *testing.T) {
	f := newAPIFixture(t, completingChat{})
	rec := f.do(t, http.MethodGet, "/sessions/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionCosts(t *testing.T) {
	f := newAPIFixture(t, completingChat{})

	rec := f.do(t, http.MethodPost, "/sessions", gin.H{"task": "print 2+2", "budget_usd": 10})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	f.waitForStatus(t, created.SessionID, "completed")

	rec = f.do(t, http.MethodGet, "/sessions/"+created.SessionID+"/costs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary cost.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Greater(t, summary.Total, 0.0)
	assert.InDelta(t, 10.0, summary.Budget.Total, 1e-9)
}

func TestCancelSession(t *testing.T) {
	f := newAPIFixture(t, stallingChat{})

	rec := f.do(t, http.MethodPost, "/sessions", gin.H{"task": "never ends"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	// Give the run a moment to block in the model call.
	time.Sleep(50 * time.Millisecond)

	rec = f.do(t, http.MethodPost, "/sessions/"+created.SessionID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	f.waitForStatus(t, created.SessionID, "failed")

	// A finished session is no longer cancellable.
	rec = f.do(t, http.MethodPost, "/sessions/"+created.SessionID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStreamReplaysAndTerminates(t *testing.T) {
	f := newAPIFixture(t, completingChat{})

	rec := f.do(t, http.MethodPost, "/sessions", gin.H{"task": "print 2+2"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	f.waitForStatus(t, created.SessionID, "completed")

	// Streaming needs a real connection for flush/close notification.
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(srv.URL + "/sessions/" + created.SessionID + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []bus.Event
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev bus.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}
	require.NoError(t, scanner.Err(), "stream must terminate cleanly after session_done")

	require.NotEmpty(t, events)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq, "replay is dense and in order")
	}
	assert.Equal(t, bus.EventSessionDone, events[len(events)-1].Type)
}

func TestReviewEndpoints(t *testing.T) {
	f := newAPIFixture(t, completingChat{})

	id := f.gate.Submit(models.ExpertQuery{
		QueryID:      "q1",
		Question:     "How do I fix 401 responses?",
		WorkerID:     "junior",
		IssueType:    models.IssueAPIError,
		UrgencyScore: 0.6,
	})

	rec := f.do(t, http.MethodGet, "/reviews", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), id)

	rec = f.do(t, http.MethodGet, "/reviews/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var item models.ReviewItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &item))
	assert.Equal(t, models.ReviewPending, item.Status)

	rec = f.do(t, http.MethodPost, "/reviews/"+id+"/decision", gin.H{
		"decision":    "approved",
		"reviewer_id": "alice",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// Already decided.
	rec = f.do(t, http.MethodPost, "/reviews/"+id+"/decision", gin.H{
		"decision": "rejected",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/reviews/ghost/decision", gin.H{
		"decision": "approved",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/reviews/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
