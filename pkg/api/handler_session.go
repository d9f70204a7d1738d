package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/focusgroup-ai/focusgroup/pkg/cost"
)

// CreateSessionRequest is the body of POST /sessions.
type CreateSessionRequest struct {
	Task      string  `json:"task" binding:"required"`
	BudgetUSD float64 `json:"budget_usd"`
}

// CreateSession handles POST /sessions. The session runs
// asynchronously; the response returns immediately.
func (s *Server) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	budget := s.budget
	if req.BudgetUSD > 0 {
		budget = scaleBudget(s.budget, req.BudgetUSD)
	}

	sess := s.engine.Start(req.Task, budget)
	c.JSON(http.StatusAccepted, gin.H{
		"session_id": sess.ID(),
		"status":     "running",
		"phase":      sess.Phase(),
	})
}

// scaleBudget resizes category caps proportionally to a new total.
func scaleBudget(base cost.Budget, total float64) cost.Budget {
	if base.Total <= 0 {
		return cost.Budget{Total: total}
	}
	ratio := total / base.Total
	return cost.Budget{
		Total:   total,
		Workers: base.Workers * ratio,
		Expert:  base.Expert * ratio,
		Browser: base.Browser * ratio,
		Buffer:  base.Buffer * ratio,
	}
}

// ListSessions handles GET /sessions.
func (s *Server) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.sessions.List()})
}

// GetSession handles GET /sessions/:id.
func (s *Server) GetSession(c *gin.Context) {
	sess, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sess.Snapshot())
}

// CancelSession handles POST /sessions/:id/cancel.
func (s *Server) CancelSession(c *gin.Context) {
	sess, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if sess.Phase().Terminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "session is not in a cancellable state"})
		return
	}
	if !sess.Cancel() {
		c.JSON(http.StatusConflict, gin.H{"error": "session has no cancellable run"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sess.ID(), "status": "cancelling"})
}

// GetCosts handles GET /sessions/:id/costs.
func (s *Server) GetCosts(c *gin.Context) {
	summary, ok := s.engine.Costs(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no cost ledger for session"})
		return
	}
	c.JSON(http.StatusOK, summary)
}
