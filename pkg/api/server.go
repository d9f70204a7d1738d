// Package api exposes the orchestrator over HTTP: session control,
// cost and review queues, and a server-sent-events stream of each
// session's event bus.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/focusgroup-ai/focusgroup/pkg/bus"
	"github.com/focusgroup-ai/focusgroup/pkg/cost"
	"github.com/focusgroup-ai/focusgroup/pkg/review"
	"github.com/focusgroup-ai/focusgroup/pkg/session"
	"github.com/focusgroup-ai/focusgroup/pkg/version"
	"github.com/focusgroup-ai/focusgroup/pkg/workflow"
)

// Server wires the HTTP handlers to the engine and its collaborators.
type Server struct {
	engine   *workflow.Engine
	sessions *session.Manager
	events   *bus.Bus
	gate     *review.Gate
	budget   cost.Budget
}

// NewServer creates the API server. budget is the default applied to
// sessions that do not specify one.
func NewServer(engine *workflow.Engine, sessions *session.Manager, events *bus.Bus, gate *review.Gate, budget cost.Budget) *Server {
	return &Server{
		engine:   engine,
		sessions: sessions,
		events:   events,
		gate:     gate,
		budget:   budget,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.Health)

	r.POST("/sessions", s.CreateSession)
	r.GET("/sessions", s.ListSessions)
	r.GET("/sessions/:id", s.GetSession)
	r.POST("/sessions/:id/cancel", s.CancelSession)
	r.GET("/sessions/:id/costs", s.GetCosts)
	r.GET("/sessions/:id/stream", s.StreamSession)

	r.GET("/reviews", s.ListReviews)
	r.GET("/reviews/:id", s.GetReview)
	r.POST("/reviews/:id/decision", s.DecideReview)

	return r
}

// Health handles GET /health.
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "version": version.Full()})
}
