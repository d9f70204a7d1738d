package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/focusgroup-ai/focusgroup/pkg/models"
)

// ListReviews handles GET /reviews: pending items, oldest first.
func (s *Server) ListReviews(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"reviews": s.gate.Pending()})
}

// GetReview handles GET /reviews/:id.
func (s *Server) GetReview(c *gin.Context) {
	item, err := s.gate.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, item)
}

// DecideReviewRequest is the body of POST /reviews/:id/decision.
type DecideReviewRequest struct {
	Decision        string `json:"decision" binding:"required"`
	ReviewerID      string `json:"reviewer_id"`
	Reason          string `json:"reason"`
	CorrectedAnswer string `json:"corrected_answer"`
}

// DecideReview handles POST /reviews/:id/decision.
func (s *Server) DecideReview(c *gin.Context) {
	var req DecideReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := s.gate.Decide(models.ReviewDecision{
		ReviewID:        c.Param("id"),
		Decision:        models.ReviewStatus(req.Decision),
		ReviewerID:      req.ReviewerID,
		Reason:          req.Reason,
		CorrectedAnswer: req.CorrectedAnswer,
	})
	if err != nil {
		status := http.StatusBadRequest
		if strings.Contains(err.Error(), "unknown review id") {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"review_id": c.Param("id"), "status": req.Decision})
}
