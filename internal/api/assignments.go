package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentmux/agentmux/internal/assignment"
)

func (s *Server) createAssignment(c *gin.Context) {
	var req assignment.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	a, err := s.assignments.CreateAssignment(c.Request.Context(), req)
	if err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (s *Server) listAssignments(c *gin.Context) {
	list, err := s.assignments.ListAssignments(c.Request.Context())
	if err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assignments": list})
}

func (s *Server) getAssignment(c *gin.Context) {
	a, err := s.assignments.GetAssignment(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) updateAssignment(c *gin.Context) {
	var patch assignment.UpdatePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	a, err := s.assignments.UpdateAssignment(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type createPullRequestPayload struct {
	AutoCommit bool `json:"auto_commit"`
}

func (s *Server) createPullRequest(c *gin.Context) {
	var payload createPullRequestPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
	}

	a, err := s.assignments.CreatePullRequest(c.Request.Context(), c.Param("id"), payload.AutoCommit)
	if err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"url": a.PRURL, "assignment": a})
}

func (s *Server) checkPullRequestStatus(c *gin.Context) {
	a, err := s.assignments.CheckPullRequestStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    a.Status,
		"merged_at": a.MergedAt,
		"url":       a.PRURL,
	})
}
