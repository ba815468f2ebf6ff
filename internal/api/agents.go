package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/agentmux/agentmux/internal/common/errors"
	"github.com/agentmux/agentmux/internal/registry"
)

func (s *Server) createAgent(c *gin.Context) {
	var req registry.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	// A linked assignment must exist and be attachable before any
	// workspace or process work happens.
	if req.AssignmentID != "" {
		if _, err := s.assignments.GetAssignment(c.Request.Context(), req.AssignmentID); err != nil {
			respondError(c, s.logger, err)
			return
		}
	}

	agent, err := s.agents.CreateAgent(c.Request.Context(), req)
	if err != nil {
		respondError(c, s.logger, err)
		return
	}

	if req.AssignmentID != "" {
		if _, err := s.assignments.AttachAgent(c.Request.Context(), req.AssignmentID, agent.ID); err != nil {
			// The agent exists but the link failed; surface the conflict
			// and leave the agent for the operator to reuse or tear down.
			s.logger.Warn("agent created but assignment link failed",
				zap.String("agent_id", agent.ID),
				zap.String("assignment_id", req.AssignmentID),
				zap.Error(err))
			respondError(c, s.logger, err)
			return
		}
	}

	c.JSON(http.StatusCreated, agent)
}

func (s *Server) listAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": s.agents.ListAgents()})
}

func (s *Server) getAgent(c *gin.Context) {
	agent, err := s.agents.GetAgent(c.Param("id"))
	if err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (s *Server) stopAgent(c *gin.Context) {
	if err := s.agents.StopAgent(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) teardownAgent(c *gin.Context) {
	force := c.Query("force") == "true"
	if err := s.agents.TeardownAgent(c.Request.Context(), c.Param("id"), force); err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) unassignAgent(c *gin.Context) {
	id := c.Param("id")

	agent, err := s.agents.GetAgent(id)
	if err != nil {
		respondError(c, s.logger, err)
		return
	}

	if agent.AssignmentID != "" {
		if _, err := s.assignments.DetachAgent(c.Request.Context(), agent.AssignmentID); err != nil &&
			!apperrors.IsNotFound(err) {
			respondError(c, s.logger, err)
			return
		}
	}
	if err := s.agents.UnassignAgent(id); err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) clearUnread(c *gin.Context) {
	if err := s.agents.ClearUnread(c.Param("id")); err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}
