package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentmux/agentmux/internal/project"
)

type startCommandPayload struct {
	Overrides []project.CommandSpec `json:"overrides,omitempty"`
}

func (s *Server) testEnvStart(c *gin.Context) {
	var payload startCommandPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
	}

	info, err := s.testEnvs.StartCommand(c.Request.Context(), c.Param("id"), c.Param("commandId"), payload.Overrides)
	if err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) testEnvStop(c *gin.Context) {
	if err := s.testEnvs.StopCommand(c.Request.Context(), c.Param("id"), c.Param("commandId")); err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) testEnvStatus(c *gin.Context) {
	statuses, err := s.testEnvs.Status(c.Param("id"))
	if err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"commands": statuses})
}
