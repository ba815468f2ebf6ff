// Package api exposes the orchestrator's boundary operations over HTTP and
// WebSocket.
package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/assignment"
	"github.com/agentmux/agentmux/internal/common/httpmw"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/project"
	"github.com/agentmux/agentmux/internal/registry"
	"github.com/agentmux/agentmux/internal/supervisor"
	"github.com/agentmux/agentmux/internal/termmux"
	"github.com/agentmux/agentmux/internal/testenv"
)

// AgentService is the registry surface the API needs.
type AgentService interface {
	CreateAgent(ctx context.Context, req registry.CreateRequest) (*registry.Agent, error)
	GetAgent(id string) (*registry.Agent, error)
	ListAgents() []*registry.Agent
	StopAgent(ctx context.Context, id string) error
	TeardownAgent(ctx context.Context, id string, force bool) error
	AttachAssignment(id, assignmentID string) error
	UnassignAgent(id string) error
	ClearUnread(id string) error
}

// AssignmentService is the coordinator surface the API needs.
type AssignmentService interface {
	CreateAssignment(ctx context.Context, req assignment.CreateRequest) (*assignment.Assignment, error)
	GetAssignment(ctx context.Context, id string) (*assignment.Assignment, error)
	ListAssignments(ctx context.Context) ([]*assignment.Assignment, error)
	UpdateAssignment(ctx context.Context, id string, patch assignment.UpdatePatch) (*assignment.Assignment, error)
	AttachAgent(ctx context.Context, id, agentID string) (*assignment.Assignment, error)
	DetachAgent(ctx context.Context, id string) (*assignment.Assignment, error)
	CreatePullRequest(ctx context.Context, id string, autoCommit bool) (*assignment.Assignment, error)
	CheckPullRequestStatus(ctx context.Context, id string) (*assignment.Assignment, error)
}

// TestEnvService is the test environment surface the API needs.
type TestEnvService interface {
	StartCommand(ctx context.Context, agentID, commandID string, overrides []project.CommandSpec) (*supervisor.ProcessInfo, error)
	StopCommand(ctx context.Context, agentID, commandID string) error
	Status(agentID string) ([]testenv.CommandStatus, error)
}

// TerminalService is the multiplexer surface the API needs.
type TerminalService interface {
	Subscribe(agentID, role string) *termmux.Subscription
	Input(agentID, role string, data []byte) error
	Resize(agentID, role string, cols, rows int) error
}

// Server wires the orchestrator services to gin handlers.
type Server struct {
	logger      *logger.Logger
	agents      AgentService
	assignments AssignmentService
	testEnvs    TestEnvService
	terminals   TerminalService
}

// NewServer creates the API server.
func NewServer(agents AgentService, assignments AssignmentService, testEnvs TestEnvService, terminals TerminalService, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		logger:      log.WithFields(zap.String("component", "api")),
		agents:      agents,
		assignments: assignments,
		testEnvs:    testEnvs,
		terminals:   terminals,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(s.logger, "agentmux"))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	api := router.Group("/api/v1")

	api.POST("/agents", s.createAgent)
	api.GET("/agents", s.listAgents)
	api.GET("/agents/:id", s.getAgent)
	api.POST("/agents/:id/stop", s.stopAgent)
	api.DELETE("/agents/:id", s.teardownAgent)
	api.POST("/agents/:id/unassign", s.unassignAgent)
	api.POST("/agents/:id/clear-unread", s.clearUnread)

	api.POST("/agents/:id/input", s.terminalInput)
	api.POST("/agents/:id/resize", s.terminalResize)
	api.GET("/agents/:id/terminal", s.terminalAttach)

	api.GET("/agents/:id/testenv", s.testEnvStatus)
	api.POST("/agents/:id/testenv/:commandId/start", s.testEnvStart)
	api.POST("/agents/:id/testenv/:commandId/stop", s.testEnvStop)

	api.POST("/assignments", s.createAssignment)
	api.GET("/assignments", s.listAssignments)
	api.GET("/assignments/:id", s.getAssignment)
	api.PATCH("/assignments/:id", s.updateAssignment)
	api.POST("/assignments/:id/pr", s.createPullRequest)
	api.GET("/assignments/:id/pr", s.checkPullRequestStatus)

	return router
}
