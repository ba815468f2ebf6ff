// Package registry tracks the lifecycle of agent sessions.
package registry

import (
	"time"

	"github.com/agentmux/agentmux/internal/workspace"
)

// Status is the lifecycle state of an agent.
type Status string

const (
	StatusInitializing    Status = "initializing"
	StatusRunning         Status = "running"
	StatusWaitingForInput Status = "waiting_for_input"
	StatusInProgress      Status = "in_progress"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusTearingDown     Status = "tearing_down"
	StatusRemoved         Status = "removed"
)

// IsActive reports whether the agent's driving process is expected to be live.
func (s Status) IsActive() bool {
	switch s {
	case StatusRunning, StatusWaitingForInput, StatusInProgress:
		return true
	}
	return false
}

// IsTerminal reports whether the driving process has finished.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRemoved:
		return true
	}
	return false
}

// Agent is one orchestrated agent session.
type Agent struct {
	ID            string               `json:"id"`
	Name          string               `json:"name"`
	Status        Status               `json:"status"`
	Workspace     *workspace.Workspace `json:"workspace,omitempty"`
	AssignmentID  string               `json:"assignment_id,omitempty"`
	UnreadSignals int                  `json:"unread_signals"`
	ExitCode      *int                 `json:"exit_code,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
	// LastActivity is the time of the last output from the driving process.
	LastActivity time.Time `json:"last_activity"`
}

// CreateRequest describes a new agent session.
type CreateRequest struct {
	Name       string            `json:"name"`
	RepoPath   string            `json:"repo_path"`
	BaseBranch string            `json:"base_branch,omitempty"`
	BranchName string            `json:"branch_name,omitempty"`
	// Command overrides the configured default agent command.
	Command []string          `json:"command,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	// AssignmentID optionally links the agent to an assignment at creation.
	AssignmentID string `json:"assignment_id,omitempty"`
}
