// Package workspace manages isolated git worktrees for agent sessions.
package workspace

import (
	"time"

	apperrors "github.com/agentmux/agentmux/internal/common/errors"
)

// Status values for a workspace record.
const (
	StatusActive  = "active"
	StatusDeleted = "deleted"
)

// Workspace represents an isolated git worktree bound to one agent.
type Workspace struct {
	ID         string     `db:"id" json:"id"`
	AgentID    string     `db:"agent_id" json:"agent_id"`
	RepoPath   string     `db:"repo_path" json:"repo_path"`
	Path       string     `db:"path" json:"path"`
	Branch     string     `db:"branch" json:"branch"`
	BaseBranch string     `db:"base_branch" json:"base_branch"`
	Status     string     `db:"status" json:"status"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updated_at"`
	DeletedAt  *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
}

// CreateRequest describes a workspace creation.
type CreateRequest struct {
	AgentID    string
	RepoPath   string
	BaseBranch string
	// BranchName overrides the generated branch name when set.
	BranchName string
}

// Validate checks the request for required fields.
func (r *CreateRequest) Validate() error {
	if r.AgentID == "" {
		return apperrors.ValidationError("agent_id", "is required")
	}
	if r.RepoPath == "" {
		return apperrors.ValidationError("repo_path", "is required")
	}
	if r.BaseBranch == "" {
		return apperrors.ValidationError("base_branch", "is required")
	}
	return nil
}
