// Package assignment maps units of work to agents and drives pull request
// creation and merge tracking.
package assignment

import (
	"time"

	apperrors "github.com/agentmux/agentmux/internal/common/errors"
)

// Status is the lifecycle state of an assignment.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusPRCreated  Status = "pr_created"
	StatusMerged     Status = "merged"
	StatusFailed     Status = "failed"
)

// rank orders statuses for the no-regression rule: a poll result may only
// move an assignment forward.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusInProgress:
		return 1
	case StatusPRCreated:
		return 2
	case StatusMerged, StatusFailed:
		return 3
	}
	return -1
}

// IsTerminal reports whether the assignment can still change state.
func (s Status) IsTerminal() bool {
	return s == StatusMerged || s == StatusFailed
}

// Assignment is one unit of requested work. It outlives any single agent:
// AgentID is a lookup key into the registry, not an owning reference, and
// may be cleared and re-set when the work is re-homed. RepoPath is captured
// at pull request creation so merge polling still has a repository to run
// host commands in after the agent's worktree is gone.
type Assignment struct {
	ID          string     `db:"id" json:"id"`
	Title       string     `db:"title" json:"title"`
	Description string     `db:"description" json:"description"`
	BaseBranch  string     `db:"base_branch" json:"base_branch"`
	Status      Status     `db:"status" json:"status"`
	AgentID     string     `db:"agent_id" json:"agent_id,omitempty"`
	RepoPath    string     `db:"repo_path" json:"repo_path,omitempty"`
	PRNumber    int        `db:"pr_number" json:"pr_number,omitempty"`
	PRURL       string     `db:"pr_url" json:"pr_url,omitempty"`
	MergedAt    *time.Time `db:"merged_at" json:"merged_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// CreateRequest describes a new assignment.
type CreateRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	BaseBranch  string `json:"base_branch,omitempty"`
}

// Validate checks the request for required fields.
func (r *CreateRequest) Validate() error {
	if r.Title == "" {
		return apperrors.ValidationError("title", "is required")
	}
	return nil
}

// UpdatePatch carries partial assignment updates. Nil fields are untouched.
type UpdatePatch struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	BaseBranch  *string `json:"base_branch,omitempty"`
}
