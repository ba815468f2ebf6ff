package assignment

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/agentmux/agentmux/internal/common/errors"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/events/bus"
	"github.com/agentmux/agentmux/internal/githost"
	"github.com/agentmux/agentmux/internal/registry"
)

// AgentLookup resolves agents to their workspaces.
type AgentLookup interface {
	GetAgent(id string) (*registry.Agent, error)
}

// Config holds coordinator configuration.
type Config struct {
	// RequestTimeout bounds every call to the pull request host.
	RequestTimeout time.Duration
}

// Coordinator owns assignments. It holds only agent ids as lookup keys
// into the registry; the registry never reaches back into assignments.
type Coordinator struct {
	cfg      Config
	logger   *logger.Logger
	store    Store
	host     githost.Client
	agents   AgentLookup
	eventBus bus.EventBus

	agentSub bus.Subscription
}

// NewCoordinator creates an assignment coordinator.
func NewCoordinator(cfg Config, store Store, host githost.Client, agents AgentLookup, eventBus bus.EventBus, log *logger.Logger) *Coordinator {
	if log == nil {
		log = logger.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	return &Coordinator{
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "assignment")),
		store:    store,
		host:     host,
		agents:   agents,
		eventBus: eventBus,
	}
}

// Start subscribes the coordinator to agent updates so torn-down agents
// release or fail their assignments.
func (c *Coordinator) Start() error {
	sub, err := c.eventBus.Subscribe(events.BuildAgentUpdatedWildcardSubject(), c.handleAgentUpdated)
	if err != nil {
		return fmt.Errorf("failed to subscribe to agent updates: %w", err)
	}
	c.agentSub = sub
	return nil
}

// Stop releases the coordinator's subscriptions.
func (c *Coordinator) Stop() {
	if c.agentSub != nil {
		_ = c.agentSub.Unsubscribe()
	}
}

// CreateAssignment records a new unit of work in pending state.
func (c *Coordinator) CreateAssignment(ctx context.Context, req CreateRequest) (*Assignment, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	a := &Assignment{
		Title:       req.Title,
		Description: req.Description,
		BaseBranch:  req.BaseBranch,
		Status:      StatusPending,
	}
	if err := c.store.CreateAssignment(ctx, a); err != nil {
		return nil, apperrors.InternalError("failed to create assignment", err)
	}

	c.logger.Info("assignment created",
		zap.String("assignment_id", a.ID),
		zap.String("title", a.Title))

	c.publishUpdate(a)
	return a, nil
}

// GetAssignment retrieves one assignment.
func (c *Coordinator) GetAssignment(ctx context.Context, id string) (*Assignment, error) {
	a, err := c.store.GetAssignment(ctx, id)
	if err != nil {
		return nil, apperrors.InternalError("failed to load assignment", err)
	}
	if a == nil {
		return nil, apperrors.NotFound("assignment", id)
	}
	return a, nil
}

// ListAssignments returns all assignments in creation order.
func (c *Coordinator) ListAssignments(ctx context.Context) ([]*Assignment, error) {
	list, err := c.store.ListAssignments(ctx)
	if err != nil {
		return nil, apperrors.InternalError("failed to list assignments", err)
	}
	return list, nil
}

// UpdateAssignment applies a partial update to the descriptive fields.
// Status is owned by the coordinator and not patchable from outside.
func (c *Coordinator) UpdateAssignment(ctx context.Context, id string, patch UpdatePatch) (*Assignment, error) {
	a, err := c.GetAssignment(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Title != nil {
		if *patch.Title == "" {
			return nil, apperrors.ValidationError("title", "cannot be empty")
		}
		a.Title = *patch.Title
	}
	if patch.Description != nil {
		a.Description = *patch.Description
	}
	if patch.BaseBranch != nil {
		a.BaseBranch = *patch.BaseBranch
	}

	if err := c.store.UpdateAssignment(ctx, a); err != nil {
		return nil, apperrors.InternalError("failed to update assignment", err)
	}

	c.publishUpdate(a)
	return a, nil
}

// AttachAgent links an agent to the assignment and moves pending work to
// in_progress. Re-homing to a new agent after the previous one was removed
// is allowed; stealing an assignment from a live link is not.
func (c *Coordinator) AttachAgent(ctx context.Context, id, agentID string) (*Assignment, error) {
	a, err := c.GetAssignment(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status.IsTerminal() {
		return nil, apperrors.Conflict(
			fmt.Sprintf("assignment '%s' is %s", id, a.Status))
	}
	if a.AgentID != "" && a.AgentID != agentID {
		return nil, apperrors.Conflict(
			fmt.Sprintf("assignment '%s' is already linked to agent '%s'", id, a.AgentID))
	}

	a.AgentID = agentID
	if a.Status == StatusPending {
		a.Status = StatusInProgress
	}
	if err := c.store.UpdateAssignment(ctx, a); err != nil {
		return nil, apperrors.InternalError("failed to update assignment", err)
	}

	c.publishUpdate(a)
	return a, nil
}

// DetachAgent clears the agent link without changing status. Used when an
// assignment is re-homed to a fresh agent.
func (c *Coordinator) DetachAgent(ctx context.Context, id string) (*Assignment, error) {
	a, err := c.GetAssignment(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.AgentID == "" {
		return a, nil
	}

	a.AgentID = ""
	if err := c.store.UpdateAssignment(ctx, a); err != nil {
		return nil, apperrors.InternalError("failed to update assignment", err)
	}

	c.publishUpdate(a)
	return a, nil
}

// CreatePullRequest pushes the linked agent's branch and opens a pull
// request. With autoCommit, uncommitted workspace changes are committed
// first. A branch with no commits ahead of its base fails with
// NOTHING_TO_COMMIT. Calling again after a PR exists returns the
// existing PR.
func (c *Coordinator) CreatePullRequest(ctx context.Context, id string, autoCommit bool) (*Assignment, error) {
	a, err := c.GetAssignment(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.PRNumber != 0 {
		return a, nil
	}
	if a.AgentID == "" {
		return nil, apperrors.BadRequest(
			fmt.Sprintf("assignment '%s' has no linked agent", id))
	}

	agent, err := c.agents.GetAgent(a.AgentID)
	if err != nil {
		return nil, err
	}
	if agent.Workspace == nil {
		return nil, apperrors.InternalError(
			fmt.Sprintf("agent '%s' has no workspace", a.AgentID), nil)
	}
	ws := agent.Workspace

	if autoCommit {
		if err := c.commitAll(ctx, ws.Path, a.Title); err != nil {
			return nil, err
		}
	}

	base := a.BaseBranch
	if base == "" {
		base = ws.BaseBranch
	}

	ahead, err := c.commitsAhead(ctx, ws.Path, base)
	if err != nil {
		return nil, err
	}
	if ahead == 0 {
		return nil, apperrors.NothingToCommit(ws.Branch)
	}

	if out, err := c.runGit(ctx, ws.Path, "push", "-u", "origin", ws.Branch); err != nil {
		return nil, apperrors.RemoteUnavailable(
			fmt.Sprintf("failed to push branch '%s': %s", ws.Branch, strings.TrimSpace(out)), err)
	}

	hostCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	pr, err := c.host.CreatePR(hostCtx, ws.Path, githost.CreateOptions{
		Title:      a.Title,
		Body:       a.Description,
		BaseBranch: strings.TrimPrefix(base, "origin/"),
		HeadBranch: ws.Branch,
	})
	if err != nil {
		return nil, err
	}

	a.PRNumber = pr.Number
	a.PRURL = pr.URL
	a.Status = StatusPRCreated
	// The originating repository outlives the worktree; later merge polls
	// run host commands there once the agent is torn down.
	a.RepoPath = ws.RepoPath
	if a.RepoPath == "" {
		a.RepoPath = ws.Path
	}
	if err := c.store.UpdateAssignment(ctx, a); err != nil {
		return nil, apperrors.InternalError("failed to update assignment", err)
	}

	c.logger.Info("pull request created",
		zap.String("assignment_id", a.ID),
		zap.String("pr_url", a.PRURL))

	c.publishUpdate(a)
	return a, nil
}

// CheckPullRequestStatus polls the host for the pull request state. Host
// failures surface as REMOTE_UNAVAILABLE and never touch the cached
// status; a known status never regresses.
func (c *Coordinator) CheckPullRequestStatus(ctx context.Context, id string) (*Assignment, error) {
	a, err := c.GetAssignment(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.PRNumber == 0 {
		return nil, apperrors.BadRequest(
			fmt.Sprintf("assignment '%s' has no pull request", id))
	}
	if a.Status == StatusMerged {
		return a, nil
	}

	repoPath := a.RepoPath
	if repoPath == "" && a.AgentID != "" {
		if agent, err := c.agents.GetAgent(a.AgentID); err == nil && agent.Workspace != nil {
			repoPath = agent.Workspace.Path
		}
	}

	hostCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	status, err := c.host.PRStatus(hostCtx, repoPath, a.PRNumber)
	if err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeRemoteUnavailable) {
			return nil, err
		}
		return nil, apperrors.RemoteUnavailable("failed to read pull request status", err)
	}

	var next Status
	switch status {
	case githost.StatusMerged:
		next = StatusMerged
	case githost.StatusClosed:
		next = StatusFailed
	default:
		return a, nil
	}

	if next.rank() <= a.Status.rank() {
		return a, nil
	}

	a.Status = next
	if next == StatusMerged {
		now := time.Now().UTC()
		a.MergedAt = &now
	}
	if err := c.store.UpdateAssignment(ctx, a); err != nil {
		return nil, apperrors.InternalError("failed to update assignment", err)
	}

	c.logger.Info("pull request status changed",
		zap.String("assignment_id", a.ID),
		zap.String("status", string(a.Status)))

	c.publishUpdate(a)
	return a, nil
}

// handleAgentUpdated reacts to agent removals: an assignment whose agent
// is torn down before a PR exists fails; either way the agent link is
// cleared so the assignment can be re-homed.
func (c *Coordinator) handleAgentUpdated(ctx context.Context, event *bus.Event) error {
	status, _ := event.Data["status"].(string)
	if status != string(registry.StatusRemoved) {
		return nil
	}
	agentID, _ := event.Data["agent_id"].(string)
	if agentID == "" {
		return nil
	}

	a, err := c.store.GetAssignmentByAgentID(ctx, agentID)
	if err != nil {
		c.logger.Error("failed to look up assignment for removed agent",
			zap.String("agent_id", agentID),
			zap.Error(err))
		return nil
	}
	if a == nil {
		return nil
	}

	a.AgentID = ""
	if a.Status == StatusPending || a.Status == StatusInProgress {
		a.Status = StatusFailed
	}
	if err := c.store.UpdateAssignment(ctx, a); err != nil {
		c.logger.Error("failed to update assignment after agent removal",
			zap.String("assignment_id", a.ID),
			zap.Error(err))
		return nil
	}

	c.logger.Info("agent removed, assignment updated",
		zap.String("assignment_id", a.ID),
		zap.String("status", string(a.Status)))

	c.publishUpdate(a)
	return nil
}

// commitAll stages and commits everything in the workspace. A clean tree
// is not an error; the caller still checks commits ahead of base.
func (c *Coordinator) commitAll(ctx context.Context, dir, title string) error {
	if out, err := c.runGit(ctx, dir, "add", "-A"); err != nil {
		return apperrors.InternalError(
			fmt.Sprintf("git add failed: %s", strings.TrimSpace(out)), err)
	}

	out, err := c.runGit(ctx, dir, "status", "--porcelain")
	if err != nil {
		return apperrors.InternalError("git status failed", err)
	}
	if strings.TrimSpace(out) == "" {
		return nil
	}

	if out, err := c.runGit(ctx, dir, "commit", "-m", title); err != nil {
		return apperrors.InternalError(
			fmt.Sprintf("git commit failed: %s", strings.TrimSpace(out)), err)
	}
	return nil
}

// commitsAhead counts commits on HEAD that the base branch lacks.
func (c *Coordinator) commitsAhead(ctx context.Context, dir, base string) (int, error) {
	out, err := c.runGit(ctx, dir, "rev-list", "--count", base+"..HEAD")
	if err != nil {
		return 0, apperrors.InternalError(
			fmt.Sprintf("git rev-list failed: %s", strings.TrimSpace(out)), err)
	}
	count, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, apperrors.InternalError("unexpected git rev-list output", err)
	}
	return count, nil
}

func (c *Coordinator) runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	// Commits must work on hosts with no global git identity.
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=agentmux",
		"GIT_AUTHOR_EMAIL=agentmux@localhost",
		"GIT_COMMITTER_NAME=agentmux",
		"GIT_COMMITTER_EMAIL=agentmux@localhost")
	output, err := cmd.CombinedOutput()
	return string(output), err
}

func (c *Coordinator) publishUpdate(a *Assignment) {
	if c.eventBus == nil {
		return
	}
	data := map[string]interface{}{
		"assignment_id": a.ID,
		"status":        string(a.Status),
	}
	if a.AgentID != "" {
		data["agent_id"] = a.AgentID
	}
	if a.PRURL != "" {
		data["pr_url"] = a.PRURL
	}

	event := bus.NewEvent(events.AssignmentUpdated, "assignment", data)
	if err := c.eventBus.Publish(context.Background(), events.BuildAssignmentUpdatedSubject(a.ID), event); err != nil {
		c.logger.Error("failed to publish assignment update", zap.Error(err))
	}
}
