package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/agentmux/agentmux/internal/common/errors"
	"github.com/agentmux/agentmux/internal/common/logger"
)

// Manager handles git worktree operations for concurrent agent execution.
//
// Operations for one agent are serialized through the per-agent lock; git
// mutations against the same parent repository are additionally serialized
// through per-repo locks so concurrent worktree creation never corrupts
// the repository metadata.
type Manager struct {
	config     Config
	logger     *logger.Logger
	store      Store
	workspaces map[string]*Workspace // agentID -> workspace (in-memory cache)
	mu         sync.RWMutex          // Protects workspaces map

	agentLocks  map[string]*sync.Mutex
	agentLockMu sync.Mutex
	repoLocks   map[string]*sync.Mutex
	repoLockMu  sync.Mutex
}

// Store is the interface for workspace persistence.
type Store interface {
	// CreateWorkspace persists a new workspace record.
	CreateWorkspace(ctx context.Context, ws *Workspace) error
	// GetWorkspaceByAgentID retrieves the active workspace for an agent.
	GetWorkspaceByAgentID(ctx context.Context, agentID string) (*Workspace, error)
	// UpdateWorkspace updates an existing workspace record.
	UpdateWorkspace(ctx context.Context, ws *Workspace) error
	// ListActiveWorkspaces returns all active workspaces.
	ListActiveWorkspaces(ctx context.Context) ([]*Workspace, error)
}

// NewManager creates a new workspace manager.
func NewManager(cfg Config, store Store, log *logger.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if log == nil {
		log = logger.Default()
	}

	// Ensure base directory exists
	basePath, err := cfg.ExpandedBasePath()
	if err != nil {
		return nil, fmt.Errorf("failed to expand base path: %w", err)
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create worktree base directory: %w", err)
	}

	return &Manager{
		config:     cfg,
		logger:     log.WithFields(zap.String("component", "workspace-manager")),
		store:      store,
		workspaces: make(map[string]*Workspace),
		agentLocks: make(map[string]*sync.Mutex),
		repoLocks:  make(map[string]*sync.Mutex),
	}, nil
}

// getAgentLock returns a mutex for the given agent ID.
func (m *Manager) getAgentLock(agentID string) *sync.Mutex {
	m.agentLockMu.Lock()
	defer m.agentLockMu.Unlock()

	if lock, exists := m.agentLocks[agentID]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	m.agentLocks[agentID] = lock
	return lock
}

// getRepoLock returns a mutex for the given repository path.
func (m *Manager) getRepoLock(repoPath string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()

	if lock, exists := m.repoLocks[repoPath]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	m.repoLocks[repoPath] = lock
	return lock
}

// Create creates a new worktree and branch for an agent.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Workspace, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	agentLock := m.getAgentLock(req.AgentID)
	agentLock.Lock()
	defer agentLock.Unlock()

	// One workspace per agent
	if existing, err := m.Get(ctx, req.AgentID); err == nil && existing != nil {
		return nil, apperrors.WorkspaceConflict(
			fmt.Sprintf("agent '%s' already has a workspace at %s", req.AgentID, existing.Path))
	}

	if !m.isGitRepo(req.RepoPath) {
		return nil, apperrors.InvalidConfiguration(
			fmt.Sprintf("'%s' is not a git repository", req.RepoPath))
	}

	if !m.refExists(req.RepoPath, req.BaseBranch) {
		return nil, apperrors.BaseBranchNotFound(req.BaseBranch)
	}

	branchName := req.BranchName
	if branchName == "" {
		branchName = m.config.BranchName(req.AgentID)
	}
	if m.branchExists(req.RepoPath, branchName) {
		return nil, apperrors.WorkspaceConflict(
			fmt.Sprintf("branch '%s' already exists", branchName))
	}

	repoLock := m.getRepoLock(req.RepoPath)
	repoLock.Lock()
	defer repoLock.Unlock()

	return m.createWorktree(ctx, req, branchName)
}

// createWorktree performs the actual git worktree creation.
func (m *Manager) createWorktree(ctx context.Context, req CreateRequest, branchName string) (*Workspace, error) {
	worktreePath, err := m.config.WorktreePath(req.AgentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree path: %w", err)
	}

	// git worktree add -b <branch> <path> <base-branch>
	cmd := exec.CommandContext(ctx, "git", "worktree", "add",
		"-b", branchName,
		worktreePath,
		req.BaseBranch)
	cmd.Dir = req.RepoPath

	output, err := cmd.CombinedOutput()
	if err != nil {
		m.logger.Error("git worktree add failed",
			zap.String("output", string(output)),
			zap.Error(err))
		if strings.Contains(string(output), "already exists") ||
			strings.Contains(string(output), "already checked out") {
			return nil, apperrors.WorkspaceConflict(strings.TrimSpace(string(output)))
		}
		return nil, apperrors.InternalError("git worktree add failed", fmt.Errorf("%s", string(output)))
	}

	now := time.Now().UTC()
	ws := &Workspace{
		ID:         uuid.New().String(),
		AgentID:    req.AgentID,
		RepoPath:   req.RepoPath,
		Path:       worktreePath,
		Branch:     branchName,
		BaseBranch: req.BaseBranch,
		Status:     StatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	// Persist to store
	if m.store != nil {
		if err := m.store.CreateWorkspace(ctx, ws); err != nil {
			// Cleanup on failure
			m.removeWorktreeDir(ctx, worktreePath, req.RepoPath)
			return nil, fmt.Errorf("failed to persist workspace: %w", err)
		}
	}

	// Update cache
	m.mu.Lock()
	m.workspaces[req.AgentID] = ws
	m.mu.Unlock()

	m.logger.Info("created workspace",
		zap.String("agent_id", req.AgentID),
		zap.String("path", worktreePath),
		zap.String("branch", branchName))

	return ws, nil
}

// Get returns the workspace for an agent, if it exists.
func (m *Manager) Get(ctx context.Context, agentID string) (*Workspace, error) {
	// Check cache first
	m.mu.RLock()
	if ws, ok := m.workspaces[agentID]; ok {
		m.mu.RUnlock()
		return ws, nil
	}
	m.mu.RUnlock()

	// Check store
	if m.store != nil {
		ws, err := m.store.GetWorkspaceByAgentID(ctx, agentID)
		if err != nil {
			return nil, err
		}
		if ws != nil {
			// Update cache
			m.mu.Lock()
			m.workspaces[agentID] = ws
			m.mu.Unlock()
			return ws, nil
		}
	}

	return nil, apperrors.NotFound("workspace", agentID)
}

// IsDirty reports whether a workspace has uncommitted changes or untracked files.
func (m *Manager) IsDirty(ctx context.Context, agentID string) (bool, error) {
	ws, err := m.Get(ctx, agentID)
	if err != nil {
		return false, err
	}

	cmd := exec.CommandContext(ctx, "git", "status", "--porcelain")
	cmd.Dir = ws.Path
	output, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("git status failed: %w", err)
	}
	return len(strings.TrimSpace(string(output))) > 0, nil
}

// Destroy removes the agent's worktree and branch.
// Without force, a workspace with uncommitted changes is left in place.
func (m *Manager) Destroy(ctx context.Context, agentID string, force bool) error {
	agentLock := m.getAgentLock(agentID)
	agentLock.Lock()
	defer agentLock.Unlock()

	ws, err := m.Get(ctx, agentID)
	if err != nil {
		return err
	}

	if !force {
		dirty, err := m.IsDirty(ctx, agentID)
		if err != nil {
			m.logger.Warn("dirty check failed, refusing to destroy",
				zap.String("agent_id", agentID),
				zap.Error(err))
			return apperrors.InternalError("failed to check workspace state", err)
		}
		if dirty {
			return apperrors.DirtyWorkspace(ws.Path)
		}
	}

	repoLock := m.getRepoLock(ws.RepoPath)
	repoLock.Lock()
	defer repoLock.Unlock()

	if err := m.removeWorktreeDir(ctx, ws.Path, ws.RepoPath); err != nil {
		m.logger.Warn("failed to remove worktree directory",
			zap.String("path", ws.Path),
			zap.Error(err))
	}

	// Delete the branch as well; a pushed branch survives on the remote.
	cmd := exec.CommandContext(ctx, "git", "branch", "-D", ws.Branch)
	cmd.Dir = ws.RepoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		m.logger.Warn("failed to delete branch",
			zap.String("branch", ws.Branch),
			zap.String("output", string(output)),
			zap.Error(err))
	}

	// Update store
	if m.store != nil {
		now := time.Now().UTC()
		ws.Status = StatusDeleted
		ws.DeletedAt = &now
		ws.UpdatedAt = now
		if err := m.store.UpdateWorkspace(ctx, ws); err != nil {
			m.logger.Warn("failed to update workspace status",
				zap.Error(err))
		}
	}

	// Update cache
	m.mu.Lock()
	delete(m.workspaces, agentID)
	m.mu.Unlock()

	m.logger.Info("destroyed workspace",
		zap.String("agent_id", agentID),
		zap.String("path", ws.Path),
		zap.Bool("force", force))

	return nil
}

// Reconcile cleans up worktree directories whose agents are no longer active.
func (m *Manager) Reconcile(ctx context.Context, activeAgentIDs []string) error {
	basePath, err := m.config.ExpandedBasePath()
	if err != nil {
		return fmt.Errorf("failed to expand base path: %w", err)
	}

	activeSet := make(map[string]bool)
	for _, id := range activeAgentIDs {
		activeSet[id] = true
	}

	entries, err := os.ReadDir(basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // No worktrees directory yet
		}
		return fmt.Errorf("failed to read worktree directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		agentID := entry.Name()
		worktreePath := filepath.Join(basePath, agentID)

		if !activeSet[agentID] {
			// Orphaned worktree - no matching active agent
			m.logger.Info("cleaning up orphaned worktree",
				zap.String("agent_id", agentID),
				zap.String("path", worktreePath))

			if err := os.RemoveAll(worktreePath); err != nil {
				m.logger.Warn("failed to remove orphaned worktree",
					zap.String("path", worktreePath),
					zap.Error(err))
			}
		}
	}

	return nil
}

// IsValid checks if a worktree directory is valid and usable.
func (m *Manager) IsValid(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}

	// Worktrees have a .git file, not a directory
	gitFile := filepath.Join(path, ".git")
	content, err := os.ReadFile(gitFile)
	if err != nil {
		return false
	}

	return strings.HasPrefix(string(content), "gitdir:")
}

// isGitRepo checks if a path is a git repository.
func (m *Manager) isGitRepo(path string) bool {
	gitDir := filepath.Join(path, ".git")
	info, err := os.Stat(gitDir)
	if err != nil {
		return false
	}
	// .git can be either a directory (regular repo) or a file (worktree)
	return info.IsDir() || info.Mode().IsRegular()
}

// branchExists checks if a local branch exists in the repository.
func (m *Manager) branchExists(repoPath, branch string) bool {
	cmd := exec.Command("git", "rev-parse", "--verify", "refs/heads/"+branch)
	cmd.Dir = repoPath
	return cmd.Run() == nil
}

// refExists checks if any ref (branch, tag, remote branch) resolves.
func (m *Manager) refExists(repoPath, ref string) bool {
	cmd := exec.Command("git", "rev-parse", "--verify", ref)
	cmd.Dir = repoPath
	return cmd.Run() == nil
}

// removeWorktreeDir removes a worktree directory using git worktree remove.
func (m *Manager) removeWorktreeDir(ctx context.Context, worktreePath, repoPath string) error {
	// First try git worktree remove
	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", worktreePath)
	cmd.Dir = repoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		m.logger.Debug("git worktree remove failed, falling back to rm",
			zap.String("output", string(output)),
			zap.Error(err))

		// Fallback to direct removal
		if err := os.RemoveAll(worktreePath); err != nil {
			return err
		}

		// Prune stale worktree entries
		cmd = exec.CommandContext(ctx, "git", "worktree", "prune")
		cmd.Dir = repoPath
		_ = cmd.Run()
	}
	return nil
}
