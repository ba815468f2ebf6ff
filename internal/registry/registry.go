package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/agentmux/agentmux/internal/common/errors"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/events/bus"
	"github.com/agentmux/agentmux/internal/project"
	"github.com/agentmux/agentmux/internal/supervisor"
	"github.com/agentmux/agentmux/internal/termmux"
	"github.com/agentmux/agentmux/internal/workspace"
)

// WorkspaceManager is the workspace surface the registry needs.
type WorkspaceManager interface {
	Create(ctx context.Context, req workspace.CreateRequest) (*workspace.Workspace, error)
	Destroy(ctx context.Context, agentID string, force bool) error
	SeedFiles(entries []string, repoRoot, workspacePath string) []workspace.SeedResult
}

// ProcessSupervisor is the process surface the registry needs.
type ProcessSupervisor interface {
	Spawn(ctx context.Context, req supervisor.SpawnRequest) (*supervisor.ProcessInfo, error)
	Terminate(ctx context.Context, agentID, role string) error
	IsRunning(agentID, role string) bool
	AddResizeHook(hook func(agentID, role string, cols, rows int))
}

// TestEnvStopper tears down an agent's test environment processes.
// Narrow interface: the test environment controller depends on the
// registry's events, not the other way around.
type TestEnvStopper interface {
	StopAll(ctx context.Context, agentID string) error
}

// Config holds registry configuration.
type Config struct {
	// DefaultCommand is the agent command used when a create request
	// does not override it.
	DefaultCommand []string
	DefaultCols    int
	DefaultRows    int
	// DefaultBaseBranch is used when a create request omits the base branch.
	DefaultBaseBranch string
	// ClassifierFactory builds the signal classifier for each agent.
	// Nil disables output classification.
	ClassifierFactory func(cols, rows int) SignalClassifier
}

// watcher consumes one agent's output stream for signal classification.
type watcher struct {
	classifier SignalClassifier
	sub        *termmux.Subscription
}

// Registry owns agent lifecycle state. It is the single writer of agent
// status; everything else observes through ListAgents/GetAgent or the
// event bus.
type Registry struct {
	cfg        Config
	logger     *logger.Logger
	workspaces WorkspaceManager
	procs      ProcessSupervisor
	mux        *termmux.Mux
	eventBus   bus.EventBus
	testEnvs   TestEnvStopper

	mu       sync.RWMutex
	agents   map[string]*Agent
	order    []string
	watchers map[string]*watcher

	opLocks  map[string]*sync.Mutex
	opLockMu sync.Mutex

	exitSub bus.Subscription
}

// New creates an agent registry.
func New(cfg Config, workspaces WorkspaceManager, procs ProcessSupervisor, mux *termmux.Mux, eventBus bus.EventBus, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Default()
	}
	if cfg.DefaultCols <= 0 {
		cfg.DefaultCols = 120
	}
	if cfg.DefaultRows <= 0 {
		cfg.DefaultRows = 40
	}

	r := &Registry{
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "registry")),
		workspaces: workspaces,
		procs:      procs,
		mux:        mux,
		eventBus:   eventBus,
		agents:     make(map[string]*Agent),
		watchers:   make(map[string]*watcher),
		opLocks:    make(map[string]*sync.Mutex),
	}

	// Keep classifier terminals in sync with PTY resizes
	procs.AddResizeHook(func(agentID, role string, cols, rows int) {
		if role != supervisor.RoleAgent {
			return
		}
		r.mu.RLock()
		w := r.watchers[agentID]
		r.mu.RUnlock()
		if w != nil {
			w.classifier.Resize(cols, rows)
		}
	})

	return r
}

// SetTestEnvStopper wires the test environment controller in after
// construction.
func (r *Registry) SetTestEnvStopper(s TestEnvStopper) {
	r.testEnvs = s
}

// Start subscribes the registry to process exit events.
func (r *Registry) Start() error {
	sub, err := r.eventBus.Subscribe(events.BuildProcessExitWildcardSubject(), r.handleProcessExit)
	if err != nil {
		return fmt.Errorf("failed to subscribe to process exits: %w", err)
	}
	r.exitSub = sub
	return nil
}

// Stop releases the registry's subscriptions.
func (r *Registry) Stop() {
	if r.exitSub != nil {
		_ = r.exitSub.Unsubscribe()
	}
}

func (r *Registry) getOpLock(agentID string) *sync.Mutex {
	r.opLockMu.Lock()
	defer r.opLockMu.Unlock()
	if lock, ok := r.opLocks[agentID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	r.opLocks[agentID] = lock
	return lock
}

// CreateAgent provisions a workspace, seeds files, spawns the driving
// process, and registers the agent. On spawn failure the workspace is
// rolled back and no agent record remains.
func (r *Registry) CreateAgent(ctx context.Context, req CreateRequest) (*Agent, error) {
	if req.RepoPath == "" {
		return nil, apperrors.ValidationError("repo_path", "is required")
	}

	command := req.Command
	if len(command) == 0 {
		command = r.cfg.DefaultCommand
	}
	if len(command) == 0 {
		return nil, apperrors.InvalidConfiguration("no agent command configured")
	}

	baseBranch := req.BaseBranch
	if baseBranch == "" {
		baseBranch = r.cfg.DefaultBaseBranch
	}

	id := uuid.New().String()
	name := req.Name
	if name == "" {
		name = "agent-" + id[:8]
	}

	opLock := r.getOpLock(id)
	opLock.Lock()
	defer opLock.Unlock()

	ws, err := r.workspaces.Create(ctx, workspace.CreateRequest{
		AgentID:    id,
		RepoPath:   req.RepoPath,
		BaseBranch: baseBranch,
		BranchName: req.BranchName,
	})
	if err != nil {
		return nil, err
	}

	// Seed untracked files listed in the project manifest
	manifest, err := project.Load(req.RepoPath)
	if err != nil {
		r.logger.Warn("failed to load project manifest, skipping file seeding",
			zap.String("agent_id", id),
			zap.Error(err))
	} else if len(manifest.FilesToCopy) > 0 {
		r.workspaces.SeedFiles(manifest.FilesToCopy, req.RepoPath, ws.Path)
	}

	if _, err := r.procs.Spawn(ctx, supervisor.SpawnRequest{
		AgentID: id,
		Role:    supervisor.RoleAgent,
		Command: command,
		Dir:     ws.Path,
		Env:     req.Env,
		Cols:    r.cfg.DefaultCols,
		Rows:    r.cfg.DefaultRows,
	}); err != nil {
		// Roll back the workspace so the failed create leaves nothing behind
		if destroyErr := r.workspaces.Destroy(ctx, id, true); destroyErr != nil {
			r.logger.Error("failed to roll back workspace after spawn failure",
				zap.String("agent_id", id),
				zap.Error(destroyErr))
		}
		return nil, err
	}

	now := time.Now().UTC()
	agent := &Agent{
		ID:           id,
		Name:         name,
		Status:       StatusRunning,
		Workspace:    ws,
		AssignmentID: req.AssignmentID,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastActivity: now,
	}

	r.mu.Lock()
	r.agents[id] = agent
	r.order = append(r.order, id)
	if r.cfg.ClassifierFactory != nil {
		w := &watcher{
			classifier: r.cfg.ClassifierFactory(r.cfg.DefaultCols, r.cfg.DefaultRows),
			sub:        r.mux.Subscribe(id, supervisor.RoleAgent),
		}
		r.watchers[id] = w
		go r.watch(id, w)
	}
	snapshot := *agent
	r.mu.Unlock()

	r.logger.Info("agent created",
		zap.String("agent_id", id),
		zap.String("name", name),
		zap.String("workspace", ws.Path))

	r.publishUpdate(&snapshot)
	return &snapshot, nil
}

// GetAgent returns a snapshot of one agent.
func (r *Registry) GetAgent(id string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[id]
	if !ok {
		return nil, apperrors.NotFound("agent", id)
	}
	snapshot := *agent
	return &snapshot, nil
}

// ListAgents returns snapshots of all agents in creation order.
func (r *Registry) ListAgents() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Agent, 0, len(r.order))
	for _, id := range r.order {
		if agent, ok := r.agents[id]; ok {
			snapshot := *agent
			result = append(result, &snapshot)
		}
	}
	return result
}

// StopAgent terminates the driving process without tearing down the
// workspace or test environment. The agent ends up failed unless it had
// already reached a terminal state.
func (r *Registry) StopAgent(ctx context.Context, id string) error {
	if _, err := r.GetAgent(id); err != nil {
		return err
	}
	if err := r.procs.Terminate(ctx, id, supervisor.RoleAgent); err != nil {
		return err
	}

	r.mu.Lock()
	agent, ok := r.agents[id]
	if !ok || agent.Status.IsTerminal() || agent.Status == StatusTearingDown {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	r.updateStatus(id, StatusFailed, nil)
	return nil
}

// TeardownAgent stops the test environment and driving process, destroys
// the workspace, and removes the agent. Without force, a dirty workspace
// aborts the teardown with the agent left in tearing_down.
func (r *Registry) TeardownAgent(ctx context.Context, id string, force bool) error {
	opLock := r.getOpLock(id)
	opLock.Lock()
	defer opLock.Unlock()

	if _, err := r.GetAgent(id); err != nil {
		return err
	}

	r.updateStatus(id, StatusTearingDown, nil)

	if r.testEnvs != nil {
		if err := r.testEnvs.StopAll(ctx, id); err != nil {
			r.logger.Warn("failed to stop test environment",
				zap.String("agent_id", id),
				zap.Error(err))
		}
	}

	if err := r.procs.Terminate(ctx, id, supervisor.RoleAgent); err != nil {
		r.logger.Warn("failed to terminate agent process",
			zap.String("agent_id", id),
			zap.Error(err))
	}

	// Stop classification before the stream goes away
	r.mu.Lock()
	if w, ok := r.watchers[id]; ok {
		w.sub.Cancel()
		delete(r.watchers, id)
	}
	r.mu.Unlock()
	r.mux.DropStream(id, supervisor.RoleAgent)

	if err := r.workspaces.Destroy(ctx, id, force); err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeNotFound) {
			// Workspace already gone, e.g. a retried teardown
		} else {
			// Agent stays in tearing_down; the operator can retry with force
			return err
		}
	}

	r.updateStatus(id, StatusRemoved, nil)

	r.mu.Lock()
	delete(r.agents, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.logger.Info("agent removed", zap.String("agent_id", id))
	return nil
}

// AttachAssignment links an agent to an assignment.
func (r *Registry) AttachAssignment(id, assignmentID string) error {
	r.mu.Lock()
	agent, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return apperrors.NotFound("agent", id)
	}
	agent.AssignmentID = assignmentID
	agent.UpdatedAt = time.Now().UTC()
	snapshot := *agent
	r.mu.Unlock()

	r.publishUpdate(&snapshot)
	return nil
}

// UnassignAgent clears the agent's assignment link. The agent keeps
// running; only the association is removed.
func (r *Registry) UnassignAgent(id string) error {
	return r.AttachAssignment(id, "")
}

// ClearUnread resets the unread signal counter.
func (r *Registry) ClearUnread(id string) error {
	r.mu.Lock()
	agent, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return apperrors.NotFound("agent", id)
	}
	agent.UnreadSignals = 0
	agent.UpdatedAt = time.Now().UTC()
	snapshot := *agent
	r.mu.Unlock()

	r.publishUpdate(&snapshot)
	return nil
}

// ActiveAgentIDs returns the IDs of all registered agents. Used for
// workspace reconciliation at startup.
func (r *Registry) ActiveAgentIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	return ids
}

// watch consumes the agent's output stream and applies classified signals.
func (r *Registry) watch(id string, w *watcher) {
	for chunk := range w.sub.Chunks() {
		r.touch(id, chunk.Timestamp)
		w.classifier.Feed(chunk.Data)
		r.applySignal(id, w.classifier.Classify())
	}
}

// touch records process output as agent activity.
func (r *Registry) touch(id string, at time.Time) {
	r.mu.Lock()
	if agent, ok := r.agents[id]; ok {
		agent.LastActivity = at
	}
	r.mu.Unlock()
}

// applySignal toggles the agent between waiting_for_input and in_progress.
func (r *Registry) applySignal(id string, sig Signal) {
	if sig == SignalNone {
		return
	}

	r.mu.Lock()
	agent, ok := r.agents[id]
	if !ok || !agent.Status.IsActive() {
		r.mu.Unlock()
		return
	}

	var newStatus Status
	switch sig {
	case SignalWaitingInput:
		newStatus = StatusWaitingForInput
	case SignalWorking:
		newStatus = StatusInProgress
	default:
		r.mu.Unlock()
		return
	}

	if agent.Status == newStatus {
		r.mu.Unlock()
		return
	}

	agent.Status = newStatus
	if newStatus == StatusWaitingForInput {
		agent.UnreadSignals++
	}
	agent.UpdatedAt = time.Now().UTC()
	snapshot := *agent
	r.mu.Unlock()

	r.logger.Debug("agent signal",
		zap.String("agent_id", id),
		zap.String("signal", string(sig)))

	r.publishSignal(&snapshot, sig)
	r.publishUpdate(&snapshot)
}

// handleProcessExit reacts to the driving process exiting.
func (r *Registry) handleProcessExit(ctx context.Context, event *bus.Event) error {
	agentID, _ := event.Data["agent_id"].(string)
	role, _ := event.Data["role"].(string)
	if agentID == "" || role != supervisor.RoleAgent {
		return nil
	}

	exitCode, ok := toInt(event.Data["exit_code"])
	if !ok {
		return nil
	}

	r.mu.Lock()
	agent, exists := r.agents[agentID]
	if !exists || !agent.Status.IsActive() {
		// Teardown in flight or agent already finished
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	status := StatusCompleted
	if exitCode != 0 {
		status = StatusFailed
	}
	r.updateStatus(agentID, status, &exitCode)

	r.logger.Info("agent process exited",
		zap.String("agent_id", agentID),
		zap.Int("exit_code", exitCode),
		zap.String("status", string(status)))
	return nil
}

// updateStatus sets an agent's status and publishes the change.
func (r *Registry) updateStatus(id string, status Status, exitCode *int) {
	r.mu.Lock()
	agent, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	agent.Status = status
	if exitCode != nil {
		agent.ExitCode = exitCode
	}
	agent.UpdatedAt = time.Now().UTC()
	snapshot := *agent
	r.mu.Unlock()

	r.publishUpdate(&snapshot)
}

func (r *Registry) publishUpdate(agent *Agent) {
	if r.eventBus == nil {
		return
	}
	data := map[string]interface{}{
		"agent_id":       agent.ID,
		"name":           agent.Name,
		"status":         string(agent.Status),
		"unread_signals": agent.UnreadSignals,
	}
	if agent.AssignmentID != "" {
		data["assignment_id"] = agent.AssignmentID
	}
	if agent.ExitCode != nil {
		data["exit_code"] = *agent.ExitCode
	}

	event := bus.NewEvent(events.AgentUpdated, "registry", data)
	if err := r.eventBus.Publish(context.Background(), events.BuildAgentUpdatedSubject(agent.ID), event); err != nil {
		r.logger.Error("failed to publish agent update", zap.Error(err))
	}
}

func (r *Registry) publishSignal(agent *Agent, sig Signal) {
	if r.eventBus == nil {
		return
	}
	event := bus.NewEvent(events.AgentSignal, "registry", map[string]interface{}{
		"agent_id": agent.ID,
		"signal":   string(sig),
		"status":   string(agent.Status),
	})
	if err := r.eventBus.Publish(context.Background(), events.BuildAgentSignalSubject(agent.ID), event); err != nil {
		r.logger.Error("failed to publish agent signal", zap.Error(err))
	}
}

// toInt normalizes bus event numbers: in-memory delivery keeps int,
// NATS JSON round-trips produce float64.
func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
