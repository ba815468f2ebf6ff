// Package testenv runs named auxiliary commands (dev servers, watchers,
// test runners) inside an agent's workspace, alongside the agent process.
package testenv

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/agentmux/agentmux/internal/common/errors"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/common/portutil"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/events/bus"
	"github.com/agentmux/agentmux/internal/project"
	"github.com/agentmux/agentmux/internal/registry"
	"github.com/agentmux/agentmux/internal/supervisor"
)

// ProcessSupervisor is the process surface the controller needs.
type ProcessSupervisor interface {
	Spawn(ctx context.Context, req supervisor.SpawnRequest) (*supervisor.ProcessInfo, error)
	Terminate(ctx context.Context, agentID, role string) error
	IsRunning(agentID, role string) bool
	Status(agentID, role string) (*supervisor.ProcessInfo, bool)
	List(agentID string) []supervisor.ProcessInfo
}

// AgentLookup resolves agents to their workspaces.
type AgentLookup interface {
	GetAgent(id string) (*registry.Agent, error)
}

// Config holds test environment controller configuration.
type Config struct {
	DefaultCols int
	DefaultRows int
}

// CommandStatus describes one test environment command for an agent.
type CommandStatus struct {
	ID       string `json:"id"`
	Command  string `json:"command"`
	Status   string `json:"status"`
	PID      int    `json:"pid,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
	// Ports holds the ports allocated for placeholder substitution,
	// keyed by placeholder name.
	Ports map[string]string `json:"ports,omitempty"`
}

// Command status values. Live statuses come from the supervisor;
// "stopped" means defined in the manifest but not running.
const (
	CommandStopped = "stopped"
	CommandRunning = "running"
	CommandExited  = "exited"
)

type exitKey struct {
	agentID   string
	commandID string
}

// Controller starts and stops test environment commands. Every command is
// a supervised PTY process keyed by (agent, command id), so output streams
// through the same multiplexer as the agent terminal.
type Controller struct {
	cfg      Config
	logger   *logger.Logger
	procs    ProcessSupervisor
	agents   AgentLookup
	eventBus bus.EventBus

	mu        sync.RWMutex
	lastExits map[exitKey]int
	ports     map[exitKey]map[string]string

	exitSub bus.Subscription
}

// New creates a test environment controller.
func New(cfg Config, procs ProcessSupervisor, agents AgentLookup, eventBus bus.EventBus, log *logger.Logger) *Controller {
	if log == nil {
		log = logger.Default()
	}
	if cfg.DefaultCols <= 0 {
		cfg.DefaultCols = 120
	}
	if cfg.DefaultRows <= 0 {
		cfg.DefaultRows = 40
	}
	return &Controller{
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "testenv")),
		procs:     procs,
		agents:    agents,
		eventBus:  eventBus,
		lastExits: make(map[exitKey]int),
		ports:     make(map[exitKey]map[string]string),
	}
}

// Start subscribes the controller to process exit events so it can track
// exit codes and republish them as test environment events.
func (c *Controller) Start() error {
	sub, err := c.eventBus.Subscribe(events.BuildProcessExitWildcardSubject(), c.handleProcessExit)
	if err != nil {
		return fmt.Errorf("failed to subscribe to process exits: %w", err)
	}
	c.exitSub = sub
	return nil
}

// Stop releases the controller's subscriptions.
func (c *Controller) Stop() {
	if c.exitSub != nil {
		_ = c.exitSub.Unsubscribe()
	}
}

// StartCommand starts a named command in the agent's workspace. Overrides
// are merged over the workspace manifest, last one per id wins. Starting a
// command that is already running is a no-op returning its current state.
func (c *Controller) StartCommand(ctx context.Context, agentID, commandID string, overrides []project.CommandSpec) (*supervisor.ProcessInfo, error) {
	if commandID == supervisor.RoleAgent {
		return nil, apperrors.InvalidConfiguration(
			fmt.Sprintf("command id '%s' is reserved for the agent process", supervisor.RoleAgent))
	}

	agent, err := c.agents.GetAgent(agentID)
	if err != nil {
		return nil, err
	}
	if agent.Workspace == nil {
		return nil, apperrors.InvalidConfiguration(
			fmt.Sprintf("agent '%s' has no workspace", agentID))
	}

	if c.procs.IsRunning(agentID, commandID) {
		if info, ok := c.procs.Status(agentID, commandID); ok {
			return info, nil
		}
	}

	spec, err := c.resolveCommand(agent.Workspace.Path, commandID, overrides)
	if err != nil {
		return nil, err
	}

	dir := agent.Workspace.Path
	if spec.Dir != "" {
		dir = filepath.Join(dir, spec.Dir)
	}

	// Port placeholders ($PORT, ${API_PORT}, ...) get a fresh free port per
	// placeholder, substituted into the command line and exported as env.
	command, portEnv, err := portutil.TransformCommand(spec.Command)
	if err != nil {
		return nil, apperrors.InvalidConfiguration(
			fmt.Sprintf("failed to allocate ports for command '%s': %v", commandID, err))
	}

	info, err := c.procs.Spawn(ctx, supervisor.SpawnRequest{
		AgentID: agentID,
		Role:    commandID,
		Command: []string{"/bin/sh", "-c", command},
		Dir:     dir,
		Env:     portEnv,
		Cols:    c.cfg.DefaultCols,
		Rows:    c.cfg.DefaultRows,
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	delete(c.lastExits, exitKey{agentID: agentID, commandID: commandID})
	if len(portEnv) > 0 {
		c.ports[exitKey{agentID: agentID, commandID: commandID}] = portEnv
	} else {
		delete(c.ports, exitKey{agentID: agentID, commandID: commandID})
	}
	c.mu.Unlock()

	c.logger.Info("test environment command started",
		zap.String("agent_id", agentID),
		zap.String("command_id", commandID),
		zap.String("command", command))

	started := bus.NewEvent(events.TestEnvStarted, "testenv", map[string]interface{}{
		"agent_id":   agentID,
		"command_id": commandID,
		"pid":        info.PID,
	})
	if err := c.eventBus.Publish(ctx, events.BuildTestEnvStartedSubject(agentID, commandID), started); err != nil {
		c.logger.Error("failed to publish test environment start", zap.Error(err))
	}
	return info, nil
}

// StopCommand stops a named command. Stopping an absent command is a no-op.
func (c *Controller) StopCommand(ctx context.Context, agentID, commandID string) error {
	if commandID == supervisor.RoleAgent {
		return apperrors.InvalidConfiguration(
			fmt.Sprintf("command id '%s' is reserved for the agent process", supervisor.RoleAgent))
	}
	if _, err := c.agents.GetAgent(agentID); err != nil {
		return err
	}
	return c.procs.Terminate(ctx, agentID, commandID)
}

// StopAll stops every test environment command for an agent. Called during
// agent teardown; the agent process itself is not touched.
func (c *Controller) StopAll(ctx context.Context, agentID string) error {
	var firstErr error
	for _, info := range c.procs.List(agentID) {
		if info.Role == supervisor.RoleAgent {
			continue
		}
		if err := c.procs.Terminate(ctx, agentID, info.Role); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Status reports every command defined for the agent: manifest commands,
// live processes, and last exit codes of commands that have finished.
func (c *Controller) Status(agentID string) ([]CommandStatus, error) {
	agent, err := c.agents.GetAgent(agentID)
	if err != nil {
		return nil, err
	}

	var manifest *project.Manifest
	if agent.Workspace != nil {
		manifest, err = project.Load(agent.Workspace.Path)
		if err != nil {
			c.logger.Warn("failed to load workspace manifest",
				zap.String("agent_id", agentID),
				zap.Error(err))
			manifest = &project.Manifest{}
		}
	} else {
		manifest = &project.Manifest{}
	}

	live := make(map[string]supervisor.ProcessInfo)
	for _, info := range c.procs.List(agentID) {
		if info.Role != supervisor.RoleAgent {
			live[info.Role] = info
		}
	}

	c.mu.RLock()
	exits := make(map[string]int)
	for key, code := range c.lastExits {
		if key.agentID == agentID {
			exits[key.commandID] = code
		}
	}
	ports := make(map[string]map[string]string)
	for key, env := range c.ports {
		if key.agentID == agentID {
			ports[key.commandID] = env
		}
	}
	c.mu.RUnlock()

	seen := make(map[string]bool)
	var result []CommandStatus
	for _, spec := range manifest.TestEnv.Commands {
		seen[spec.ID] = true
		status := CommandStatus{ID: spec.ID, Command: spec.Command, Status: CommandStopped}
		if info, ok := live[spec.ID]; ok {
			status.Status = info.Status
			status.PID = info.PID
			status.ExitCode = info.ExitCode
			status.Ports = ports[spec.ID]
		} else if code, ok := exits[spec.ID]; ok {
			code := code
			status.Status = CommandExited
			status.ExitCode = &code
		}
		result = append(result, status)
	}

	// Ad-hoc commands started with overrides that the manifest does not list
	for id, info := range live {
		if seen[id] {
			continue
		}
		seen[id] = true
		result = append(result, CommandStatus{
			ID:       id,
			Status:   info.Status,
			PID:      info.PID,
			ExitCode: info.ExitCode,
			Ports:    ports[id],
		})
	}
	for id, code := range exits {
		if seen[id] {
			continue
		}
		code := code
		result = append(result, CommandStatus{
			ID:       id,
			Status:   CommandExited,
			ExitCode: &code,
		})
	}

	return result, nil
}

// resolveCommand merges manifest commands with per-call overrides and picks
// the one with the given id.
func (c *Controller) resolveCommand(workspacePath, commandID string, overrides []project.CommandSpec) (*project.CommandSpec, error) {
	manifest, err := project.Load(workspacePath)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]project.CommandSpec)
	for _, spec := range manifest.TestEnv.Commands {
		byID[spec.ID] = spec
	}
	for _, spec := range overrides {
		if spec.ID == "" || spec.Command == "" {
			return nil, apperrors.InvalidConfiguration("command override requires id and command")
		}
		if spec.ID == supervisor.RoleAgent {
			return nil, apperrors.InvalidConfiguration(
				fmt.Sprintf("command id '%s' is reserved for the agent process", supervisor.RoleAgent))
		}
		byID[spec.ID] = spec
	}

	spec, ok := byID[commandID]
	if !ok {
		return nil, apperrors.NotFound("test environment command", commandID)
	}
	return &spec, nil
}

// handleProcessExit records exit codes for test environment commands and
// republishes them on the test environment subject.
func (c *Controller) handleProcessExit(ctx context.Context, event *bus.Event) error {
	agentID, _ := event.Data["agent_id"].(string)
	role, _ := event.Data["role"].(string)
	if agentID == "" || role == "" || role == supervisor.RoleAgent {
		return nil
	}

	exitCode, ok := toInt(event.Data["exit_code"])
	if !ok {
		return nil
	}

	c.mu.Lock()
	c.lastExits[exitKey{agentID: agentID, commandID: role}] = exitCode
	c.mu.Unlock()

	c.logger.Info("test environment command exited",
		zap.String("agent_id", agentID),
		zap.String("command_id", role),
		zap.Int("exit_code", exitCode))

	out := bus.NewEvent(events.TestEnvExited, "testenv", map[string]interface{}{
		"agent_id":   agentID,
		"command_id": role,
		"exit_code":  exitCode,
		"exited_at":  time.Now().UTC().Format(time.RFC3339),
	})
	if err := c.eventBus.Publish(ctx, events.BuildTestEnvExitedSubject(agentID, role), out); err != nil {
		c.logger.Error("failed to publish test environment exit", zap.Error(err))
	}
	return nil
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
