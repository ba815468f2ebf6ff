// Package supervisor runs and reaps PTY-attached processes for agent sessions.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/agentmux/agentmux/internal/common/errors"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/events/bus"
)

// RoleAgent is the role of the driving agent process. Test environment
// commands use their command ID as the role.
const RoleAgent = "agent"

// Process status values.
const (
	StatusRunning = "running"
	StatusExited  = "exited"
	StatusFailed  = "failed"
)

const readBufferSize = 4096

// Key identifies a supervised process.
type Key struct {
	AgentID string
	Role    string
}

// OutputSink receives ordered PTY output chunks.
type OutputSink interface {
	Deliver(agentID, role string, data []byte)
}

// SpawnRequest describes a process to start.
type SpawnRequest struct {
	AgentID string
	Role    string
	Command []string
	Dir     string
	Env     map[string]string
	Cols    int
	Rows    int
}

// ProcessInfo is a point-in-time snapshot of a supervised process.
type ProcessInfo struct {
	AgentID   string    `json:"agent_id"`
	Role      string    `json:"role"`
	PID       int       `json:"pid"`
	Command   []string  `json:"command"`
	Status    string    `json:"status"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// process tracks one running PTY process.
type process struct {
	info ProcessInfo
	cmd  *exec.Cmd
	ptmx PtyHandle

	stopOnce sync.Once
	waitDone chan struct{} // closed when wait() returns (cmd.Wait completed)
	mu       sync.Mutex
}

// Supervisor spawns PTY processes keyed by (agent, role), streams their
// output to the configured sink, and reports exits on the event bus.
type Supervisor struct {
	logger      *logger.Logger
	eventBus    bus.EventBus
	sink        OutputSink
	gracePeriod time.Duration

	mu          sync.RWMutex
	processes   map[Key]*process
	resizeHooks []func(agentID, role string, cols, rows int)
	hookMu      sync.RWMutex
}

// New creates a supervisor. gracePeriod bounds the SIGTERM-to-SIGKILL window.
func New(eventBus bus.EventBus, sink OutputSink, gracePeriod time.Duration, log *logger.Logger) *Supervisor {
	if log == nil {
		log = logger.Default()
	}
	if gracePeriod <= 0 {
		gracePeriod = 5 * time.Second
	}
	return &Supervisor{
		logger:      log.WithFields(zap.String("component", "supervisor")),
		eventBus:    eventBus,
		sink:        sink,
		gracePeriod: gracePeriod,
		processes:   make(map[Key]*process),
	}
}

// AddResizeHook registers a callback invoked after every successful resize.
func (s *Supervisor) AddResizeHook(hook func(agentID, role string, cols, rows int)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.resizeHooks = append(s.resizeHooks, hook)
}

// Spawn starts a process in a PTY at the requested dimensions.
// A key with a live process rejects a second spawn.
func (s *Supervisor) Spawn(ctx context.Context, req SpawnRequest) (*ProcessInfo, error) {
	if req.AgentID == "" {
		return nil, apperrors.ValidationError("agent_id", "is required")
	}
	if req.Role == "" {
		return nil, apperrors.ValidationError("role", "is required")
	}
	if len(req.Command) == 0 {
		return nil, apperrors.ValidationError("command", "is required")
	}

	cols := req.Cols
	rows := req.Rows
	if cols <= 0 {
		cols = 120
	}
	if rows <= 0 {
		rows = 40
	}

	key := Key{AgentID: req.AgentID, Role: req.Role}

	s.mu.Lock()
	if existing, ok := s.processes[key]; ok {
		s.mu.Unlock()
		existing.mu.Lock()
		status := existing.info.Status
		existing.mu.Unlock()
		return nil, apperrors.Conflict(
			fmt.Sprintf("process for agent '%s' role '%s' already %s", req.AgentID, req.Role, status))
	}

	// Use a background-scoped command: the process lifecycle is managed by
	// Terminate and wait(), not by the spawn request's context.
	cmd := exec.Command(req.Command[0], req.Command[1:]...)
	if req.Dir != "" {
		cmd.Dir = req.Dir
	}
	cmd.Env = mergeEnv(req.Env)

	ptmx, err := startPTYWithSize(cmd, cols, rows)
	if err != nil {
		s.mu.Unlock()
		return nil, apperrors.SpawnFailed(
			fmt.Sprintf("failed to start '%s' for agent '%s'", req.Command[0], req.AgentID), err)
	}

	now := time.Now().UTC()
	proc := &process{
		info: ProcessInfo{
			AgentID:   req.AgentID,
			Role:      req.Role,
			PID:       cmd.Process.Pid,
			Command:   req.Command,
			Status:    StatusRunning,
			StartedAt: now,
			UpdatedAt: now,
		},
		cmd:      cmd,
		ptmx:     ptmx,
		waitDone: make(chan struct{}),
	}
	s.processes[key] = proc
	s.mu.Unlock()

	s.logger.Info("process started",
		zap.String("agent_id", req.AgentID),
		zap.String("role", req.Role),
		zap.Strings("command", req.Command),
		zap.Int("pid", proc.info.PID),
		zap.Int("cols", cols),
		zap.Int("rows", rows))

	go s.readOutput(key, proc)
	go s.wait(key, proc)

	s.publishStarted(key, proc)

	info := proc.snapshot()
	return &info, nil
}

// Write sends input bytes to the process PTY.
func (s *Supervisor) Write(agentID, role string, data []byte) error {
	proc, ok := s.get(Key{AgentID: agentID, Role: role})
	if !ok {
		return apperrors.TargetNotFound(agentID, role)
	}

	proc.mu.Lock()
	ptmx := proc.ptmx
	proc.mu.Unlock()
	if ptmx == nil {
		return apperrors.TargetNotFound(agentID, role)
	}

	if _, err := ptmx.Write(data); err != nil {
		return fmt.Errorf("failed to write to pty: %w", err)
	}
	return nil
}

// Resize changes the PTY dimensions.
func (s *Supervisor) Resize(agentID, role string, cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return apperrors.ValidationError("size", "cols and rows must be positive")
	}

	proc, ok := s.get(Key{AgentID: agentID, Role: role})
	if !ok {
		return apperrors.TargetNotFound(agentID, role)
	}

	proc.mu.Lock()
	ptmx := proc.ptmx
	proc.mu.Unlock()
	if ptmx == nil {
		return apperrors.TargetNotFound(agentID, role)
	}

	if err := ptmx.Resize(uint16(cols), uint16(rows)); err != nil {
		return fmt.Errorf("failed to resize pty: %w", err)
	}

	s.hookMu.RLock()
	hooks := s.resizeHooks
	s.hookMu.RUnlock()
	for _, hook := range hooks {
		hook(agentID, role, cols, rows)
	}
	return nil
}

// Terminate stops a process: SIGTERM, then SIGKILL after the grace period.
// Terminating an absent or already-exited process is a no-op.
func (s *Supervisor) Terminate(ctx context.Context, agentID, role string) error {
	proc, ok := s.get(Key{AgentID: agentID, Role: role})
	if !ok {
		return nil
	}

	proc.stopOnce.Do(func() {
		// Close the PTY first; most TUI programs exit on SIGHUP.
		proc.mu.Lock()
		if proc.ptmx != nil {
			_ = proc.ptmx.Close()
		}
		proc.mu.Unlock()

		if proc.cmd != nil && proc.cmd.Process != nil {
			_ = terminateProcess(proc.cmd.Process)
		}
	})

	if proc.cmd == nil || proc.cmd.Process == nil {
		return nil
	}

	select {
	case <-proc.waitDone:
		return nil
	case <-ctx.Done():
		_ = proc.cmd.Process.Kill()
	case <-time.After(s.gracePeriod):
		s.logger.Warn("grace period elapsed, killing process",
			zap.String("agent_id", agentID),
			zap.String("role", role))
		_ = proc.cmd.Process.Kill()
	}

	// Kill is unconditional; wait() always returns after it.
	<-proc.waitDone
	return nil
}

// Status returns a snapshot of the process for the given key.
func (s *Supervisor) Status(agentID, role string) (*ProcessInfo, bool) {
	proc, ok := s.get(Key{AgentID: agentID, Role: role})
	if !ok {
		return nil, false
	}
	info := proc.snapshot()
	return &info, true
}

// List returns snapshots of all live processes for an agent.
func (s *Supervisor) List(agentID string) []ProcessInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []ProcessInfo
	for key, proc := range s.processes {
		if key.AgentID == agentID {
			result = append(result, proc.snapshot())
		}
	}
	return result
}

// IsRunning reports whether a live process exists for the key.
func (s *Supervisor) IsRunning(agentID, role string) bool {
	proc, ok := s.get(Key{AgentID: agentID, Role: role})
	if !ok {
		return false
	}
	select {
	case <-proc.waitDone:
		return false
	default:
		return true
	}
}

func (s *Supervisor) get(key Key) (*process, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	proc, ok := s.processes[key]
	return proc, ok
}

// readOutput pumps PTY output to the sink until the PTY closes.
// Chunks are delivered in read order from a single goroutine.
// The handle is snapshotted once: wait() nils proc.ptmx under the lock
// when the process exits, and reading the field here would race that.
func (s *Supervisor) readOutput(key Key, proc *process) {
	proc.mu.Lock()
	ptmx := proc.ptmx
	proc.mu.Unlock()
	if ptmx == nil {
		return
	}

	buf := make([]byte, readBufferSize)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 && s.sink != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.sink.Deliver(key.AgentID, key.Role, chunk)
		}
		if err != nil {
			// PTY closed: process exited or was terminated
			return
		}
	}
}

// wait blocks until the process exits and then cleans up.
// cmd.Wait is intentionally unbounded: it reaps the process and prevents
// zombies, and stuck processes are handled by Terminate's escalation.
func (s *Supervisor) wait(key Key, proc *process) {
	defer close(proc.waitDone)

	exitCode, signalName, err := waitPtyProcess(proc.cmd)
	status := StatusExited
	if err != nil {
		status = StatusFailed
	}

	s.logger.Info("process exited",
		zap.String("agent_id", key.AgentID),
		zap.String("role", key.Role),
		zap.String("status", status),
		zap.Int("exit_code", exitCode),
		zap.String("signal", signalName))

	proc.mu.Lock()
	proc.info.Status = status
	proc.info.ExitCode = &exitCode
	proc.info.UpdatedAt = time.Now().UTC()
	if proc.ptmx != nil {
		_ = proc.ptmx.Close()
		proc.ptmx = nil
	}
	proc.mu.Unlock()

	s.publishExit(key, proc, exitCode, status)

	// Remove from tracking so the key can be reused
	s.mu.Lock()
	delete(s.processes, key)
	s.mu.Unlock()
}

func (s *Supervisor) publishStarted(key Key, proc *process) {
	if s.eventBus == nil {
		return
	}

	event := bus.NewEvent(events.ProcessStarted, "supervisor", map[string]interface{}{
		"agent_id": key.AgentID,
		"role":     key.Role,
		"pid":      proc.snapshot().PID,
		"status":   StatusRunning,
	})
	if err := s.eventBus.Publish(context.Background(), events.BuildProcessStatusSubject(key.AgentID, key.Role), event); err != nil {
		s.logger.Error("failed to publish process start event", zap.Error(err))
	}
}

func (s *Supervisor) publishExit(key Key, proc *process, exitCode int, status string) {
	if s.eventBus == nil {
		return
	}

	data := map[string]interface{}{
		"agent_id":  key.AgentID,
		"role":      key.Role,
		"exit_code": exitCode,
		"status":    status,
	}
	ctx := context.Background()

	event := bus.NewEvent(events.ProcessExited, "supervisor", data)
	if err := s.eventBus.Publish(ctx, events.BuildProcessExitSubject(key.AgentID, key.Role), event); err != nil {
		s.logger.Error("failed to publish process exit event", zap.Error(err))
	}

	statusEvent := bus.NewEvent(events.ProcessExited, "supervisor", data)
	if err := s.eventBus.Publish(ctx, events.BuildProcessStatusSubject(key.AgentID, key.Role), statusEvent); err != nil {
		s.logger.Error("failed to publish process status event", zap.Error(err))
	}
}

func (p *process) snapshot() ProcessInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info
}

// mergeEnv combines the parent environment with per-process overrides.
func mergeEnv(overrides map[string]string) []string {
	env := os.Environ()
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}
