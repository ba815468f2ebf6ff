package testenv

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agentmux/agentmux/internal/common/errors"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/events/bus"
	"github.com/agentmux/agentmux/internal/project"
	"github.com/agentmux/agentmux/internal/registry"
	"github.com/agentmux/agentmux/internal/supervisor"
	"github.com/agentmux/agentmux/internal/workspace"
)

type fakeProcs struct {
	mu         sync.Mutex
	spawned    []supervisor.SpawnRequest
	terminated []supervisor.Key
	running    map[supervisor.Key]*supervisor.ProcessInfo
}

func newFakeProcs() *fakeProcs {
	return &fakeProcs{running: make(map[supervisor.Key]*supervisor.ProcessInfo)}
}

func (f *fakeProcs) Spawn(ctx context.Context, req supervisor.SpawnRequest) (*supervisor.ProcessInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawned = append(f.spawned, req)
	info := &supervisor.ProcessInfo{
		AgentID: req.AgentID,
		Role:    req.Role,
		PID:     1000 + len(f.spawned),
		Command: req.Command,
		Status:  supervisor.StatusRunning,
	}
	f.running[supervisor.Key{AgentID: req.AgentID, Role: req.Role}] = info
	return info, nil
}

func (f *fakeProcs) Terminate(ctx context.Context, agentID, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := supervisor.Key{AgentID: agentID, Role: role}
	f.terminated = append(f.terminated, key)
	delete(f.running, key)
	return nil
}

func (f *fakeProcs) IsRunning(agentID, role string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.running[supervisor.Key{AgentID: agentID, Role: role}]
	return ok
}

func (f *fakeProcs) Status(agentID, role string) (*supervisor.ProcessInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.running[supervisor.Key{AgentID: agentID, Role: role}]
	if !ok {
		return nil, false
	}
	snapshot := *info
	return &snapshot, true
}

func (f *fakeProcs) List(agentID string) []supervisor.ProcessInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []supervisor.ProcessInfo
	for key, info := range f.running {
		if key.AgentID == agentID {
			result = append(result, *info)
		}
	}
	return result
}

type fakeAgents struct {
	agents map[string]*registry.Agent
}

func (f *fakeAgents) GetAgent(id string) (*registry.Agent, error) {
	agent, ok := f.agents[id]
	if !ok {
		return nil, apperrors.NotFound("agent", id)
	}
	return agent, nil
}

type fixture struct {
	controller *Controller
	procs      *fakeProcs
	eventBus   *bus.MemoryEventBus
	agentID    string
	wsPath     string
}

func newFixture(t *testing.T, manifest string) *fixture {
	t.Helper()

	wsPath := t.TempDir()
	if manifest != "" {
		require.NoError(t, os.WriteFile(
			filepath.Join(wsPath, project.ManifestFileName), []byte(manifest), 0644))
	}

	agentID := "agent-1"
	agents := &fakeAgents{agents: map[string]*registry.Agent{
		agentID: {
			ID:     agentID,
			Status: registry.StatusRunning,
			Workspace: &workspace.Workspace{
				AgentID: agentID,
				Path:    wsPath,
			},
		},
	}}

	procs := newFakeProcs()
	eventBus := bus.NewMemoryEventBus(nil)
	t.Cleanup(eventBus.Close)

	c := New(Config{}, procs, agents, eventBus, nil)
	require.NoError(t, c.Start())
	t.Cleanup(c.Stop)

	return &fixture{controller: c, procs: procs, eventBus: eventBus, agentID: agentID, wsPath: wsPath}
}

const devManifest = `
testEnv:
  commands:
    - id: dev-server
      command: npm run dev
      dir: web
    - id: tests
      command: go test ./...
`

func TestStartCommand(t *testing.T) {
	f := newFixture(t, devManifest)

	info, err := f.controller.StartCommand(context.Background(), f.agentID, "dev-server", nil)
	require.NoError(t, err)
	assert.Equal(t, "dev-server", info.Role)

	require.Len(t, f.procs.spawned, 1)
	spawn := f.procs.spawned[0]
	assert.Equal(t, []string{"/bin/sh", "-c", "npm run dev"}, spawn.Command)
	assert.Equal(t, filepath.Join(f.wsPath, "web"), spawn.Dir)
}

func TestStartCommandIdempotent(t *testing.T) {
	f := newFixture(t, devManifest)

	_, err := f.controller.StartCommand(context.Background(), f.agentID, "tests", nil)
	require.NoError(t, err)
	_, err = f.controller.StartCommand(context.Background(), f.agentID, "tests", nil)
	require.NoError(t, err)

	assert.Len(t, f.procs.spawned, 1)
}

func TestStartCommandOverrides(t *testing.T) {
	f := newFixture(t, devManifest)

	// Override replaces the manifest definition for the same id
	_, err := f.controller.StartCommand(context.Background(), f.agentID, "dev-server", []project.CommandSpec{
		{ID: "dev-server", Command: "npm run dev -- --port 4000"},
	})
	require.NoError(t, err)

	require.Len(t, f.procs.spawned, 1)
	assert.Equal(t, "npm run dev -- --port 4000", f.procs.spawned[0].Command[2])
	assert.Equal(t, f.wsPath, f.procs.spawned[0].Dir)
}

func TestStartCommandPortPlaceholders(t *testing.T) {
	f := newFixture(t, "")

	info, err := f.controller.StartCommand(context.Background(), f.agentID, "dev-server", []project.CommandSpec{
		{ID: "dev-server", Command: "npm run dev -- --port $PORT"},
	})
	require.NoError(t, err)

	require.Len(t, f.procs.spawned, 1)
	spawn := f.procs.spawned[0]
	port, ok := spawn.Env["PORT"]
	require.True(t, ok, "PORT should be exported to the command")
	assert.NotContains(t, spawn.Command[2], "$PORT")
	assert.Contains(t, spawn.Command[2], port)

	statuses, err := f.controller.Status(f.agentID)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, info.Role, statuses[0].ID)
	assert.Equal(t, port, statuses[0].Ports["PORT"])
}

func TestStartCommandAdHoc(t *testing.T) {
	f := newFixture(t, "")

	_, err := f.controller.StartCommand(context.Background(), f.agentID, "lint", []project.CommandSpec{
		{ID: "lint", Command: "make lint"},
	})
	require.NoError(t, err)
	require.Len(t, f.procs.spawned, 1)
}

func TestStartCommandUnknown(t *testing.T) {
	f := newFixture(t, devManifest)

	_, err := f.controller.StartCommand(context.Background(), f.agentID, "nope", nil)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestStartCommandReservedID(t *testing.T) {
	f := newFixture(t, devManifest)

	_, err := f.controller.StartCommand(context.Background(), f.agentID, supervisor.RoleAgent, nil)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidConfiguration), "got %v", err)

	_, err = f.controller.StartCommand(context.Background(), f.agentID, "dev-server", []project.CommandSpec{
		{ID: supervisor.RoleAgent, Command: "evil"},
	})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidConfiguration), "got %v", err)
}

func TestStartCommandUnknownAgent(t *testing.T) {
	f := newFixture(t, devManifest)

	_, err := f.controller.StartCommand(context.Background(), "ghost", "dev-server", nil)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestStopCommand(t *testing.T) {
	f := newFixture(t, devManifest)

	_, err := f.controller.StartCommand(context.Background(), f.agentID, "tests", nil)
	require.NoError(t, err)

	require.NoError(t, f.controller.StopCommand(context.Background(), f.agentID, "tests"))
	assert.Contains(t, f.procs.terminated, supervisor.Key{AgentID: f.agentID, Role: "tests"})

	// Stopping again is a no-op
	require.NoError(t, f.controller.StopCommand(context.Background(), f.agentID, "tests"))
}

func TestStopAllSkipsAgentProcess(t *testing.T) {
	f := newFixture(t, devManifest)

	// Simulate the agent's own process being supervised too
	_, err := f.procs.Spawn(context.Background(), supervisor.SpawnRequest{
		AgentID: f.agentID,
		Role:    supervisor.RoleAgent,
		Command: []string{"/bin/true"},
	})
	require.NoError(t, err)

	_, err = f.controller.StartCommand(context.Background(), f.agentID, "dev-server", nil)
	require.NoError(t, err)
	_, err = f.controller.StartCommand(context.Background(), f.agentID, "tests", nil)
	require.NoError(t, err)

	require.NoError(t, f.controller.StopAll(context.Background(), f.agentID))

	assert.NotContains(t, f.procs.terminated, supervisor.Key{AgentID: f.agentID, Role: supervisor.RoleAgent})
	assert.Contains(t, f.procs.terminated, supervisor.Key{AgentID: f.agentID, Role: "dev-server"})
	assert.Contains(t, f.procs.terminated, supervisor.Key{AgentID: f.agentID, Role: "tests"})
	assert.True(t, f.procs.IsRunning(f.agentID, supervisor.RoleAgent))
}

func TestStatus(t *testing.T) {
	f := newFixture(t, devManifest)

	_, err := f.controller.StartCommand(context.Background(), f.agentID, "dev-server", nil)
	require.NoError(t, err)

	statuses, err := f.controller.Status(f.agentID)
	require.NoError(t, err)
	require.Len(t, statuses, 2)

	byID := make(map[string]CommandStatus)
	for _, s := range statuses {
		byID[s.ID] = s
	}
	assert.Equal(t, supervisor.StatusRunning, byID["dev-server"].Status)
	assert.NotZero(t, byID["dev-server"].PID)
	assert.Equal(t, CommandStopped, byID["tests"].Status)
}

func TestExitTracking(t *testing.T) {
	f := newFixture(t, devManifest)

	_, err := f.controller.StartCommand(context.Background(), f.agentID, "tests", nil)
	require.NoError(t, err)

	var mu sync.Mutex
	var republished []*bus.Event
	_, err = f.eventBus.Subscribe(events.BuildTestEnvExitedWildcardSubject(), func(ctx context.Context, e *bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		republished = append(republished, e)
		return nil
	})
	require.NoError(t, err)

	// Simulate the supervisor reporting the exit
	require.NoError(t, f.procs.Terminate(context.Background(), f.agentID, "tests"))
	exit := bus.NewEvent(events.ProcessExited, "supervisor", map[string]interface{}{
		"agent_id":  f.agentID,
		"role":      "tests",
		"exit_code": 1,
		"status":    string(supervisor.StatusExited),
	})
	require.NoError(t, f.eventBus.Publish(context.Background(),
		events.BuildProcessExitSubject(f.agentID, "tests"), exit))

	deadline := time.Now().Add(2 * time.Second)
	for {
		statuses, err := f.controller.Status(f.agentID)
		require.NoError(t, err)
		var tests *CommandStatus
		for i := range statuses {
			if statuses[i].ID == "tests" {
				tests = &statuses[i]
			}
		}
		if tests != nil && tests.Status == CommandExited {
			require.NotNil(t, tests.ExitCode)
			assert.Equal(t, 1, *tests.ExitCode)
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("exit never tracked")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, republished)
	assert.Equal(t, "tests", republished[0].Data["command_id"])
	assert.Equal(t, 1, republished[0].Data["exit_code"])
}
