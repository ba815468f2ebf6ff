//go:build !windows

package supervisor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/agentmux/agentmux/internal/common/errors"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events"
	eventbus "github.com/agentmux/agentmux/internal/events/bus"
)

type captureSink struct {
	mu   sync.Mutex
	data map[Key][]byte
}

func newCaptureSink() *captureSink {
	return &captureSink{data: make(map[Key][]byte)}
}

func (c *captureSink) Deliver(agentID, role string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := Key{AgentID: agentID, Role: role}
	c.data[key] = append(c.data[key], data...)
}

func (c *captureSink) output(key Key) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.data[key])
}

func newTestSupervisor(t *testing.T) (*Supervisor, *eventbus.MemoryEventBus, *captureSink) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	bus := eventbus.NewMemoryEventBus(log)
	t.Cleanup(bus.Close)
	sink := newCaptureSink()
	return New(bus, sink, 2*time.Second, log), bus, sink
}

// expectExit subscribes for the next exit event of (agentID, role) and
// returns a wait function. The subscription must exist before the exit is
// triggered: the bus has no replay, so a late subscriber misses the event.
func expectExit(t *testing.T, bus *eventbus.MemoryEventBus, agentID, role string) func() *eventbus.Event {
	t.Helper()
	received := make(chan *eventbus.Event, 1)
	sub, err := bus.Subscribe(events.BuildProcessExitSubject(agentID, role), func(ctx context.Context, e *eventbus.Event) error {
		select {
		case received <- e:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	return func() *eventbus.Event {
		t.Helper()
		select {
		case e := <-received:
			return e
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for process exit event")
			return nil
		}
	}
}

func TestSupervisorSpawnAndExit(t *testing.T) {
	sup, bus, _ := newTestSupervisor(t)
	ctx := context.Background()

	wait := expectExit(t, bus, "a1", RoleAgent)

	info, err := sup.Spawn(ctx, SpawnRequest{
		AgentID: "a1",
		Role:    RoleAgent,
		Command: []string{"/bin/sh", "-c", "exit 3"},
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if info.PID <= 0 {
		t.Errorf("expected positive pid, got %d", info.PID)
	}
	if info.Status != StatusRunning {
		t.Errorf("expected running status, got %s", info.Status)
	}

	e := wait()
	code, ok := e.Data["exit_code"].(int)
	if !ok {
		t.Fatalf("exit_code missing or wrong type: %#v", e.Data["exit_code"])
	}
	if code != 3 {
		t.Errorf("expected exit code 3, got %d", code)
	}

	// Key is released after exit
	deadline := time.Now().Add(2 * time.Second)
	for sup.IsRunning("a1", RoleAgent) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sup.IsRunning("a1", RoleAgent) {
		t.Error("process should not be running after exit")
	}
}

func TestSupervisorOutputStreaming(t *testing.T) {
	sup, bus, sink := newTestSupervisor(t)
	ctx := context.Background()

	wait := expectExit(t, bus, "a1", RoleAgent)
	_, err := sup.Spawn(ctx, SpawnRequest{
		AgentID: "a1",
		Role:    RoleAgent,
		Command: []string{"/bin/sh", "-c", "printf hello-from-pty"},
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	wait()

	// Output delivery may lag the exit event slightly
	deadline := time.Now().Add(2 * time.Second)
	key := Key{AgentID: "a1", Role: RoleAgent}
	for !strings.Contains(sink.output(key), "hello-from-pty") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(sink.output(key), "hello-from-pty") {
		t.Errorf("expected output to reach sink, got %q", sink.output(key))
	}
}

func TestSupervisorWriteInput(t *testing.T) {
	sup, bus, sink := newTestSupervisor(t)
	ctx := context.Background()

	_, err := sup.Spawn(ctx, SpawnRequest{
		AgentID: "a1",
		Role:    RoleAgent,
		Command: []string{"/bin/cat"},
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	if err := sup.Write("a1", RoleAgent, []byte("echo-me\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	key := Key{AgentID: "a1", Role: RoleAgent}
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(sink.output(key), "echo-me") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(sink.output(key), "echo-me") {
		t.Errorf("expected echoed input in output, got %q", sink.output(key))
	}

	wait := expectExit(t, bus, "a1", RoleAgent)
	if err := sup.Terminate(ctx, "a1", RoleAgent); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	wait()
}

func TestSupervisorDoubleSpawnRejected(t *testing.T) {
	sup, _, _ := newTestSupervisor(t)
	ctx := context.Background()

	_, err := sup.Spawn(ctx, SpawnRequest{
		AgentID: "a1",
		Role:    RoleAgent,
		Command: []string{"/bin/cat"},
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer func() { _ = sup.Terminate(ctx, "a1", RoleAgent) }()

	_, err = sup.Spawn(ctx, SpawnRequest{
		AgentID: "a1",
		Role:    RoleAgent,
		Command: []string{"/bin/cat"},
	})
	if !apperrors.IsCode(err, apperrors.ErrCodeConflict) {
		t.Fatalf("expected CONFLICT, got %v", err)
	}

	// Same agent, different role is fine
	_, err = sup.Spawn(ctx, SpawnRequest{
		AgentID: "a1",
		Role:    "dev-server",
		Command: []string{"/bin/cat"},
	})
	if err != nil {
		t.Fatalf("Spawn with different role failed: %v", err)
	}
	_ = sup.Terminate(ctx, "a1", "dev-server")
}

func TestSupervisorSpawnFailed(t *testing.T) {
	sup, _, _ := newTestSupervisor(t)

	_, err := sup.Spawn(context.Background(), SpawnRequest{
		AgentID: "a1",
		Role:    RoleAgent,
		Command: []string{"/nonexistent/binary"},
	})
	if !apperrors.IsCode(err, apperrors.ErrCodeSpawnFailed) {
		t.Fatalf("expected SPAWN_FAILED, got %v", err)
	}
	if sup.IsRunning("a1", RoleAgent) {
		t.Error("failed spawn must not leave a tracked process")
	}
}

func TestSupervisorTerminateIdempotent(t *testing.T) {
	sup, bus, _ := newTestSupervisor(t)
	ctx := context.Background()

	_, err := sup.Spawn(ctx, SpawnRequest{
		AgentID: "a1",
		Role:    RoleAgent,
		Command: []string{"/bin/cat"},
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	wait := expectExit(t, bus, "a1", RoleAgent)

	// Concurrent terminates must all succeed
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sup.Terminate(ctx, "a1", RoleAgent); err != nil {
				t.Errorf("Terminate failed: %v", err)
			}
		}()
	}
	wg.Wait()
	wait()

	// Terminating an absent process is a no-op
	if err := sup.Terminate(ctx, "missing", RoleAgent); err != nil {
		t.Errorf("Terminate of missing process should be nil, got %v", err)
	}
}

func TestSupervisorWriteTargetNotFound(t *testing.T) {
	sup, _, _ := newTestSupervisor(t)

	err := sup.Write("missing", RoleAgent, []byte("x"))
	if !apperrors.IsCode(err, apperrors.ErrCodeTargetNotFound) {
		t.Fatalf("expected TARGET_NOT_FOUND, got %v", err)
	}

	err = sup.Resize("missing", RoleAgent, 80, 24)
	if !apperrors.IsCode(err, apperrors.ErrCodeTargetNotFound) {
		t.Fatalf("expected TARGET_NOT_FOUND, got %v", err)
	}
}

func TestSupervisorResizeHook(t *testing.T) {
	sup, bus, _ := newTestSupervisor(t)
	ctx := context.Background()

	var mu sync.Mutex
	var gotCols, gotRows int
	sup.AddResizeHook(func(agentID, role string, cols, rows int) {
		mu.Lock()
		gotCols, gotRows = cols, rows
		mu.Unlock()
	})

	_, err := sup.Spawn(ctx, SpawnRequest{
		AgentID: "a1",
		Role:    RoleAgent,
		Command: []string{"/bin/cat"},
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	if err := sup.Resize("a1", RoleAgent, 100, 30); err != nil {
		t.Fatalf("Resize failed: %v", err)
	}

	mu.Lock()
	if gotCols != 100 || gotRows != 30 {
		t.Errorf("hook saw %dx%d, want 100x30", gotCols, gotRows)
	}
	mu.Unlock()

	wait := expectExit(t, bus, "a1", RoleAgent)
	_ = sup.Terminate(ctx, "a1", RoleAgent)
	wait()
}

func TestSupervisorOutputPumpSurvivesExitRace(t *testing.T) {
	sup, bus, _ := newTestSupervisor(t)
	ctx := context.Background()

	// Short-lived processes make the output pump race process reaping;
	// the pump must never observe the cleaned-up PTY handle.
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("a%d", i)
		wait := expectExit(t, bus, id, RoleAgent)
		_, err := sup.Spawn(ctx, SpawnRequest{
			AgentID: id,
			Role:    RoleAgent,
			Command: []string{"/bin/sh", "-c", "printf burst && exit 0"},
		})
		if err != nil {
			t.Fatalf("Spawn %d failed: %v", i, err)
		}
		wait()
	}
}
