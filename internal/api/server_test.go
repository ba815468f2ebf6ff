package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/assignment"
	apperrors "github.com/agentmux/agentmux/internal/common/errors"
	"github.com/agentmux/agentmux/internal/project"
	"github.com/agentmux/agentmux/internal/registry"
	"github.com/agentmux/agentmux/internal/supervisor"
	"github.com/agentmux/agentmux/internal/termmux"
	"github.com/agentmux/agentmux/internal/testenv"
)

type fakeAgentService struct {
	mu       sync.Mutex
	agents   map[string]*registry.Agent
	tornDown []string
	stopped  []string

	teardownErr error
}

func newFakeAgentService() *fakeAgentService {
	return &fakeAgentService{agents: make(map[string]*registry.Agent)}
}

func (f *fakeAgentService) CreateAgent(ctx context.Context, req registry.CreateRequest) (*registry.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.RepoPath == "" {
		return nil, apperrors.ValidationError("repo_path", "is required")
	}
	agent := &registry.Agent{
		ID:           "agent-1",
		Name:         req.Name,
		Status:       registry.StatusRunning,
		AssignmentID: req.AssignmentID,
	}
	f.agents[agent.ID] = agent
	return agent, nil
}

func (f *fakeAgentService) GetAgent(id string) (*registry.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	agent, ok := f.agents[id]
	if !ok {
		return nil, apperrors.NotFound("agent", id)
	}
	return agent, nil
}

func (f *fakeAgentService) ListAgents() []*registry.Agent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*registry.Agent
	for _, a := range f.agents {
		out = append(out, a)
	}
	return out
}

func (f *fakeAgentService) StopAgent(ctx context.Context, id string) error {
	if _, err := f.GetAgent(id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeAgentService) TeardownAgent(ctx context.Context, id string, force bool) error {
	if _, err := f.GetAgent(id); err != nil {
		return err
	}
	if f.teardownErr != nil && !force {
		return f.teardownErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tornDown = append(f.tornDown, id)
	delete(f.agents, id)
	return nil
}

func (f *fakeAgentService) AttachAssignment(id, assignmentID string) error {
	agent, err := f.GetAgent(id)
	if err != nil {
		return err
	}
	agent.AssignmentID = assignmentID
	return nil
}

func (f *fakeAgentService) UnassignAgent(id string) error {
	return f.AttachAssignment(id, "")
}

func (f *fakeAgentService) ClearUnread(id string) error {
	agent, err := f.GetAgent(id)
	if err != nil {
		return err
	}
	agent.UnreadSignals = 0
	return nil
}

type fakeAssignmentService struct {
	mu          sync.Mutex
	assignments map[string]*assignment.Assignment
	attached    [][2]string

	prErr error
}

func newFakeAssignmentService() *fakeAssignmentService {
	return &fakeAssignmentService{assignments: make(map[string]*assignment.Assignment)}
}

func (f *fakeAssignmentService) CreateAssignment(ctx context.Context, req assignment.CreateRequest) (*assignment.Assignment, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	a := &assignment.Assignment{ID: "as-1", Title: req.Title, Status: assignment.StatusPending}
	f.assignments[a.ID] = a
	return a, nil
}

func (f *fakeAssignmentService) GetAssignment(ctx context.Context, id string) (*assignment.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assignments[id]
	if !ok {
		return nil, apperrors.NotFound("assignment", id)
	}
	return a, nil
}

func (f *fakeAssignmentService) ListAssignments(ctx context.Context) ([]*assignment.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*assignment.Assignment
	for _, a := range f.assignments {
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeAssignmentService) UpdateAssignment(ctx context.Context, id string, patch assignment.UpdatePatch) (*assignment.Assignment, error) {
	a, err := f.GetAssignment(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Title != nil {
		a.Title = *patch.Title
	}
	return a, nil
}

func (f *fakeAssignmentService) AttachAgent(ctx context.Context, id, agentID string) (*assignment.Assignment, error) {
	a, err := f.GetAssignment(ctx, id)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	a.AgentID = agentID
	a.Status = assignment.StatusInProgress
	f.attached = append(f.attached, [2]string{id, agentID})
	return a, nil
}

func (f *fakeAssignmentService) DetachAgent(ctx context.Context, id string) (*assignment.Assignment, error) {
	a, err := f.GetAssignment(ctx, id)
	if err != nil {
		return nil, err
	}
	a.AgentID = ""
	return a, nil
}

func (f *fakeAssignmentService) CreatePullRequest(ctx context.Context, id string, autoCommit bool) (*assignment.Assignment, error) {
	a, err := f.GetAssignment(ctx, id)
	if err != nil {
		return nil, err
	}
	if f.prErr != nil {
		return nil, f.prErr
	}
	a.Status = assignment.StatusPRCreated
	a.PRURL = "https://example.test/pull/1"
	return a, nil
}

func (f *fakeAssignmentService) CheckPullRequestStatus(ctx context.Context, id string) (*assignment.Assignment, error) {
	return f.GetAssignment(ctx, id)
}

type fakeTestEnvService struct {
	mu      sync.Mutex
	started []string
	stopped []string
}

func (f *fakeTestEnvService) StartCommand(ctx context.Context, agentID, commandID string, overrides []project.CommandSpec) (*supervisor.ProcessInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, commandID)
	return &supervisor.ProcessInfo{AgentID: agentID, Role: commandID, Status: supervisor.StatusRunning}, nil
}

func (f *fakeTestEnvService) StopCommand(ctx context.Context, agentID, commandID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, commandID)
	return nil
}

func (f *fakeTestEnvService) Status(agentID string) ([]testenv.CommandStatus, error) {
	return []testenv.CommandStatus{{ID: "dev-server", Status: testenv.CommandStopped}}, nil
}

type fakeInputTarget struct {
	mu      sync.Mutex
	inputs  [][]byte
	resizes [][2]int
	err     error
}

func (f *fakeInputTarget) Write(agentID, role string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.inputs = append(f.inputs, append([]byte(nil), data...))
	return nil
}

func (f *fakeInputTarget) Resize(agentID, role string, cols, rows int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.resizes = append(f.resizes, [2]int{cols, rows})
	return nil
}

type apiFixture struct {
	router      http.Handler
	agents      *fakeAgentService
	assignments *fakeAssignmentService
	testEnvs    *fakeTestEnvService
	target      *fakeInputTarget
	mux         *termmux.Mux
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	agents := newFakeAgentService()
	assignments := newFakeAssignmentService()
	testEnvs := &fakeTestEnvService{}
	target := &fakeInputTarget{}
	mux := termmux.New(target, nil)

	server := NewServer(agents, assignments, testEnvs, mux, nil)
	return &apiFixture{
		router:      server.Router(),
		agents:      agents,
		assignments: assignments,
		testEnvs:    testEnvs,
		target:      target,
		mux:         mux,
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateAgentEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/agents", `{"name":"worker","repo_path":"/repos/demo"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var agent registry.Agent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &agent))
	assert.Equal(t, "agent-1", agent.ID)
	assert.Equal(t, "worker", agent.Name)
}

func TestCreateAgentValidation(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/agents", `{"name":"worker"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "VALIDATION_ERROR")
}

func TestCreateAgentLinksAssignment(t *testing.T) {
	f := newAPIFixture(t)
	_, err := f.assignments.CreateAssignment(context.Background(), assignment.CreateRequest{Title: "Work"})
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/api/v1/agents",
		`{"repo_path":"/repos/demo","assignment_id":"as-1"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Len(t, f.assignments.attached, 1)
	assert.Equal(t, [2]string{"as-1", "agent-1"}, f.assignments.attached[0])
}

func TestCreateAgentUnknownAssignment(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/agents",
		`{"repo_path":"/repos/demo","assignment_id":"ghost"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	// Nothing was provisioned for the failed request
	assert.Empty(t, f.agents.ListAgents())
}

func TestGetAgentNotFound(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/agents/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_FOUND")
}

func TestTeardownAgentEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.do(t, http.MethodPost, "/api/v1/agents", `{"repo_path":"/repos/demo"}`)

	w := f.do(t, http.MethodDelete, "/api/v1/agents/agent-1", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"agent-1"}, f.agents.tornDown)
}

func TestTeardownDirtyWorkspaceMapsToConflict(t *testing.T) {
	f := newAPIFixture(t)
	f.do(t, http.MethodPost, "/api/v1/agents", `{"repo_path":"/repos/demo"}`)
	f.agents.teardownErr = apperrors.DirtyWorkspace("/tmp/ws")

	w := f.do(t, http.MethodDelete, "/api/v1/agents/agent-1", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "DIRTY_WORKSPACE")

	// force=true bypasses the dirty check
	w = f.do(t, http.MethodDelete, "/api/v1/agents/agent-1?force=true", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestTerminalInputEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.do(t, http.MethodPost, "/api/v1/agents", `{"repo_path":"/repos/demo"}`)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents/agent-1/input",
		strings.NewReader("echo hi\n"))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)

	f.target.mu.Lock()
	defer f.target.mu.Unlock()
	require.Len(t, f.target.inputs, 1)
	assert.Equal(t, []byte("echo hi\n"), f.target.inputs[0])
}

func TestTerminalInputTargetNotFound(t *testing.T) {
	f := newAPIFixture(t)
	f.target.err = apperrors.TargetNotFound("agent-1", "agent")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents/agent-1/input",
		strings.NewReader("x"))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "TARGET_NOT_FOUND")
}

func TestTerminalResizeEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/agents/agent-1/resize", `{"cols":100,"rows":30}`)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/agents/agent-1/resize", `{"cols":0,"rows":30}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTestEnvEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	f.do(t, http.MethodPost, "/api/v1/agents", `{"repo_path":"/repos/demo"}`)

	w := f.do(t, http.MethodPost, "/api/v1/agents/agent-1/testenv/dev-server/start", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"dev-server"}, f.testEnvs.started)

	w = f.do(t, http.MethodPost, "/api/v1/agents/agent-1/testenv/dev-server/stop", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"dev-server"}, f.testEnvs.stopped)

	w = f.do(t, http.MethodGet, "/api/v1/agents/agent-1/testenv", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "dev-server")
}

func TestAssignmentEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/assignments", `{"title":"Add search"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/assignments", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/assignments/as-1", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPatch, "/api/v1/assignments/as-1", `{"title":"Renamed"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Renamed")
}

func TestCreatePullRequestEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.do(t, http.MethodPost, "/api/v1/assignments", `{"title":"Work"}`)

	w := f.do(t, http.MethodPost, "/api/v1/assignments/as-1/pr", `{"auto_commit":true}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), "https://example.test/pull/1")

	f.assignments.prErr = apperrors.NothingToCommit("agentmux/x")
	f.do(t, http.MethodPost, "/api/v1/assignments", `{"title":"Empty"}`)
	w = f.do(t, http.MethodPost, "/api/v1/assignments/as-1/pr", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "NOTHING_TO_COMMIT")
}

func TestTerminalAttachWebSocket(t *testing.T) {
	f := newAPIFixture(t)
	f.do(t, http.MethodPost, "/api/v1/agents", `{"repo_path":"/repos/demo"}`)

	server := httptest.NewServer(f.router)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/agents/agent-1/terminal"
	conn, resp, err := gorillaws.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	// Wait for the subscription to land before producing output
	deadline := time.Now().Add(2 * time.Second)
	for f.mux.SubscriberCount("agent-1", supervisor.RoleAgent) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.mux.Deliver("agent-1", supervisor.RoleAgent, []byte("hello from pty"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, gorillaws.BinaryMessage, msgType)
	assert.Equal(t, []byte("hello from pty"), data)

	// Input frame reaches the PTY target
	require.NoError(t, conn.WriteMessage(gorillaws.BinaryMessage, []byte("ls\n")))
	deadline = time.Now().Add(2 * time.Second)
	for {
		f.target.mu.Lock()
		n := len(f.target.inputs)
		f.target.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("input never delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Resize frame: 0x01 marker + JSON payload
	payload, err := json.Marshal(ResizePayload{Cols: 132, Rows: 43})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gorillaws.BinaryMessage, append([]byte{resizeCommandByte}, payload...)))

	deadline = time.Now().Add(2 * time.Second)
	for {
		f.target.mu.Lock()
		n := len(f.target.resizes)
		f.target.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("resize never delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.target.mu.Lock()
	assert.Equal(t, [2]int{132, 43}, f.target.resizes[0])
	f.target.mu.Unlock()
}
