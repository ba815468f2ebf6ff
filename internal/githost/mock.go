package githost

import (
	"context"
	"strconv"
	"sync"

	apperrors "github.com/agentmux/agentmux/internal/common/errors"
)

// MockClient is an in-memory Client for tests and offline development.
type MockClient struct {
	mu          sync.Mutex
	nextNum     int
	statuses    map[int]Status
	created     []CreateOptions
	statusPaths []string

	// CreateErr and StatusErr, when set, are returned by the respective calls.
	CreateErr error
	StatusErr error
}

// NewMockClient creates an empty mock host.
func NewMockClient() *MockClient {
	return &MockClient{
		nextNum:  1,
		statuses: make(map[int]Status),
	}
}

// CreatePR records the request and returns a sequentially numbered PR.
func (m *MockClient) CreatePR(ctx context.Context, repoPath string, opts CreateOptions) (*PullRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return nil, m.CreateErr
	}
	number := m.nextNum
	m.nextNum++
	m.statuses[number] = StatusOpen
	m.created = append(m.created, opts)
	return &PullRequest{
		Number: number,
		URL:    "https://example.test/pull/" + strconv.Itoa(number),
	}, nil
}

// PRStatus returns the stored status for a PR and records the repository
// path the caller supplied.
func (m *MockClient) PRStatus(ctx context.Context, repoPath string, number int) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusPaths = append(m.statusPaths, repoPath)
	if m.StatusErr != nil {
		return StatusUnknown, m.StatusErr
	}
	status, ok := m.statuses[number]
	if !ok {
		return StatusUnknown, apperrors.NotFound("pull request", strconv.Itoa(number))
	}
	return status, nil
}

// SetStatus overrides the status of a PR, simulating host-side transitions.
func (m *MockClient) SetStatus(number int, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[number] = status
}

// StatusRepoPaths returns the repository paths passed to PRStatus so far.
func (m *MockClient) StatusRepoPaths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.statusPaths))
	copy(out, m.statusPaths)
	return out
}

// Created returns the create requests seen so far.
func (m *MockClient) Created() []CreateOptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CreateOptions, len(m.created))
	copy(out, m.created)
	return out
}
