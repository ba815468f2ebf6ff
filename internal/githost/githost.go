// Package githost talks to the pull request host. The default
// implementation shells out to the gh CLI so that authentication and host
// selection stay the operator's concern.
package githost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/agentmux/agentmux/internal/common/errors"
	"github.com/agentmux/agentmux/internal/common/logger"
)

// Status is the pull request state as reported by the host.
type Status string

const (
	StatusOpen    Status = "open"
	StatusMerged  Status = "merged"
	StatusClosed  Status = "closed"
	StatusUnknown Status = "unknown"
)

// PullRequest is a created pull request.
type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

// CreateOptions describes a pull request to open.
type CreateOptions struct {
	Title      string
	Body       string
	BaseBranch string
	HeadBranch string
	Draft      bool
}

// Client is the pull request host surface.
type Client interface {
	// CreatePR opens a pull request for the repository at repoPath.
	CreatePR(ctx context.Context, repoPath string, opts CreateOptions) (*PullRequest, error)
	// PRStatus fetches the current state of a pull request.
	PRStatus(ctx context.Context, repoPath string, number int) (Status, error)
}

// GHClient implements Client via the gh CLI.
type GHClient struct {
	logger *logger.Logger
	// binary is the gh executable, overridable for tests.
	binary string
}

// NewGHClient creates a gh-backed host client.
func NewGHClient(log *logger.Logger) *GHClient {
	if log == nil {
		log = logger.Default()
	}
	return &GHClient{
		logger: log.WithFields(zap.String("component", "githost")),
		binary: "gh",
	}
}

// CreatePR opens a pull request with gh pr create and resolves the number
// from the printed URL.
func (c *GHClient) CreatePR(ctx context.Context, repoPath string, opts CreateOptions) (*PullRequest, error) {
	if opts.Title == "" {
		return nil, apperrors.ValidationError("title", "is required")
	}
	if opts.BaseBranch == "" || opts.HeadBranch == "" {
		return nil, apperrors.ValidationError("branch", "base and head branches are required")
	}

	args := []string{"pr", "create",
		"--title", opts.Title,
		"--body", opts.Body,
		"--base", opts.BaseBranch,
		"--head", opts.HeadBranch,
	}
	if opts.Draft {
		args = append(args, "--draft")
	}

	out, err := c.run(ctx, repoPath, args...)
	if err != nil {
		return nil, err
	}

	url := lastNonEmptyLine(out)
	number, err := prNumberFromURL(url)
	if err != nil {
		return nil, apperrors.InternalError("unexpected gh pr create output", err)
	}

	c.logger.Info("pull request created",
		zap.Int("number", number),
		zap.String("url", url))
	return &PullRequest{Number: number, URL: url}, nil
}

// PRStatus fetches the pull request state with gh pr view.
func (c *GHClient) PRStatus(ctx context.Context, repoPath string, number int) (Status, error) {
	out, err := c.run(ctx, repoPath, "pr", "view", strconv.Itoa(number), "--json", "state")
	if err != nil {
		return StatusUnknown, err
	}

	var view struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		return StatusUnknown, apperrors.InternalError("unexpected gh pr view output", err)
	}

	switch strings.ToUpper(view.State) {
	case "OPEN":
		return StatusOpen, nil
	case "MERGED":
		return StatusMerged, nil
	case "CLOSED":
		return StatusClosed, nil
	}
	return StatusUnknown, nil
}

// run executes gh in the repository directory. Timeouts and network
// failures surface as REMOTE_UNAVAILABLE so callers can retry.
func (c *GHClient) run(ctx context.Context, repoPath string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Dir = repoPath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", apperrors.RemoteUnavailable("pull request host timed out", ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", apperrors.RemoteUnavailable(
			fmt.Sprintf("gh %s failed: %s", args[0]+" "+args[1], msg), err)
	}
	return stdout.String(), nil
}

// lastNonEmptyLine returns the final line of output; gh prints the PR URL
// last, after any informational lines.
func lastNonEmptyLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

// prNumberFromURL extracts the PR number from a host URL like
// https://github.com/org/repo/pull/42.
func prNumberFromURL(url string) (int, error) {
	idx := strings.LastIndex(url, "/")
	if idx < 0 || idx == len(url)-1 {
		return 0, fmt.Errorf("no pull request number in '%s'", url)
	}
	number, err := strconv.Atoi(url[idx+1:])
	if err != nil {
		return 0, fmt.Errorf("no pull request number in '%s': %w", url, err)
	}
	return number, nil
}
