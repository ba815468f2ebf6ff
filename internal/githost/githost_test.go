package githost

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agentmux/agentmux/internal/common/errors"
)

func TestPRNumberFromURL(t *testing.T) {
	tests := []struct {
		url     string
		want    int
		wantErr bool
	}{
		{"https://github.com/org/repo/pull/42", 42, false},
		{"https://github.com/org/repo/pull/1", 1, false},
		{"https://github.com/org/repo/pull/", 0, true},
		{"not a url", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		got, err := prNumberFromURL(tt.url)
		if tt.wantErr {
			assert.Error(t, err, tt.url)
			continue
		}
		require.NoError(t, err, tt.url)
		assert.Equal(t, tt.want, got, tt.url)
	}
}

func TestLastNonEmptyLine(t *testing.T) {
	out := "Creating pull request for branch into main\n\nhttps://github.com/org/repo/pull/7\n"
	assert.Equal(t, "https://github.com/org/repo/pull/7", lastNonEmptyLine(out))
	assert.Equal(t, "", lastNonEmptyLine("  \n \n"))
}

func TestGHClientValidation(t *testing.T) {
	c := NewGHClient(nil)

	_, err := c.CreatePR(context.Background(), ".", CreateOptions{
		BaseBranch: "main",
		HeadBranch: "feature",
	})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidationError), "got %v", err)

	_, err = c.CreatePR(context.Background(), ".", CreateOptions{Title: "x"})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidationError), "got %v", err)
}

func TestGHClientUnavailable(t *testing.T) {
	c := NewGHClient(nil)
	c.binary = "/nonexistent/gh"

	_, err := c.PRStatus(context.Background(), t.TempDir(), 1)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeRemoteUnavailable), "got %v", err)
}

func TestMockClient(t *testing.T) {
	m := NewMockClient()

	pr, err := m.CreatePR(context.Background(), "/repo", CreateOptions{
		Title:      "Add feature",
		BaseBranch: "main",
		HeadBranch: "agentmux/abc",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, pr.Number)

	status, err := m.PRStatus(context.Background(), "/repo", pr.Number)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, status)

	m.SetStatus(pr.Number, StatusMerged)
	status, err = m.PRStatus(context.Background(), "/repo", pr.Number)
	require.NoError(t, err)
	assert.Equal(t, StatusMerged, status)

	_, err = m.PRStatus(context.Background(), "/repo", 99)
	assert.True(t, apperrors.IsNotFound(err))

	require.Len(t, m.Created(), 1)
	assert.Equal(t, "Add feature", m.Created()[0].Title)
}
