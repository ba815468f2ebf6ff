package project

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agentmux/agentmux/internal/common/errors"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFileName), []byte(content), 0644))
	return dir
}

func TestLoadManifest(t *testing.T) {
	dir := writeManifest(t, `
testEnv:
  commands:
    - id: dev-server
      command: npm run dev
      dir: web
    - id: tests
      command: go test ./...
filesToCopy:
  - .env
  - config/dev.yaml:config/local.yaml
`)

	m, err := Load(dir)
	require.NoError(t, err)

	require.Len(t, m.TestEnv.Commands, 2)
	assert.Equal(t, "dev-server", m.TestEnv.Commands[0].ID)
	assert.Equal(t, "npm run dev", m.TestEnv.Commands[0].Command)
	assert.Equal(t, "web", m.TestEnv.Commands[0].Dir)
	assert.Equal(t, "tests", m.TestEnv.Commands[1].ID)
	assert.Empty(t, m.TestEnv.Commands[1].Dir)

	assert.Equal(t, []string{".env", "config/dev.yaml:config/local.yaml"}, m.FilesToCopy)
}

func TestLoadManifestMissing(t *testing.T) {
	m, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, m.TestEnv.Commands)
	assert.Empty(t, m.FilesToCopy)
}

func TestLoadManifestMalformed(t *testing.T) {
	dir := writeManifest(t, "testEnv: [not: a: mapping")

	_, err := Load(dir)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidConfiguration), "got %v", err)
}

func TestLoadManifestDuplicateCommandID(t *testing.T) {
	dir := writeManifest(t, `
testEnv:
  commands:
    - id: dev
      command: make dev
    - id: dev
      command: make dev2
`)

	_, err := Load(dir)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidConfiguration), "got %v", err)
}

func TestLoadManifestMissingCommandFields(t *testing.T) {
	dir := writeManifest(t, `
testEnv:
  commands:
    - id: dev
`)

	_, err := Load(dir)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidConfiguration), "got %v", err)
}
