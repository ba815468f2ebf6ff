// Package project loads the per-repository manifest that configures agent
// sessions: test environment command defaults and files to seed into fresh
// workspaces.
package project

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	apperrors "github.com/agentmux/agentmux/internal/common/errors"
)

// ManifestFileName is the manifest location relative to the repository root.
const ManifestFileName = ".agentmux.yaml"

// CommandSpec defines one named test environment command.
type CommandSpec struct {
	ID      string `yaml:"id" json:"id"`
	Command string `yaml:"command" json:"command"`
	// Dir is the working directory relative to the workspace root.
	Dir string `yaml:"dir,omitempty" json:"dir,omitempty"`
}

// Manifest is the parsed .agentmux.yaml.
type Manifest struct {
	TestEnv struct {
		Commands []CommandSpec `yaml:"commands"`
	} `yaml:"testEnv"`

	// FilesToCopy lists untracked files seeded into new workspaces,
	// as "src" or "src:dest" entries.
	FilesToCopy []string `yaml:"filesToCopy"`
}

// Load reads the manifest from a repository root. A missing manifest is not
// an error: agents can run without test environment commands.
func Load(repoRoot string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(repoRoot, ManifestFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return &Manifest{}, nil
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, apperrors.InvalidConfiguration(
			fmt.Sprintf("malformed %s: %v", ManifestFileName, err))
	}

	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	seen := make(map[string]bool)
	for _, cmd := range m.TestEnv.Commands {
		if cmd.ID == "" {
			return apperrors.InvalidConfiguration("test environment command without an id")
		}
		if cmd.Command == "" {
			return apperrors.InvalidConfiguration(
				fmt.Sprintf("test environment command '%s' has no command line", cmd.ID))
		}
		if seen[cmd.ID] {
			return apperrors.InvalidConfiguration(
				fmt.Sprintf("duplicate test environment command id '%s'", cmd.ID))
		}
		seen[cmd.ID] = true
	}
	return nil
}
