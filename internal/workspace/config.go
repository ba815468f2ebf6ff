package workspace

import (
	"os"
	"path/filepath"
	"strings"
)

// Config holds configuration for the workspace manager.
type Config struct {
	// BasePath is the base directory for worktree storage.
	// Supports ~ expansion for home directory.
	// Default: ~/.agentmux/worktrees
	BasePath string `mapstructure:"basePath"`

	// DefaultBaseBranch is used when a create request omits the base branch.
	// Default: main
	DefaultBaseBranch string `mapstructure:"defaultBaseBranch"`

	// BranchPrefix is the prefix used for generated branch names.
	// Default: agentmux/
	BranchPrefix string `mapstructure:"branchPrefix"`
}

// DefaultConfig returns the default workspace configuration.
func DefaultConfig() Config {
	return Config{
		BasePath:          "~/.agentmux/worktrees",
		DefaultBaseBranch: "main",
		BranchPrefix:      "agentmux/",
	}
}

// Validate validates the configuration and fills in missing defaults.
func (c *Config) Validate() error {
	if c.BasePath == "" {
		c.BasePath = "~/.agentmux/worktrees"
	}
	if c.DefaultBaseBranch == "" {
		c.DefaultBaseBranch = "main"
	}
	if c.BranchPrefix == "" {
		c.BranchPrefix = "agentmux/"
	}
	return nil
}

// ExpandedBasePath returns the base path with ~ expanded to the user's home directory.
func (c *Config) ExpandedBasePath() (string, error) {
	path := c.BasePath
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[2:])
	}
	return path, nil
}

// WorktreePath returns the full path for a workspace given an agent ID.
func (c *Config) WorktreePath(agentID string) (string, error) {
	basePath, err := c.ExpandedBasePath()
	if err != nil {
		return "", err
	}
	return filepath.Join(basePath, agentID), nil
}

// BranchName returns the generated branch name for a given agent ID.
func (c *Config) BranchName(agentID string) string {
	short := agentID
	if len(short) > 8 {
		short = short[:8]
	}
	return c.BranchPrefix + short
}
