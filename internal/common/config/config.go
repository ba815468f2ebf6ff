// Package config provides configuration management for agentmux.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for agentmux.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Agent     AgentConfig     `mapstructure:"agent"`
	TestEnv   TestEnvConfig   `mapstructure:"testenv"`
	GitHub    GitHubConfig    `mapstructure:"github"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds SQLite database configuration.
type DatabaseConfig struct {
	// Path is the SQLite database file. Supports ~ expansion.
	// The special value ":memory:" opens an in-memory database.
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// WorkspaceConfig holds git worktree workspace configuration.
type WorkspaceConfig struct {
	// BasePath is the base directory for agent worktrees (default: ~/.agentmux/worktrees).
	BasePath string `mapstructure:"basePath"`
	// DefaultBaseBranch is used when a request does not name a base branch.
	DefaultBaseBranch string `mapstructure:"defaultBaseBranch"`
	// BranchPrefix is prepended to generated branch names.
	BranchPrefix string `mapstructure:"branchPrefix"`
}

// AgentConfig holds configuration for the driving agent process.
type AgentConfig struct {
	// Command is the default agent command launched inside the workspace.
	Command []string `mapstructure:"command"`
	// DefaultCols/DefaultRows are the initial PTY dimensions.
	DefaultCols int `mapstructure:"defaultCols"`
	DefaultRows int `mapstructure:"defaultRows"`
	// GracePeriod is the seconds to wait after SIGTERM before SIGKILL.
	GracePeriod int `mapstructure:"gracePeriod"`
}

// TestEnvConfig holds test environment controller configuration.
type TestEnvConfig struct {
	// DefaultCols/DefaultRows are PTY dimensions for test environment commands.
	DefaultCols int `mapstructure:"defaultCols"`
	DefaultRows int `mapstructure:"defaultRows"`
}

// GitHubConfig holds PR tracking configuration.
type GitHubConfig struct {
	// PollInterval is the seconds between merge status checks.
	PollInterval int `mapstructure:"pollInterval"`
	// RequestTimeout bounds a single remote status check, in seconds.
	RequestTimeout int `mapstructure:"requestTimeout"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// GracePeriodDuration returns the termination grace period as a time.Duration.
func (a *AgentConfig) GracePeriodDuration() time.Duration {
	return time.Duration(a.GracePeriod) * time.Second
}

// PollIntervalDuration returns the poll interval as a time.Duration.
func (g *GitHubConfig) PollIntervalDuration() time.Duration {
	return time.Duration(g.PollInterval) * time.Second
}

// RequestTimeoutDuration returns the request timeout as a time.Duration.
func (g *GitHubConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(g.RequestTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("AGENTMUX_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.path", "~/.agentmux/agentmux.db")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentmux")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Workspace defaults
	v.SetDefault("workspace.basePath", "~/.agentmux/worktrees")
	v.SetDefault("workspace.defaultBaseBranch", "main")
	v.SetDefault("workspace.branchPrefix", "agentmux/")

	// Agent defaults
	v.SetDefault("agent.command", []string{})
	v.SetDefault("agent.defaultCols", 120)
	v.SetDefault("agent.defaultRows", 40)
	v.SetDefault("agent.gracePeriod", 5)

	// Test environment defaults
	v.SetDefault("testenv.defaultCols", 120)
	v.SetDefault("testenv.defaultRows", 40)

	// GitHub polling defaults
	v.SetDefault("github.pollInterval", 60)
	v.SetDefault("github.requestTimeout", 15)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTMUX_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/agentmux/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGENTMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("workspace.basePath", "AGENTMUX_WORKSPACE_BASE_PATH")
	_ = v.BindEnv("workspace.defaultBaseBranch", "AGENTMUX_WORKSPACE_DEFAULT_BASE_BRANCH")
	_ = v.BindEnv("github.pollInterval", "AGENTMUX_GITHUB_POLL_INTERVAL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentmux/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Agent.DefaultCols <= 0 || cfg.Agent.DefaultRows <= 0 {
		errs = append(errs, "agent.defaultCols and agent.defaultRows must be positive")
	}
	if cfg.Agent.GracePeriod <= 0 {
		errs = append(errs, "agent.gracePeriod must be positive")
	}

	if cfg.GitHub.PollInterval <= 0 {
		errs = append(errs, "github.pollInterval must be positive")
	}
	if cfg.GitHub.RequestTimeout <= 0 {
		errs = append(errs, "github.requestTimeout must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
