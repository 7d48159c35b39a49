// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppConfig holds all application configuration.
// It is instantiated by NewConfig() and passed to components that need it.
type AppConfig struct {
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Server   ServerConfig   `mapstructure:"server"`
	Git      GitConfig      `mapstructure:"git"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Events   EventsConfig   `mapstructure:"events"`
	Process  ProcessConfig  `mapstructure:"process"`
}

// DatabaseConfig holds persistence configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Database string `mapstructure:"database"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level   string            `mapstructure:"level"`
	Format  string            `mapstructure:"format"`
	Output  []LogOutputConfig `mapstructure:"output"`
	Levels  map[string]string `mapstructure:"levels"`
	Context LogContextConfig  `mapstructure:"context"`
}

// LogOutputConfig defines where logs are written.
type LogOutputConfig struct {
	Type    string          `mapstructure:"type"` // "file" or "console"
	Enabled bool            `mapstructure:"enabled"`
	Path    string          `mapstructure:"path"`
	Rotate  LogRotateConfig `mapstructure:"rotate"`
}

// LogRotateConfig defines log rotation settings.
type LogRotateConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// LogContextConfig defines what context to include in log lines.
type LogContextConfig struct {
	IncludeCaller     bool   `mapstructure:"include_caller"`
	IncludeTimestamp  bool   `mapstructure:"include_timestamp"`
	IncludeStackTrace string `mapstructure:"include_stack_trace"`
}

// ServerConfig holds HTTP/WS server configuration.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"` // empty = allow all (development)
}

// GitConfig holds git-related configuration.
type GitConfig struct {
	WorktreeBasePath string `mapstructure:"worktree_base_path"`
	DefaultBranch    string `mapstructure:"default_branch"`
	ProjectPath      string `mapstructure:"project_path"`
}

// SandboxConfig holds Podman sandbox configuration.
type SandboxConfig struct {
	Image          string        `mapstructure:"image"`
	HostSDKPath    string        `mapstructure:"host_sdk_path"`
	ClaudeHomePath string        `mapstructure:"claude_home_path"`
	WorkspaceDir   string        `mapstructure:"workspace_dir"`
	StopTimeout    time.Duration `mapstructure:"stop_timeout"`
}

// AgentConfig holds default agent configuration for thread processing.
type AgentConfig struct {
	DefaultProvider string `mapstructure:"default_provider"` // "claude", "codex", "gemini"
	DefaultModel    string `mapstructure:"default_model"`
	PermissionMode  string `mapstructure:"permission_mode"`
	FollowUpMode    string `mapstructure:"follow_up_mode"` // "interrupt" or "queue"
	FlagFormat      string `mapstructure:"flag_format"`    // "space" (--flag value) or "equals" (--flag=value)
}

// EventsConfig holds event-log persistence configuration.
type EventsConfig struct {
	Dir string `mapstructure:"dir"`
}

// ProcessConfig holds child-process execution configuration.
type ProcessConfig struct {
	PoolSize       int           `mapstructure:"pool_size"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// NewConfig creates a new AppConfig by reading from a file, environment
// variables, and applying defaults.
func NewConfig(configPath string) (*AppConfig, error) {
	cfg := defaultConfig()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/strand/")
		v.AddConfigPath("$HOME/.strand")
	}

	v.SetEnvPrefix("STRAND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// It's okay if the config file doesn't exist.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// PORT and PROJECT_PATH are honored without the STRAND_ prefix for
	// compatibility with plain service launchers.
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if pp := os.Getenv("PROJECT_PATH"); pp != "" {
		cfg.Git.ProjectPath = pp
	}
	if cfg.Git.ProjectPath == "" {
		if cwd, err := os.Getwd(); err == nil {
			cfg.Git.ProjectPath = cwd
		}
	}

	cfg.expandPaths()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// defaultConfig returns an AppConfig with default values.
// This is more type-safe than using viper.SetDefault().
func defaultConfig() AppConfig {
	return AppConfig{
		Database: DatabaseConfig{
			Driver:   "sqlite",
			Database: "strand.db",
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "console",
			Output: []LogOutputConfig{
				{
					Type:    "file",
					Enabled: true,
					Path:    "./logs/strand.log",
					Rotate: LogRotateConfig{
						MaxSizeMB:  100,
						MaxBackups: 7,
						MaxAgeDays: 30,
						Compress:   true,
					},
				},
				{
					Type:    "console",
					Enabled: true,
				},
			},
			Levels: map[string]string{
				"agent":    "INFO",
				"pipeline": "INFO",
				"director": "INFO",
				"git":      "INFO",
				"sandbox":  "INFO",
				"api":      "INFO",
				"store":    "INFO",
				"delivery": "INFO",
			},
			Context: LogContextConfig{
				IncludeCaller:     true,
				IncludeTimestamp:  true,
				IncludeStackTrace: "ERROR",
			},
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3002,
		},
		Git: GitConfig{
			WorktreeBasePath: "./worktrees",
			DefaultBranch:    "main",
		},
		Sandbox: SandboxConfig{
			Image:          "strand-sandbox:latest",
			HostSDKPath:    "",
			ClaudeHomePath: "~/.claude",
			WorkspaceDir:   "/workspace",
			StopTimeout:    10 * time.Second,
		},
		Agent: AgentConfig{
			DefaultProvider: "claude",
			DefaultModel:    "claude-sonnet-4-5",
			PermissionMode:  "default",
			FollowUpMode:    "queue",
			FlagFormat:      "space",
		},
		Events: EventsConfig{
			Dir: "./events",
		},
		Process: ProcessConfig{
			PoolSize:       6,
			DefaultTimeout: 30 * time.Second,
		},
	}
}

// expandPaths expands ~ and environment variables in path values.
func (c *AppConfig) expandPaths() {
	c.Git.WorktreeBasePath = expandPath(c.Git.WorktreeBasePath)
	c.Git.ProjectPath = expandPath(c.Git.ProjectPath)
	c.Sandbox.HostSDKPath = expandPath(c.Sandbox.HostSDKPath)
	c.Sandbox.ClaudeHomePath = expandPath(c.Sandbox.ClaudeHomePath)
	c.Events.Dir = expandPath(c.Events.Dir)
}

// expandPath expands ~ to the home directory and environment variables.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[1:])
		}
	}
	return os.ExpandEnv(path)
}

// validate checks if the configuration is valid.
func (c *AppConfig) validate() error {
	if c.Database.Driver == "" {
		return errors.New("database driver is required")
	}

	validLogLevels := map[string]bool{
		"TRACE": true, "DEBUG": true, "INFO": true, "WARN": true, "ERROR": true, "FATAL": true, "PANIC": true,
	}
	if !validLogLevels[strings.ToUpper(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Agent.FollowUpMode != "interrupt" && c.Agent.FollowUpMode != "queue" {
		return fmt.Errorf("agent.follow_up_mode must be 'interrupt' or 'queue', got: %s", c.Agent.FollowUpMode)
	}
	if c.Agent.FlagFormat != "" && c.Agent.FlagFormat != "space" && c.Agent.FlagFormat != "equals" {
		return fmt.Errorf("agent.flag_format must be 'space' or 'equals', got: %s", c.Agent.FlagFormat)
	}

	if c.Process.PoolSize <= 0 {
		return fmt.Errorf("process.pool_size must be positive, got: %d", c.Process.PoolSize)
	}

	return nil
}

// GetDSN returns the database connection string.
func (dc *DatabaseConfig) GetDSN() string {
	if dc.Database == ":memory:" {
		return "file::memory:?cache=shared"
	}
	return dc.Database
}
