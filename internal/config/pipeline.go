// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// PipelineConfig is the per-project pipeline configuration, loaded from
// .pipeline/config.yaml at the project root. Loading never fails: a missing,
// unparsable, or invalid file reverts to DefaultPipelineConfig().
type PipelineConfig struct {
	Tiers          map[string]TierConfig   `yaml:"tiers"`
	Branch         BranchConfig            `yaml:"branch"`
	Agents         map[string]AgentDef     `yaml:"agents"`
	AutoCorrection AutoCorrectionConfig    `yaml:"auto_correction"`
	Resilience     ResilienceConfig        `yaml:"resilience"`
	Director       DirectorConfig          `yaml:"director"`
	Cleanup        CleanupConfig           `yaml:"cleanup"`
	Adapters       map[string]AdapterConf  `yaml:"adapters"`
	Events         PipelineEventsConfig    `yaml:"events"`
	Logging        PipelineLoggingConfig   `yaml:"logging"`
}

// TierConfig classifies change size and selects agents for that tier.
type TierConfig struct {
	MaxFiles int      `yaml:"max_files"`
	MaxLines int      `yaml:"max_lines"`
	Agents   []string `yaml:"agents"`
}

// BranchConfig controls pipeline branch naming.
type BranchConfig struct {
	PipelinePrefix string `yaml:"pipeline_prefix"`
}

// AgentDef describes a pipeline agent by the prompt it runs.
type AgentDef struct {
	Prompt string `yaml:"prompt"`
	Model  string `yaml:"model"`
}

// AutoCorrectionConfig controls the failure-correction loop.
type AutoCorrectionConfig struct {
	Enabled     bool   `yaml:"enabled"`
	MaxAttempts int    `yaml:"max_attempts"`
	Agent       string `yaml:"agent"`
}

// ResilienceConfig groups delivery-resilience settings.
type ResilienceConfig struct {
	DLQ DLQConfig `yaml:"dlq"`
}

// DLQConfig configures the dead-letter queue for webhook adapters.
type DLQConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Path          string  `yaml:"path"`
	MaxRetries    int     `yaml:"max_retries"`
	BaseDelayMs   int     `yaml:"base_delay_ms"`
	BackoffFactor float64 `yaml:"backoff_factor"`
}

// BaseDelay returns the base retry delay as a duration.
func (d DLQConfig) BaseDelay() time.Duration {
	return time.Duration(d.BaseDelayMs) * time.Millisecond
}

// DirectorConfig controls the merge integrator loop.
type DirectorConfig struct {
	IntervalSeconds int    `yaml:"interval_seconds"` // 0 disables the loop
	TargetBranch    string `yaml:"target_branch"`
	MaxResolveRuns  int    `yaml:"max_resolve_runs"`
}

// CleanupConfig gates destructive cleanup of pipeline branches.
type CleanupConfig struct {
	KeepOnFailure bool `yaml:"keep_on_failure"`
}

// AdapterConf configures one outbound webhook adapter.
type AdapterConf struct {
	Enabled   bool   `yaml:"enabled"`
	URL       string `yaml:"url"`
	Secret    string `yaml:"secret"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// PipelineEventsConfig controls event-log persistence for pipeline runs.
type PipelineEventsConfig struct {
	Dir string `yaml:"dir"`
}

// PipelineLoggingConfig controls per-run log verbosity.
type PipelineLoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultPipelineConfig returns the built-in pipeline configuration.
func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		Tiers: map[string]TierConfig{
			"small":  {MaxFiles: 3, MaxLines: 50, Agents: []string{"tests", "style"}},
			"medium": {MaxFiles: 10, MaxLines: 300, Agents: []string{"tests", "style", "security"}},
			"large":  {MaxFiles: -1, MaxLines: -1, Agents: []string{"tests", "style", "security", "architecture"}},
		},
		Branch: BranchConfig{
			PipelinePrefix: "pipeline/",
		},
		Agents: map[string]AgentDef{
			"tests":        {Prompt: "Run the project's test suite and fix any failures you introduced."},
			"style":        {Prompt: "Review the diff for style violations and fix them."},
			"security":     {Prompt: "Review the diff for security issues and fix them."},
			"architecture": {Prompt: "Review the diff for architectural problems and report them."},
		},
		AutoCorrection: AutoCorrectionConfig{
			Enabled:     true,
			MaxAttempts: 2,
			Agent:       "correction",
		},
		Resilience: ResilienceConfig{
			DLQ: DLQConfig{
				Enabled:       true,
				Path:          ".pipeline/dlq",
				MaxRetries:    5,
				BaseDelayMs:   1000,
				BackoffFactor: 2.0,
			},
		},
		Director: DirectorConfig{
			IntervalSeconds: 0,
			TargetBranch:    "main",
			MaxResolveRuns:  1,
		},
		Cleanup: CleanupConfig{
			KeepOnFailure: true,
		},
		Adapters: map[string]AdapterConf{},
		Events: PipelineEventsConfig{
			Dir: ".pipeline/events",
		},
		Logging: PipelineLoggingConfig{
			Level: "INFO",
		},
	}
}

// envVarPattern matches ${NAME} references in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substituteEnv replaces every ${NAME} in s with the process environment
// value, or the empty string when unset.
func substituteEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

// substituteEnvTree walks a decoded YAML tree and substitutes env references
// in every string value. Substitution runs before schema validation.
func substituteEnvTree(node any) any {
	switch v := node.(type) {
	case string:
		return substituteEnv(v)
	case map[string]any:
		for k, val := range v {
			v[k] = substituteEnvTree(val)
		}
		return v
	case []any:
		for i, val := range v {
			v[i] = substituteEnvTree(val)
		}
		return v
	default:
		return node
	}
}

// LoadPipelineConfig reads .pipeline/config.yaml under projectRoot.
// Any failure — missing file, parse error, schema violation — reverts to the
// defaults; no error surfaces to the caller.
func LoadPipelineConfig(projectRoot string) *PipelineConfig {
	path := filepath.Join(projectRoot, ".pipeline", "config.yaml")

	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultPipelineConfig()
	}

	cfg, err := parsePipelineConfig(data)
	if err != nil {
		return DefaultPipelineConfig()
	}
	return cfg
}

// parsePipelineConfig parses and validates raw YAML into a PipelineConfig.
// The default config is the starting point; file values overlay it.
func parsePipelineConfig(data []byte) (*PipelineConfig, error) {
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline config: %w", err)
	}
	substituteEnvTree(tree)

	substituted, err := yaml.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode pipeline config: %w", err)
	}

	cfg := DefaultPipelineConfig()
	if err := yaml.Unmarshal(substituted, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode pipeline config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	return cfg, nil
}

// validate checks schema constraints. Tier thresholds must be positive or -1
// (unlimited); agent lists must reference defined agents or built-ins.
func (p *PipelineConfig) validate() error {
	if len(p.Tiers) == 0 {
		return errors.New("at least one tier is required")
	}
	for name, tier := range p.Tiers {
		if tier.MaxFiles == 0 || tier.MaxFiles < -1 {
			return fmt.Errorf("tier %s: max_files must be positive or -1", name)
		}
		if tier.MaxLines == 0 || tier.MaxLines < -1 {
			return fmt.Errorf("tier %s: max_lines must be positive or -1", name)
		}
	}
	if p.AutoCorrection.MaxAttempts < 0 {
		return errors.New("auto_correction.max_attempts must not be negative")
	}
	dlq := p.Resilience.DLQ
	if dlq.MaxRetries < 0 {
		return errors.New("resilience.dlq.max_retries must not be negative")
	}
	if dlq.BaseDelayMs <= 0 {
		return errors.New("resilience.dlq.base_delay_ms must be positive")
	}
	if dlq.BackoffFactor < 1 {
		return errors.New("resilience.dlq.backoff_factor must be >= 1")
	}
	if p.Director.IntervalSeconds < 0 {
		return errors.New("director.interval_seconds must not be negative")
	}
	for name, a := range p.Adapters {
		if a.Enabled && a.URL == "" {
			return fmt.Errorf("adapter %s: url is required when enabled", name)
		}
	}
	return nil
}
