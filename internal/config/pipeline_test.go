// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePipelineConfig(t *testing.T, content string) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".pipeline"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".pipeline", "config.yaml"), []byte(content), 0644))
	return root
}

func TestLoadPipelineConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg := LoadPipelineConfig(t.TempDir())

	assert.Equal(t, 3, cfg.Tiers["small"].MaxFiles)
	assert.Equal(t, 50, cfg.Tiers["small"].MaxLines)
	assert.Equal(t, []string{"tests", "style"}, cfg.Tiers["small"].Agents)
}

func TestLoadPipelineConfig_Overlay(t *testing.T) {
	root := writePipelineConfig(t, `
tiers:
  small:
    max_files: 5
    max_lines: 80
    agents: [tests]
resilience:
  dlq:
    enabled: true
    max_retries: 3
    base_delay_ms: 200
    backoff_factor: 1.5
`)
	cfg := LoadPipelineConfig(root)

	assert.Equal(t, 5, cfg.Tiers["small"].MaxFiles)
	assert.Equal(t, 80, cfg.Tiers["small"].MaxLines)
	assert.Equal(t, []string{"tests"}, cfg.Tiers["small"].Agents)
	assert.Equal(t, 3, cfg.Resilience.DLQ.MaxRetries)
	assert.Equal(t, 200, cfg.Resilience.DLQ.BaseDelayMs)
	// Unspecified sections keep their defaults.
	assert.Equal(t, "pipeline/", cfg.Branch.PipelinePrefix)
	assert.Equal(t, 2, cfg.AutoCorrection.MaxAttempts)
}

func TestLoadPipelineConfig_InvalidSchemaRevertsToDefaults(t *testing.T) {
	// max_files: 0 violates the schema, so the whole file is discarded.
	root := writePipelineConfig(t, `
tiers:
  small:
    max_files: 0
    max_lines: -1
    agents: []
`)
	cfg := LoadPipelineConfig(root)

	assert.Equal(t, 3, cfg.Tiers["small"].MaxFiles)
	assert.Equal(t, 50, cfg.Tiers["small"].MaxLines)
	assert.Equal(t, []string{"tests", "style"}, cfg.Tiers["small"].Agents)
}

func TestLoadPipelineConfig_ParseErrorRevertsToDefaults(t *testing.T) {
	root := writePipelineConfig(t, "tiers: [not: valid: yaml")
	cfg := LoadPipelineConfig(root)

	assert.Equal(t, 3, cfg.Tiers["small"].MaxFiles)
}

func TestLoadPipelineConfig_EnvSubstitution(t *testing.T) {
	t.Setenv("STRAND_TEST_WEBHOOK", "https://hooks.example.com/x")
	os.Unsetenv("STRAND_TEST_UNSET")

	root := writePipelineConfig(t, `
branch:
  pipeline_prefix: "${STRAND_TEST_UNSET}prefix/"
adapters:
  qa:
    enabled: true
    url: "${STRAND_TEST_WEBHOOK}"
`)
	cfg := LoadPipelineConfig(root)

	assert.Equal(t, "prefix/", cfg.Branch.PipelinePrefix)
	assert.Equal(t, "https://hooks.example.com/x", cfg.Adapters["qa"].URL)
}

func TestLoadPipelineConfig_UnsetEnvEmptyURLFailsValidation(t *testing.T) {
	// Substitution runs before validation: an enabled adapter whose URL
	// resolves to "" invalidates the file and reverts everything.
	os.Unsetenv("STRAND_TEST_UNSET")
	root := writePipelineConfig(t, `
branch:
  pipeline_prefix: "custom/"
adapters:
  qa:
    enabled: true
    url: "${STRAND_TEST_UNSET}"
`)
	cfg := LoadPipelineConfig(root)

	assert.Equal(t, "pipeline/", cfg.Branch.PipelinePrefix)
	assert.Empty(t, cfg.Adapters)
}

func TestSubstituteEnv(t *testing.T) {
	t.Setenv("STRAND_TEST_NAME", "value")
	assert.Equal(t, "a-value-b", substituteEnv("a-${STRAND_TEST_NAME}-b"))
	assert.Equal(t, "bare $STRAND_TEST_NAME stays", substituteEnv("bare $STRAND_TEST_NAME stays"))
}
