// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

package agent

import (
	"fmt"
	"sort"
	"strings"
)

// Permission modes.
const (
	PermissionDefault     = "default"
	PermissionPlan        = "plan"
	PermissionAcceptEdits = "acceptEdits"
	PermissionBypass      = "bypassPermissions"
)

// StartOptions configures one agent run.
type StartOptions struct {
	ThreadID        string
	Prompt          string
	Cwd             string
	Model           string
	PermissionMode  string
	SessionID       string // resume when non-empty
	Images          []string
	AllowedTools    []string
	DisallowedTools []string
	MCPServers      map[string]string
	FlagFormat      string // "space" (--flag value) or "equals" (--flag=value)
	Env             map[string]string
}

// Provider prepares the CLI invocation for one LM vendor. Each provider
// implements the capability set independently; there is no shared base.
type Provider interface {
	Name() string
	// Command returns the binary and arguments for a streaming run.
	Command(opts StartOptions) (string, []string, error)
	// SupportsControl reports whether the provider speaks the
	// bidirectional control protocol on stdin.
	SupportsControl() bool
}

// NewProvider resolves a provider by name.
func NewProvider(name string) (Provider, error) {
	switch name {
	case "claude", "":
		return &ClaudeProvider{}, nil
	case "codex":
		return &CodexProvider{}, nil
	case "gemini":
		return &GeminiProvider{}, nil
	default:
		return nil, fmt.Errorf("unknown agent provider: %s", name)
	}
}

// appendFlag adds a flag honoring the configured flag format.
func appendFlag(args []string, flagFormat, name, value string) []string {
	if value == "" {
		return args
	}
	if flagFormat == "equals" {
		return append(args, name+"="+value)
	}
	return append(args, name, value)
}

// ClaudeProvider runs the Claude Code CLI in stream-JSON mode.
type ClaudeProvider struct{}

// Name implements Provider.
func (p *ClaudeProvider) Name() string { return "claude" }

// SupportsControl implements Provider. Claude emits control_request frames
// and accepts control_response on stdin.
func (p *ClaudeProvider) SupportsControl() bool { return true }

// Command implements Provider.
func (p *ClaudeProvider) Command(opts StartOptions) (string, []string, error) {
	if opts.Prompt == "" {
		return "", nil, fmt.Errorf("prompt is required")
	}

	args := []string{
		"--print", // Non-interactive mode - critical for automation
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	args = appendFlag(args, opts.FlagFormat, "--model", opts.Model)
	args = appendFlag(args, opts.FlagFormat, "--permission-mode", opts.PermissionMode)
	args = appendFlag(args, opts.FlagFormat, "--resume", opts.SessionID)
	if len(opts.AllowedTools) > 0 {
		args = appendFlag(args, opts.FlagFormat, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if len(opts.DisallowedTools) > 0 {
		args = appendFlag(args, opts.FlagFormat, "--disallowedTools", strings.Join(opts.DisallowedTools, ","))
	}
	for _, name := range sortedKeys(opts.MCPServers) {
		args = appendFlag(args, opts.FlagFormat, "--mcp-config", opts.MCPServers[name])
	}

	args = append(args, opts.Prompt)
	return "claude", args, nil
}

// CodexProvider runs the Codex CLI in JSON exec mode.
type CodexProvider struct{}

// Name implements Provider.
func (p *CodexProvider) Name() string { return "codex" }

// SupportsControl implements Provider.
func (p *CodexProvider) SupportsControl() bool { return false }

// Command implements Provider.
func (p *CodexProvider) Command(opts StartOptions) (string, []string, error) {
	if opts.Prompt == "" {
		return "", nil, fmt.Errorf("prompt is required")
	}

	args := []string{"exec", "--json"}
	args = appendFlag(args, opts.FlagFormat, "--model", opts.Model)
	if opts.SessionID != "" {
		args = append(args, "resume", opts.SessionID)
	}
	if opts.PermissionMode == PermissionBypass {
		args = append(args, "--dangerously-bypass-approvals-and-sandbox")
	}
	args = append(args, opts.Prompt)
	return "codex", args, nil
}

// GeminiProvider runs the Gemini CLI in streaming JSON mode.
type GeminiProvider struct{}

// Name implements Provider.
func (p *GeminiProvider) Name() string { return "gemini" }

// SupportsControl implements Provider.
func (p *GeminiProvider) SupportsControl() bool { return false }

// Command implements Provider.
func (p *GeminiProvider) Command(opts StartOptions) (string, []string, error) {
	if opts.Prompt == "" {
		return "", nil, fmt.Errorf("prompt is required")
	}

	args := []string{"--output-format", "stream-json"}
	args = appendFlag(args, opts.FlagFormat, "--model", opts.Model)
	if opts.PermissionMode == PermissionBypass {
		args = append(args, "--yolo")
	}
	args = appendFlag(args, opts.FlagFormat, "--prompt", opts.Prompt)
	return "gemini", args, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
