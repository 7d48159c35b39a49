// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sandbox manages per-request Podman containers for pipeline runs.
// The worktree is mounted read-only and copied into the container, and .git
// is reconstructed inside rather than bind-mounted: sharing a host .git
// across OS boundaries breaks on path and permission drift.
package sandbox

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/strandhq/strand/internal/common"
	"github.com/strandhq/strand/internal/config"
	"github.com/strandhq/strand/internal/gitops"
	"github.com/strandhq/strand/internal/logger"
	"github.com/strandhq/strand/internal/procrun"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetLogger("sandbox")
		log = &l
	})
	return log
}

//go:embed Dockerfile
var sandboxDockerfile []byte

// containerNamePrefix is the idempotency key for orphan cleanup.
const containerNamePrefix = "pipeline-sandbox-"

const (
	sourceMount  = "/mnt/source"
	sdkMount     = "/opt/claude-sdk"
	sandboxUser  = "sandbox"
	sandboxHome  = "/home/sandbox"
	fetchDepth   = "50"
	startTimeout = 5 * time.Minute
)

// Status of a sandbox container.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusFailed   Status = "failed"
)

// State describes one live sandbox.
type State struct {
	RequestID     string
	ContainerID   string
	ContainerName string
	WorktreePath  string
	Branch        string
	Status        Status
}

// Manager owns sandbox containers. Podman is resolved lazily: its absence
// fails the pipeline run that needs it, not server startup.
type Manager struct {
	runner *procrun.Runner
	git    *gitops.Service
	cfg    config.SandboxConfig

	mu         sync.Mutex
	states     map[string]*State
	podmanPath string
	imageBuilt bool
}

// NewManager creates a sandbox manager.
func NewManager(runner *procrun.Runner, git *gitops.Service, cfg config.SandboxConfig) *Manager {
	return &Manager{
		runner: runner,
		git:    git,
		cfg:    cfg,
		states: make(map[string]*State),
	}
}

// podman resolves the podman binary, searching PATH first, then a
// platform-specific install list.
func (m *Manager) podman() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.podmanPath != "" {
		return m.podmanPath, nil
	}
	if path, err := exec.LookPath("podman"); err == nil {
		m.podmanPath = path
		return path, nil
	}
	for _, candidate := range podmanCandidates() {
		if _, err := os.Stat(candidate); err == nil {
			m.podmanPath = candidate
			return candidate, nil
		}
	}
	return "", common.E(common.KindProcess, "podman not found; install podman to run pipelines")
}

func podmanCandidates() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"/opt/homebrew/bin/podman", "/usr/local/bin/podman"}
	case "windows":
		return []string{`C:\Program Files\RedHat\Podman\podman.exe`}
	default:
		return []string{"/usr/bin/podman", "/usr/local/bin/podman"}
	}
}

func (m *Manager) run(ctx context.Context, opts procrun.Options, args ...string) (*procrun.Result, error) {
	bin, err := m.podman()
	if err != nil {
		return nil, err
	}
	return m.runner.Execute(ctx, bin, args, opts)
}

// EnsureImage builds the sandbox image from the embedded Dockerfile unless
// it already exists. Builds run once per process.
func (m *Manager) EnsureImage(ctx context.Context) error {
	m.mu.Lock()
	built := m.imageBuilt
	m.mu.Unlock()
	if built {
		return nil
	}

	res, err := m.run(ctx, procrun.Options{AcceptNonZero: true, SkipPool: true},
		"image", "exists", m.cfg.Image)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		getLog().Info().Str("image", m.cfg.Image).Msg("Building sandbox image")
		buildDir, err := os.MkdirTemp("", "strand-sandbox-build-")
		if err != nil {
			return fmt.Errorf("failed to create build dir: %w", err)
		}
		defer os.RemoveAll(buildDir)
		if err := os.WriteFile(filepath.Join(buildDir, "Dockerfile"), sandboxDockerfile, 0o644); err != nil {
			return fmt.Errorf("failed to write Dockerfile: %w", err)
		}
		if _, err := m.run(ctx, procrun.Options{Timeout: startTimeout, SkipPool: true},
			"build", "-t", m.cfg.Image, buildDir); err != nil {
			return common.Wrap(common.KindProcess, "sandbox image build failed", err)
		}
	}

	m.mu.Lock()
	m.imageBuilt = true
	m.mu.Unlock()
	return nil
}

// StartSandbox creates and prepares the container for a pipeline request:
// run with the worktree mounted read-only, copy the tree into /workspace
// excluding .git, then reconstruct .git inside the container.
func (m *Manager) StartSandbox(ctx context.Context, requestID, worktreePath, branch string, env map[string]string) (*State, error) {
	if err := m.EnsureImage(ctx); err != nil {
		return nil, err
	}

	absWorktree, err := filepath.Abs(worktreePath)
	if err != nil {
		return nil, fmt.Errorf("invalid worktree path: %w", err)
	}

	state := &State{
		RequestID:     requestID,
		ContainerName: containerNamePrefix + requestID,
		WorktreePath:  absWorktree,
		Branch:        branch,
		Status:        StatusStarting,
	}
	m.mu.Lock()
	m.states[requestID] = state
	m.mu.Unlock()

	fail := func(err error) (*State, error) {
		state.Status = StatusFailed
		_, _ = m.run(context.Background(), procrun.Options{AcceptNonZero: true, SkipPool: true},
			"rm", "-f", state.ContainerName)
		return nil, err
	}

	args := []string{
		"run", "-d",
		"--name", state.ContainerName,
		"-v", absWorktree + ":" + sourceMount + ":ro",
	}
	if m.cfg.HostSDKPath != "" {
		args = append(args, "-v", m.cfg.HostSDKPath+":"+sdkMount+":ro")
	}
	if m.cfg.ClaudeHomePath != "" {
		if _, err := os.Stat(m.cfg.ClaudeHomePath); err == nil {
			args = append(args, "-v", m.cfg.ClaudeHomePath+":"+sandboxHome+"/.claude")
		}
	}
	for k, v := range env {
		args = append(args, "-e", k+"="+v)
	}
	args = append(args, "-w", m.cfg.WorkspaceDir, m.cfg.Image, "sleep", "infinity")

	res, err := m.run(ctx, procrun.Options{Timeout: startTimeout, SkipPool: true}, args...)
	if err != nil {
		return fail(common.Wrap(common.KindProcess, "failed to start sandbox container", err))
	}
	state.ContainerID = strings.TrimSpace(res.Stdout)

	if err := m.prepareWorkspace(ctx, state); err != nil {
		return fail(err)
	}

	state.Status = StatusRunning
	getLog().Info().
		Str("request_id", requestID).
		Str("container", state.ContainerName).
		Msg("Sandbox running")
	return state, nil
}

// prepareWorkspace copies the source tree and rebuilds .git inside the
// container.
func (m *Manager) prepareWorkspace(ctx context.Context, state *State) error {
	steps := [][]string{
		{"git", "config", "--global", "--add", "safe.directory", "*"},
		{"sh", "-c", fmt.Sprintf("cd %s && find . -mindepth 1 -maxdepth 1 -not -name .git -exec cp -a {} %s/ \\;", sourceMount, m.cfg.WorkspaceDir)},
		{"chown", "-R", sandboxUser + ":" + sandboxUser, m.cfg.WorkspaceDir},
	}
	for _, step := range steps {
		if err := m.execRoot(ctx, state.ContainerName, step...); err != nil {
			return common.Wrap(common.KindProcess, "failed to prepare sandbox workspace", err)
		}
	}
	return m.reconstructGit(ctx, state)
}

// reconstructGit builds a usable .git in the workspace. With a discoverable
// remote it fetches a shallow history of the branch; otherwise it commits a
// snapshot so the SDK still sees a valid repository.
func (m *Manager) reconstructGit(ctx context.Context, state *State) error {
	remoteURL := m.git.RemoteURL(ctx, state.WorktreePath)
	branch := state.Branch
	if branch == "" {
		branch = "main"
	}

	var script string
	if remoteURL != "" {
		script = strings.Join([]string{
			"set -e",
			"cd " + m.cfg.WorkspaceDir,
			"git init",
			"git remote add origin " + shellQuote(remoteURL),
			fmt.Sprintf("git fetch --depth=%s origin %s || git fetch --depth=%s origin HEAD", fetchDepth, shellQuote(branch), fetchDepth),
			"git checkout -b " + shellQuote(branch) + " FETCH_HEAD",
			"git add -A",
			"git reset HEAD",
		}, "\n")
	} else {
		script = strings.Join([]string{
			"set -e",
			"cd " + m.cfg.WorkspaceDir,
			"git init",
			"git checkout -b " + shellQuote(branch),
			"git add -A",
			"git -c user.name=sandbox -c user.email=sandbox@localhost commit -m 'sandbox snapshot' --allow-empty",
		}, "\n")
	}

	if err := m.execUser(ctx, state.ContainerName, "sh", "-c", script); err != nil {
		return common.Wrap(common.KindProcess, "failed to reconstruct .git in sandbox", err)
	}
	return nil
}

func (m *Manager) execRoot(ctx context.Context, container string, cmd ...string) error {
	args := append([]string{"exec", container}, cmd...)
	_, err := m.run(ctx, procrun.Options{Timeout: startTimeout, SkipPool: true}, args...)
	return err
}

func (m *Manager) execUser(ctx context.Context, container string, cmd ...string) error {
	args := append([]string{"exec", "--user", sandboxUser, container}, cmd...)
	_, err := m.run(ctx, procrun.Options{Timeout: startTimeout, SkipPool: true}, args...)
	return err
}

// StopSandbox force-removes the request's container.
func (m *Manager) StopSandbox(ctx context.Context, requestID string) error {
	m.mu.Lock()
	state, ok := m.states[requestID]
	if ok {
		state.Status = StatusStopping
	}
	m.mu.Unlock()

	name := containerNamePrefix + requestID
	_, err := m.run(ctx, procrun.Options{AcceptNonZero: true, SkipPool: true}, "rm", "-f", name)

	m.mu.Lock()
	if state, ok := m.states[requestID]; ok {
		state.Status = StatusStopped
	}
	delete(m.states, requestID)
	m.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to remove sandbox %s: %w", name, err)
	}
	getLog().Info().Str("request_id", requestID).Msg("Sandbox stopped")
	return nil
}

// GetState returns the sandbox state for a request, if any.
func (m *Manager) GetState(requestID string) (*State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[requestID]
	return s, ok
}

// KillOrphans removes every container left over from previous runs. The
// name prefix is the only identity needed. Safe to call when podman is
// absent: startup must not fail on a missing container runtime.
func (m *Manager) KillOrphans(ctx context.Context) {
	res, err := m.run(ctx, procrun.Options{AcceptNonZero: true, SkipPool: true},
		"ps", "-a", "--filter", "name="+containerNamePrefix, "--format", "{{.Names}}")
	if err != nil || res.ExitCode != 0 {
		getLog().Debug().Msg("Orphan sweep skipped, podman unavailable")
		return
	}
	for _, name := range strings.Fields(res.Stdout) {
		if !strings.HasPrefix(name, containerNamePrefix) {
			continue
		}
		getLog().Warn().Str("container", name).Msg("Removing orphaned sandbox")
		_, _ = m.run(ctx, procrun.Options{AcceptNonZero: true, SkipPool: true}, "rm", "-f", name)
	}
}

// shellQuote single-quotes a value for the container-side shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
