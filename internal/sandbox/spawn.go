// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

package sandbox

import (
	"context"
	"os/exec"
	"strings"

	"github.com/strandhq/strand/internal/common"
)

// SpawnFunc builds a command ready to start. The agent runtime uses it as
// its process-spawn hook, so a sandboxed pipeline run executes the agent CLI
// inside the container without the caller knowing.
type SpawnFunc func(ctx context.Context, command string, args []string, cwd string, env map[string]string) (*exec.Cmd, error)

// hostOnlyEnv lists variables that must not leak into the container: they
// carry host paths or host shell state.
var hostOnlyEnv = map[string]bool{
	"PATH":    true,
	"SHELL":   true,
	"APPDATA": true,
	"HOME":    true,
	"TMPDIR":  true,
	"TEMP":    true,
	"TMP":     true,
}

// CreateSpawnFunc returns the spawn hook for a request's container. The hook
// rewrites SDK paths to their in-container mount, filters host-only
// environment, and runs the command via podman exec as the sandbox user.
// Cancelling the context kills the exec and with it the in-container
// process.
func (m *Manager) CreateSpawnFunc(requestID string) (SpawnFunc, error) {
	bin, err := m.podman()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	state, ok := m.states[requestID]
	m.mu.Unlock()
	if !ok {
		return nil, common.Ef(common.KindNotFound, "no sandbox for request %s", requestID)
	}
	containerName := state.ContainerName
	hostSDKPath := m.cfg.HostSDKPath
	workspaceDir := m.cfg.WorkspaceDir

	return func(ctx context.Context, command string, args []string, cwd string, env map[string]string) (*exec.Cmd, error) {
		command = rewriteSDKPath(command, hostSDKPath)
		rewritten := make([]string, len(args))
		for i, a := range args {
			rewritten[i] = rewriteSDKPath(a, hostSDKPath)
		}
		if cwd == "" || strings.HasPrefix(cwd, state.WorktreePath) {
			cwd = workspaceDir
		}

		execArgs := []string{"exec", "-i", "--user", sandboxUser, "-w", cwd}
		for _, kv := range filterSandboxEnv(env) {
			execArgs = append(execArgs, "-e", kv)
		}
		execArgs = append(execArgs, containerName, command)
		execArgs = append(execArgs, rewritten...)

		return exec.CommandContext(ctx, bin, execArgs...), nil
	}, nil
}

// rewriteSDKPath maps any argument referencing the host SDK checkout to its
// read-only mount inside the container.
func rewriteSDKPath(arg, hostSDKPath string) string {
	if hostSDKPath == "" {
		return arg
	}
	return strings.ReplaceAll(arg, hostSDKPath, sdkMount)
}

// filterSandboxEnv drops host-only variables and pins HOME and temp dirs to
// container paths. Returned as KEY=VALUE pairs for podman -e flags.
func filterSandboxEnv(env map[string]string) []string {
	out := make([]string, 0, len(env)+2)
	for k, v := range env {
		if hostOnlyEnv[k] || strings.HasPrefix(k, "NVM_") {
			continue
		}
		out = append(out, k+"="+v)
	}
	out = append(out, "HOME="+sandboxHome, "TMPDIR=/tmp")
	return out
}
