// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/rs/zerolog"

	"github.com/strandhq/strand/internal/logger"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetLogger("agent")
		log = &l
	})
	return log
}

// SpawnFunc builds the agent subprocess. The default spawns on the host;
// sandboxed pipeline runs supply a hook that redirects into the container.
type SpawnFunc func(ctx context.Context, command string, args []string, cwd string, env map[string]string) (*exec.Cmd, error)

// HostSpawn is the default spawn hook: a plain host process.
func HostSpawn(ctx context.Context, command string, args []string, cwd string, env map[string]string) (*exec.Cmd, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = cwd
	if len(env) > 0 {
		cmd.Env = cmd.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	return cmd, nil
}

// Callbacks receive the process's normalized stream.
type Callbacks struct {
	OnMessage func(msg *CLIMessage)
	OnError   func(err error)
	OnExit    func(exitCode int)
}

// Process is one live agent subprocess with its stream pumps.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	cancel context.CancelFunc

	mu       sync.Mutex
	exited   bool
	exitCode int
	done     chan struct{}
}

// Start spawns the provider CLI and begins pumping its streams. Stdout and
// stderr are read on separate goroutines so neither pipe can fill and
// deadlock the child.
func Start(ctx context.Context, spawn SpawnFunc, provider Provider, opts StartOptions, cb Callbacks) (*Process, error) {
	command, args, err := provider.Command(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare %s command: %w", provider.Name(), err)
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd, err := spawn(ctx, command, args, opts.Cwd, opts.Env)
	if err != nil {
		cancel()
		return nil, err
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start %s: %w", provider.Name(), err)
	}
	getLog().Info().
		Str("provider", provider.Name()).
		Str("thread_id", opts.ThreadID).
		Int("pid", cmd.Process.Pid).
		Msg("Agent process started")

	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	var pumps sync.WaitGroup
	pumps.Add(2)

	go func() {
		defer pumps.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			msg, err := ParseCLIMessage(scanner.Bytes())
			if err != nil {
				if cb.OnError != nil {
					cb.OnError(err)
				}
				continue
			}
			if msg != nil && cb.OnMessage != nil {
				cb.OnMessage(msg)
			}
		}
	}()

	go func() {
		defer pumps.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			getLog().Debug().Str("thread_id", opts.ThreadID).Str("stderr", line).Msg("Agent stderr")
		}
	}()

	go func() {
		pumps.Wait()
		err := cmd.Wait()
		code := cmd.ProcessState.ExitCode()
		p.mu.Lock()
		p.exited = true
		p.exitCode = code
		p.mu.Unlock()
		close(p.done)
		if err != nil && code != 0 {
			getLog().Warn().Str("thread_id", opts.ThreadID).Int("exit_code", code).Msg("Agent process exited non-zero")
		}
		if cb.OnExit != nil {
			cb.OnExit(code)
		}
	}()

	return p, nil
}

// Alive reports whether the process is still running.
func (p *Process) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exited
}

// Kill cancels the process and waits for its exit handler to run.
func (p *Process) Kill() {
	p.cancel()
	<-p.done
}

// Done returns a channel closed when the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// SendControlResponse answers a held control_request over stdin.
func (p *Process) SendControlResponse(requestID string, response map[string]any) error {
	frame := map[string]any{
		"type":       "control_response",
		"request_id": requestID,
		"response":   response,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal control response: %w", err)
	}
	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write control response: %w", err)
	}
	return nil
}
