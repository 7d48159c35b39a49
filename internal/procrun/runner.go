// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package procrun runs external processes (git, gh, podman, agent CLIs) with
// concurrent stream capture, timeouts, and a global concurrency pool.
package procrun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/strandhq/strand/internal/logger"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetLogger("process")
		log = &l
	})
	return log
}

// DefaultTimeout applies when Options.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// Options controls a single Execute call.
type Options struct {
	Cwd     string
	Env     map[string]string // overlay on top of the process environment
	Stdin   []byte
	Timeout time.Duration
	// RejectOnNonZero makes a non-zero exit an *ExecError. Set
	// AcceptNonZero to inspect exit codes yourself.
	AcceptNonZero bool
	// SkipPool bypasses the global concurrency gate. Use only for
	// single-shot critical operations where queuing could deadlock.
	SkipPool bool
}

// Result carries the captured output of a finished process.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ExecError is the only error type surfaced for a failed child process.
type ExecError struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Cmd      string
	Timeout  bool
}

func (e *ExecError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("command timed out: %s", e.Cmd)
	}
	return fmt.Sprintf("command failed with exit code %d: %s: %s", e.ExitCode, e.Cmd, firstLine(e.Stderr))
}

// IsTimeout reports whether err is a process timeout.
func IsTimeout(err error) bool {
	var ee *ExecError
	return errors.As(err, &ee) && ee.Timeout
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Runner executes child processes behind a fixed-size pool.
type Runner struct {
	pool    chan struct{}
	timeout time.Duration
}

// NewRunner creates a Runner with the given pool size and default timeout.
// Zero values fall back to 6 and DefaultTimeout.
func NewRunner(poolSize int, defaultTimeout time.Duration) *Runner {
	if poolSize <= 0 {
		poolSize = 6
	}
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Runner{
		pool:    make(chan struct{}, poolSize),
		timeout: defaultTimeout,
	}
}

// Execute runs command with args and returns its captured output.
// Stdout and stderr are drained concurrently with the exit wait, so a
// process that fills a pipe buffer after closing the other never deadlocks
// and output is never truncated.
func (r *Runner) Execute(ctx context.Context, command string, args []string, opts Options) (*Result, error) {
	if !opts.SkipPool {
		select {
		case r.pool <- struct{}{}:
			defer func() { <-r.pool }()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, command, args...)
	if opts.Cwd != "" {
		cmd.Dir = opts.Cwd
	}
	if len(opts.Env) > 0 {
		env := os.Environ()
		for k, v := range opts.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}
	if len(opts.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(opts.Stdin)
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	cmdString := commandString(command, args)
	getLog().Debug().Str("cmd", cmdString).Str("cwd", opts.Cwd).Msg("Executing process")

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", command, err)
	}

	var stdout, stderr bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(&stdout, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&stderr, stderrPipe)
	}()
	wg.Wait()

	waitErr := cmd.Wait()

	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: cmd.ProcessState.ExitCode(),
	}

	if ctx.Err() == context.DeadlineExceeded {
		return nil, &ExecError{
			ExitCode: result.ExitCode,
			Stdout:   result.Stdout,
			Stderr:   result.Stderr,
			Cmd:      cmdString,
			Timeout:  true,
		}
	}

	if waitErr != nil && !opts.AcceptNonZero {
		return nil, &ExecError{
			ExitCode: result.ExitCode,
			Stdout:   result.Stdout,
			Stderr:   result.Stderr,
			Cmd:      cmdString,
		}
	}

	return result, nil
}

// commandString renders a command line for error messages, eliding nothing:
// callers must never pass secrets as arguments.
func commandString(command string, args []string) string {
	if len(args) == 0 {
		return command
	}
	return command + " " + strings.Join(args, " ")
}
