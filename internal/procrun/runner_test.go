// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

package procrun

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute_CapturesStdoutAndStderr(t *testing.T) {
	r := NewRunner(2, 0)

	res, err := r.Execute(context.Background(), "sh", []string{"-c", "echo out; echo err >&2"}, Options{})
	require.NoError(t, err)

	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Equal(t, 0, res.ExitCode)
}

func TestExecute_NonZeroExitIsExecError(t *testing.T) {
	r := NewRunner(2, 0)

	_, err := r.Execute(context.Background(), "sh", []string{"-c", "echo boom >&2; exit 3"}, Options{})
	require.Error(t, err)

	var ee *ExecError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 3, ee.ExitCode)
	assert.Contains(t, ee.Stderr, "boom")
	assert.False(t, ee.Timeout)
}

func TestExecute_AcceptNonZero(t *testing.T) {
	r := NewRunner(2, 0)

	res, err := r.Execute(context.Background(), "sh", []string{"-c", "exit 5"}, Options{AcceptNonZero: true})
	require.NoError(t, err)
	assert.Equal(t, 5, res.ExitCode)
}

func TestExecute_TimeoutCarriesPartialOutput(t *testing.T) {
	r := NewRunner(2, 0)

	_, err := r.Execute(context.Background(), "sh",
		[]string{"-c", "echo partial; sleep 10"},
		Options{Timeout: 200 * time.Millisecond})
	require.Error(t, err)

	var ee *ExecError
	require.ErrorAs(t, err, &ee)
	assert.True(t, ee.Timeout)
	assert.True(t, IsTimeout(err))
	assert.Contains(t, ee.Stdout, "partial")
}

func TestExecute_LargeOutputDoesNotDeadlock(t *testing.T) {
	r := NewRunner(2, 0)

	// Write well past the OS pipe buffer on both streams.
	res, err := r.Execute(context.Background(), "sh",
		[]string{"-c", "yes x | head -c 300000; yes y | head -c 300000 >&2"},
		Options{Timeout: 10 * time.Second})
	require.NoError(t, err)

	assert.Len(t, res.Stdout, 300000)
	assert.Len(t, res.Stderr, 300000)
}

func TestExecute_StdinIsPassed(t *testing.T) {
	r := NewRunner(2, 0)

	res, err := r.Execute(context.Background(), "cat", nil, Options{Stdin: []byte("hello")})
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Stdout)
}

func TestExecute_EnvOverlay(t *testing.T) {
	r := NewRunner(2, 0)

	res, err := r.Execute(context.Background(), "sh", []string{"-c", "printf %s \"$STRAND_TEST_VAR\""},
		Options{Env: map[string]string{"STRAND_TEST_VAR": "overlay"}})
	require.NoError(t, err)
	assert.Equal(t, "overlay", res.Stdout)
}

func TestExecute_PoolGatesConcurrency(t *testing.T) {
	r := NewRunner(1, 0)

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Execute(context.Background(), "sh", []string{"-c", "sleep 0.2"}, Options{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Three 200 ms sleeps through a pool of one must serialize.
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
}

func TestExecute_SkipPoolBypassesGate(t *testing.T) {
	r := NewRunner(1, 0)

	// Occupy the single slot.
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.Execute(context.Background(), "sh", []string{"-c", "sleep 0.5"}, Options{})
		close(release)
	}()

	// SkipPool call completes without waiting for the slot.
	start := time.Now()
	_, err := r.Execute(context.Background(), "true", nil, Options{SkipPool: true})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 400*time.Millisecond)

	wg.Wait()
	<-release
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "git status --porcelain", commandString("git", []string{"status", "--porcelain"}))
	assert.Equal(t, "true", commandString("true", nil))
	assert.True(t, strings.HasPrefix(commandString("git", []string{"log"}), "git "))
}
