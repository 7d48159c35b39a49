// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

package dlq

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandhq/strand/internal/bus"
	"github.com/strandhq/strand/internal/config"
)

func testQueue(t *testing.T) (*Queue, *time.Time) {
	t.Helper()
	cfg := config.DLQConfig{
		Enabled:       true,
		Path:          t.TempDir(),
		MaxRetries:    5,
		BaseDelayMs:   100,
		BackoffFactor: 2,
	}
	q := New(cfg)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }
	return q, &now
}

func event(requestID string) bus.Event {
	return bus.Event{
		EventType: "pipeline.completed",
		RequestID: requestID,
		Timestamp: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
		Data:      map[string]any{"branch": "feature/x"},
	}
}

func TestEnqueue_WritesSingleLineEntry(t *testing.T) {
	q, now := testQueue(t)

	require.NoError(t, q.Enqueue("webhook", event("req-1"), errors.New("connection refused")))

	entries, err := q.GetPending("webhook")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	e := entries[0]
	assert.Equal(t, "connection refused", e.Error)
	assert.Equal(t, 0, e.RetryCount)
	assert.True(t, e.EnqueuedAt.Equal(*now))
	assert.True(t, e.NextRetryAt.Equal(now.Add(100*time.Millisecond)))
	assert.Equal(t, "req-1", e.Event.RequestID)
}

func TestEnqueue_DisabledIsNoOp(t *testing.T) {
	dir := t.TempDir()
	q := New(config.DLQConfig{Enabled: false, Path: dir})

	require.NoError(t, q.Enqueue("webhook", event("req-1"), errors.New("boom")))

	_, err := os.Stat(filepath.Join(dir, "webhook"))
	assert.True(t, os.IsNotExist(err))
}

func TestProcessRetries_FailureReschedulesWithBackoff(t *testing.T) {
	q, now := testQueue(t)
	require.NoError(t, q.Enqueue("webhook", event("req-1"), errors.New("first failure")))

	*now = now.Add(150 * time.Millisecond) // past next_retry_at

	stats, err := q.ProcessRetries("webhook", func(ev bus.Event) error {
		return errors.New("still down")
	})
	require.NoError(t, err)
	assert.Equal(t, Stats{Failed: 1}, stats)

	entries, err := q.GetPending("webhook")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, 1, e.RetryCount)
	assert.Equal(t, "still down", e.LastError)
	// base_delay × factor^1 = 200ms
	assert.True(t, e.NextRetryAt.Equal(now.Add(200*time.Millisecond)))
}

// Every retry failure pushes next_retry_at out by at least
// base_delay × backoff_factor^retry_count from the processing time.
func TestProcessRetries_MonotonicBackoff(t *testing.T) {
	q, now := testQueue(t)
	require.NoError(t, q.Enqueue("webhook", event("req-1"), errors.New("down")))

	for attempt := 1; attempt <= 5; attempt++ {
		entries, err := q.GetPending("webhook")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		*now = entries[0].NextRetryAt

		stats, err := q.ProcessRetries("webhook", func(bus.Event) error {
			return errors.New("down")
		})
		require.NoError(t, err)
		require.Equal(t, Stats{Failed: 1}, stats)

		entries, err = q.GetPending("webhook")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		e := entries[0]
		assert.Equal(t, attempt, e.RetryCount)

		want := time.Duration(float64(100*time.Millisecond) * pow(2, attempt))
		assert.GreaterOrEqual(t, e.NextRetryAt.Sub(*now), want)
	}
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}

func TestProcessRetries_NotDueEntriesUntouched(t *testing.T) {
	q, _ := testQueue(t)
	require.NoError(t, q.Enqueue("webhook", event("req-1"), errors.New("down")))

	called := false
	stats, err := q.ProcessRetries("webhook", func(bus.Event) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
	assert.False(t, called)
}

// S1: a deliverFn that succeeds on the third attempt resolves the entry and
// removes its file.
func TestProcessRetries_EventualDelivery(t *testing.T) {
	q, now := testQueue(t)
	require.NoError(t, q.Enqueue("webhook", event("req-1"), errors.New("down")))

	attempts := 0
	deliver := func(bus.Event) error {
		attempts++
		if attempts < 3 {
			return errors.New("down")
		}
		return nil
	}

	var last Stats
	for i := 0; i < 3; i++ {
		entries, err := q.GetPending("webhook")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		*now = entries[0].NextRetryAt

		last, err = q.ProcessRetries("webhook", deliver)
		require.NoError(t, err)
	}

	assert.Equal(t, Stats{Delivered: 1}, last)
	assert.Equal(t, 3, attempts)

	entries, err := q.GetPending("webhook")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// S2: an entry whose retry budget is spent is deleted without calling the
// delivery function.
func TestProcessRetries_ExhaustionSkipsDelivery(t *testing.T) {
	cfg := config.DLQConfig{
		Enabled:       true,
		Path:          t.TempDir(),
		MaxRetries:    2,
		BaseDelayMs:   100,
		BackoffFactor: 2,
	}
	q := New(cfg)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	entry := Entry{
		Event:       event("req-1"),
		Error:       "down",
		EnqueuedAt:  now.Add(-time.Hour),
		RetryCount:  2,
		NextRetryAt: now.Add(-time.Minute),
	}
	require.NoError(t, q.writeEntry("webhook", "req-1", entry))

	stats, err := q.ProcessRetries("webhook", func(bus.Event) error {
		t.Fatal("deliverFn must not be called for exhausted entries")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, Stats{Exhausted: 1}, stats)

	_, statErr := os.Stat(q.entryPath("webhook", "req-1"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestWriteEntry_ReplacesAtomically(t *testing.T) {
	q, _ := testQueue(t)
	require.NoError(t, q.Enqueue("webhook", event("req-1"), errors.New("v1")))
	require.NoError(t, q.Enqueue("webhook", event("req-1"), errors.New("v2")))

	// Still a single one-line file, holding the latest write.
	dirents, err := os.ReadDir(q.adapterDir("webhook"))
	require.NoError(t, err)
	require.Len(t, dirents, 1)

	entries, err := q.GetPending("webhook")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "v2", entries[0].Error)
}

func TestProcessRetries_DisabledIsNoOp(t *testing.T) {
	q := New(config.DLQConfig{Enabled: false, Path: t.TempDir()})
	stats, err := q.ProcessRetries("webhook", func(bus.Event) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}
