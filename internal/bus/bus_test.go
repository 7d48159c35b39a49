// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

package bus

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()
	var got []Event
	timeout := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed after %d events, want %d", len(got), n)
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out after %d events, want %d", len(got), n)
		}
	}
	return got
}

func TestBus_PersistsOneLinePerEvent(t *testing.T) {
	dir := t.TempDir()
	b := New(dir)

	require.NoError(t, b.Publish(NewEvent("req-1", "pipeline.accepted", nil)))
	require.NoError(t, b.Publish(NewEvent("req-1", "pipeline.started", map[string]any{"branch": "feature/x"})))

	raw, err := os.ReadFile(filepath.Join(dir, "req-1.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"pipeline.accepted"`)
	assert.Contains(t, lines[1], `"pipeline.started"`)
}

func TestBus_SubscribeReplaysHistoryThenLive(t *testing.T) {
	b := New(t.TempDir())

	require.NoError(t, b.Publish(NewEvent("req-1", "e1", nil)))
	require.NoError(t, b.Publish(NewEvent("req-1", "e2", nil)))

	ch, cancel := b.Subscribe("req-1")
	defer cancel()

	require.NoError(t, b.Publish(NewEvent("req-1", "e3", nil)))

	got := collect(t, ch, 3)
	assert.Equal(t, "e1", got[0].EventType)
	assert.Equal(t, "e2", got[1].EventType)
	assert.Equal(t, "e3", got[2].EventType)
}

// A late subscriber must observe exactly the append order of the log, with
// no duplicates or gaps, even while the publisher is still running.
func TestBus_ReplayOrderMatchesAppendOrder(t *testing.T) {
	dir := t.TempDir()
	b := New(dir)

	const total = 200
	published := make(chan struct{})
	go func() {
		defer close(published)
		for i := 0; i < total; i++ {
			_ = b.Publish(NewEvent("req-1", fmt.Sprintf("e%03d", i), nil))
		}
	}()

	// Subscribe mid-stream.
	time.Sleep(5 * time.Millisecond)
	ch, cancel := b.Subscribe("req-1")
	defer cancel()
	<-published

	got := collect(t, ch, total)
	for i, ev := range got {
		assert.Equal(t, fmt.Sprintf("e%03d", i), ev.EventType)
	}

	history, err := b.History("req-1")
	require.NoError(t, err)
	require.Len(t, history, total)
	for i, ev := range history {
		assert.Equal(t, fmt.Sprintf("e%03d", i), ev.EventType)
	}
}

func TestBus_SubscribeFiltersByRequest(t *testing.T) {
	b := New(t.TempDir())

	ch, cancel := b.Subscribe("req-1")
	defer cancel()

	require.NoError(t, b.Publish(NewEvent("req-2", "other", nil)))
	require.NoError(t, b.Publish(NewEvent("req-1", "mine", nil)))

	got := collect(t, ch, 1)
	assert.Equal(t, "mine", got[0].EventType)
}

func TestBus_SubscribeAllSeesEveryRequest(t *testing.T) {
	b := New(t.TempDir())

	ch, cancel := b.SubscribeAll()
	defer cancel()

	require.NoError(t, b.Publish(NewEvent("req-1", "a", nil)))
	require.NoError(t, b.Publish(NewEvent("req-2", "b", nil)))

	got := collect(t, ch, 2)
	assert.Equal(t, "req-1", got[0].RequestID)
	assert.Equal(t, "req-2", got[1].RequestID)
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New(t.TempDir())

	ch, cancel := b.Subscribe("req-1")
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
}

func TestBus_HistoryMissingLogIsEmpty(t *testing.T) {
	b := New(t.TempDir())
	history, err := b.History("nope")
	require.NoError(t, err)
	assert.Empty(t, history)
}
