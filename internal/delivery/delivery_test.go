// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

package delivery

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandhq/strand/internal/bus"
	"github.com/strandhq/strand/internal/config"
	"github.com/strandhq/strand/internal/dlq"
)

type capture struct {
	mu        sync.Mutex
	bodies    [][]byte
	signature string
	eventType string
}

func captureServer(t *testing.T, c *capture, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.signature = r.Header.Get(signatureHeader)
		c.eventType = r.Header.Get(eventHeader)
		c.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func testDLQ(t *testing.T) *dlq.Queue {
	t.Helper()
	return dlq.New(config.DLQConfig{
		Enabled:       true,
		Path:          t.TempDir(),
		MaxRetries:    5,
		BaseDelayMs:   1,
		BackoffFactor: 2,
	})
}

func TestAdapter_DeliverSignsPayload(t *testing.T) {
	c := &capture{}
	srv := captureServer(t, c, http.StatusOK)
	adapter := NewAdapter("slack", config.AdapterConf{URL: srv.URL, Secret: "s3cret"})

	ev := bus.NewEvent("req-1", "completed", map[string]any{"tier": "small"})
	require.NoError(t, adapter.Deliver(ev))

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.bodies, 1)
	assert.Equal(t, Sign("s3cret", c.bodies[0]), c.signature)
	assert.Equal(t, "completed", c.eventType)

	var got bus.Event
	require.NoError(t, json.Unmarshal(c.bodies[0], &got))
	assert.Equal(t, "req-1", got.RequestID)
	assert.Equal(t, "completed", got.EventType)
}

func TestAdapter_NoSecretNoSignature(t *testing.T) {
	c := &capture{}
	srv := captureServer(t, c, http.StatusOK)
	adapter := NewAdapter("hook", config.AdapterConf{URL: srv.URL})

	require.NoError(t, adapter.Deliver(bus.NewEvent("req-1", "started", nil)))
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.signature)
}

func TestAdapter_Non2xxFails(t *testing.T) {
	c := &capture{}
	srv := captureServer(t, c, http.StatusBadGateway)
	adapter := NewAdapter("hook", config.AdapterConf{URL: srv.URL})

	err := adapter.Deliver(bus.NewEvent("req-1", "started", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestDispatcher_FailedDeliveryEntersDLQ(t *testing.T) {
	c := &capture{}
	srv := captureServer(t, c, http.StatusInternalServerError)
	b := bus.New(t.TempDir())
	queue := testDLQ(t)

	d := NewDispatcher(map[string]config.AdapterConf{
		"hook":     {Enabled: true, URL: srv.URL},
		"disabled": {Enabled: false, URL: "http://ignored.invalid"},
	}, b, queue)
	require.Len(t, d.adapters, 1)

	d.Start()
	t.Cleanup(d.Stop)

	require.NoError(t, b.Publish(bus.NewEvent("req-1", "failed", nil)))

	require.Eventually(t, func() bool {
		pending, err := queue.GetPending("hook")
		return err == nil && len(pending) == 1
	}, 5*time.Second, 10*time.Millisecond)

	pending, err := queue.GetPending("hook")
	require.NoError(t, err)
	assert.Equal(t, "req-1", pending[0].Event.RequestID)
	assert.Zero(t, pending[0].RetryCount)
}

func TestDispatcher_RetryDriverDrainsDLQ(t *testing.T) {
	c := &capture{}
	srv := captureServer(t, c, http.StatusOK)
	b := bus.New(t.TempDir())
	queue := testDLQ(t)

	d := NewDispatcher(map[string]config.AdapterConf{
		"hook": {Enabled: true, URL: srv.URL},
	}, b, queue)
	d.interval = 10 * time.Millisecond

	// A leftover entry from a previous outage.
	require.NoError(t, queue.Enqueue("hook", bus.NewEvent("req-9", "completed", nil), assert.AnError))

	d.Start()
	t.Cleanup(d.Stop)

	require.Eventually(t, func() bool {
		pending, err := queue.GetPending("hook")
		return err == nil && len(pending) == 0 && c.count() >= 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSign_Deterministic(t *testing.T) {
	a := Sign("key", []byte("payload"))
	b := Sign("key", []byte("payload"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, Sign("other", []byte("payload")))
	assert.Contains(t, a, "sha256=")
}
