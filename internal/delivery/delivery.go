// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package delivery forwards pipeline events to configured webhook
// endpoints. Failed deliveries land in the dead-letter queue and are
// retried on a background interval with exponential backoff.
package delivery

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/strandhq/strand/internal/bus"
	"github.com/strandhq/strand/internal/config"
	"github.com/strandhq/strand/internal/dlq"
	"github.com/strandhq/strand/internal/logger"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetLogger("delivery")
		log = &l
	})
	return log
}

const (
	signatureHeader = "X-Strand-Signature"
	eventHeader     = "X-Strand-Event"

	defaultTimeout = 10 * time.Second
	retryInterval  = 5 * time.Second
)

// Adapter posts events to one webhook endpoint.
type Adapter struct {
	name   string
	cfg    config.AdapterConf
	client *http.Client
}

// NewAdapter creates a webhook adapter from its config.
func NewAdapter(name string, cfg config.AdapterConf) *Adapter {
	timeout := defaultTimeout
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	return &Adapter{
		name:   name,
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

// Name returns the adapter's config key.
func (a *Adapter) Name() string { return a.name }

// Deliver posts one event. The body is the JSONL event object; when a
// secret is configured the HMAC-SHA256 of the body is sent as
// `sha256=<hex>` in the signature header.
func (a *Adapter) Deliver(ev bus.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, a.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(eventHeader, ev.EventType)
	if a.cfg.Secret != "" {
		req.Header.Set(signatureHeader, Sign(a.cfg.Secret, body))
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", a.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: unexpected status %d", a.name, resp.StatusCode)
	}
	return nil
}

// Sign computes the signature header value for a payload.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Dispatcher fans bus events out to every enabled adapter.
type Dispatcher struct {
	adapters []*Adapter
	bus      *bus.Bus
	queue    *dlq.Queue

	interval time.Duration
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewDispatcher builds a dispatcher over the enabled adapters.
func NewDispatcher(adapters map[string]config.AdapterConf, b *bus.Bus, queue *dlq.Queue) *Dispatcher {
	d := &Dispatcher{
		bus:      b,
		queue:    queue,
		interval: retryInterval,
		stop:     make(chan struct{}),
	}
	for name, cfg := range adapters {
		if !cfg.Enabled {
			continue
		}
		d.adapters = append(d.adapters, NewAdapter(name, cfg))
	}
	return d
}

// Start begins live dispatch and the retry driver. No-op without adapters.
func (d *Dispatcher) Start() {
	if len(d.adapters) == 0 {
		return
	}
	events, unsubscribe := d.bus.SubscribeAll()

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		defer unsubscribe()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				d.dispatch(ev)
			case <-d.stop:
				return
			}
		}
	}()
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.processRetries()
			case <-d.stop:
				return
			}
		}
	}()
}

// Stop halts dispatch and waits for in-flight work.
func (d *Dispatcher) Stop() {
	if len(d.adapters) == 0 {
		return
	}
	close(d.stop)
	d.wg.Wait()
}

// dispatch delivers one event to all adapters; failures go to the DLQ and
// never propagate.
func (d *Dispatcher) dispatch(ev bus.Event) {
	for _, adapter := range d.adapters {
		if err := adapter.Deliver(ev); err != nil {
			getLog().Warn().Err(err).
				Str("adapter", adapter.Name()).
				Str("request_id", ev.RequestID).
				Msg("Webhook delivery failed, queueing for retry")
			if qerr := d.queue.Enqueue(adapter.Name(), ev, err); qerr != nil {
				getLog().Error().Err(qerr).Str("adapter", adapter.Name()).Msg("Failed to enqueue DLQ entry")
			}
		}
	}
}

func (d *Dispatcher) processRetries() {
	for _, adapter := range d.adapters {
		stats, err := d.queue.ProcessRetries(adapter.Name(), adapter.Deliver)
		if err != nil {
			getLog().Error().Err(err).Str("adapter", adapter.Name()).Msg("DLQ retry pass failed")
			continue
		}
		if stats.Delivered > 0 || stats.Failed > 0 || stats.Exhausted > 0 {
			getLog().Info().
				Str("adapter", adapter.Name()).
				Int("delivered", stats.Delivered).
				Int("failed", stats.Failed).
				Int("exhausted", stats.Exhausted).
				Msg("DLQ retry pass")
		}
	}
}
