// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package dlq is the file-backed dead-letter queue for outbound webhook
// events. Each adapter gets a directory; each undelivered request is one
// <requestId>.jsonl file holding a single JSON entry, replaced atomically on
// every retry bookkeeping update.
package dlq

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/strandhq/strand/internal/bus"
	"github.com/strandhq/strand/internal/config"
	"github.com/strandhq/strand/internal/logger"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetLogger("dlq")
		log = &l
	})
	return log
}

// Entry is the persisted record for one undelivered event.
type Entry struct {
	Event       bus.Event `json:"event"`
	Error       string    `json:"error"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	RetryCount  int       `json:"retry_count"`
	NextRetryAt time.Time `json:"next_retry_at"`
	LastError   string    `json:"last_error,omitempty"`
}

// DeliverFunc attempts delivery of an event. A nil return resolves the
// entry; an error schedules the next retry.
type DeliverFunc func(event bus.Event) error

// Stats summarizes one ProcessRetries pass.
type Stats struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Exhausted int `json:"exhausted"`
}

// Queue is the dead-letter store. Retries within an adapter run one file at
// a time; delivery must tolerate at-least-once.
type Queue struct {
	cfg config.DLQConfig
	mu  sync.Mutex
	now func() time.Time
}

// New creates a queue with the given resilience settings.
func New(cfg config.DLQConfig) *Queue {
	return &Queue{cfg: cfg, now: time.Now}
}

func (q *Queue) adapterDir(adapter string) string {
	return filepath.Join(q.cfg.Path, adapter)
}

func (q *Queue) entryPath(adapter, requestID string) string {
	return filepath.Join(q.adapterDir(adapter), requestID+".jsonl")
}

// Enqueue records a failed delivery for later retry. A disabled queue drops
// the event silently.
func (q *Queue) Enqueue(adapter string, event bus.Event, cause error) error {
	if !q.cfg.Enabled {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	entry := Entry{
		Event:       event,
		Error:       cause.Error(),
		EnqueuedAt:  now,
		RetryCount:  0,
		NextRetryAt: now.Add(q.cfg.BaseDelay()),
	}
	if err := q.writeEntry(adapter, event.RequestID, entry); err != nil {
		return err
	}
	getLog().Warn().
		Str("adapter", adapter).
		Str("request_id", event.RequestID).
		Str("event_type", event.EventType).
		Msg("Event moved to dead-letter queue")
	return nil
}

// GetPending returns the current entry of every file in the adapter's
// directory, ordered by request id.
func (q *Queue) GetPending(adapter string) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	files, err := q.listFiles(adapter)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(files))
	for _, path := range files {
		entry, err := readEntry(path)
		if err != nil {
			getLog().Warn().Err(err).Str("file", path).Msg("Skipping unreadable DLQ entry")
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ProcessRetries walks the adapter's due entries. An entry whose retry
// budget is spent is deleted without invoking deliver. Otherwise deliver
// runs once: success deletes the file, failure reschedules it with
// exponential backoff.
func (q *Queue) ProcessRetries(adapter string, deliver DeliverFunc) (Stats, error) {
	if !q.cfg.Enabled {
		return Stats{}, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	files, err := q.listFiles(adapter)
	if err != nil {
		return Stats{}, err
	}

	var stats Stats
	for _, path := range files {
		entry, err := readEntry(path)
		if err != nil {
			getLog().Warn().Err(err).Str("file", path).Msg("Skipping unreadable DLQ entry")
			continue
		}
		now := q.now()
		if entry.NextRetryAt.After(now) {
			continue
		}

		requestID := entry.Event.RequestID

		if entry.RetryCount >= q.cfg.MaxRetries {
			if err := os.Remove(path); err != nil {
				getLog().Error().Err(err).Str("file", path).Msg("Failed to remove exhausted DLQ entry")
				continue
			}
			stats.Exhausted++
			getLog().Error().
				Str("adapter", adapter).
				Str("request_id", requestID).
				Int("retry_count", entry.RetryCount).
				Msg("DLQ entry exhausted, dropping")
			continue
		}

		if err := deliver(entry.Event); err != nil {
			entry.RetryCount++
			backoff := time.Duration(float64(q.cfg.BaseDelay()) * math.Pow(q.cfg.BackoffFactor, float64(entry.RetryCount)))
			entry.NextRetryAt = now.Add(backoff)
			entry.LastError = err.Error()
			if werr := q.writeEntry(adapter, requestID, entry); werr != nil {
				getLog().Error().Err(werr).Str("file", path).Msg("Failed to update DLQ entry")
				continue
			}
			stats.Failed++
			getLog().Warn().
				Str("adapter", adapter).
				Str("request_id", requestID).
				Int("retry_count", entry.RetryCount).
				Dur("backoff", backoff).
				Msg("DLQ retry failed")
			continue
		}

		if err := os.Remove(path); err != nil {
			getLog().Error().Err(err).Str("file", path).Msg("Failed to remove delivered DLQ entry")
			continue
		}
		stats.Delivered++
		getLog().Info().
			Str("adapter", adapter).
			Str("request_id", requestID).
			Msg("DLQ entry delivered")
	}
	return stats, nil
}

func (q *Queue) listFiles(adapter string) ([]string, error) {
	dir := q.adapterDir(adapter)
	dirents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read DLQ dir: %w", err)
	}
	var files []string
	for _, d := range dirents {
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".jsonl") {
			continue
		}
		files = append(files, filepath.Join(dir, d.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// writeEntry replaces the entry file atomically: write a sibling temp file,
// then rename over the target.
func (q *Queue) writeEntry(adapter, requestID string, entry Entry) error {
	dir := q.adapterDir(adapter)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create DLQ dir: %w", err)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal DLQ entry: %w", err)
	}
	tmp, err := os.CreateTemp(dir, requestID+".tmp-*")
	if err != nil {
		return fmt.Errorf("create DLQ temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write DLQ entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close DLQ temp file: %w", err)
	}
	if err := os.Rename(tmpName, q.entryPath(adapter, requestID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace DLQ entry: %w", err)
	}
	return nil
}

// readEntry parses the last JSON line of an entry file. Normally the file
// has exactly one line; older multi-line files resolve to their latest
// record.
func readEntry(path string) (Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return Entry{}, err
	}
	defer f.Close()

	var last []byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		last = append(last[:0], line...)
	}
	if err := scanner.Err(); err != nil {
		return Entry{}, err
	}
	if len(last) == 0 {
		return Entry{}, fmt.Errorf("empty DLQ entry file %s", path)
	}
	var entry Entry
	if err := json.Unmarshal(last, &entry); err != nil {
		return Entry{}, fmt.Errorf("parse DLQ entry: %w", err)
	}
	return entry, nil
}
