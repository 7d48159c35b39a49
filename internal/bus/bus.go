// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package bus is the in-process pipeline event bus. Every published event is
// appended to a per-request JSONL log; subscribers for a request receive the
// log's history first, then live events, in write order.
package bus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/strandhq/strand/internal/logger"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetLogger("events")
		log = &l
	})
	return log
}

// Event is one pipeline lifecycle event. Serialized as a single JSONL line.
type Event struct {
	EventType string         `json:"event_type"`
	RequestID string         `json:"request_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(requestID, eventType string, data map[string]any) Event {
	return Event{
		EventType: eventType,
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// subscriber buffers events between the publishing goroutine and the
// consumer. The pending slice preserves publish order; the pump goroutine
// drains it into the out channel so Publish never blocks on a slow reader.
type subscriber struct {
	id        string
	requestID string // empty means all requests

	mu      sync.Mutex
	pending []Event
	wake    chan struct{}
	closed  bool

	out chan Event
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		closed := s.closed
		s.mu.Unlock()

		for _, ev := range batch {
			s.out <- ev
		}
		if closed {
			return
		}
		<-s.wake
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Bus persists and fans out pipeline events.
type Bus struct {
	dir string

	mu   sync.Mutex
	subs map[string]*subscriber

	// fileMu serializes appends and snapshot reads per request log.
	fileMuMu sync.Mutex
	fileMu   map[string]*sync.Mutex
}

// New creates a bus persisting logs under dir. The directory is created on
// first publish.
func New(dir string) *Bus {
	return &Bus{
		dir:    dir,
		subs:   make(map[string]*subscriber),
		fileMu: make(map[string]*sync.Mutex),
	}
}

func (b *Bus) lockFor(requestID string) *sync.Mutex {
	b.fileMuMu.Lock()
	defer b.fileMuMu.Unlock()
	mu, ok := b.fileMu[requestID]
	if !ok {
		mu = &sync.Mutex{}
		b.fileMu[requestID] = mu
	}
	return mu
}

func (b *Bus) logPath(requestID string) string {
	return filepath.Join(b.dir, requestID+".jsonl")
}

// Publish appends the event to its request log and delivers it to live
// subscribers. The append and the fan-out happen under the request's file
// lock so a concurrent subscriber sees each event exactly once, either in
// the replayed history or live.
func (b *Bus) Publish(ev Event) error {
	mu := b.lockFor(ev.RequestID)
	mu.Lock()
	defer mu.Unlock()

	if err := b.append(ev); err != nil {
		getLog().Error().Err(err).Str("request_id", ev.RequestID).
			Str("event_type", ev.EventType).Msg("Failed to persist event")
		return err
	}

	b.mu.Lock()
	for _, sub := range b.subs {
		if sub.requestID == "" || sub.requestID == ev.RequestID {
			sub.push(ev)
		}
	}
	b.mu.Unlock()
	return nil
}

func (b *Bus) append(ev Event) error {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return fmt.Errorf("create event dir: %w", err)
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	f, err := os.OpenFile(b.logPath(ev.RequestID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// History returns a snapshot of the request's persisted events in write
// order. A missing log yields an empty slice.
func (b *Bus) History(requestID string) ([]Event, error) {
	mu := b.lockFor(requestID)
	mu.Lock()
	defer mu.Unlock()
	return b.readLog(requestID)
}

func (b *Bus) readLog(requestID string) ([]Event, error) {
	f, err := os.Open(b.logPath(requestID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			getLog().Warn().Err(err).Str("request_id", requestID).Msg("Skipping malformed event line")
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("read event log: %w", err)
	}
	return events, nil
}

// Subscribe returns a channel of the request's events, history first, then
// live, and an unsubscribe function. The channel closes after unsubscribe.
func (b *Bus) Subscribe(requestID string) (<-chan Event, func()) {
	sub := &subscriber{
		id:        uuid.NewString(),
		requestID: requestID,
		wake:      make(chan struct{}, 1),
		out:       make(chan Event, 64),
	}

	// Registration happens under the file lock: history read here plus
	// live pushes after it cover exactly the append order.
	mu := b.lockFor(requestID)
	mu.Lock()
	history, err := b.readLog(requestID)
	if err != nil {
		getLog().Warn().Err(err).Str("request_id", requestID).Msg("Event replay truncated")
	}
	sub.pending = append(sub.pending, history...)
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	mu.Unlock()

	go sub.pump()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, sub.id)
		b.mu.Unlock()
		sub.close()
	}
	return sub.out, cancel
}

// SubscribeAll returns a live feed of every published event with no replay,
// for delivery fan-out.
func (b *Bus) SubscribeAll() (<-chan Event, func()) {
	sub := &subscriber{
		id:   uuid.NewString(),
		wake: make(chan struct{}, 1),
		out:  make(chan Event, 64),
	}
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.pump()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, sub.id)
		b.mu.Unlock()
		sub.close()
	}
	return sub.out, cancel
}
