// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pipeline runs multi-agent QA jobs over git branches: one request
// per branch, classified by change size, executed inside a sandbox as a
// saga with lifecycle events on the bus.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/strandhq/strand/internal/fsm"
	"github.com/strandhq/strand/internal/logger"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetLogger("pipeline")
		log = &l
	})
	return log
}

// Request is one pipeline run. Mutable fields are guarded by mu; the status
// machine carries its own lock.
type Request struct {
	ID           string
	Branch       string
	WorktreePath string
	BaseBranch   string
	Metadata     map[string]string

	machine *fsm.Machine
	cancel  context.CancelFunc

	mu           sync.Mutex
	tier         string
	currentAgent string
	attempt      int
	errMsg       string
	createdAt    time.Time
	finishedAt   *time.Time
}

// View is the JSON projection of a request for status and list endpoints.
type View struct {
	RequestID    string            `json:"request_id"`
	Branch       string            `json:"branch"`
	WorktreePath string            `json:"worktree_path"`
	BaseBranch   string            `json:"base_branch,omitempty"`
	Status       string            `json:"status"`
	Tier         string            `json:"tier,omitempty"`
	CurrentAgent string            `json:"current_agent,omitempty"`
	Attempt      int               `json:"attempt,omitempty"`
	Error        string            `json:"error,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	FinishedAt   *time.Time        `json:"finished_at,omitempty"`
}

// Status returns the current pipeline state.
func (r *Request) Status() string {
	return r.machine.State()
}

// IsTerminal reports whether the request reached a final state.
func (r *Request) IsTerminal() bool {
	switch r.machine.State() {
	case fsm.PipelineApproved, fsm.PipelineFailed, fsm.PipelineError:
		return true
	}
	return false
}

// Snapshot captures the request for JSON rendering.
func (r *Request) Snapshot() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return View{
		RequestID:    r.ID,
		Branch:       r.Branch,
		WorktreePath: r.WorktreePath,
		BaseBranch:   r.BaseBranch,
		Status:       r.machine.State(),
		Tier:         r.tier,
		CurrentAgent: r.currentAgent,
		Attempt:      r.attempt,
		Error:        r.errMsg,
		Metadata:     r.Metadata,
		CreatedAt:    r.createdAt,
		FinishedAt:   r.finishedAt,
	}
}

func (r *Request) setTier(tier string) {
	r.mu.Lock()
	r.tier = tier
	r.mu.Unlock()
}

func (r *Request) setAgent(name string, attempt int) {
	r.mu.Lock()
	r.currentAgent = name
	r.attempt = attempt
	r.mu.Unlock()
}

func (r *Request) finish(errMsg string) {
	now := time.Now()
	r.mu.Lock()
	r.errMsg = errMsg
	r.currentAgent = ""
	r.finishedAt = &now
	r.mu.Unlock()
}
