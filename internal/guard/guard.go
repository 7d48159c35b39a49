// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package guard enforces at most one active pipeline per branch with a
// process-wide branch → requestId registry.
package guard

import (
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
		l := logger.GetLogger("pipeline")
		log = &l
	})
	return log
}

// LivenessChecker answers whether a previously registered request still has
// live runner state. The pipeline runner implements it.
type LivenessChecker interface {
	IsLive(requestID string) bool
}

// CheckResult is the outcome of a duplicate check.
type CheckResult struct {
	IsDuplicate       bool
	ExistingRequestID string
}

// Guard is the idempotency registry. All mutations are serialized behind a
// single mutex.
type Guard struct {
	mu       sync.Mutex
	byBranch map[string]string
}

// New creates an empty guard.
func New() *Guard {
	return &Guard{byBranch: make(map[string]string)}
}

// Check reports whether a request is already registered for branch.
func (g *Guard) Check(branch string) CheckResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	if id, ok := g.byBranch[branch]; ok {
		return CheckResult{IsDuplicate: true, ExistingRequestID: id}
	}
	return CheckResult{}
}

// Register reserves branch for requestID. Returns false when the branch is
// already held by a different request.
func (g *Guard) Register(branch, requestID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.byBranch[branch]; ok && existing != requestID {
		return false
	}
	g.byBranch[branch] = requestID
	return true
}

// Release frees the reservation for branch.
func (g *Guard) Release(branch string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.byBranch, branch)
}

// Acquire atomically resolves a reservation for branch. When a duplicate is
// found, the live set is cross-checked: a registered request with no live
// runner state is a leftover from a crash, so the stale entry is released
// and the new request registered. Returns the final check result; callers
// proceed only when IsDuplicate is false.
func (g *Guard) Acquire(branch, requestID string, live LivenessChecker) CheckResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.byBranch[branch]; ok {
		if live != nil && !live.IsLive(existing) {
			getLog().Warn().
				Str("branch", branch).
				Str("stale_request_id", existing).
				Msg("Releasing stale idempotency reservation")
			delete(g.byBranch, branch)
		} else {
			return CheckResult{IsDuplicate: true, ExistingRequestID: existing}
		}
	}

	g.byBranch[branch] = requestID
	return CheckResult{}
}
