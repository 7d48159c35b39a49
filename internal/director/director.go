// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package director integrates approved pipeline branches into the target
// branch on a background interval: rebase-first merges, a conflict
// resolution agent, and branch-lifecycle bookkeeping.
package director

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/strandhq/strand/internal/agent"
	"github.com/strandhq/strand/internal/common"
	"github.com/strandhq/strand/internal/config"
	"github.com/strandhq/strand/internal/fsm"
	"github.com/strandhq/strand/internal/gitops"
	"github.com/strandhq/strand/internal/logger"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetLogger("director")
		log = &l
	})
	return log
}

// Notification event types.
const (
	EventMerged         = "director.merged"
	EventConflict       = "director.conflict"
	EventNeedsAttention = "director.needs_attention"
)

// NotifyFunc receives director lifecycle notifications.
type NotifyFunc func(eventType, branch string, data map[string]any)

// candidate is one approved branch awaiting integration.
type candidate struct {
	Branch       string
	WorktreePath string
	machine      *fsm.Machine
	resolveRuns  int
}

// Director owns the merge loop. Entries are registered by the pipeline
// runner when a request is approved.
type Director struct {
	cfg      config.DirectorConfig
	cleanup  config.CleanupConfig
	git      *gitops.Service
	project  string
	identity gitops.Identity
	notify   NotifyFunc

	// merge, resolve, and destroy are replaceable seams for tests.
	merge   func(ctx context.Context, c *candidate) error
	resolve func(ctx context.Context, c *candidate, conflict error) error
	destroy func(ctx context.Context, c *candidate)

	mu         sync.Mutex
	candidates map[string]*candidate

	cron *cron.Cron
}

// New creates a director for one project repository.
func New(cfg config.DirectorConfig, cleanup config.CleanupConfig, git *gitops.Service, projectPath string, identity gitops.Identity, notify NotifyFunc) *Director {
	if notify == nil {
		notify = func(string, string, map[string]any) {}
	}
	d := &Director{
		cfg:        cfg,
		cleanup:    cleanup,
		git:        git,
		project:    projectPath,
		identity:   identity,
		notify:     notify,
		candidates: make(map[string]*candidate),
	}
	d.merge = d.mergeBranch
	d.resolve = d.runResolutionAgent
	d.destroy = d.cleanupBranch
	return d
}

// Start launches the interval loop. An interval of 0 disables the director;
// MarkReady and Sweep remain usable for manual integration.
func (d *Director) Start() error {
	if d.cfg.IntervalSeconds == 0 {
		getLog().Info().Msg("Director interval loop disabled")
		return nil
	}
	d.cron = cron.New()
	spec := fmt.Sprintf("@every %ds", d.cfg.IntervalSeconds)
	if _, err := d.cron.AddFunc(spec, func() { d.Sweep(context.Background()) }); err != nil {
		return fmt.Errorf("failed to schedule director loop: %w", err)
	}
	d.cron.Start()
	getLog().Info().Int("interval_seconds", d.cfg.IntervalSeconds).Msg("Director started")
	return nil
}

// Stop halts the interval loop.
func (d *Director) Stop() {
	if d.cron != nil {
		<-d.cron.Stop().Done()
	}
}

// MarkReady registers an approved branch for integration.
func (d *Director) MarkReady(branch, worktreePath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.candidates[branch]; ok {
		return common.Ef(common.KindConflict, "branch %s is already tracked", branch)
	}
	m := fsm.NewBranchMachine()
	if err := m.Transition(fsm.BranchReady); err != nil {
		return err
	}
	d.candidates[branch] = &candidate{Branch: branch, WorktreePath: worktreePath, machine: m}
	return nil
}

// BranchState returns the lifecycle state of a tracked branch.
func (d *Director) BranchState(branch string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.candidates[branch]
	if !ok {
		return "", false
	}
	return c.machine.State(), true
}

// Sweep integrates every branch currently in the ready state.
func (d *Director) Sweep(ctx context.Context) {
	d.mu.Lock()
	ready := lo.Filter(lo.Values(d.candidates), func(c *candidate, _ int) bool {
		return c.machine.State() == fsm.BranchReady
	})
	d.mu.Unlock()

	for _, c := range ready {
		if ctx.Err() != nil {
			return
		}
		d.integrate(ctx, c)
	}
}

// integrate drives one branch through pending_merge. The main repository is
// only touched once the branch rebases cleanly.
func (d *Director) integrate(ctx context.Context, c *candidate) {
	if !c.machine.TryTransition(fsm.BranchPendingMerge) {
		return
	}

	err := d.merge(ctx, c)
	for err != nil && common.KindOf(err) == common.KindConflict && c.resolveRuns < d.cfg.MaxResolveRuns {
		c.resolveRuns++
		d.notify(EventConflict, c.Branch, map[string]any{"attempt": c.resolveRuns})

		if rerr := d.resolve(ctx, c, err); rerr != nil {
			getLog().Warn().Err(rerr).Str("branch", c.Branch).Msg("Conflict resolution agent failed")
			break
		}
		// Retry the merge on the same pending_merge lock.
		c.machine.TryTransition(fsm.BranchPendingMerge)
		err = d.merge(ctx, c)
	}

	if err != nil {
		// Resolution exhausted: hand the branch back for a human.
		if terr := c.machine.Transition(fsm.BranchReady); terr != nil {
			getLog().Error().Err(terr).Str("branch", c.Branch).Msg("Invalid branch transition")
		}
		d.notify(EventNeedsAttention, c.Branch, map[string]any{"error": err.Error()})
		getLog().Warn().Err(err).Str("branch", c.Branch).Msg("Branch needs manual integration")
		return
	}

	if terr := c.machine.Transition(fsm.BranchMergeHistory); terr != nil {
		getLog().Error().Err(terr).Str("branch", c.Branch).Msg("Invalid branch transition")
	}
	d.notify(EventMerged, c.Branch, map[string]any{"target": d.cfg.TargetBranch})
	d.destroy(ctx, c)
}

func (d *Director) mergeBranch(ctx context.Context, c *candidate) error {
	return d.git.MergeBranch(ctx, d.project, c.Branch, d.cfg.TargetBranch, d.identity, c.WorktreePath)
}

// runResolutionAgent dispatches a host agent into the branch worktree to
// resolve rebase conflicts.
func (d *Director) runResolutionAgent(ctx context.Context, c *candidate, conflict error) error {
	prompt := fmt.Sprintf(
		"The branch %s fails to rebase onto %s: %s\nResolve the conflicts, keep both intents where possible, and complete the rebase.",
		c.Branch, d.cfg.TargetBranch, conflict.Error(),
	)
	opts := agent.StartOptions{
		ThreadID:       "director-" + c.Branch,
		Prompt:         prompt,
		Cwd:            c.WorktreePath,
		PermissionMode: agent.PermissionBypass,
	}

	var resultErr error
	var mu sync.Mutex
	cb := agent.Callbacks{
		OnExit: func(code int) {
			if code != 0 {
				mu.Lock()
				resultErr = common.Ef(common.KindProcess, "resolution agent exited with code %d", code)
				mu.Unlock()
			}
		},
	}
	proc, err := agent.Start(ctx, agent.HostSpawn, &agent.ClaudeProvider{}, opts, cb)
	if err != nil {
		return err
	}
	select {
	case <-proc.Done():
	case <-ctx.Done():
		proc.Kill()
		return ctx.Err()
	}
	mu.Lock()
	defer mu.Unlock()
	return resultErr
}

// cleanupBranch removes the integrated branch and its worktree. A failure
// here is logged, never fatal: the merge already landed.
func (d *Director) cleanupBranch(ctx context.Context, c *candidate) {
	if d.cleanup.KeepOnFailure && c.resolveRuns > 0 {
		getLog().Info().Str("branch", c.Branch).Msg("Keeping branch after assisted merge")
		return
	}
	if c.WorktreePath != "" {
		if err := d.git.RemoveWorktree(ctx, d.project, c.WorktreePath, true); err != nil {
			getLog().Warn().Err(err).Str("branch", c.Branch).Msg("Failed to remove worktree")
			return
		}
	}
	if err := d.git.DeleteBranch(ctx, d.project, c.Branch); err != nil {
		getLog().Warn().Err(err).Str("branch", c.Branch).Msg("Failed to delete merged branch")
	}
}
