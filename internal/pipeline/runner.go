// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strandhq/strand/internal/agent"
	"github.com/strandhq/strand/internal/bus"
	"github.com/strandhq/strand/internal/common"
	"github.com/strandhq/strand/internal/config"
	"github.com/strandhq/strand/internal/fsm"
	"github.com/strandhq/strand/internal/gitops"
	"github.com/strandhq/strand/internal/guard"
	"github.com/strandhq/strand/internal/saga"
	"github.com/strandhq/strand/internal/sandbox"
)

// Lifecycle event types published per request.
const (
	EventAccepted        = "accepted"
	EventStarted         = "started"
	EventTierClassified  = "tier_classified"
	EventContainersReady = "containers.ready"
	EventAgentStarted    = "agent.started"
	EventAgentCompleted  = "agent.completed"
	EventAgentFailed     = "agent.failed"
	EventCorrecting      = "correcting"
	EventCompleted       = "completed"
	EventFailed          = "failed"
	EventStopped         = "stopped"
	EventCLIMessage      = "pipeline.cli_message"
)

// Sandboxer is the container lifecycle the runner depends on.
// *sandbox.Manager implements it.
type Sandboxer interface {
	EnsureImage(ctx context.Context) error
	StartSandbox(ctx context.Context, requestID, worktreePath, branch string, env map[string]string) (*sandbox.State, error)
	StopSandbox(ctx context.Context, requestID string) error
	CreateSpawnFunc(requestID string) (sandbox.SpawnFunc, error)
}

// RunRequest is the /run payload after HTTP decoding.
type RunRequest struct {
	Branch       string
	WorktreePath string
	BaseBranch   string
	Metadata     map[string]string
}

// Runner owns pipeline requests: idempotency, execution, status, and stop.
type Runner struct {
	guard      *guard.Guard
	bus        *bus.Bus
	sandboxes  Sandboxer
	git        *gitops.Service
	flagFormat string

	// loadConfig and execAgent are replaceable seams for tests.
	loadConfig func(projectRoot string) *config.PipelineConfig
	execAgent  func(ctx context.Context, req *Request, name string, def config.AgentDef) error

	mu       sync.Mutex
	requests map[string]*Request
}

// NewRunner creates a pipeline runner.
func NewRunner(g *guard.Guard, b *bus.Bus, sandboxes Sandboxer, git *gitops.Service, flagFormat string) *Runner {
	r := &Runner{
		guard:      g,
		bus:        b,
		sandboxes:  sandboxes,
		git:        git,
		flagFormat: flagFormat,
		loadConfig: config.LoadPipelineConfig,
		requests:   make(map[string]*Request),
	}
	r.execAgent = r.runSandboxedAgent
	return r
}

// SetAgentExecutor replaces the sandboxed agent execution strategy.
func (r *Runner) SetAgentExecutor(exec func(ctx context.Context, req *Request, name string, def config.AgentDef) error) {
	r.execAgent = exec
}

// IsLive implements guard.LivenessChecker: a request is live while the
// runner still tracks it in a non-terminal state.
func (r *Runner) IsLive(requestID string) bool {
	r.mu.Lock()
	req, ok := r.requests[requestID]
	r.mu.Unlock()
	return ok && !req.IsTerminal()
}

// Run validates and accepts a pipeline request. The second return value
// reports whether an existing run was found instead (idempotency duplicate).
func (r *Runner) Run(run RunRequest) (*Request, bool, error) {
	if run.Branch == "" {
		return nil, false, common.Ef(common.KindBadRequest, "branch is required")
	}
	if run.WorktreePath == "" {
		return nil, false, common.Ef(common.KindBadRequest, "worktree_path is required")
	}
	abs, err := filepath.Abs(run.WorktreePath)
	if err != nil {
		return nil, false, common.Ef(common.KindBadRequest, "invalid worktree_path: %s", run.WorktreePath)
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return nil, false, common.Ef(common.KindBadRequest, "worktree_path does not exist: %s", abs)
	}
	if _, err := os.Stat(filepath.Join(abs, ".git")); err != nil {
		return nil, false, common.Ef(common.KindBadRequest, "worktree_path is not a git repository: %s", abs)
	}

	requestID := uuid.NewString()
	check := r.guard.Acquire(run.Branch, requestID, r)
	if check.IsDuplicate {
		r.mu.Lock()
		existing := r.requests[check.ExistingRequestID]
		r.mu.Unlock()
		if existing != nil {
			return existing, true, nil
		}
		// Reservation without runner state: report the incumbent id anyway.
		return &Request{ID: check.ExistingRequestID, Branch: run.Branch, machine: fsm.NewPipelineMachine()}, true, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	req := &Request{
		ID:           requestID,
		Branch:       run.Branch,
		WorktreePath: abs,
		BaseBranch:   run.BaseBranch,
		Metadata:     run.Metadata,
		machine:      fsm.NewPipelineMachine(),
		cancel:       cancel,
		createdAt:    time.Now(),
	}
	r.mu.Lock()
	r.requests[requestID] = req
	r.mu.Unlock()

	r.publish(req, EventAccepted, map[string]any{"branch": run.Branch})
	go r.execute(ctx, req)
	return req, false, nil
}

// Get returns a tracked request.
func (r *Runner) Get(requestID string) (*Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[requestID]
	return req, ok
}

// List snapshots every tracked request.
func (r *Runner) List() []View {
	r.mu.Lock()
	defer r.mu.Unlock()
	views := make([]View, 0, len(r.requests))
	for _, req := range r.requests {
		views = append(views, req.Snapshot())
	}
	return views
}

// Stop cancels a running request.
func (r *Runner) Stop(requestID string) error {
	r.mu.Lock()
	req, ok := r.requests[requestID]
	r.mu.Unlock()
	if !ok || req.IsTerminal() {
		return common.Ef(common.KindNotFound, "pipeline %s is not running", requestID)
	}
	req.cancel()
	return nil
}

// Purge drops a terminal request from the registry so its branch can run
// again. Running requests are not purgeable.
func (r *Runner) Purge(requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[requestID]
	if !ok || !req.IsTerminal() {
		return false
	}
	delete(r.requests, requestID)
	return true
}

// execute drives one request to a terminal state.
func (r *Runner) execute(ctx context.Context, req *Request) {
	defer r.guard.Release(req.Branch)

	cfg := r.loadConfig(req.WorktreePath)

	if err := req.machine.Transition(fsm.PipelineRunning); err != nil {
		r.fail(req, err)
		return
	}
	r.publish(req, EventStarted, nil)

	tierName, tier := r.classify(ctx, req, cfg)
	req.setTier(tierName)
	r.publish(req, EventTierClassified, map[string]any{
		"tier":   tierName,
		"agents": tier.Agents,
	})

	run := saga.New("pipeline-" + req.ID)
	run.AddStep(saga.Step{
		Name: "sandbox",
		Action: func(ctx context.Context) error {
			if err := r.sandboxes.EnsureImage(ctx); err != nil {
				return err
			}
			if _, err := r.sandboxes.StartSandbox(ctx, req.ID, req.WorktreePath, req.Branch, nil); err != nil {
				return err
			}
			r.publish(req, EventContainersReady, nil)
			return nil
		},
		Compensate: func(ctx context.Context) error {
			return r.sandboxes.StopSandbox(ctx, req.ID)
		},
	})
	run.AddStep(saga.Step{
		Name: "agents",
		Action: func(ctx context.Context) error {
			return r.runAgents(ctx, req, cfg, tier)
		},
	})

	err := run.Run(ctx)

	// The sandbox is only kept alive for the agents; a successful saga
	// still tears it down.
	if err == nil {
		if serr := r.sandboxes.StopSandbox(context.Background(), req.ID); serr != nil {
			getLog().Warn().Err(serr).Str("request_id", req.ID).Msg("Failed to stop sandbox after approval")
		}
	}

	switch {
	case err == nil:
		req.finish("")
		if terr := req.machine.Transition(fsm.PipelineApproved); terr != nil {
			getLog().Error().Err(terr).Str("request_id", req.ID).Msg("Invalid approval transition")
		}
		r.publish(req, EventCompleted, map[string]any{"tier": tierName})
	case errors.Is(err, context.Canceled):
		req.finish("stopped")
		req.machine.TryTransition(fsm.PipelineFailed)
		r.publish(req, EventStopped, nil)
	default:
		r.fail(req, err)
	}
}

func (r *Runner) fail(req *Request, err error) {
	req.finish(err.Error())
	req.machine.TryTransition(fsm.PipelineFailed)
	r.publish(req, EventFailed, map[string]any{"error": err.Error()})
}

// classify measures the branch diff. Measurement failures never block the
// run; they escalate to the most thorough tier.
func (r *Runner) classify(ctx context.Context, req *Request, cfg *config.PipelineConfig) (string, config.TierConfig) {
	stats := &gitops.ChangeStats{FilesChanged: int(^uint(0) >> 1), LinesChanged: int(^uint(0) >> 1)}
	base := req.BaseBranch
	if base == "" {
		base = "main"
	}
	if r.git != nil {
		if measured, err := r.git.DiffStats(ctx, req.WorktreePath, base, req.Branch); err == nil {
			stats = measured
		} else {
			getLog().Warn().Err(err).Str("request_id", req.ID).Msg("Diff measurement failed, using largest tier")
		}
	}
	return classifyTier(stats, cfg.Tiers)
}

// runAgents runs the tier's agents in order, applying the auto-correction
// loop on failure.
func (r *Runner) runAgents(ctx context.Context, req *Request, cfg *config.PipelineConfig, tier config.TierConfig) error {
	for _, name := range tier.Agents {
		def, ok := cfg.Agents[name]
		if !ok {
			getLog().Warn().Str("request_id", req.ID).Str("agent", name).Msg("Skipping undefined agent")
			continue
		}
		if err := r.runAgentWithCorrection(ctx, req, cfg, name, def); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) runAgentWithCorrection(ctx context.Context, req *Request, cfg *config.PipelineConfig, name string, def config.AgentDef) error {
	req.setAgent(name, 0)
	r.publish(req, EventAgentStarted, map[string]any{"agent": name})

	err := r.execAgent(ctx, req, name, def)
	if err == nil {
		r.publish(req, EventAgentCompleted, map[string]any{"agent": name})
		return nil
	}
	r.publish(req, EventAgentFailed, map[string]any{"agent": name, "error": err.Error()})

	ac := cfg.AutoCorrection
	if !ac.Enabled || ac.MaxAttempts <= 0 {
		return fmt.Errorf("agent %s failed: %w", name, err)
	}
	correctionDef, ok := cfg.Agents[ac.Agent]
	if !ok {
		correctionDef = config.AgentDef{Prompt: "Fix the problems reported by the failing QA agent."}
	}

	for attempt := 1; attempt <= ac.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		req.setAgent(name, attempt)
		if terr := req.machine.Transition(fsm.PipelineCorrecting); terr != nil {
			return terr
		}
		r.publish(req, EventCorrecting, map[string]any{"agent": name, "attempt": attempt})

		corrErr := r.execAgent(ctx, req, ac.Agent, correctionDef)
		if terr := req.machine.Transition(fsm.PipelineRunning); terr != nil {
			return terr
		}
		if corrErr != nil {
			getLog().Warn().Err(corrErr).Str("request_id", req.ID).Int("attempt", attempt).
				Msg("Correction agent failed")
			continue
		}

		r.publish(req, EventAgentStarted, map[string]any{"agent": name, "attempt": attempt})
		if err = r.execAgent(ctx, req, name, def); err == nil {
			r.publish(req, EventAgentCompleted, map[string]any{"agent": name, "attempt": attempt})
			return nil
		}
		r.publish(req, EventAgentFailed, map[string]any{"agent": name, "attempt": attempt, "error": err.Error()})
	}
	return fmt.Errorf("agent %s failed after %d correction attempts: %w", name, ac.MaxAttempts, err)
}

// runSandboxedAgent spawns one QA agent inside the request's container and
// waits for it to finish. CLI stream frames are mirrored onto the bus.
func (r *Runner) runSandboxedAgent(ctx context.Context, req *Request, name string, def config.AgentDef) error {
	spawn, err := r.sandboxes.CreateSpawnFunc(req.ID)
	if err != nil {
		return err
	}

	opts := agent.StartOptions{
		ThreadID:       req.ID,
		Prompt:         def.Prompt,
		Cwd:            req.WorktreePath,
		Model:          def.Model,
		PermissionMode: agent.PermissionBypass,
		FlagFormat:     r.flagFormat,
	}

	var mu sync.Mutex
	var resultErr error

	cb := agent.Callbacks{
		OnMessage: func(msg *agent.CLIMessage) {
			data := map[string]any{"agent": name, "message_type": msg.Type}
			if msg.Message != nil {
				if text := msg.Message.TextContent(); text != "" {
					data["text"] = text
				}
			}
			if msg.Type == agent.MessageResult {
				data["is_error"] = msg.IsError
				if msg.IsError {
					mu.Lock()
					resultErr = fmt.Errorf("agent %s reported failure: %s", name, msg.Result)
					mu.Unlock()
				}
			}
			r.publish(req, EventCLIMessage, data)
		},
		OnError: func(err error) {
			getLog().Debug().Err(err).Str("request_id", req.ID).Str("agent", name).Msg("Agent stream noise")
		},
		OnExit: func(code int) {
			if code != 0 {
				mu.Lock()
				if resultErr == nil {
					resultErr = common.Ef(common.KindProcess, "agent %s exited with code %d", name, code)
				}
				mu.Unlock()
			}
		},
	}

	proc, err := agent.Start(ctx, agent.SpawnFunc(spawn), &agent.ClaudeProvider{}, opts, cb)
	if err != nil {
		return common.Wrap(common.KindProcess, fmt.Sprintf("failed to start agent %s", name), err)
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

func (r *Runner) publish(req *Request, eventType string, data map[string]any) {
	if err := r.bus.Publish(bus.NewEvent(req.ID, eventType, data)); err != nil {
		getLog().Error().Err(err).Str("request_id", req.ID).Str("event", eventType).
			Msg("Failed to publish pipeline event")
	}
}
