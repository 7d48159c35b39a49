// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

package agent

import (
	"context"
	"sync"

	"github.com/strandhq/strand/internal/common"
	"github.com/strandhq/strand/internal/config"
	"github.com/strandhq/strand/internal/protocol"
	"github.com/strandhq/strand/internal/store"
)

// Follow-up modes.
const (
	FollowUpInterrupt = "interrupt"
	FollowUpQueue     = "queue"
)

// queuedMessage is a user message waiting for the current run to finish.
type queuedMessage struct {
	Prompt string
	Images []string
}

// runState tracks one live agent process.
type runState struct {
	proc            *Process
	manuallyStopped bool
	resumed         bool
	initSeen        bool
}

// procCell hands the process to stream callbacks that are built before the
// process exists. get blocks until set runs, which happens before any pump
// can deliver a control request that needs answering.
type procCell struct {
	ready chan struct{}
	p     *Process
}

func newProcCell() *procCell { return &procCell{ready: make(chan struct{})} }

func (c *procCell) set(p *Process) { c.p = p; close(c.ready) }

func (c *procCell) get() *Process { <-c.ready; return c.p }

// StartRequest carries the parameters of one agent run.
type StartRequest struct {
	ThreadID        string
	Prompt          string
	Cwd             string
	Model           string
	PermissionMode  string
	Provider        string
	Images          []string
	AllowedTools    []string
	DisallowedTools []string
	MCPServers      map[string]string
	Env             map[string]string
}

// Orchestrator owns agent subprocesses: at most one per thread, unbounded
// across threads.
type Orchestrator struct {
	cfg      config.AgentConfig
	threads  *store.ThreadManager
	projects *store.ProjectManager
	handler  *Handler
	ws       Broadcaster
	spawn    SpawnFunc

	// OnThreadTerminal fires after a run reaches a terminal status, after
	// queue draining. The automation scheduler hooks run completion here.
	OnThreadTerminal func(threadID string, info ResultInfo)

	mu      sync.Mutex
	running map[string]*runState
	queues  map[string][]queuedMessage
}

// NewOrchestrator creates an orchestrator spawning host processes. The
// handler's result hook is wired here for queue draining.
func NewOrchestrator(cfg config.AgentConfig, threads *store.ThreadManager, projects *store.ProjectManager, handler *Handler, ws Broadcaster) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		threads:  threads,
		projects: projects,
		handler:  handler,
		ws:       ws,
		spawn:    HostSpawn,
		running:  make(map[string]*runState),
		queues:   make(map[string][]queuedMessage),
	}
	handler.OnResult = o.onRunResult
	return o
}

// SetSpawnFunc overrides process creation, e.g. to run inside a sandbox.
func (o *Orchestrator) SetSpawnFunc(spawn SpawnFunc) {
	o.spawn = spawn
}

// IsRunning reports whether the thread has a live agent process.
func (o *Orchestrator) IsRunning(threadID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	rs, ok := o.running[threadID]
	return ok && rs.proc.Alive()
}

// StartAgent starts (or routes) an agent run for a thread. When a run is
// already live, the project's follow-up mode decides: interrupt stops the
// current process first, queue parks the message. A reply to a waiting
// thread with a held control request resolves that request instead of
// spawning.
func (o *Orchestrator) StartAgent(ctx context.Context, req StartRequest) error {
	thread, err := o.threads.GetThread(req.ThreadID)
	if err != nil {
		return err
	}

	o.mu.Lock()
	rs, live := o.running[req.ThreadID]
	if live && !rs.proc.Alive() {
		delete(o.running, req.ThreadID)
		live = false
	}
	o.mu.Unlock()

	if live && o.handler.hasHeldControl(req.ThreadID) {
		// The agent is parked on a question or plan approval; the user's
		// message is the answer.
		if err := o.insertUserMessage(req); err != nil {
			return err
		}
		if o.handler.AnswerHeldControl(req.ThreadID, req.Prompt, rs.proc) {
			if err := o.threads.SetStatus(req.ThreadID, store.ThreadRunning); err != nil {
				getLog().Error().Err(err).Str("thread_id", req.ThreadID).Msg("Failed to resume thread status")
			}
			return nil
		}
		// Fall through to the follow-up policy if nothing was held.
	}

	if live {
		switch o.followUpMode(thread.ProjectID) {
		case FollowUpInterrupt:
			// Killed ahead of an immediate respawn: the thread reads
			// interrupted, not stopped, and the queue stays parked.
			o.halt(req.ThreadID, store.ThreadInterrupted, false)
		default: // queue
			o.enqueue(req)
			return nil
		}
	}

	return o.spawnRun(ctx, thread, req)
}

// spawnRun inserts the user message and launches the provider process.
func (o *Orchestrator) spawnRun(ctx context.Context, thread *store.Thread, req StartRequest) error {
	if err := o.insertUserMessage(req); err != nil {
		return err
	}

	if req.Provider == "" {
		req.Provider = firstNonEmpty(thread.Provider, o.cfg.DefaultProvider)
	}
	if req.Model == "" {
		req.Model = firstNonEmpty(thread.Model, o.cfg.DefaultModel)
	}
	if req.PermissionMode == "" {
		req.PermissionMode = firstNonEmpty(thread.PermissionMode, o.cfg.PermissionMode)
	}

	// An approved plan must not re-enter planning: resume downgrades
	// plan to acceptEdits.
	sessionID := thread.SessionID
	if sessionID != "" && req.PermissionMode == PermissionPlan {
		req.PermissionMode = PermissionAcceptEdits
		if err := o.threads.SetPermissionMode(req.ThreadID, PermissionAcceptEdits); err != nil {
			getLog().Error().Err(err).Str("thread_id", req.ThreadID).Msg("Failed to persist permission downgrade")
		}
		o.ws.Emit(protocol.New(protocol.EventAgentStatus, req.ThreadID, map[string]any{
			"permissionMode": PermissionAcceptEdits,
			"reason":         "plan-approved",
		}))
	}

	provider, err := NewProvider(req.Provider)
	if err != nil {
		return common.Wrap(common.KindBadRequest, "invalid provider", err)
	}

	if err := o.threads.SetStatus(req.ThreadID, store.ThreadRunning); err != nil {
		return err
	}
	if thread.Stage == store.StageBacklog || thread.Stage == store.StageReview {
		if err := o.threads.SetStage(req.ThreadID, store.StageInProgress); err != nil {
			getLog().Error().Err(err).Str("thread_id", req.ThreadID).Msg("Failed to advance stage")
		}
	}

	opts := StartOptions{
		ThreadID:        req.ThreadID,
		Prompt:          req.Prompt,
		Cwd:             req.Cwd,
		Model:           req.Model,
		PermissionMode:  req.PermissionMode,
		SessionID:       sessionID,
		Images:          req.Images,
		AllowedTools:    req.AllowedTools,
		DisallowedTools: req.DisallowedTools,
		MCPServers:      req.MCPServers,
		FlagFormat:      o.cfg.FlagFormat,
		Env:             req.Env,
	}

	o.handler.BeginRun(req.ThreadID)
	rs := &runState{resumed: sessionID != ""}
	cell := newProcCell()
	threadID := req.ThreadID

	cb := Callbacks{
		OnMessage: func(msg *CLIMessage) {
			if msg.Type == MessageSystem {
				rs.initSeen = true
			}
			o.handler.HandleMessage(threadID, msg, cell.get())
		},
		OnError: func(err error) {
			getLog().Warn().Err(err).Str("thread_id", threadID).Msg("Agent stream error")
		},
		OnExit: func(code int) {
			o.onProcessExit(threadID, rs, code)
		},
	}

	proc, err := Start(ctx, o.spawn, provider, opts, cb)
	if err != nil {
		cell.set(nil)
		if serr := o.threads.SetStatus(req.ThreadID, store.ThreadFailed); serr != nil {
			getLog().Error().Err(serr).Str("thread_id", req.ThreadID).Msg("Failed to mark thread failed")
		}
		return common.Wrap(common.KindProcess, "failed to start agent", err)
	}
	rs.proc = proc
	cell.set(proc)

	o.mu.Lock()
	o.running[req.ThreadID] = rs
	o.mu.Unlock()
	return nil
}

// StopAgent kills the thread's process and marks it stopped.
func (o *Orchestrator) StopAgent(threadID string) {
	o.halt(threadID, store.ThreadStopped, true)
}

func (o *Orchestrator) halt(threadID, status string, drain bool) {
	o.mu.Lock()
	rs, ok := o.running[threadID]
	if ok {
		rs.manuallyStopped = true
		delete(o.running, threadID)
	}
	o.mu.Unlock()
	if !ok {
		return
	}

	rs.proc.Kill()
	if err := o.threads.SetStatus(threadID, status); err != nil {
		getLog().Error().Err(err).Str("thread_id", threadID).Str("status", status).Msg("Failed to update thread status")
	}
	o.ws.Emit(protocol.New(protocol.EventAgentStatus, threadID, map[string]any{
		"status": status,
	}))
	if drain {
		o.drainQueue(threadID)
	}
}

// StopAll kills every live process, for shutdown.
func (o *Orchestrator) StopAll() {
	o.mu.Lock()
	ids := make([]string, 0, len(o.running))
	for id := range o.running {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	for _, id := range ids {
		o.StopAgent(id)
	}
}

// CleanupThreadState drops all in-memory state for a thread.
func (o *Orchestrator) CleanupThreadState(threadID string) {
	o.mu.Lock()
	rs, ok := o.running[threadID]
	delete(o.running, threadID)
	delete(o.queues, threadID)
	o.mu.Unlock()
	if ok {
		rs.manuallyStopped = true
		rs.proc.Kill()
	}
	o.handler.Cleanup(threadID)
}

// onProcessExit reconciles state after the subprocess ends.
func (o *Orchestrator) onProcessExit(threadID string, rs *runState, code int) {
	o.mu.Lock()
	if current, ok := o.running[threadID]; ok && current == rs {
		delete(o.running, threadID)
	}
	o.mu.Unlock()

	if rs.manuallyStopped {
		return
	}

	// A resume that dies before the provider ever initializes points at a
	// stale session: clear it so the next attempt starts fresh.
	if code != 0 && rs.resumed && !rs.initSeen {
		if err := o.threads.ClearSessionID(threadID); err != nil {
			getLog().Error().Err(err).Str("thread_id", threadID).Msg("Failed to clear stale session")
		}
		o.ws.Emit(protocol.New(protocol.EventAgentError, threadID, map[string]any{
			"error": "session-cleared",
		}))
	}

	if code != 0 {
		if thread, err := o.threads.GetThread(threadID); err == nil &&
			thread.Status == store.ThreadRunning {
			if err := o.threads.SetStatus(threadID, store.ThreadFailed); err != nil {
				getLog().Error().Err(err).Str("thread_id", threadID).Msg("Failed to mark thread failed")
			}
			o.ws.Emit(protocol.New(protocol.EventAgentStatus, threadID, map[string]any{
				"status": store.ThreadFailed,
			}))
		}
	}
}

// onRunResult is the handler's result hook: terminal runs drain the queue.
func (o *Orchestrator) onRunResult(threadID string, info ResultInfo) {
	if info.Status == store.ThreadWaiting {
		return
	}
	o.drainQueue(threadID)
	if o.OnThreadTerminal != nil {
		o.OnThreadTerminal(threadID, info)
	}
}

// enqueue parks a follow-up message and announces the queue depth.
func (o *Orchestrator) enqueue(req StartRequest) {
	o.mu.Lock()
	o.queues[req.ThreadID] = append(o.queues[req.ThreadID], queuedMessage{
		Prompt: req.Prompt,
		Images: req.Images,
	})
	count := len(o.queues[req.ThreadID])
	next := o.queues[req.ThreadID][0].Prompt
	o.mu.Unlock()

	o.ws.Emit(protocol.New(protocol.EventThreadQueueUpdate, req.ThreadID, map[string]any{
		"queuedCount": count,
		"nextMessage": next,
	}))
}

// drainQueue starts the oldest queued message, if any.
func (o *Orchestrator) drainQueue(threadID string) {
	o.mu.Lock()
	queue := o.queues[threadID]
	if len(queue) == 0 {
		o.mu.Unlock()
		return
	}
	next := queue[0]
	o.queues[threadID] = queue[1:]
	remaining := len(o.queues[threadID])
	o.mu.Unlock()

	o.ws.Emit(protocol.New(protocol.EventThreadQueueUpdate, threadID, map[string]any{
		"queuedCount": remaining,
	}))

	thread, err := o.threads.GetThread(threadID)
	if err != nil {
		getLog().Error().Err(err).Str("thread_id", threadID).Msg("Failed to load thread for queued message")
		return
	}
	cwd := thread.WorktreePath
	if cwd == "" {
		if project, err := o.projects.GetProject(thread.ProjectID); err == nil {
			cwd = project.Path
		}
	}
	req := StartRequest{
		ThreadID: threadID,
		Prompt:   next.Prompt,
		Images:   next.Images,
		Cwd:      cwd,
	}
	if err := o.spawnRun(context.Background(), thread, req); err != nil {
		getLog().Error().Err(err).Str("thread_id", threadID).Msg("Failed to start queued run")
	}
}

// followUpMode resolves the project's policy, defaulting to the service
// configuration.
func (o *Orchestrator) followUpMode(projectID string) string {
	if project, err := o.projects.GetProject(projectID); err == nil && project.FollowUpMode != "" {
		return project.FollowUpMode
	}
	return o.cfg.FollowUpMode
}

func (o *Orchestrator) insertUserMessage(req StartRequest) error {
	return o.threads.CreateMessage(&store.Message{
		ThreadID:       req.ThreadID,
		Role:           store.RoleUser,
		Content:        req.Prompt,
		Model:          req.Model,
		PermissionMode: req.PermissionMode,
		Images:         req.Images,
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
