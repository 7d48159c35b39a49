// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package automation schedules recurring agent prompts with cron
// expressions and records their run history.
package automation

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/strandhq/strand/internal/agent"
	"github.com/strandhq/strand/internal/logger"
	"github.com/strandhq/strand/internal/protocol"
	"github.com/strandhq/strand/internal/store"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetLogger("automation")
		log = &l
	})
	return log
}

// AgentStarter launches an agent run for a thread. The orchestrator
// implements it.
type AgentStarter interface {
	StartAgent(ctx context.Context, req agent.StartRequest) error
}

// Scheduler runs enabled automations on their cron schedules.
type Scheduler struct {
	automations *store.AutomationManager
	threads     *store.ThreadManager
	projects    *store.ProjectManager
	starter     AgentStarter
	ws          agent.Broadcaster

	cron *cron.Cron

	mu         sync.Mutex
	activeRuns map[string]string // thread id -> run id
}

// NewScheduler creates a scheduler; call Start to begin ticking.
func NewScheduler(automations *store.AutomationManager, threads *store.ThreadManager, projects *store.ProjectManager, starter AgentStarter, ws agent.Broadcaster) *Scheduler {
	return &Scheduler{
		automations: automations,
		threads:     threads,
		projects:    projects,
		starter:     starter,
		ws:          ws,
		activeRuns:  make(map[string]string),
	}
}

// Start schedules every enabled automation and starts the cron loop.
func (s *Scheduler) Start() error {
	automations, err := s.automations.ListEnabled()
	if err != nil {
		return err
	}

	s.cron = cron.New()
	for _, a := range automations {
		a := a
		if _, err := s.cron.AddFunc(a.CronExpr, func() { s.Fire(a.ID) }); err != nil {
			getLog().Warn().Err(err).
				Str("automation_id", a.ID).
				Str("cron", a.CronExpr).
				Msg("Skipping automation with invalid schedule")
		}
	}
	s.cron.Start()
	getLog().Info().Int("count", len(automations)).Msg("Automation scheduler started")
	return nil
}

// Stop halts the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Fire executes one automation now: a fresh thread, a recorded run, and an
// agent started with the automation's prompt.
func (s *Scheduler) Fire(automationID string) {
	a, err := s.automations.GetAutomation(automationID)
	if err != nil {
		getLog().Error().Err(err).Str("automation_id", automationID).Msg("Automation vanished before firing")
		return
	}
	project, err := s.projects.GetProject(a.ProjectID)
	if err != nil {
		getLog().Error().Err(err).Str("automation_id", a.ID).Msg("Automation project missing")
		return
	}

	thread := &store.Thread{
		ProjectID:    a.ProjectID,
		Title:        "Automation: " + a.Name,
		AutomationID: a.ID,
	}
	if err := s.threads.CreateThread(thread); err != nil {
		getLog().Error().Err(err).Str("automation_id", a.ID).Msg("Failed to create automation thread")
		return
	}

	run, err := s.automations.StartRun(a.ID, thread.ID)
	if err != nil {
		getLog().Error().Err(err).Str("automation_id", a.ID).Msg("Failed to record automation run")
		return
	}
	s.mu.Lock()
	s.activeRuns[thread.ID] = run.ID
	s.mu.Unlock()

	s.ws.Emit(protocol.New(protocol.EventAutomationRunStarted, thread.ID, map[string]any{
		"automationId": a.ID,
		"runId":        run.ID,
	}))

	if err := s.starter.StartAgent(context.Background(), agent.StartRequest{
		ThreadID: thread.ID,
		Prompt:   a.Prompt,
		Cwd:      project.Path,
	}); err != nil {
		getLog().Error().Err(err).Str("automation_id", a.ID).Msg("Failed to start automation agent")
		s.finishRun(thread.ID, store.ThreadFailed)
	}
}

// HandleThreadTerminal closes the automation run backing a finished thread.
// Threads without a tracked run are ignored. Wire it to the orchestrator's
// terminal hook.
func (s *Scheduler) HandleThreadTerminal(threadID string, info agent.ResultInfo) {
	s.finishRun(threadID, info.Status)
}

func (s *Scheduler) finishRun(threadID, status string) {
	s.mu.Lock()
	runID, ok := s.activeRuns[threadID]
	if ok {
		delete(s.activeRuns, threadID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	if err := s.automations.CompleteRun(runID, status); err != nil {
		getLog().Error().Err(err).Str("run_id", runID).Msg("Failed to complete automation run")
	}
	s.ws.Emit(protocol.New(protocol.EventAutomationRunCompleted, threadID, map[string]any{
		"runId":  runID,
		"status": status,
	}))
}
