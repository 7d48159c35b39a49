// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/strandhq/strand/internal/agent"
	"github.com/strandhq/strand/internal/automation"
	"github.com/strandhq/strand/internal/bus"
	"github.com/strandhq/strand/internal/config"
	"github.com/strandhq/strand/internal/delivery"
	"github.com/strandhq/strand/internal/director"
	"github.com/strandhq/strand/internal/dlq"
	"github.com/strandhq/strand/internal/gitops"
	"github.com/strandhq/strand/internal/guard"
	"github.com/strandhq/strand/internal/logger"
	"github.com/strandhq/strand/internal/pipeline"
	"github.com/strandhq/strand/internal/procrun"
	"github.com/strandhq/strand/internal/protocol"
	"github.com/strandhq/strand/internal/sandbox"
	"github.com/strandhq/strand/internal/server"
	"github.com/strandhq/strand/internal/store"
)

func main() {
	cfg, err := config.NewConfig(os.Getenv("STRAND_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialize(&cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.CloseGlobal()

	mainLog := logger.GetLogger("main")
	mainLog.Info().Str("project", cfg.Git.ProjectPath).Msg("Starting strand")

	db, err := store.NewDB(&cfg.Database)
	if err != nil {
		mainLog.Error().Err(err).Msg("Error opening database")
		os.Exit(1)
	}
	defer db.Close()
	if err := db.AutoMigrate(); err != nil {
		mainLog.Error().Err(err).Msg("Error migrating database")
		os.Exit(1)
	}

	projects := store.NewProjectManager(db)
	threads := store.NewThreadManager(db)
	automations := store.NewAutomationManager(db)

	procRunner := procrun.NewRunner(cfg.Process.PoolSize, cfg.Process.DefaultTimeout)
	git := gitops.NewService(procRunner)

	sandboxes := sandbox.NewManager(procRunner, git, cfg.Sandbox)
	{
		// Containers left behind by a previous run hold stale worktree
		// mounts; sweep them before accepting work.
		sweepCtx, sweepCancel := context.WithTimeout(context.Background(), 30*time.Second)
		sandboxes.KillOrphans(sweepCtx)
		sweepCancel()
	}

	eventBus := bus.New(cfg.Events.Dir)
	pcfg := config.LoadPipelineConfig(cfg.Git.ProjectPath)

	runner := pipeline.NewRunner(guard.New(), eventBus, sandboxes, git, cfg.Agent.FlagFormat)

	var dispatcher *delivery.Dispatcher
	if len(pcfg.Adapters) > 0 {
		qcfg := pcfg.Resilience.DLQ
		if qcfg.Path != "" && !filepath.IsAbs(qcfg.Path) {
			qcfg.Path = filepath.Join(cfg.Git.ProjectPath, qcfg.Path)
		}
		dispatcher = delivery.NewDispatcher(pcfg.Adapters, eventBus, dlq.New(qcfg))
		dispatcher.Start()
	}

	broker := server.NewBroker()
	handler := agent.NewHandler(threads, broker)
	orchestrator := agent.NewOrchestrator(cfg.Agent, threads, projects, handler, broker)

	scheduler := automation.NewScheduler(automations, threads, projects, orchestrator, broker)
	orchestrator.OnThreadTerminal = scheduler.HandleThreadTerminal
	if err := scheduler.Start(); err != nil {
		mainLog.Error().Err(err).Msg("Error starting automation scheduler")
	}

	identity := gitops.Identity{
		AuthorName:  "Strand Director",
		AuthorEmail: "director@strand.local",
		GitHubToken: os.Getenv("GH_TOKEN"),
	}
	integrator := director.New(pcfg.Director, pcfg.Cleanup, git, cfg.Git.ProjectPath, identity,
		func(eventType, branch string, data map[string]any) {
			if data == nil {
				data = map[string]any{}
			}
			data["branch"] = branch
			broker.Emit(protocol.New(eventType, "", data))
		})
	if err := integrator.Start(); err != nil {
		mainLog.Error().Err(err).Msg("Error starting director")
	}

	srv := server.New(&cfg.Server, server.Deps{
		Projects:    projects,
		Threads:     threads,
		Automations: automations,
		Agents:      orchestrator,
		Pipelines:   runner,
		Bus:         eventBus,
		Broker:      broker,
	})

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- srv.Run()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		mainLog.Info().Msgf("Received signal %v, shutting down...", sig)
	case err := <-serverErrChan:
		if err != nil {
			mainLog.Error().Err(err).Msg("Server error")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		mainLog.Error().Err(err).Msg("Error shutting down server")
	}

	integrator.Stop()
	scheduler.Stop()
	orchestrator.StopAll()
	if dispatcher != nil {
		dispatcher.Stop()
	}

	mainLog.Info().Msg("Strand shut down")
}
