// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server is the REST + WebSocket + SSE boundary: chi routes,
// domain-error mapping, and the client broker.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/strandhq/strand/internal/agent"
	"github.com/strandhq/strand/internal/bus"
	"github.com/strandhq/strand/internal/config"
	"github.com/strandhq/strand/internal/logger"
	"github.com/strandhq/strand/internal/pipeline"
	"github.com/strandhq/strand/internal/store"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetLogger("api")
		log = &l
	})
	return log
}

// AgentService is the thread-side agent surface the handlers need. The
// orchestrator implements it.
type AgentService interface {
	StartAgent(ctx context.Context, req agent.StartRequest) error
	StopAgent(threadID string)
	IsRunning(threadID string) bool
	CleanupThreadState(threadID string)
}

// Deps are the services the server exposes over HTTP.
type Deps struct {
	Projects    *store.ProjectManager
	Threads     *store.ThreadManager
	Automations *store.AutomationManager
	Agents      AgentService
	Pipelines   *pipeline.Runner
	Bus         *bus.Bus
	Broker      *Broker
}

// Server is the HTTP/WS API server.
type Server struct {
	httpServer *http.Server
	broker     *Broker
}

// New wires the router. It does not start listening; call Run for that.
func New(cfg *config.ServerConfig, deps Deps) *Server {
	handlers := &Handlers{deps: deps}
	ph := &PipelineHandlers{runner: deps.Pipelines, bus: deps.Bus}

	r := chi.NewRouter()
	r.Use(Recovery)
	r.Use(RequestID)
	r.Use(Logger)
	r.Use(CORS(cfg.AllowedOrigins))
	r.Use(MaxBodySize(1 << 20))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/projects", handlers.ListProjects)
		r.Post("/projects", handlers.CreateProject)
		r.Route("/projects/{id}", func(r chi.Router) {
			r.Get("/", handlers.GetProject)
			r.Delete("/", handlers.DeleteProject)
			r.Get("/threads", handlers.ListThreads)
			r.Post("/threads", handlers.CreateThread)
			r.Get("/automations", handlers.ListAutomations)
			r.Post("/automations", handlers.CreateAutomation)
		})
		r.Route("/threads/{id}", func(r chi.Router) {
			r.Get("/", handlers.GetThread)
			r.Delete("/", handlers.DeleteThread)
			r.Get("/messages", handlers.ListMessages)
			r.Post("/messages", handlers.PostMessage)
			r.Post("/stop", handlers.StopThread)
			r.Post("/stage", handlers.SetStage)
		})
		r.Route("/automations/{id}", func(r chi.Router) {
			r.Delete("/", handlers.DeleteAutomation)
			r.Get("/runs", handlers.ListAutomationRuns)
		})
	})

	r.Post("/pipeline/run", ph.Run)
	r.Get("/pipeline/list", ph.List)
	r.Get("/pipeline/{id}", ph.Get)
	r.Get("/pipeline/{id}/events", ph.Events)
	r.Post("/pipeline/{id}/stop", ph.Stop)

	if deps.Broker != nil {
		r.Get("/ws", deps.Broker.Handle(cfg.AllowedOrigins))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		broker: deps.Broker,
	}
}

// Run blocks serving HTTP until Shutdown.
func (s *Server) Run() error {
	getLog().Info().Str("addr", s.httpServer.Addr).Msg("API server listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server and closes WS clients.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.broker != nil {
		s.broker.CloseAll()
	}
	return s.httpServer.Shutdown(ctx)
}
