// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandhq/strand/internal/agent"
	"github.com/strandhq/strand/internal/bus"
	"github.com/strandhq/strand/internal/config"
	"github.com/strandhq/strand/internal/guard"
	"github.com/strandhq/strand/internal/pipeline"
	"github.com/strandhq/strand/internal/sandbox"
	"github.com/strandhq/strand/internal/store"
)

// stubAgents satisfies AgentService without spawning processes.
type stubAgents struct {
	mu       sync.Mutex
	started  []agent.StartRequest
	stopped  []string
	cleaned  []string
	startErr error
}

func (s *stubAgents) StartAgent(_ context.Context, req agent.StartRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.started = append(s.started, req)
	return nil
}

func (s *stubAgents) StopAgent(threadID string) {
	s.mu.Lock()
	s.stopped = append(s.stopped, threadID)
	s.mu.Unlock()
}

func (s *stubAgents) IsRunning(string) bool { return false }

func (s *stubAgents) CleanupThreadState(threadID string) {
	s.mu.Lock()
	s.cleaned = append(s.cleaned, threadID)
	s.mu.Unlock()
}

// stubSandbox mirrors the pipeline package's test double.
type stubSandbox struct{}

func (stubSandbox) EnsureImage(context.Context) error { return nil }
func (stubSandbox) StartSandbox(_ context.Context, requestID, _, _ string, _ map[string]string) (*sandbox.State, error) {
	return &sandbox.State{RequestID: requestID}, nil
}
func (stubSandbox) StopSandbox(context.Context, string) error { return nil }
func (stubSandbox) CreateSpawnFunc(string) (sandbox.SpawnFunc, error) {
	return nil, fmt.Errorf("not used in tests")
}

type testEnv struct {
	handler  http.Handler
	agents   *stubAgents
	runner   *pipeline.Runner
	projects *store.ProjectManager
	threads  *store.ThreadManager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := store.NewDB(&config.DatabaseConfig{Driver: "sqlite", Database: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	agents := &stubAgents{}
	eventBus := bus.New(t.TempDir())
	runner := pipeline.NewRunner(guard.New(), eventBus, stubSandbox{}, nil, "space")
	runner.SetAgentExecutor(func(context.Context, *pipeline.Request, string, config.AgentDef) error {
		return nil
	})

	pm := store.NewProjectManager(db)
	tm := store.NewThreadManager(db)
	srv := New(&config.ServerConfig{Host: "127.0.0.1"}, Deps{
		Projects:    pm,
		Threads:     tm,
		Automations: store.NewAutomationManager(db),
		Agents:      agents,
		Pipelines:   runner,
		Bus:         eventBus,
		Broker:      NewBroker(),
	})
	return &testEnv{
		handler:  srv.httpServer.Handler,
		agents:   agents,
		runner:   runner,
		projects: pm,
		threads:  tm,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, buf)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func makeWorktree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".git"), 0o755))
	return dir
}

func TestProjectCRUD(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/projects", map[string]string{
		"name": "demo", "path": t.TempDir(),
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	project := decodeBody[store.Project](t, rec)
	assert.NotEmpty(t, project.ID)

	// Same name again conflicts.
	rec = env.do(t, http.MethodPost, "/api/v1/projects", map[string]string{
		"name": "demo", "path": t.TempDir(),
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Missing name is rejected.
	rec = env.do(t, http.MethodPost, "/api/v1/projects", map[string]string{"path": "/tmp/x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/projects", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]store.Project](t, rec), 1)

	rec = env.do(t, http.MethodGet, "/api/v1/projects/"+project.ID+"/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/projects/nope/", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/v1/projects/"+project.ID+"/", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/v1/projects/"+project.ID+"/", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestThreadMessageFlow(t *testing.T) {
	env := newTestEnv(t)
	projectPath := t.TempDir()

	rec := env.do(t, http.MethodPost, "/api/v1/projects", map[string]string{
		"name": "demo", "path": projectPath,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	project := decodeBody[store.Project](t, rec)

	rec = env.do(t, http.MethodPost, "/api/v1/projects/"+project.ID+"/threads", map[string]string{
		"title": "wire up cache",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	thread := decodeBody[store.Thread](t, rec)

	// Posting a message starts the agent in the project root (no worktree).
	rec = env.do(t, http.MethodPost, "/api/v1/threads/"+thread.ID+"/messages", map[string]string{
		"content": "add a TTL to the cache",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, env.agents.started, 1)
	assert.Equal(t, thread.ID, env.agents.started[0].ThreadID)
	assert.Equal(t, project.Path, env.agents.started[0].Cwd)
	assert.Equal(t, "add a TTL to the cache", env.agents.started[0].Prompt)

	// Empty content is rejected before reaching the agent layer.
	rec = env.do(t, http.MethodPost, "/api/v1/threads/"+thread.ID+"/messages", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, env.agents.started, 1)

	rec = env.do(t, http.MethodPost, "/api/v1/threads/"+thread.ID+"/stop", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, env.agents.stopped, thread.ID)

	rec = env.do(t, http.MethodPost, "/api/v1/threads/"+thread.ID+"/stage", map[string]string{
		"stage": "in_progress",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "in_progress", decodeBody[store.Thread](t, rec).Stage)

	rec = env.do(t, http.MethodDelete, "/api/v1/threads/"+thread.ID+"/", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, env.agents.cleaned, thread.ID)

	rec = env.do(t, http.MethodGet, "/api/v1/threads/"+thread.ID+"/", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMessagesForUnknownThread(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/threads/missing/messages", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAutomationEndpoints(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/v1/projects", map[string]string{
		"name": "demo", "path": t.TempDir(),
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	project := decodeBody[store.Project](t, rec)

	// Cron and prompt are required.
	rec = env.do(t, http.MethodPost, "/api/v1/projects/"+project.ID+"/automations", map[string]string{
		"name": "nightly",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/projects/"+project.ID+"/automations", map[string]string{
		"name": "nightly", "prompt": "triage new issues", "cron_expr": "0 3 * * *",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	automation := decodeBody[store.Automation](t, rec)
	assert.True(t, automation.Enabled)

	rec = env.do(t, http.MethodGet, "/api/v1/projects/"+project.ID+"/automations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]store.Automation](t, rec), 1)

	rec = env.do(t, http.MethodGet, "/api/v1/automations/"+automation.ID+"/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]store.AutomationRun](t, rec))

	rec = env.do(t, http.MethodDelete, "/api/v1/automations/"+automation.ID+"/", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/automations/"+automation.ID+"/runs", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPipelineRunIdempotent(t *testing.T) {
	env := newTestEnv(t)
	release := make(chan struct{})
	env.runner.SetAgentExecutor(func(ctx context.Context, _ *pipeline.Request, _ string, _ config.AgentDef) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	worktree := makeWorktree(t)
	body := map[string]any{"branch": "feature/cache", "worktree_path": worktree}

	rec := env.do(t, http.MethodPost, "/pipeline/run", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	first := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "accepted", first["status"])
	assert.Equal(t, "/pipeline/"+first["request_id"]+"/events", first["events_url"])

	// Same branch while live: the incumbent run is returned, no new run.
	rec = env.do(t, http.MethodPost, "/pipeline/run", body)
	require.Equal(t, http.StatusOK, rec.Code)
	dup := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "already_running", dup["status"])
	assert.Equal(t, first["request_id"], dup["request_id"])

	rec = env.do(t, http.MethodPost, "/pipeline/run", map[string]any{"worktree_path": worktree})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	close(release)
	require.Eventually(t, func() bool {
		req, ok := env.runner.Get(first["request_id"])
		return ok && req.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)

	rec = env.do(t, http.MethodGet, "/pipeline/"+first["request_id"], nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeBody[pipeline.View](t, rec)
	assert.Equal(t, "approved", view.Status)

	rec = env.do(t, http.MethodGet, "/pipeline/list", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]pipeline.View](t, rec), 1)

	// Stopping a finished run is a 404, not a no-op.
	rec = env.do(t, http.MethodPost, "/pipeline/"+first["request_id"]+"/stop", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/pipeline/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Once the finished run is purged, the branch is free again.
	require.True(t, env.runner.Purge(first["request_id"]))
	rec = env.do(t, http.MethodPost, "/pipeline/run", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	fresh := decodeBody[map[string]string](t, rec)
	assert.NotEqual(t, first["request_id"], fresh["request_id"])
	require.Eventually(t, func() bool {
		req, ok := env.runner.Get(fresh["request_id"])
		return ok && req.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPipelineEventsReplayHistory(t *testing.T) {
	env := newTestEnv(t)
	worktree := makeWorktree(t)

	rec := env.do(t, http.MethodPost, "/pipeline/run", map[string]any{
		"branch": "feature/sse", "worktree_path": worktree,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	accepted := decodeBody[map[string]string](t, rec)
	id := accepted["request_id"]

	require.Eventually(t, func() bool {
		req, ok := env.runner.Get(id)
		return ok && req.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)

	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/pipeline/" + id + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The run is terminal, so the stream replays history and closes after
	// the grace window.
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	stream := string(data)
	assert.Contains(t, stream, "event: accepted")
	assert.Contains(t, stream, "event: started")
	assert.Contains(t, stream, "event: completed")
	assert.True(t, strings.Index(stream, "event: accepted") < strings.Index(stream, "event: completed"))

	resp, err = http.Get(ts.URL + "/pipeline/unknown/events")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
