// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/strandhq/strand/internal/agent"
	"github.com/strandhq/strand/internal/common"
	"github.com/strandhq/strand/internal/store"
)

// Handlers serves the project / thread / automation REST surface.
type Handlers struct {
	deps Deps
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return common.Wrap(common.KindBadRequest, "invalid request body", err)
	}
	return nil
}

// --- projects ---

func (h *Handlers) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.deps.Projects.ListProjects()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (h *Handlers) CreateProject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name         string `json:"name"`
		Path         string `json:"path"`
		FollowUpMode string `json:"follow_up_mode"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	project := &store.Project{Name: body.Name, Path: body.Path, FollowUpMode: body.FollowUpMode}
	if err := h.deps.Projects.CreateProject(project); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (h *Handlers) GetProject(w http.ResponseWriter, r *http.Request) {
	project, err := h.deps.Projects.GetProject(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (h *Handlers) DeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Projects.DeleteProject(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- threads ---

func (h *Handlers) ListThreads(w http.ResponseWriter, r *http.Request) {
	includeArchived := r.URL.Query().Get("include_archived") == "true"
	threads, err := h.deps.Threads.ListThreads(chi.URLParam(r, "id"), includeArchived)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, threads)
}

func (h *Handlers) CreateThread(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	if _, err := h.deps.Projects.GetProject(projectID); err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Title          string `json:"title"`
		Mode           string `json:"mode"`
		Provider       string `json:"provider"`
		Model          string `json:"model"`
		PermissionMode string `json:"permission_mode"`
		Branch         string `json:"branch"`
		BaseBranch     string `json:"base_branch"`
		WorktreePath   string `json:"worktree_path"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	thread := &store.Thread{
		ProjectID:      projectID,
		Title:          body.Title,
		Mode:           body.Mode,
		Provider:       body.Provider,
		Model:          body.Model,
		PermissionMode: body.PermissionMode,
		Branch:         body.Branch,
		BaseBranch:     body.BaseBranch,
		WorktreePath:   body.WorktreePath,
	}
	if err := h.deps.Threads.CreateThread(thread); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, thread)
}

func (h *Handlers) GetThread(w http.ResponseWriter, r *http.Request) {
	thread, err := h.deps.Threads.GetThread(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

func (h *Handlers) DeleteThread(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.deps.Agents != nil {
		h.deps.Agents.StopAgent(id)
		h.deps.Agents.CleanupThreadState(id)
	}
	if err := h.deps.Threads.DeleteThread(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) ListMessages(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "id")
	if _, err := h.deps.Threads.GetThread(threadID); err != nil {
		writeError(w, err)
		return
	}
	messages, err := h.deps.Threads.ListMessages(threadID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// PostMessage starts (or interrupts / queues into) the thread's agent with
// the message as prompt. The cwd is the thread worktree when one exists,
// otherwise the project root.
func (h *Handlers) PostMessage(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "id")
	thread, err := h.deps.Threads.GetThread(threadID)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Content        string   `json:"content"`
		Model          string   `json:"model"`
		PermissionMode string   `json:"permission_mode"`
		Provider       string   `json:"provider"`
		Images         []string `json:"images"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Content == "" {
		writeError(w, common.Ef(common.KindBadRequest, "content is required"))
		return
	}

	cwd := thread.WorktreePath
	if cwd == "" {
		project, err := h.deps.Projects.GetProject(thread.ProjectID)
		if err != nil {
			writeError(w, err)
			return
		}
		cwd = project.Path
	}

	if err := h.deps.Agents.StartAgent(r.Context(), agent.StartRequest{
		ThreadID:       threadID,
		Prompt:         body.Content,
		Cwd:            cwd,
		Model:          body.Model,
		PermissionMode: body.PermissionMode,
		Provider:       body.Provider,
		Images:         body.Images,
	}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"thread_id": threadID, "status": "started"})
}

func (h *Handlers) StopThread(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.deps.Threads.GetThread(id); err != nil {
		writeError(w, err)
		return
	}
	h.deps.Agents.StopAgent(id)
	writeJSON(w, http.StatusOK, map[string]string{"thread_id": id, "status": "stopped"})
}

func (h *Handlers) SetStage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Stage string `json:"stage"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := h.deps.Threads.SetStage(id, body.Stage); err != nil {
		writeError(w, err)
		return
	}
	thread, err := h.deps.Threads.GetThread(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

// --- automations ---

func (h *Handlers) ListAutomations(w http.ResponseWriter, r *http.Request) {
	automations, err := h.deps.Automations.ListForProject(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, automations)
}

func (h *Handlers) CreateAutomation(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	if _, err := h.deps.Projects.GetProject(projectID); err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Name          string `json:"name"`
		Prompt        string `json:"prompt"`
		CronExpr      string `json:"cron_expr"`
		Enabled       *bool  `json:"enabled"`
		MaxRunHistory int    `json:"max_run_history"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	a := &store.Automation{
		ProjectID:     projectID,
		Name:          body.Name,
		Prompt:        body.Prompt,
		CronExpr:      body.CronExpr,
		Enabled:       body.Enabled == nil || *body.Enabled,
		MaxRunHistory: body.MaxRunHistory,
	}
	if err := h.deps.Automations.CreateAutomation(a); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handlers) DeleteAutomation(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Automations.DeleteAutomation(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) ListAutomationRuns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.deps.Automations.GetAutomation(id); err != nil {
		writeError(w, err)
		return
	}
	runs, err := h.deps.Automations.ListRuns(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}
