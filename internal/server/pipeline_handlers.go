// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/strandhq/strand/internal/bus"
	"github.com/strandhq/strand/internal/common"
	"github.com/strandhq/strand/internal/pipeline"
)

// PipelineHandlers serves QA pipeline submission, status, and the SSE
// event stream.
type PipelineHandlers struct {
	runner *pipeline.Runner
	bus    *bus.Bus
}

// Run accepts a pipeline request. A duplicate for a branch that already has
// a live run answers 200 with the incumbent's id instead of starting a new
// one.
func (h *PipelineHandlers) Run(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Branch       string            `json:"branch"`
		WorktreePath string            `json:"worktree_path"`
		BaseBranch   string            `json:"base_branch"`
		Metadata     map[string]string `json:"metadata"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}

	req, duplicate, err := h.runner.Run(pipeline.RunRequest{
		Branch:       body.Branch,
		WorktreePath: body.WorktreePath,
		BaseBranch:   body.BaseBranch,
		Metadata:     body.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	status, code := "accepted", http.StatusAccepted
	if duplicate {
		status, code = "already_running", http.StatusOK
	}
	writeJSON(w, code, map[string]string{
		"request_id": req.ID,
		"status":     status,
		"events_url": fmt.Sprintf("/pipeline/%s/events", req.ID),
	})
}

func (h *PipelineHandlers) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.runner.List())
}

func (h *PipelineHandlers) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, ok := h.runner.Get(id)
	if !ok {
		writeError(w, common.Ef(common.KindNotFound, "pipeline %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, req.Snapshot())
}

func (h *PipelineHandlers) Stop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.runner.Stop(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"request_id": id, "status": "stopping"})
}

// Events streams the request's event log as SSE: full history first, then
// live events until the request reaches a terminal state or the client
// disconnects. Streaming a finished request replays history and closes.
func (h *PipelineHandlers) Events(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, ok := h.runner.Get(id)
	if !ok {
		writeError(w, common.Ef(common.KindNotFound, "pipeline %s not found", id))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, common.Ef(common.KindInternal, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, unsubscribe := h.bus.Subscribe(id)
	defer unsubscribe()

	writeEvent := func(ev bus.Event) {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.EventType, data)
		flusher.Flush()
	}

	// Poll for terminal state; after it flips, linger briefly so the final
	// events published around the transition still make it out.
	poll := time.NewTicker(1 * time.Second)
	defer poll.Stop()
	var grace <-chan time.Time

	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			writeEvent(ev)
		case <-poll.C:
			if grace == nil && req.IsTerminal() {
				grace = time.After(500 * time.Millisecond)
			}
		case <-grace:
			for {
				select {
				case ev, open := <-events:
					if !open {
						return
					}
					writeEvent(ev)
				default:
					return
				}
			}
		case <-r.Context().Done():
			return
		}
	}
}
