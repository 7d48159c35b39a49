// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

package agent

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/strandhq/strand/internal/protocol"
	"github.com/strandhq/strand/internal/store"
)

// Broadcaster delivers events to connected clients. The WS broker
// implements it; the handler never calls back into the orchestrator.
type Broadcaster interface {
	Emit(event protocol.Event)
}

// Tools whose completion parks the thread for user input.
const (
	toolAskUserQuestion = "AskUserQuestion"
	toolExitPlanMode    = "ExitPlanMode"
)

// Waiting reasons reported on agent:result.
const (
	WaitingQuestion   = "question"
	WaitingPlan       = "plan"
	WaitingPermission = "permission"
)

// permissionDeniedMarkers are scanned in tool outputs to detect a denied
// permission that the provider does not surface as a control frame.
var permissionDeniedMarkers = []string{
	"permission denied",
	"requested permissions",
	"has not been granted",
}

// heldControl is a control_request parked until the user replies.
type heldControl struct {
	RequestID string
	ToolName  string
	Input     json.RawMessage
}

// threadState is the handler's per-thread stream bookkeeping. It survives
// across resumes of the same thread and is dropped on cleanup.
type threadState struct {
	cliToDB           map[string]string // provider message id -> db message id
	currentAssistant  string            // db message id of the open assistant turn
	toolCallByBlockID map[string]string // provider block id -> db tool call id
	seenBlocks        map[string]bool
	lastToolName      string
	permissionDenied  bool
	resultSeen        bool
	held              *heldControl
}

func newThreadState() *threadState {
	return &threadState{
		cliToDB:           make(map[string]string),
		toolCallByBlockID: make(map[string]string),
		seenBlocks:        make(map[string]bool),
	}
}

// ResultInfo summarizes a finished (or parked) run for the orchestrator.
type ResultInfo struct {
	Status        string
	WaitingReason string
	CostUSD       float64
	DurationMs    int64
}

// Handler normalizes provider streams into the transcript and live events.
// Messages for one thread arrive from one pump goroutine; state mutations
// for a thread are therefore unsynchronized internally, only the state map
// itself is guarded.
type Handler struct {
	threads *store.ThreadManager
	ws      Broadcaster

	mu     sync.Mutex
	states map[string]*threadState

	// OnResult lets the orchestrator react to a run's terminal status
	// (queue draining, stage bookkeeping beyond the handler's own).
	OnResult func(threadID string, info ResultInfo)
}

// NewHandler creates a message handler.
func NewHandler(threads *store.ThreadManager, ws Broadcaster) *Handler {
	return &Handler{
		threads: threads,
		ws:      ws,
		states:  make(map[string]*threadState),
	}
}

func (h *Handler) state(threadID string) *threadState {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.states[threadID]
	if !ok {
		st = newThreadState()
		h.states[threadID] = st
	}
	return st
}

// Cleanup drops the per-thread stream state.
func (h *Handler) Cleanup(threadID string) {
	h.mu.Lock()
	delete(h.states, threadID)
	h.mu.Unlock()
}

// BeginRun resets the per-run flags while keeping the dedup maps that make
// resume idempotent.
func (h *Handler) BeginRun(threadID string) {
	st := h.state(threadID)
	st.resultSeen = false
	st.permissionDenied = false
	st.lastToolName = ""
}

// hasHeldControl reports whether a control request is parked for the
// thread.
func (h *Handler) hasHeldControl(threadID string) bool {
	return h.state(threadID).held != nil
}

// HandleMessage dispatches one normalized provider message.
func (h *Handler) HandleMessage(threadID string, msg *CLIMessage, proc *Process) {
	switch msg.Type {
	case MessageSystem:
		if msg.Subtype == "init" || msg.SessionID != "" {
			h.handleInit(threadID, msg)
		}
	case MessageAssistant:
		h.handleAssistant(threadID, msg)
	case MessageUser:
		h.handleToolResults(threadID, msg)
	case MessageResult:
		h.handleResult(threadID, msg)
	case MessageControlRequest:
		h.handleControlRequest(threadID, msg, proc)
	default:
		getLog().Debug().Str("thread_id", threadID).Str("type", msg.Type).Msg("Ignoring unknown message type")
	}
}

func (h *Handler) handleInit(threadID string, msg *CLIMessage) {
	if msg.SessionID != "" {
		if err := h.threads.SetSessionID(threadID, msg.SessionID); err != nil {
			getLog().Error().Err(err).Str("thread_id", threadID).Msg("Failed to record session id")
		}
	}
	if err := h.threads.SetStatus(threadID, store.ThreadRunning); err != nil {
		getLog().Error().Err(err).Str("thread_id", threadID).Msg("Failed to set thread running")
	}
	h.ws.Emit(protocol.New(protocol.EventAgentInit, threadID, map[string]any{
		"tools": msg.Tools,
		"cwd":   msg.Cwd,
		"model": msg.Model,
	}))
}

// handleAssistant folds cumulative assistant updates into one DB row per
// provider message id and records tool-use blocks exactly once.
func (h *Handler) handleAssistant(threadID string, msg *CLIMessage) {
	if msg.Message == nil {
		return
	}
	st := h.state(threadID)
	inner := msg.Message

	text := DecodeUnicodeEscapes(inner.TextContent())
	if text != "" {
		dbID, known := st.cliToDB[inner.ID]
		if !known {
			row := &store.Message{ThreadID: threadID, Role: store.RoleAssistant, Content: text}
			if err := h.threads.CreateMessage(row); err != nil {
				getLog().Error().Err(err).Str("thread_id", threadID).Msg("Failed to insert assistant message")
				return
			}
			st.cliToDB[inner.ID] = row.ID
			st.currentAssistant = row.ID
			dbID = row.ID
		} else {
			if err := h.threads.UpdateMessageContent(dbID, text); err != nil {
				getLog().Error().Err(err).Str("thread_id", threadID).Msg("Failed to update assistant message")
			}
		}
		h.ws.Emit(protocol.New(protocol.EventAgentMessage, threadID, map[string]any{
			"messageId": dbID,
			"role":      store.RoleAssistant,
			"content":   text,
		}))
	}

	for _, block := range inner.Content {
		if block.Type != BlockToolUse {
			continue
		}
		h.handleToolUse(threadID, st, inner, block)
	}
}

// handleToolUse records a tool invocation, deduplicating against both the
// in-memory block set (streaming re-emission) and the DB (session resume).
func (h *Handler) handleToolUse(threadID string, st *threadState, inner *InnerMessage, block ContentBlock) {
	st.lastToolName = block.Name
	if st.seenBlocks[block.ID] {
		return
	}

	parentID := st.currentAssistant
	if parentID == "" {
		// Tool-only turn: anchor the calls on an empty assistant message.
		row := &store.Message{ThreadID: threadID, Role: store.RoleAssistant}
		if err := h.threads.CreateMessage(row); err != nil {
			getLog().Error().Err(err).Str("thread_id", threadID).Msg("Failed to insert anchor message")
			return
		}
		if inner.ID != "" {
			st.cliToDB[inner.ID] = row.ID
		}
		st.currentAssistant = row.ID
		parentID = row.ID
	}

	input := string(block.Input)
	existing, err := h.threads.FindToolCall(parentID, block.Name, input)
	if err != nil {
		getLog().Error().Err(err).Str("thread_id", threadID).Msg("Tool call dedup query failed")
		return
	}
	if existing != nil {
		st.seenBlocks[block.ID] = true
		st.toolCallByBlockID[block.ID] = existing.ID
		return
	}

	tc := &store.ToolCall{MessageID: parentID, Name: block.Name, Input: input}
	if err := h.threads.CreateToolCall(tc); err != nil {
		getLog().Error().Err(err).Str("thread_id", threadID).Msg("Failed to insert tool call")
		return
	}
	st.seenBlocks[block.ID] = true
	st.toolCallByBlockID[block.ID] = tc.ID

	h.ws.Emit(protocol.New(protocol.EventAgentToolCall, threadID, map[string]any{
		"toolCallId": tc.ID,
		"name":       block.Name,
		"input":      json.RawMessage(input),
	}))
}

// handleToolResults writes tool outputs, at most once per tool call.
func (h *Handler) handleToolResults(threadID string, msg *CLIMessage) {
	if msg.Message == nil {
		return
	}
	st := h.state(threadID)

	for _, block := range msg.Message.Content {
		if block.Type != BlockToolResult {
			continue
		}
		tcID, ok := st.toolCallByBlockID[block.ToolUseID]
		if !ok {
			getLog().Debug().Str("thread_id", threadID).Str("tool_use_id", block.ToolUseID).
				Msg("Tool result for unknown tool call")
			continue
		}
		output := DecodeUnicodeEscapes(block.ToolResultText())
		if isPermissionDenied(output) {
			st.permissionDenied = true
		}
		if err := h.threads.SetToolCallOutput(tcID, output); err != nil {
			getLog().Error().Err(err).Str("thread_id", threadID).Msg("Failed to write tool output")
			continue
		}
		h.ws.Emit(protocol.New(protocol.EventAgentToolOutput, threadID, map[string]any{
			"toolCallId": tcID,
			"output":     output,
			"isError":    block.IsError,
		}))
	}
}

// handleResult records the run's terminal record. The first result wins;
// providers can emit the frame more than once.
func (h *Handler) handleResult(threadID string, msg *CLIMessage) {
	st := h.state(threadID)
	if st.resultSeen {
		return
	}
	st.resultSeen = true

	status := store.ThreadCompleted
	waitingReason := ""
	switch {
	case st.held != nil && st.held.ToolName == toolAskUserQuestion,
		st.lastToolName == toolAskUserQuestion:
		status, waitingReason = store.ThreadWaiting, WaitingQuestion
	case st.held != nil && st.held.ToolName == toolExitPlanMode,
		st.lastToolName == toolExitPlanMode:
		status, waitingReason = store.ThreadWaiting, WaitingPlan
	case st.permissionDenied:
		status, waitingReason = store.ThreadWaiting, WaitingPermission
	case msg.IsError || msg.Subtype == "error":
		status = store.ThreadFailed
	}

	if msg.Result != "" {
		text := DecodeUnicodeEscapes(msg.Result)
		row := &store.Message{ThreadID: threadID, Role: store.RoleSystem, Content: text}
		if err := h.threads.CreateMessage(row); err != nil {
			getLog().Error().Err(err).Str("thread_id", threadID).Msg("Failed to insert result message")
		}
	}
	if msg.TotalCost > 0 {
		if err := h.threads.AddCost(threadID, msg.TotalCost); err != nil {
			getLog().Error().Err(err).Str("thread_id", threadID).Msg("Failed to accumulate cost")
		}
	}
	if err := h.threads.SetStatus(threadID, status); err != nil {
		getLog().Error().Err(err).Str("thread_id", threadID).Msg("Failed to set result status")
	}

	// A finished run moves work out of in_progress for review.
	if status == store.ThreadCompleted || status == store.ThreadFailed {
		if thread, err := h.threads.GetThread(threadID); err == nil && thread.Stage == store.StageInProgress {
			if err := h.threads.SetStage(threadID, store.StageReview); err != nil {
				getLog().Error().Err(err).Str("thread_id", threadID).Msg("Failed to advance stage")
			}
		}
	}

	data := map[string]any{
		"status":     status,
		"cost":       msg.TotalCost,
		"durationMs": msg.DurationMs,
	}
	if waitingReason != "" {
		data["waitingReason"] = waitingReason
	}
	if waitingReason == WaitingPermission && st.lastToolName != "" {
		data["permissionRequest"] = map[string]any{"toolName": st.lastToolName}
	}
	h.ws.Emit(protocol.New(protocol.EventAgentResult, threadID, data))

	if h.OnResult != nil {
		h.OnResult(threadID, ResultInfo{
			Status:        status,
			WaitingReason: waitingReason,
			CostUSD:       msg.TotalCost,
			DurationMs:    msg.DurationMs,
		})
	}
}

// handleControlRequest answers tool approvals immediately and parks
// question/plan requests until the user replies.
func (h *Handler) handleControlRequest(threadID string, msg *CLIMessage, proc *Process) {
	if msg.Request == nil || proc == nil {
		return
	}
	st := h.state(threadID)

	switch msg.Request.ToolName {
	case toolAskUserQuestion, toolExitPlanMode:
		st.held = &heldControl{
			RequestID: msg.RequestID,
			ToolName:  msg.Request.ToolName,
			Input:     msg.Request.Input,
		}
		st.lastToolName = msg.Request.ToolName
		if err := h.threads.SetStatus(threadID, store.ThreadWaiting); err != nil {
			getLog().Error().Err(err).Str("thread_id", threadID).Msg("Failed to set waiting status")
		}
		h.ws.Emit(protocol.New(protocol.EventAgentStatus, threadID, map[string]any{
			"status":   store.ThreadWaiting,
			"toolName": msg.Request.ToolName,
		}))
	default:
		// hook_callback tool approvals are always allowed.
		if err := proc.SendControlResponse(msg.RequestID, map[string]any{
			"behavior": "allow",
		}); err != nil {
			getLog().Error().Err(err).Str("thread_id", threadID).Msg("Failed to send control response")
		}
	}
}

// AnswerHeldControl resolves a parked control request with the user's
// reply. Returns false when nothing was held.
func (h *Handler) AnswerHeldControl(threadID, userReply string, proc *Process) bool {
	st := h.state(threadID)
	if st.held == nil || proc == nil {
		return false
	}
	held := st.held
	st.held = nil

	var input map[string]any
	if len(held.Input) > 0 {
		_ = json.Unmarshal(held.Input, &input)
	}
	if input == nil {
		input = map[string]any{}
	}
	input["result"] = userReply

	if err := proc.SendControlResponse(held.RequestID, map[string]any{
		"behavior":     "allow",
		"updatedInput": input,
	}); err != nil {
		getLog().Error().Err(err).Str("thread_id", threadID).Msg("Failed to answer held control request")
		return false
	}
	return true
}

func isPermissionDenied(output string) bool {
	lower := strings.ToLower(output)
	for _, marker := range permissionDeniedMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
