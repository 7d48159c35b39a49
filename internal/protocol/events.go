// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package protocol defines the server-to-client event frames shared by the
// WebSocket broker and its producers.
package protocol

// Event types emitted to clients.
const (
	EventAgentInit       = "agent:init"
	EventAgentMessage    = "agent:message"
	EventAgentToolCall   = "agent:tool_call"
	EventAgentToolOutput = "agent:tool_output"
	EventAgentStatus     = "agent:status"
	EventAgentResult     = "agent:result"
	EventAgentError      = "agent:error"

	EventCommandOutput = "command:output"
	EventCommandStatus = "command:status"

	EventAutomationRunStarted   = "automation:run_started"
	EventAutomationRunCompleted = "automation:run_completed"

	EventGitStatus = "git:status"

	EventPtyData = "pty:data"
	EventPtyExit = "pty:exit"

	EventThreadQueueUpdate = "thread:queue_update"
)

// Event is one server-to-client frame. Data is event-type specific.
type Event struct {
	Type     string         `json:"type"`
	ThreadID string         `json:"threadId,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// New builds an event frame.
func New(eventType, threadID string, data map[string]any) Event {
	return Event{Type: eventType, ThreadID: threadID, Data: data}
}
