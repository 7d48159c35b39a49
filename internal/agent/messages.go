// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package agent runs LM provider CLIs as streaming subprocesses and
// normalizes their output into persistent thread transcripts and live
// events.
package agent

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// CLI message types across providers.
const (
	MessageSystem         = "system"
	MessageAssistant      = "assistant"
	MessageUser           = "user"
	MessageResult         = "result"
	MessageControlRequest = "control_request"
)

// Content block types inside assistant and user messages.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// CLIMessage is one line of a provider's stream-JSON output, normalized
// across Claude, Codex, and Gemini CLIs.
type CLIMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// system.init fields
	SessionID string   `json:"session_id,omitempty"`
	Tools     []string `json:"tools,omitempty"`
	Cwd       string   `json:"cwd,omitempty"`
	Model     string   `json:"model,omitempty"`

	// assistant / user payload
	Message *InnerMessage `json:"message,omitempty"`

	// result fields
	Result      string  `json:"result,omitempty"`
	IsError     bool    `json:"is_error,omitempty"`
	TotalCost   float64 `json:"total_cost_usd,omitempty"`
	DurationMs  int64   `json:"duration_ms,omitempty"`
	NumTurns    int     `json:"num_turns,omitempty"`
	UsageTokens int64   `json:"usage_tokens,omitempty"`

	// control_request fields
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`
}

// InnerMessage is the provider message envelope carrying content blocks.
type InnerMessage struct {
	ID      string         `json:"id,omitempty"`
	Role    string         `json:"role,omitempty"`
	Content []ContentBlock `json:"content,omitempty"`
}

// ContentBlock is one unit of message content.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ControlRequest is a provider-initiated request requiring a host decision.
type ControlRequest struct {
	Subtype      string          `json:"subtype,omitempty"`
	ToolName     string          `json:"tool_name,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	PermissionID string          `json:"permission_suggestion_id,omitempty"`
}

// ParseCLIMessage decodes one stream line. Blank lines and non-JSON noise
// return a nil message with no error; providers interleave plain log lines
// with the JSON stream.
func ParseCLIMessage(line []byte) (*CLIMessage, error) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" || !strings.HasPrefix(trimmed, "{") {
		return nil, nil
	}
	var msg CLIMessage
	if err := json.Unmarshal([]byte(trimmed), &msg); err != nil {
		return nil, fmt.Errorf("malformed stream line: %w", err)
	}
	if msg.Type == "" {
		return nil, nil
	}
	return &msg, nil
}

// TextContent concatenates the text blocks of an inner message.
func (m *InnerMessage) TextContent() string {
	var sb strings.Builder
	for _, block := range m.Content {
		if block.Type == BlockText {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

// ToolResultText renders a tool_result block's content as a string. Content
// may be a bare string or a list of text blocks.
func (b *ContentBlock) ToolResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(b.Content, &asString); err == nil {
		return asString
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err == nil {
		var sb strings.Builder
		for _, inner := range blocks {
			if inner.Type == BlockText {
				sb.WriteString(inner.Text)
			}
		}
		return sb.String()
	}
	return string(b.Content)
}

// DecodeUnicodeEscapes resolves literal \uXXXX sequences some providers
// leave in text surfaces. Surrogate pairs are combined; malformed escapes
// pass through unchanged.
func DecodeUnicodeEscapes(s string) string {
	if !strings.Contains(s, `\u`) {
		return s
	}
	var sb strings.Builder
	i := 0
	for i < len(s) {
		if i+6 <= len(s) && s[i] == '\\' && s[i+1] == 'u' {
			if code, err := strconv.ParseUint(s[i+2:i+6], 16, 32); err == nil {
				r := rune(code)
				// High surrogate: try to pair with a following \uXXXX.
				if r >= 0xD800 && r <= 0xDBFF && i+12 <= len(s) && s[i+6] == '\\' && s[i+7] == 'u' {
					if low, err := strconv.ParseUint(s[i+8:i+12], 16, 32); err == nil {
						lr := rune(low)
						if lr >= 0xDC00 && lr <= 0xDFFF {
							sb.WriteRune(0x10000 + (r-0xD800)<<10 + (lr - 0xDC00))
							i += 12
							continue
						}
					}
				}
				if r < 0xD800 || r > 0xDFFF {
					sb.WriteRune(r)
					i += 6
					continue
				}
			}
		}
		sb.WriteByte(s[i])
		i++
	}
	return sb.String()
}
