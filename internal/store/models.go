// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store persists projects, threads, transcripts, and automations in
// SQLite via GORM.
package store

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Thread status values.
const (
	ThreadIdle        = "idle"
	ThreadPending     = "pending"
	ThreadRunning     = "running"
	ThreadWaiting     = "waiting"
	ThreadCompleted   = "completed"
	ThreadFailed      = "failed"
	ThreadStopped     = "stopped"
	ThreadInterrupted = "interrupted"
)

// Thread stage values.
const (
	StageBacklog    = "backlog"
	StageInProgress = "in_progress"
	StageReview     = "review"
	StageDone       = "done"
	StageArchived   = "archived"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// StringList is a JSON-encoded list stored in a text column.
type StringList []string

// Scan implements the sql.Scanner interface
func (l *StringList) Scan(value any) error {
	if value == nil {
		*l = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return errors.New("cannot scan StringList from non-string/[]byte value")
	}
}

// Value implements the driver.Valuer interface
func (l StringList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "[]", nil
	}
	return json.Marshal(l)
}

// Project represents a git repository the user works in
type Project struct {
	ID           string    `gorm:"primaryKey;type:text" json:"id"`
	Name         string    `gorm:"not null;type:text;uniqueIndex:idx_project_name" json:"name"`
	Path         string    `gorm:"not null;type:text;uniqueIndex:idx_project_path" json:"path"`
	FollowUpMode string    `gorm:"type:text;default:queue" json:"follow_up_mode"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	// Relations
	Threads     []Thread     `gorm:"foreignKey:ProjectID;constraint:OnDelete:CASCADE" json:"threads,omitempty"`
	Automations []Automation `gorm:"foreignKey:ProjectID;constraint:OnDelete:CASCADE" json:"automations,omitempty"`
}

func (Project) TableName() string { return "projects" }

// BeforeCreate assigns an id when missing
func (p *Project) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.FollowUpMode == "" {
		p.FollowUpMode = "queue"
	}
	return nil
}

// Thread represents one conversation with an agent
type Thread struct {
	ID                string  `gorm:"primaryKey;type:text" json:"id"`
	ProjectID         string  `gorm:"not null;type:text;index" json:"project_id"`
	Title             string  `gorm:"type:text" json:"title"`
	Mode              string  `gorm:"type:text;default:local" json:"mode"` // local | worktree
	Status            string  `gorm:"type:text;default:idle;index" json:"status"`
	Stage             string  `gorm:"type:text;default:backlog;index" json:"stage"`
	Provider          string  `gorm:"type:text" json:"provider"`
	Model             string  `gorm:"type:text" json:"model"`
	PermissionMode    string  `gorm:"type:text" json:"permission_mode"`
	Branch            string  `gorm:"type:text;index" json:"branch"`
	BaseBranch        string  `gorm:"type:text" json:"base_branch"`
	WorktreePath      string  `gorm:"type:text" json:"worktree_path"`
	SessionID         string  `gorm:"type:text" json:"session_id"`
	CostUSD           float64 `gorm:"default:0" json:"cost_usd"`
	Pinned            bool    `gorm:"default:false" json:"pinned"`
	Archived          bool    `gorm:"default:false" json:"archived"`
	AutomationID      string  `gorm:"type:text;index" json:"automation_id,omitempty"`
	ExternalRequestID string  `gorm:"type:text;index" json:"external_request_id,omitempty"`

	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Relations
	Messages []Message `gorm:"foreignKey:ThreadID;constraint:OnDelete:CASCADE" json:"messages,omitempty"`
}

func (Thread) TableName() string { return "threads" }

// BeforeCreate assigns an id when missing
func (t *Thread) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Mode == "" {
		t.Mode = "local"
	}
	if t.Status == "" {
		t.Status = ThreadIdle
	}
	if t.Stage == "" {
		t.Stage = StageBacklog
	}
	return nil
}

// Message is one transcript entry of a thread
type Message struct {
	ID             string     `gorm:"primaryKey;type:text" json:"id"`
	ThreadID       string     `gorm:"not null;type:text;index" json:"thread_id"`
	Role           string     `gorm:"not null;type:text" json:"role"`
	Content        string     `gorm:"type:text" json:"content"`
	Model          string     `gorm:"type:text" json:"model,omitempty"`
	PermissionMode string     `gorm:"type:text" json:"permission_mode,omitempty"`
	Images         StringList `gorm:"type:text" json:"images,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime;index" json:"created_at"`

	// Relations
	ToolCalls []ToolCall `gorm:"foreignKey:MessageID;constraint:OnDelete:CASCADE" json:"tool_calls,omitempty"`
}

func (Message) TableName() string { return "messages" }

// BeforeCreate assigns an id when missing
func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

// ToolCall is one tool invocation inside an assistant message. Output is
// written at most once; (message, name, input) serves as the dedup key on
// session resume.
type ToolCall struct {
	ID        string    `gorm:"primaryKey;type:text" json:"id"`
	MessageID string    `gorm:"not null;type:text;index:idx_toolcall_dedup" json:"message_id"`
	Name      string    `gorm:"not null;type:text;index:idx_toolcall_dedup" json:"name"`
	Input     string    `gorm:"type:text" json:"input"`
	Output    *string   `gorm:"type:text" json:"output,omitempty"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (ToolCall) TableName() string { return "tool_calls" }

// BeforeCreate assigns an id when missing
func (tc *ToolCall) BeforeCreate(tx *gorm.DB) error {
	if tc.ID == "" {
		tc.ID = uuid.NewString()
	}
	return nil
}

// StageHistory is the append-only stage transition log of a thread
type StageHistory struct {
	ID        string    `gorm:"primaryKey;type:text" json:"id"`
	ThreadID  string    `gorm:"not null;type:text;index" json:"thread_id"`
	FromStage string    `gorm:"type:text" json:"from_stage"`
	ToStage   string    `gorm:"not null;type:text" json:"to_stage"`
	ChangedAt time.Time `gorm:"autoCreateTime;index" json:"changed_at"`
}

func (StageHistory) TableName() string { return "stage_history" }

// BeforeCreate assigns an id when missing
func (s *StageHistory) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// Automation is a scheduled prompt bound to a project
type Automation struct {
	ID            string     `gorm:"primaryKey;type:text" json:"id"`
	ProjectID     string     `gorm:"not null;type:text;index" json:"project_id"`
	Name          string     `gorm:"not null;type:text" json:"name"`
	Prompt        string     `gorm:"not null;type:text" json:"prompt"`
	CronExpr      string     `gorm:"not null;type:text" json:"cron_expr"`
	Enabled       bool       `gorm:"default:true" json:"enabled"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	MaxRunHistory int        `gorm:"default:20" json:"max_run_history"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`

	// Relations
	Runs []AutomationRun `gorm:"foreignKey:AutomationID;constraint:OnDelete:CASCADE" json:"runs,omitempty"`
}

func (Automation) TableName() string { return "automations" }

// BeforeCreate assigns an id when missing
func (a *Automation) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.MaxRunHistory <= 0 {
		a.MaxRunHistory = 20
	}
	return nil
}

// AutomationRun records one scheduled execution and the thread it created
type AutomationRun struct {
	ID           string     `gorm:"primaryKey;type:text" json:"id"`
	AutomationID string     `gorm:"not null;type:text;index" json:"automation_id"`
	ThreadID     string     `gorm:"type:text" json:"thread_id"`
	Status       string     `gorm:"type:text;default:running" json:"status"`
	StartedAt    time.Time  `gorm:"autoCreateTime" json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

func (AutomationRun) TableName() string { return "automation_runs" }

// BeforeCreate assigns an id when missing
func (r *AutomationRun) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = "running"
	}
	return nil
}
