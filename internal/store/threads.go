// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/strandhq/strand/internal/common"
)

// ThreadManager persists threads and their transcripts. Writes for a given
// thread are expected to arrive from a single goroutine (the message
// handler), matching the per-thread ordering guarantee.
type ThreadManager struct {
	db *gorm.DB
}

// NewThreadManager creates a thread manager.
func NewThreadManager(db *DB) *ThreadManager {
	return &ThreadManager{db: db.Gorm()}
}

// CreateThread inserts a new thread.
func (m *ThreadManager) CreateThread(thread *Thread) error {
	if thread.ProjectID == "" {
		return common.E(common.KindBadRequest, "thread requires a project")
	}
	return m.db.Create(thread).Error
}

// GetThread loads a thread by id.
func (m *ThreadManager) GetThread(id string) (*Thread, error) {
	var thread Thread
	if err := m.db.First(&thread, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.Ef(common.KindNotFound, "thread %s not found", id)
		}
		return nil, err
	}
	return &thread, nil
}

// ListThreads returns a project's threads, newest first. Archived threads
// are excluded unless requested.
func (m *ThreadManager) ListThreads(projectID string, includeArchived bool) ([]Thread, error) {
	q := m.db.Where("project_id = ?", projectID)
	if !includeArchived {
		q = q.Where("archived = ?", false).Where("stage <> ?", StageArchived)
	}
	var threads []Thread
	err := q.Order("created_at DESC").Find(&threads).Error
	return threads, err
}

// UpdateThread saves all thread fields.
func (m *ThreadManager) UpdateThread(thread *Thread) error {
	return m.db.Save(thread).Error
}

// DeleteThread removes a thread and, via cascade, its transcript.
func (m *ThreadManager) DeleteThread(id string) error {
	res := m.db.Delete(&Thread{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return common.Ef(common.KindNotFound, "thread %s not found", id)
	}
	return nil
}

// terminalStatuses get a completion timestamp.
var terminalStatuses = map[string]bool{
	ThreadCompleted:   true,
	ThreadFailed:      true,
	ThreadStopped:     true,
	ThreadInterrupted: true,
}

// SetStatus updates a thread's status, stamping CompletedAt on terminal
// states only.
func (m *ThreadManager) SetStatus(id, status string) error {
	updates := map[string]any{"status": status}
	if terminalStatuses[status] {
		now := time.Now()
		updates["completed_at"] = &now
	}
	return m.db.Model(&Thread{}).Where("id = ?", id).Updates(updates).Error
}

// SetSessionID records the provider session for resume.
func (m *ThreadManager) SetSessionID(id, sessionID string) error {
	return m.db.Model(&Thread{}).Where("id = ?", id).Update("session_id", sessionID).Error
}

// ClearSessionID drops the provider session after an unrecoverable resume
// error or an explicit reset.
func (m *ThreadManager) ClearSessionID(id string) error {
	return m.db.Model(&Thread{}).Where("id = ?", id).Update("session_id", "").Error
}

// SetPermissionMode persists a permission mode change (e.g. the plan to
// acceptEdits downgrade on resume).
func (m *ThreadManager) SetPermissionMode(id, mode string) error {
	return m.db.Model(&Thread{}).Where("id = ?", id).Update("permission_mode", mode).Error
}

// AddCost accumulates run cost on the thread.
func (m *ThreadManager) AddCost(id string, delta float64) error {
	return m.db.Model(&Thread{}).Where("id = ?", id).
		Update("cost_usd", gorm.Expr("cost_usd + ?", delta)).Error
}

// SetStage moves a thread to a stage and appends a StageHistory row.
func (m *ThreadManager) SetStage(id, toStage string) error {
	thread, err := m.GetThread(id)
	if err != nil {
		return err
	}
	if thread.Stage == toStage {
		return nil
	}
	return m.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Thread{}).Where("id = ?", id).Update("stage", toStage).Error; err != nil {
			return err
		}
		return tx.Create(&StageHistory{
			ThreadID:  id,
			FromStage: thread.Stage,
			ToStage:   toStage,
		}).Error
	})
}

// StageHistoryFor returns a thread's stage transitions in order.
func (m *ThreadManager) StageHistoryFor(threadID string) ([]StageHistory, error) {
	var history []StageHistory
	err := m.db.Where("thread_id = ?", threadID).Order("changed_at ASC").Find(&history).Error
	return history, err
}

// ActiveThreadForBranch finds a running or waiting thread on the branch, if
// any. At most one may exist per (project, branch).
func (m *ThreadManager) ActiveThreadForBranch(projectID, branch string) (*Thread, error) {
	var thread Thread
	err := m.db.Where("project_id = ? AND branch = ? AND status IN ?",
		projectID, branch, []string{ThreadRunning, ThreadWaiting}).
		First(&thread).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &thread, nil
}

// CreateMessage appends a transcript message.
func (m *ThreadManager) CreateMessage(msg *Message) error {
	return m.db.Create(msg).Error
}

// UpdateMessageContent replaces a message's content. Streaming providers
// re-send a growing message body under the same id.
func (m *ThreadManager) UpdateMessageContent(id, content string) error {
	return m.db.Model(&Message{}).Where("id = ?", id).Update("content", content).Error
}

// ListMessages returns a thread's transcript in order with tool calls.
func (m *ThreadManager) ListMessages(threadID string) ([]Message, error) {
	var messages []Message
	err := m.db.Where("thread_id = ?", threadID).
		Preload("ToolCalls", func(tx *gorm.DB) *gorm.DB { return tx.Order("created_at ASC") }).
		Order("created_at ASC").
		Find(&messages).Error
	return messages, err
}

// CreateToolCall inserts a tool invocation.
func (m *ThreadManager) CreateToolCall(tc *ToolCall) error {
	return m.db.Create(tc).Error
}

// SetToolCallOutput writes a tool call's output at most once: a second
// write for the same id is ignored.
func (m *ThreadManager) SetToolCallOutput(id, output string) error {
	return m.db.Model(&ToolCall{}).
		Where("id = ? AND output IS NULL", id).
		Update("output", output).Error
}

// GetToolCall loads a tool call by id.
func (m *ThreadManager) GetToolCall(id string) (*ToolCall, error) {
	var tc ToolCall
	if err := m.db.First(&tc, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.Ef(common.KindNotFound, "tool call %s not found", id)
		}
		return nil, err
	}
	return &tc, nil
}

// FindToolCall looks a tool call up by its resume dedup key.
func (m *ThreadManager) FindToolCall(messageID, name, input string) (*ToolCall, error) {
	var tc ToolCall
	err := m.db.Where("message_id = ? AND name = ? AND input = ?", messageID, name, input).
		First(&tc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tc, nil
}
