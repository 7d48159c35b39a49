// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandhq/strand/internal/common"
	"github.com/strandhq/strand/internal/config"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(&config.DatabaseConfig{Driver: "sqlite", Database: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedProject(t *testing.T, db *DB) *Project {
	t.Helper()
	pm := NewProjectManager(db)
	project := &Project{Name: "demo", Path: t.TempDir()}
	require.NoError(t, pm.CreateProject(project))
	return project
}

func TestProjectManager_UniqueNameAndPath(t *testing.T) {
	db := testDB(t)
	pm := NewProjectManager(db)

	path := t.TempDir()
	require.NoError(t, pm.CreateProject(&Project{Name: "demo", Path: path}))

	err := pm.CreateProject(&Project{Name: "demo", Path: t.TempDir()})
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindConflict))

	err = pm.CreateProject(&Project{Name: "other", Path: path})
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindConflict))
}

func TestThreadManager_CRUD(t *testing.T) {
	db := testDB(t)
	project := seedProject(t, db)
	tm := NewThreadManager(db)

	thread := &Thread{ProjectID: project.ID, Title: "Add caching", Provider: "claude"}
	require.NoError(t, tm.CreateThread(thread))
	require.NotEmpty(t, thread.ID)
	assert.Equal(t, ThreadIdle, thread.Status)

	loaded, err := tm.GetThread(thread.ID)
	require.NoError(t, err)
	assert.Equal(t, "Add caching", loaded.Title)
	assert.Equal(t, StageBacklog, loaded.Stage)

	_, err = tm.GetThread("missing")
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindNotFound))

	require.NoError(t, tm.DeleteThread(thread.ID))
	_, err = tm.GetThread(thread.ID)
	assert.Error(t, err)
}

func TestThreadManager_TerminalStatusStampsCompletedAt(t *testing.T) {
	db := testDB(t)
	project := seedProject(t, db)
	tm := NewThreadManager(db)

	thread := &Thread{ProjectID: project.ID}
	require.NoError(t, tm.CreateThread(thread))

	require.NoError(t, tm.SetStatus(thread.ID, ThreadRunning))
	loaded, err := tm.GetThread(thread.ID)
	require.NoError(t, err)
	assert.Nil(t, loaded.CompletedAt)

	require.NoError(t, tm.SetStatus(thread.ID, ThreadCompleted))
	loaded, err = tm.GetThread(thread.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.CompletedAt)
}

func TestThreadManager_SessionIDLifecycle(t *testing.T) {
	db := testDB(t)
	project := seedProject(t, db)
	tm := NewThreadManager(db)

	thread := &Thread{ProjectID: project.ID}
	require.NoError(t, tm.CreateThread(thread))

	require.NoError(t, tm.SetSessionID(thread.ID, "sess-abc"))
	loaded, _ := tm.GetThread(thread.ID)
	assert.Equal(t, "sess-abc", loaded.SessionID)

	require.NoError(t, tm.ClearSessionID(thread.ID))
	loaded, _ = tm.GetThread(thread.ID)
	assert.Empty(t, loaded.SessionID)
}

func TestThreadManager_StageHistory(t *testing.T) {
	db := testDB(t)
	project := seedProject(t, db)
	tm := NewThreadManager(db)

	thread := &Thread{ProjectID: project.ID}
	require.NoError(t, tm.CreateThread(thread))

	require.NoError(t, tm.SetStage(thread.ID, StageInProgress))
	require.NoError(t, tm.SetStage(thread.ID, StageInProgress)) // no-op
	require.NoError(t, tm.SetStage(thread.ID, StageReview))

	history, err := tm.StageHistoryFor(thread.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, StageBacklog, history[0].FromStage)
	assert.Equal(t, StageInProgress, history[0].ToStage)
	assert.Equal(t, StageInProgress, history[1].FromStage)
	assert.Equal(t, StageReview, history[1].ToStage)
}

func TestThreadManager_ArchivedExcludedFromListing(t *testing.T) {
	db := testDB(t)
	project := seedProject(t, db)
	tm := NewThreadManager(db)

	visible := &Thread{ProjectID: project.ID, Title: "visible"}
	archived := &Thread{ProjectID: project.ID, Title: "archived", Archived: true}
	require.NoError(t, tm.CreateThread(visible))
	require.NoError(t, tm.CreateThread(archived))

	threads, err := tm.ListThreads(project.ID, false)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, "visible", threads[0].Title)

	threads, err = tm.ListThreads(project.ID, true)
	require.NoError(t, err)
	assert.Len(t, threads, 2)
}

func TestThreadManager_ActiveThreadForBranch(t *testing.T) {
	db := testDB(t)
	project := seedProject(t, db)
	tm := NewThreadManager(db)

	thread := &Thread{ProjectID: project.ID, Branch: "feature/x", Status: ThreadRunning}
	require.NoError(t, tm.CreateThread(thread))

	active, err := tm.ActiveThreadForBranch(project.ID, "feature/x")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, thread.ID, active.ID)

	active, err = tm.ActiveThreadForBranch(project.ID, "feature/y")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestToolCall_OutputWrittenAtMostOnce(t *testing.T) {
	db := testDB(t)
	project := seedProject(t, db)
	tm := NewThreadManager(db)

	thread := &Thread{ProjectID: project.ID}
	require.NoError(t, tm.CreateThread(thread))
	msg := &Message{ThreadID: thread.ID, Role: RoleAssistant}
	require.NoError(t, tm.CreateMessage(msg))

	tc := &ToolCall{MessageID: msg.ID, Name: "Read", Input: `{"path":"main.go"}`}
	require.NoError(t, tm.CreateToolCall(tc))

	require.NoError(t, tm.SetToolCallOutput(tc.ID, "first output"))
	require.NoError(t, tm.SetToolCallOutput(tc.ID, "second output"))

	loaded, err := tm.GetToolCall(tc.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.Output)
	assert.Equal(t, "first output", *loaded.Output)
}

func TestFindToolCall_DedupKey(t *testing.T) {
	db := testDB(t)
	project := seedProject(t, db)
	tm := NewThreadManager(db)

	thread := &Thread{ProjectID: project.ID}
	require.NoError(t, tm.CreateThread(thread))
	msg := &Message{ThreadID: thread.ID, Role: RoleAssistant}
	require.NoError(t, tm.CreateMessage(msg))

	tc := &ToolCall{MessageID: msg.ID, Name: "Bash", Input: `{"cmd":"ls"}`}
	require.NoError(t, tm.CreateToolCall(tc))

	found, err := tm.FindToolCall(msg.ID, "Bash", `{"cmd":"ls"}`)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, tc.ID, found.ID)

	found, err = tm.FindToolCall(msg.ID, "Bash", `{"cmd":"pwd"}`)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestListMessages_OrderedWithToolCalls(t *testing.T) {
	db := testDB(t)
	project := seedProject(t, db)
	tm := NewThreadManager(db)

	thread := &Thread{ProjectID: project.ID}
	require.NoError(t, tm.CreateThread(thread))

	first := &Message{ThreadID: thread.ID, Role: RoleUser, Content: "do the thing"}
	require.NoError(t, tm.CreateMessage(first))
	second := &Message{ThreadID: thread.ID, Role: RoleAssistant, Content: "working on it"}
	require.NoError(t, tm.CreateMessage(second))
	require.NoError(t, tm.CreateToolCall(&ToolCall{MessageID: second.ID, Name: "Edit", Input: "{}"}))

	messages, err := tm.ListMessages(thread.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, RoleUser, messages[0].Role)
	assert.Len(t, messages[1].ToolCalls, 1)
}

func TestAutomationManager_RunHistoryPruned(t *testing.T) {
	db := testDB(t)
	project := seedProject(t, db)
	am := NewAutomationManager(db)

	automation := &Automation{
		ProjectID:     project.ID,
		Name:          "nightly",
		Prompt:        "summarize open threads",
		CronExpr:      "0 2 * * *",
		MaxRunHistory: 3,
	}
	require.NoError(t, am.CreateAutomation(automation))

	for i := 0; i < 5; i++ {
		_, err := am.StartRun(automation.ID, "")
		require.NoError(t, err)
	}

	runs, err := am.ListRuns(automation.ID)
	require.NoError(t, err)
	assert.Len(t, runs, 3)

	loaded, err := am.GetAutomation(automation.ID)
	require.NoError(t, err)
	assert.NotNil(t, loaded.LastRunAt)
}
