// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

package director

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandhq/strand/internal/common"
	"github.com/strandhq/strand/internal/config"
	"github.com/strandhq/strand/internal/fsm"
	"github.com/strandhq/strand/internal/gitops"
)

type notifyLog struct {
	mu     sync.Mutex
	events []string
}

func (n *notifyLog) fn() NotifyFunc {
	return func(eventType, branch string, _ map[string]any) {
		n.mu.Lock()
		defer n.mu.Unlock()
		n.events = append(n.events, eventType+":"+branch)
	}
}

func (n *notifyLog) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

func newTestDirector(t *testing.T, maxResolveRuns int) (*Director, *notifyLog) {
	t.Helper()
	notes := &notifyLog{}
	cfg := config.DirectorConfig{TargetBranch: "main", MaxResolveRuns: maxResolveRuns}
	d := New(cfg, config.CleanupConfig{}, nil, t.TempDir(), gitops.Identity{}, notes.fn())
	d.destroy = func(context.Context, *candidate) {}
	return d, notes
}

func TestDirector_CleanMergeReachesHistory(t *testing.T) {
	d, notes := newTestDirector(t, 1)
	d.merge = func(context.Context, *candidate) error { return nil }

	require.NoError(t, d.MarkReady("pipeline/abc", "/tmp/wt"))
	d.Sweep(context.Background())

	state, ok := d.BranchState("pipeline/abc")
	require.True(t, ok)
	assert.Equal(t, fsm.BranchMergeHistory, state)
	assert.Equal(t, []string{"director.merged:pipeline/abc"}, notes.all())
}

func TestDirector_ConflictResolvedOnRetry(t *testing.T) {
	d, notes := newTestDirector(t, 2)

	var mergeCalls, resolveCalls int
	d.merge = func(context.Context, *candidate) error {
		mergeCalls++
		if mergeCalls == 1 {
			return common.Ef(common.KindConflict, "rebase conflict in main.go")
		}
		return nil
	}
	d.resolve = func(context.Context, *candidate, error) error {
		resolveCalls++
		return nil
	}

	require.NoError(t, d.MarkReady("pipeline/abc", ""))
	d.Sweep(context.Background())

	state, _ := d.BranchState("pipeline/abc")
	assert.Equal(t, fsm.BranchMergeHistory, state)
	assert.Equal(t, 2, mergeCalls)
	assert.Equal(t, 1, resolveCalls)
	assert.Contains(t, notes.all(), "director.conflict:pipeline/abc")
	assert.Contains(t, notes.all(), "director.merged:pipeline/abc")
}

func TestDirector_ResolutionExhaustionReturnsToReady(t *testing.T) {
	d, notes := newTestDirector(t, 1)
	d.merge = func(context.Context, *candidate) error {
		return common.Ef(common.KindConflict, "rebase conflict")
	}
	d.resolve = func(context.Context, *candidate, error) error { return nil }

	require.NoError(t, d.MarkReady("pipeline/abc", ""))
	d.Sweep(context.Background())

	// Back to ready for a human; no merge notification.
	state, _ := d.BranchState("pipeline/abc")
	assert.Equal(t, fsm.BranchReady, state)
	assert.Contains(t, notes.all(), "director.needs_attention:pipeline/abc")
	assert.NotContains(t, notes.all(), "director.merged:pipeline/abc")
}

func TestDirector_NonConflictErrorSkipsResolution(t *testing.T) {
	d, notes := newTestDirector(t, 3)

	var resolveCalls int
	d.merge = func(context.Context, *candidate) error {
		return common.Ef(common.KindProcess, "git binary missing")
	}
	d.resolve = func(context.Context, *candidate, error) error {
		resolveCalls++
		return nil
	}

	require.NoError(t, d.MarkReady("pipeline/abc", ""))
	d.Sweep(context.Background())

	assert.Zero(t, resolveCalls)
	state, _ := d.BranchState("pipeline/abc")
	assert.Equal(t, fsm.BranchReady, state)
	assert.Contains(t, notes.all(), "director.needs_attention:pipeline/abc")
}

func TestDirector_MarkReadyDuplicate(t *testing.T) {
	d, _ := newTestDirector(t, 1)
	require.NoError(t, d.MarkReady("pipeline/abc", ""))
	err := d.MarkReady("pipeline/abc", "")
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindConflict))
}

func TestDirector_SweepSkipsNonReadyBranches(t *testing.T) {
	d, _ := newTestDirector(t, 1)
	var mergeCalls int
	d.merge = func(context.Context, *candidate) error {
		mergeCalls++
		return nil
	}

	require.NoError(t, d.MarkReady("pipeline/abc", ""))
	d.Sweep(context.Background())
	d.Sweep(context.Background()) // already merge_history

	assert.Equal(t, 1, mergeCalls)
}

func TestDirector_DisabledIntervalDoesNotStartLoop(t *testing.T) {
	d, _ := newTestDirector(t, 1)
	require.NoError(t, d.Start())
	assert.Nil(t, d.cron)
	d.Stop()
}
