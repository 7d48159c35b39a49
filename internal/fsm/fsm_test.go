// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

package fsm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineMachine_ValidCycle(t *testing.T) {
	m := NewPipelineMachine()

	require.NoError(t, m.Transition(PipelineRunning))
	require.NoError(t, m.Transition(PipelineCorrecting))
	require.NoError(t, m.Transition(PipelineRunning))
	require.NoError(t, m.Transition(PipelineApproved))

	assert.Equal(t, PipelineApproved, m.State())
}

func TestPipelineMachine_SkipAheadRejected(t *testing.T) {
	m := NewPipelineMachine()

	err := m.Transition(PipelineApproved)
	require.Error(t, err)

	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, PipelineAccepted, te.From)
	assert.Equal(t, PipelineApproved, te.To)
	assert.Equal(t, "pipeline", te.Label)
}

func TestPipelineMachine_TerminalStatesRejectAll(t *testing.T) {
	all := []string{
		PipelineAccepted, PipelineRunning, PipelineCorrecting,
		PipelineApproved, PipelineFailed, PipelineError,
	}
	for _, terminal := range []string{PipelineApproved, PipelineFailed, PipelineError} {
		m := New(PipelineTransitions, terminal, "pipeline")
		for _, target := range all {
			assert.False(t, m.CanTransition(target), "%s -> %s must be invalid", terminal, target)
			assert.Error(t, m.Transition(target))
		}
	}
}

func TestPipelineMachine_Totality(t *testing.T) {
	// Every state appears as a source in the table, and CanTransition is the
	// truth value of "target in successors".
	for state, successors := range PipelineTransitions {
		m := New(PipelineTransitions, state, "pipeline")
		allowed := make(map[string]bool, len(successors))
		for _, s := range successors {
			allowed[s] = true
		}
		for target := range PipelineTransitions {
			assert.Equal(t, allowed[target], m.CanTransition(target),
				"%s -> %s", state, target)
		}
	}
}

func TestBranchMachine_Lifecycle(t *testing.T) {
	m := NewBranchMachine()

	require.NoError(t, m.Transition(BranchReady))
	require.NoError(t, m.Transition(BranchPendingMerge))
	require.NoError(t, m.Transition(BranchMergeHistory))

	assert.Equal(t, BranchMergeHistory, m.State())
	assert.False(t, m.CanTransition(BranchReady))
}

func TestBranchMachine_RebaseSelfLoop(t *testing.T) {
	m := New(BranchTransitions, BranchPendingMerge, "branch")

	require.NoError(t, m.Transition(BranchPendingMerge))
	assert.Equal(t, BranchPendingMerge, m.State())

	// Conflict path: back to ready, then retry.
	require.NoError(t, m.Transition(BranchReady))
	require.NoError(t, m.Transition(BranchPendingMerge))
}

func TestBranchMachine_RemovedIsTerminal(t *testing.T) {
	m := NewBranchMachine()
	require.NoError(t, m.Transition(BranchRemoved))

	for target := range BranchTransitions {
		assert.Error(t, m.Transition(target))
	}
}

func TestTryTransition(t *testing.T) {
	m := NewPipelineMachine()

	assert.True(t, m.TryTransition(PipelineRunning))
	assert.False(t, m.TryTransition(PipelineAccepted))
	assert.Equal(t, PipelineRunning, m.State())
}
