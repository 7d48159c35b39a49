// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

package fsm

// Pipeline status states.
const (
	PipelineAccepted   = "accepted"
	PipelineRunning    = "running"
	PipelineCorrecting = "correcting"
	PipelineApproved   = "approved"
	PipelineFailed     = "failed"
	PipelineError      = "error"
)

// PipelineTransitions is the pipeline status table. approved, failed, and
// error are terminal.
var PipelineTransitions = map[string][]string{
	PipelineAccepted:   {PipelineRunning},
	PipelineRunning:    {PipelineCorrecting, PipelineApproved, PipelineFailed, PipelineError},
	PipelineCorrecting: {PipelineRunning},
	PipelineApproved:   {},
	PipelineFailed:     {},
	PipelineError:      {},
}

// NewPipelineMachine creates a pipeline status machine starting at accepted.
func NewPipelineMachine() *Machine {
	return New(PipelineTransitions, PipelineAccepted, "pipeline")
}

// Branch lifecycle states.
const (
	BranchRunning      = "running"
	BranchReady        = "ready"
	BranchPendingMerge = "pending_merge"
	BranchMergeHistory = "merge_history"
	BranchRemoved      = "removed"
)

// BranchTransitions is the branch lifecycle table. The pending_merge
// self-loop represents a rebase retry; merge_history and removed are
// terminal.
var BranchTransitions = map[string][]string{
	BranchRunning:      {BranchReady, BranchRemoved},
	BranchReady:        {BranchPendingMerge},
	BranchPendingMerge: {BranchMergeHistory, BranchReady, BranchPendingMerge},
	BranchMergeHistory: {},
	BranchRemoved:      {},
}

// NewBranchMachine creates a branch lifecycle machine starting at running.
func NewBranchMachine() *Machine {
	return New(BranchTransitions, BranchRunning, "branch")
}
