// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

package gitops

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/strandhq/strand/internal/procrun"
)

// StatusSummary aggregates the sync-relevant facts about a branch checkout.
type StatusSummary struct {
	Branch              string `json:"branch"`
	DirtyFileCount      int    `json:"dirtyFileCount"`
	UnpushedCommitCount int    `json:"unpushedCommitCount"`
	HasRemoteBranch     bool   `json:"hasRemoteBranch"`
	IsMergedIntoBase    bool   `json:"isMergedIntoBase"`
	LinesAdded          int    `json:"linesAdded"`
	LinesDeleted        int    `json:"linesDeleted"`
}

// SyncState is the single-word rollup of a StatusSummary.
type SyncState string

const (
	SyncDirty    SyncState = "dirty"
	SyncUnpushed SyncState = "unpushed"
	SyncPushed   SyncState = "pushed"
	SyncMerged   SyncState = "merged"
	SyncClean    SyncState = "clean"
)

// DeriveSyncState rolls a summary up to one state with precedence
// dirty, unpushed, merged, pushed, clean.
func DeriveSyncState(s StatusSummary) SyncState {
	switch {
	case s.DirtyFileCount > 0:
		return SyncDirty
	case s.UnpushedCommitCount > 0:
		return SyncUnpushed
	case s.IsMergedIntoBase:
		return SyncMerged
	case s.HasRemoteBranch:
		return SyncPushed
	default:
		return SyncClean
	}
}

// StatusSummary collects branch status from a worktree checkout. baseBranch
// defaults to the repository default branch.
func (s *Service) StatusSummary(ctx context.Context, worktreeCwd, baseBranch string) (*StatusSummary, error) {
	branch, err := s.CurrentBranch(ctx, worktreeCwd)
	if err != nil {
		return nil, err
	}
	if baseBranch == "" {
		baseBranch, err = s.DefaultBranch(ctx, worktreeCwd)
		if err != nil {
			return nil, err
		}
	}

	summary := &StatusSummary{Branch: branch}

	res, err := s.git(ctx, worktreeCwd, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to read status: %w", err)
	}
	summary.DirtyFileCount = len(splitLines(res.Stdout))

	res, err = s.gitWithOpts(ctx, worktreeCwd, procrun.Options{AcceptNonZero: true},
		"show-ref", "--verify", "--quiet", "refs/remotes/origin/"+branch)
	if err != nil {
		return nil, fmt.Errorf("failed to check remote branch: %w", err)
	}
	summary.HasRemoteBranch = res.ExitCode == 0

	upstream := "refs/remotes/origin/" + branch
	if !summary.HasRemoteBranch && baseBranch != "" {
		upstream = baseBranch
	}
	if upstream != "" {
		res, err = s.gitWithOpts(ctx, worktreeCwd, procrun.Options{AcceptNonZero: true},
			"rev-list", "--count", upstream+"..HEAD")
		if err == nil && res.ExitCode == 0 {
			summary.UnpushedCommitCount, _ = strconv.Atoi(strings.TrimSpace(res.Stdout))
		}
	}

	if baseBranch != "" && baseBranch != branch {
		merged, err := s.isMergedIntoBase(ctx, worktreeCwd, baseBranch, branch)
		if err != nil {
			return nil, err
		}
		summary.IsMergedIntoBase = merged

		res, err = s.gitWithOpts(ctx, worktreeCwd, procrun.Options{AcceptNonZero: true},
			"diff", "--shortstat", baseBranch+"...HEAD")
		if err == nil && res.ExitCode == 0 {
			summary.LinesAdded, summary.LinesDeleted = parseShortstat(res.Stdout)
		}
	}

	return summary, nil
}

// isMergedIntoBase distinguishes an actually merged branch from one that
// never diverged. git cherry lists the branch's own commits relative to
// base: no commits at all means the branch never diverged (not merged); any
// commit still missing from base ('+') means not merged; otherwise every
// own commit is patch-present in base.
func (s *Service) isMergedIntoBase(ctx context.Context, cwd, base, branch string) (bool, error) {
	res, err := s.gitWithOpts(ctx, cwd, procrun.Options{AcceptNonZero: true},
		"cherry", base, branch)
	if err != nil {
		return false, fmt.Errorf("failed to compare %s against %s: %w", branch, base, err)
	}
	if res.ExitCode != 0 {
		return false, nil
	}
	return cherryMerged(res.Stdout), nil
}

// cherryMerged interprets git cherry output: empty means no own commits
// (never diverged), a '+' line means a commit base lacks.
func cherryMerged(out string) bool {
	lines := splitLines(out)
	if len(lines) == 0 {
		return false
	}
	for _, line := range lines {
		if strings.HasPrefix(line, "+") {
			return false
		}
	}
	return true
}

var shortstatRegex = regexp.MustCompile(`(?:(\d+) insertion)|(?:(\d+) deletion)`)

// parseShortstat extracts insertion and deletion counts from
// "N files changed, X insertions(+), Y deletions(-)".
func parseShortstat(out string) (added, deleted int) {
	for _, m := range shortstatRegex.FindAllStringSubmatch(out, -1) {
		if m[1] != "" {
			added, _ = strconv.Atoi(m[1])
		}
		if m[2] != "" {
			deleted, _ = strconv.Atoi(m[2])
		}
	}
	return added, deleted
}

// ChangeStats measures a branch's diff against base for tier classification.
type ChangeStats struct {
	FilesChanged int
	LinesChanged int
}

// DiffStats returns the number of files and total lines changed between base
// and branch.
func (s *Service) DiffStats(ctx context.Context, cwd, base, branch string) (*ChangeStats, error) {
	if err := validateBranchName(base); err != nil {
		return nil, err
	}
	if err := validateBranchName(branch); err != nil {
		return nil, err
	}

	res, err := s.git(ctx, cwd, "diff", "--name-only", base+"..."+branch)
	if err != nil {
		return nil, fmt.Errorf("failed to diff %s...%s: %w", base, branch, err)
	}
	files := len(splitLines(res.Stdout))

	res, err = s.git(ctx, cwd, "diff", "--shortstat", base+"..."+branch)
	if err != nil {
		return nil, fmt.Errorf("failed to diff %s...%s: %w", base, branch, err)
	}
	added, deleted := parseShortstat(res.Stdout)

	return &ChangeStats{FilesChanged: files, LinesChanged: added + deleted}, nil
}
