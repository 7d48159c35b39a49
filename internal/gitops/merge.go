// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

package gitops

import (
	"context"
	"fmt"
	"strings"

	"github.com/strandhq/strand/internal/common"
	"github.com/strandhq/strand/internal/procrun"
)

// MergeBranch merges featureBranch into targetBranch with a rebase-first
// policy:
//
//  1. When worktreePath is set, rebase the feature branch onto target inside
//     the worktree; a conflict aborts the rebase and fails without touching
//     the target branch.
//  2. The main tree must be clean before the merge proper.
//  3. Checkout target, merge --no-ff with a message.
//  4. Any merge failure aborts the merge and restores the original branch.
//
// A conflict surfaces as a KindConflict error so the caller can escalate for
// human attention.
func (s *Service) MergeBranch(ctx context.Context, projectCwd, featureBranch, targetBranch string, id Identity, worktreePath string) error {
	if err := validateBranchName(featureBranch); err != nil {
		return err
	}
	if err := validateBranchName(targetBranch); err != nil {
		return err
	}

	if worktreePath != "" {
		if err := s.rebaseInWorktree(ctx, worktreePath, targetBranch); err != nil {
			return err
		}
	}

	res, err := s.git(ctx, projectCwd, "status", "--porcelain")
	if err != nil {
		return fmt.Errorf("failed to read status before merge: %w", err)
	}
	if len(splitLines(res.Stdout)) > 0 {
		return common.Ef(common.KindConflict,
			"cannot merge %s: main working tree has uncommitted changes", featureBranch)
	}

	originalBranch, err := s.CurrentBranch(ctx, projectCwd)
	if err != nil {
		return err
	}

	if _, err := s.git(ctx, projectCwd, "checkout", targetBranch); err != nil {
		return fmt.Errorf("failed to checkout %s: %w", targetBranch, err)
	}

	message := fmt.Sprintf("Merge branch %s into %s", featureBranch, targetBranch)
	args := []string{"merge", "--no-ff", "-m", message, featureBranch}
	if id.AuthorName != "" && id.AuthorEmail != "" {
		args = append([]string{
			"-c", "user.name=" + id.AuthorName,
			"-c", "user.email=" + id.AuthorEmail,
		}, args...)
	}
	if _, err := s.gitWithOpts(ctx, projectCwd, procrun.Options{Env: id.env()}, args...); err != nil {
		// Restore the pre-call state before surfacing the failure.
		_, _ = s.gitWithOpts(ctx, projectCwd, procrun.Options{AcceptNonZero: true}, "merge", "--abort")
		_, _ = s.gitWithOpts(ctx, projectCwd, procrun.Options{AcceptNonZero: true}, "checkout", originalBranch)
		return common.Wrap(common.KindConflict,
			fmt.Sprintf("merge of %s into %s failed", featureBranch, targetBranch), err)
	}

	if originalBranch != targetBranch {
		if _, err := s.git(ctx, projectCwd, "checkout", originalBranch); err != nil {
			getLog().Warn().Err(err).Str("branch", originalBranch).Msg("Failed to restore original branch after merge")
		}
	}

	getLog().Info().
		Str("feature", featureBranch).
		Str("target", targetBranch).
		Msg("Merged branch")
	return nil
}

// rebaseInWorktree rebases the worktree's branch onto target. On conflict
// the rebase is aborted, leaving the worktree unchanged.
func (s *Service) rebaseInWorktree(ctx context.Context, worktreePath, target string) error {
	res, err := s.gitWithOpts(ctx, worktreePath, procrun.Options{AcceptNonZero: true},
		"rebase", target)
	if err != nil {
		return fmt.Errorf("failed to rebase onto %s: %w", target, err)
	}
	if res.ExitCode != 0 {
		_, _ = s.gitWithOpts(ctx, worktreePath, procrun.Options{AcceptNonZero: true},
			"rebase", "--abort")
		return common.Ef(common.KindConflict,
			"rebase onto %s hit conflicts: %s", target, firstConflictLine(res.Stdout+res.Stderr))
	}
	return nil
}

func firstConflictLine(out string) string {
	for _, line := range splitLines(out) {
		if strings.Contains(line, "CONFLICT") {
			return line
		}
	}
	lines := splitLines(out)
	if len(lines) > 0 {
		return lines[0]
	}
	return "unknown conflict"
}
