// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gitops wraps the git and gh command lines with typed, validated
// operations for branches, worktrees, commits, pushes, PRs, and merges.
package gitops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/strandhq/strand/internal/logger"
	"github.com/strandhq/strand/internal/procrun"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetLogger("git")
		log = &l
	})
	return log
}

// Identity carries optional authorship and credentials for identity-aware
// commands. The token travels only as GH_TOKEN in the child environment and
// is never logged.
type Identity struct {
	AuthorName  string
	AuthorEmail string
	GitHubToken string
}

func (id Identity) env() map[string]string {
	env := map[string]string{
		"GIT_TERMINAL_PROMPT": "0",
		"GIT_ASKPASS":         "",
	}
	if id.GitHubToken != "" {
		env["GH_TOKEN"] = id.GitHubToken
	}
	return env
}

// Service executes git operations through the shared process runner. All
// operations take an absolute, existing cwd.
type Service struct {
	runner *procrun.Runner
}

// NewService creates a git service on top of runner.
func NewService(runner *procrun.Runner) *Service {
	return &Service{runner: runner}
}

func (s *Service) git(ctx context.Context, cwd string, args ...string) (*procrun.Result, error) {
	return s.gitWithOpts(ctx, cwd, procrun.Options{}, args...)
}

func (s *Service) gitWithOpts(ctx context.Context, cwd string, opts procrun.Options, args ...string) (*procrun.Result, error) {
	validated, err := validateCwd(cwd)
	if err != nil {
		return nil, err
	}
	opts.Cwd = validated
	if opts.Env == nil {
		opts.Env = map[string]string{
			"GIT_TERMINAL_PROMPT": "0",
			"GIT_ASKPASS":         "",
		}
	}
	return s.runner.Execute(ctx, "git", args, opts)
}

// IsGitRepository reports whether path contains a .git entry.
func (s *Service) IsGitRepository(path string) bool {
	validated, err := validateCwd(path)
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(validated, ".git"))
	return err == nil
}

// ListBranches returns local branch names; when the repository has no local
// branches, remote-tracking names with the origin/ prefix stripped and
// deduplicated.
func (s *Service) ListBranches(ctx context.Context, cwd string) ([]string, error) {
	res, err := s.git(ctx, cwd, "branch", "--format=%(refname:short)")
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	local := splitLines(res.Stdout)
	if len(local) > 0 {
		return local, nil
	}

	res, err = s.git(ctx, cwd, "branch", "-r", "--format=%(refname:short)")
	if err != nil {
		return nil, fmt.Errorf("failed to list remote branches: %w", err)
	}
	return normalizeRemoteBranches(splitLines(res.Stdout)), nil
}

// DefaultBranch resolves the repository's default branch: origin's HEAD if
// set, else the first of main, master, develop that exists, else the first
// branch, else empty.
func (s *Service) DefaultBranch(ctx context.Context, cwd string) (string, error) {
	res, err := s.gitWithOpts(ctx, cwd, procrun.Options{AcceptNonZero: true},
		"symbolic-ref", "refs/remotes/origin/HEAD", "--short")
	if err == nil && res.ExitCode == 0 {
		if name := strings.TrimPrefix(strings.TrimSpace(res.Stdout), "origin/"); name != "" {
			return name, nil
		}
	}

	branches, err := s.ListBranches(ctx, cwd)
	if err != nil {
		return "", err
	}
	return pickDefaultBranch(branches), nil
}

// CurrentBranch returns the checked-out branch name.
func (s *Service) CurrentBranch(ctx context.Context, cwd string) (string, error) {
	res, err := s.git(ctx, cwd, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to resolve current branch: %w", err)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// CreateBranch creates a branch at startPoint (HEAD when empty) without
// switching to it.
func (s *Service) CreateBranch(ctx context.Context, cwd, name, startPoint string) error {
	if err := validateBranchName(name); err != nil {
		return err
	}
	args := []string{"branch", name}
	if startPoint != "" {
		if err := validateBranchName(startPoint); err != nil {
			return err
		}
		args = append(args, startPoint)
	}
	if _, err := s.git(ctx, cwd, args...); err != nil {
		return fmt.Errorf("failed to create branch %s: %w", name, err)
	}
	return nil
}

// DeleteBranch force-deletes a local branch.
func (s *Service) DeleteBranch(ctx context.Context, cwd, name string) error {
	if err := validateBranchName(name); err != nil {
		return err
	}
	if _, err := s.git(ctx, cwd, "branch", "-D", name); err != nil {
		return fmt.Errorf("failed to delete branch %s: %w", name, err)
	}
	return nil
}

// AddWorktree creates a worktree at path on a new branch cut from base.
func (s *Service) AddWorktree(ctx context.Context, cwd, path, branch, base string) error {
	if err := validateBranchName(branch); err != nil {
		return err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid worktree path: %w", err)
	}
	args := []string{"worktree", "add", "-b", branch, absPath}
	if base != "" {
		if err := validateBranchName(base); err != nil {
			return err
		}
		args = append(args, base)
	}
	if _, err := s.git(ctx, cwd, args...); err != nil {
		return fmt.Errorf("failed to add worktree at %s: %w", absPath, err)
	}
	return nil
}

// RemoveWorktree removes a worktree, discarding local changes when force is
// set, then prunes stale metadata.
func (s *Service) RemoveWorktree(ctx context.Context, cwd, path string, force bool) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid worktree path: %w", err)
	}
	args := []string{"worktree", "remove", absPath}
	if force {
		args = append(args, "--force")
	}
	if _, err := s.git(ctx, cwd, args...); err != nil {
		return fmt.Errorf("failed to remove worktree at %s: %w", absPath, err)
	}
	_, _ = s.gitWithOpts(ctx, cwd, procrun.Options{AcceptNonZero: true}, "worktree", "prune")
	return nil
}

// StageFiles stages paths, first dropping any gitignored entries via
// check-ignore so one ignored path cannot fail the whole batch.
func (s *Service) StageFiles(ctx context.Context, cwd string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	stdin := []byte(strings.Join(paths, "\n") + "\n")
	// Exit 1 means "nothing ignored"; anything above is a real failure.
	res, err := s.gitWithOpts(ctx, cwd, procrun.Options{Stdin: stdin, AcceptNonZero: true},
		"check-ignore", "--stdin")
	if err != nil {
		return fmt.Errorf("failed to check ignored paths: %w", err)
	}
	if res.ExitCode > 1 {
		return fmt.Errorf("check-ignore failed: %s", res.Stderr)
	}

	ignored := make(map[string]bool)
	for _, line := range splitLines(res.Stdout) {
		ignored[line] = true
	}
	toStage := lo.Filter(paths, func(p string, _ int) bool { return !ignored[p] })
	if len(toStage) == 0 {
		getLog().Debug().Str("cwd", cwd).Msg("All paths gitignored, nothing to stage")
		return nil
	}

	args := append([]string{"add", "--"}, toStage...)
	if _, err := s.git(ctx, cwd, args...); err != nil {
		return fmt.Errorf("failed to stage files: %w", err)
	}
	return nil
}

// Commit records staged changes with an optional author override.
func (s *Service) Commit(ctx context.Context, cwd, message string, id Identity) error {
	if err := validateCommitMessage(message); err != nil {
		return err
	}
	args := []string{"commit", "-m", message}
	if id.AuthorName != "" && id.AuthorEmail != "" {
		args = append(args, "--author", fmt.Sprintf("%s <%s>", id.AuthorName, id.AuthorEmail))
	}
	if _, err := s.gitWithOpts(ctx, cwd, procrun.Options{Env: id.env()}, args...); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// Push pushes branch to origin, setting upstream.
func (s *Service) Push(ctx context.Context, cwd, branch string, id Identity) error {
	if err := validateBranchName(branch); err != nil {
		return err
	}
	if _, err := s.gitWithOpts(ctx, cwd, procrun.Options{Env: id.env()},
		"push", "--set-upstream", "origin", branch); err != nil {
		return fmt.Errorf("failed to push branch %s: %w", branch, err)
	}
	getLog().Info().Str("branch", branch).Msg("Pushed branch")
	return nil
}

// CreatePR opens a pull request via gh and returns its URL.
func (s *Service) CreatePR(ctx context.Context, cwd, title, body, base string, id Identity) (string, error) {
	if err := validateCommitMessage(title); err != nil {
		return "", fmt.Errorf("invalid PR title: %w", err)
	}
	validated, err := validateCwd(cwd)
	if err != nil {
		return "", err
	}
	args := []string{"pr", "create", "--title", title, "--body", body}
	if base != "" {
		if err := validateBranchName(base); err != nil {
			return "", err
		}
		args = append(args, "--base", base)
	}
	res, err := s.runner.Execute(ctx, "gh", args, procrun.Options{Cwd: validated, Env: id.env()})
	if err != nil {
		return "", fmt.Errorf("failed to create pull request: %w", err)
	}
	url := strings.TrimSpace(res.Stdout)
	getLog().Info().Str("pr_url", url).Msg("Created pull request")
	return url, nil
}

// RevParse resolves a rev to its commit hash.
func (s *Service) RevParse(ctx context.Context, cwd, rev string) (string, error) {
	res, err := s.git(ctx, cwd, "rev-parse", rev)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", rev, err)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// RemoteURL returns the origin URL, or empty when no remote exists.
func (s *Service) RemoteURL(ctx context.Context, cwd string) string {
	res, err := s.gitWithOpts(ctx, cwd, procrun.Options{AcceptNonZero: true},
		"remote", "get-url", "origin")
	if err != nil || res.ExitCode != 0 {
		return ""
	}
	return strings.TrimSpace(res.Stdout)
}

// splitLines splits command output into trimmed non-empty lines.
func splitLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// normalizeRemoteBranches strips the origin/ prefix, drops the HEAD pointer
// entry, and deduplicates.
func normalizeRemoteBranches(remote []string) []string {
	var names []string
	for _, r := range remote {
		if strings.HasSuffix(r, "/HEAD") || strings.Contains(r, "->") {
			continue
		}
		names = append(names, strings.TrimPrefix(r, "origin/"))
	}
	return lo.Uniq(names)
}

// pickDefaultBranch applies the main, master, develop preference order.
func pickDefaultBranch(branches []string) string {
	for _, preferred := range []string{"main", "master", "develop"} {
		if lo.Contains(branches, preferred) {
			return preferred
		}
	}
	if len(branches) > 0 {
		return branches[0]
	}
	return ""
}
