// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

package gitops

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Security constants for validation
const (
	maxPathLength          = 4096
	maxBranchNameLength    = 250
	maxCommitMessageLength = 8192
)

var (
	// Safe branch name pattern: alphanumeric, hyphens, underscores, dots,
	// forward slashes
	branchNameRegex = regexp.MustCompile(`^[a-zA-Z0-9./_-]+$`)

	// Dangerous patterns to reject in commit messages and PR text
	dangerousPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\$\(`), // Command substitution
		regexp.MustCompile("`"),    // Backtick substitution
		regexp.MustCompile(`;`),    // Command chaining
		regexp.MustCompile(`\|\|`), // Logical OR
		regexp.MustCompile(`&&`),   // Logical AND
	}
)

// validateCwd canonicalizes a working directory and requires it to exist.
func validateCwd(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("working directory cannot be empty")
	}
	if len(path) > maxPathLength {
		return "", fmt.Errorf("working directory too long: %d characters (max: %d)", len(path), maxPathLength)
	}
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("working directory contains invalid directory traversal")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}
	cleanPath := filepath.Clean(absPath)

	info, err := os.Stat(cleanPath)
	if err != nil {
		return "", fmt.Errorf("working directory does not exist: %s", cleanPath)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("working directory is not a directory: %s", cleanPath)
	}
	return cleanPath, nil
}

// validateBranchName validates branch names for security
func validateBranchName(name string) error {
	if name == "" {
		return fmt.Errorf("branch name cannot be empty")
	}
	if len(name) > maxBranchNameLength {
		return fmt.Errorf("branch name too long: %d characters (max: %d)", len(name), maxBranchNameLength)
	}
	if strings.HasPrefix(name, "-") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("branch name cannot start with '-' or '.'")
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("branch name cannot contain '..'")
	}
	if !branchNameRegex.MatchString(name) {
		return fmt.Errorf("branch name contains invalid characters: %s", name)
	}
	return nil
}

// validateCommitMessage validates commit messages for security
func validateCommitMessage(message string) error {
	if message == "" {
		return fmt.Errorf("commit message cannot be empty")
	}
	if len(message) > maxCommitMessageLength {
		return fmt.Errorf("commit message too long: %d characters (max: %d)", len(message), maxCommitMessageLength)
	}
	for _, pattern := range dangerousPatterns {
		if pattern.MatchString(message) {
			return fmt.Errorf("commit message contains dangerous pattern: %s", pattern.String())
		}
	}
	return nil
}
