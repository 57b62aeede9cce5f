package workflows

import (
	"errors"
	"fmt"
	"strings"
)

// Validation errors
var (
	// ErrInvalidInput indicates workflow input validation failed.
	ErrInvalidInput = errors.New("invalid workflow input")

	// ErrEmptyField indicates a required field is empty.
	ErrEmptyField = errors.New("required field is empty")

	// ErrPathTraversal indicates a branch name contains traversal attempts.
	ErrPathTraversal = errors.New("path traversal detected")
)

// Validate checks a session workflow input before any activity runs.
func (in SessionWorkflowInput) Validate() error {
	if in.SessionID == "" {
		return fmt.Errorf("%w: session_id", ErrEmptyField)
	}
	if in.ProjectPath == "" {
		return fmt.Errorf("%w: project_path", ErrEmptyField)
	}
	if in.Task.Number <= 0 && strings.TrimSpace(in.Task.Prompt) == "" && strings.TrimSpace(in.Task.Title) == "" {
		return fmt.Errorf("%w: an issue number, title or prompt is required", ErrInvalidInput)
	}
	if in.MaxRounds < 0 {
		return fmt.Errorf("%w: max_rounds must not be negative", ErrInvalidInput)
	}
	if err := validateBranchName(in.BaseBranch); err != nil {
		return err
	}
	for _, dep := range in.DependsOn {
		if err := validateBranchName(dep); err != nil {
			return fmt.Errorf("depends_on: %w", err)
		}
	}
	return nil
}

// Validate checks a registration before it reaches the manifest.
func (in RegisterInput) Validate() error {
	if err := validateBranchName(in.Entry.Branch); err != nil {
		return err
	}
	if in.Entry.RequestID == "" {
		return fmt.Errorf("%w: request_id", ErrEmptyField)
	}
	if sha := in.Entry.BaseMainSHA; sha != "" && !isValidGitSHA(sha) {
		return fmt.Errorf("%w: base_main_sha is not a git SHA: %s", ErrInvalidInput, sha)
	}
	return nil
}

// validateBranchName validates a git branch name.
// Git branch naming rules:
// - No path traversal (..)
// - No spaces
// - Cannot start/end with /
// - Cannot contain consecutive slashes
func validateBranchName(branch string) error {
	if branch == "" {
		return fmt.Errorf("%w: branch name is empty", ErrInvalidInput)
	}

	if strings.Contains(branch, "..") {
		return fmt.Errorf("%w: branch name contains '..' sequence: %s", ErrPathTraversal, branch)
	}

	if strings.Contains(branch, " ") {
		return fmt.Errorf("%w: branch name contains spaces: %s", ErrInvalidInput, branch)
	}

	if strings.HasPrefix(branch, "/") || strings.HasSuffix(branch, "/") {
		return fmt.Errorf("%w: branch name cannot start or end with '/': %s", ErrInvalidInput, branch)
	}

	if strings.Contains(branch, "//") {
		return fmt.Errorf("%w: branch name contains consecutive slashes: %s", ErrInvalidInput, branch)
	}

	forbidden := []string{"~", "^", ":", "?", "*", "[", "\\", "@{"}
	for _, seq := range forbidden {
		if strings.Contains(branch, seq) {
			return fmt.Errorf("%w: branch name contains forbidden sequence '%s': %s", ErrInvalidInput, seq, branch)
		}
	}

	return nil
}

// isValidGitSHA checks if a string is a valid git SHA (full or short).
func isValidGitSHA(sha string) bool {
	if len(sha) < 7 || len(sha) > 40 {
		return false
	}
	for _, c := range sha {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
