package workflows

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.temporal.io/sdk/temporal"

	"github.com/fyrsmithlabs/shipyard/internal/apperr"
	"github.com/fyrsmithlabs/shipyard/internal/manifest"
	"github.com/fyrsmithlabs/shipyard/internal/planner"
)

func TestSessionWorkflowInput_Validate(t *testing.T) {
	valid := SessionWorkflowInput{
		SessionID:   "s-1",
		Task:        planner.Task{Number: 7},
		ProjectPath: "/repo",
		BaseBranch:  "main",
	}

	tests := []struct {
		name    string
		mutate  func(*SessionWorkflowInput)
		wantErr error
	}{
		{"valid", func(*SessionWorkflowInput) {}, nil},
		{"prompt only", func(in *SessionWorkflowInput) { in.Task = planner.Task{Prompt: "fix the build"} }, nil},
		{"missing session", func(in *SessionWorkflowInput) { in.SessionID = "" }, ErrEmptyField},
		{"missing project", func(in *SessionWorkflowInput) { in.ProjectPath = "" }, ErrEmptyField},
		{"no task", func(in *SessionWorkflowInput) { in.Task = planner.Task{} }, ErrInvalidInput},
		{"negative rounds", func(in *SessionWorkflowInput) { in.MaxRounds = -1 }, ErrInvalidInput},
		{"empty base", func(in *SessionWorkflowInput) { in.BaseBranch = "" }, ErrInvalidInput},
		{"traversal", func(in *SessionWorkflowInput) { in.BaseBranch = "a/../b" }, ErrPathTraversal},
		{"bad dependency", func(in *SessionWorkflowInput) { in.DependsOn = []string{"feat:x"} }, ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			tt.mutate(&in)
			err := in.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidateBranchName(t *testing.T) {
	for _, ok := range []string{"main", "shipyard/42-add-login-0a1b2c3d", "release-1.2"} {
		assert.NoError(t, validateBranchName(ok), ok)
	}
	for _, bad := range []string{"", "/lead", "trail/", "a//b", "has space", "a~1", "x^", "q?", "glob*", "ref@{1}"} {
		assert.Error(t, validateBranchName(bad), bad)
	}
}

func TestIsValidGitSHA(t *testing.T) {
	assert.True(t, isValidGitSHA("abc1234"))
	assert.True(t, isValidGitSHA("0123456789abcdef0123456789ABCDEF01234567"))
	assert.False(t, isValidGitSHA("abc12"))
	assert.False(t, isValidGitSHA("xyz1234"))
}

func TestRegisterInput_Validate(t *testing.T) {
	assert.NoError(t, RegisterInput{Entry: manifest.ReadyEntry{Branch: "b", RequestID: "s"}}.Validate())
	assert.ErrorIs(t, RegisterInput{Entry: manifest.ReadyEntry{Branch: "b"}}.Validate(), ErrEmptyField)
	assert.ErrorIs(t, RegisterInput{Entry: manifest.ReadyEntry{Branch: "b", RequestID: "s", BaseMainSHA: "zz"}}.Validate(), ErrInvalidInput)
}

func TestActivityError(t *testing.T) {
	assert.NoError(t, activityError("op", nil))

	var appErr *temporal.ApplicationError
	err := activityError("register", &apperr.ManifestError{Err: errors.New("rejected")})
	assert.True(t, errors.As(err, &appErr))
	assert.Equal(t, "manifest", appErr.Type())
	assert.True(t, appErr.NonRetryable())

	err = activityError("implement", &apperr.TimeoutError{Operation: "implement", Err: errors.New("deadline")})
	assert.True(t, errors.As(err, &appErr))
	assert.Equal(t, "timeout", appErr.Type())
	assert.False(t, appErr.NonRetryable())

	err = activityError("plan", errors.New("boom"))
	assert.True(t, errors.As(err, &appErr))
	assert.Equal(t, "unknown", appErr.Type())
}
