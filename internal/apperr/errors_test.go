package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"agent", &AgentExecutionError{Agent: "lint", Err: cause}, CodeAgentExecution},
		{"git", &GitOperationError{Operation: "rev-parse", Ref: "main", Err: cause}, CodeGitOperation},
		{"manifest", &ManifestError{Path: "m.json", Err: cause}, CodeManifest},
		{"timeout", &TimeoutError{Operation: "bash", Limit: time.Second, Err: context.DeadlineExceeded}, CodeTimeout},
		{"saga", &SagaStepError{Saga: "integrate", Step: "create_pr", Err: cause}, CodeSagaStep},
		{"wrapped", fmt.Errorf("cycle: %w", &SagaStepError{Saga: "integrate", Step: "resolve_base", Err: cause}), CodeSagaStep},
		{"plain", cause, CodeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestUnwrap(t *testing.T) {
	err := &TimeoutError{Operation: "grep", Limit: 15 * time.Second, Err: context.DeadlineExceeded}
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "grep timed out after 15s", err.Error())

	gitErr := &GitOperationError{Operation: "head", Err: errors.New("no repo")}
	assert.Equal(t, "git head failed: no repo", gitErr.Error())
}
