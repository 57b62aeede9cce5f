package workflows

import (
	"errors"
	"fmt"

	"go.temporal.io/sdk/temporal"

	"github.com/fyrsmithlabs/shipyard/internal/apperr"
)

// Error severity levels for workflow errors
type ErrorSeverity string

const (
	// ErrorSeverityCritical fails the workflow.
	ErrorSeverityCritical ErrorSeverity = "critical"
	// ErrorSeverityHigh is recorded in the result but the workflow returns normally.
	ErrorSeverityHigh ErrorSeverity = "high"
	// ErrorSeverityLow is only logged.
	ErrorSeverityLow ErrorSeverity = "low"
)

// ErrTypeInvalidInput is the application error type of rejected inputs.
const ErrTypeInvalidInput = "invalid_input"

// nonRetryableTypes are application error types Temporal must not retry.
var nonRetryableTypes = []string{
	ErrTypeInvalidInput,
	string(apperr.CodeManifest),
}

// WorkflowError is a failed session phase.
type WorkflowError struct {
	Phase    string
	Severity ErrorSeverity
	Err      error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Phase, e.Err)
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// NewWorkflowError wraps err as a failure of phase.
func NewWorkflowError(phase string, severity ErrorSeverity, err error) *WorkflowError {
	return &WorkflowError{Phase: phase, Severity: severity, Err: err}
}

// FormatErrorForResult formats an error for SessionWorkflowResult.Errors.
func FormatErrorForResult(phase string, err error) string {
	return fmt.Sprintf("%s: %v", phase, err)
}

// activityError converts an activity failure to a Temporal application
// error whose type is the error's code, so retry policies can match it.
// Invalid input and manifest rejections are never retried.
func activityError(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf("%s: %v", op, err)
	if errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrEmptyField) || errors.Is(err, ErrPathTraversal) {
		return temporal.NewNonRetryableApplicationError(msg, ErrTypeInvalidInput, err)
	}
	code := apperr.CodeOf(err)
	if code == apperr.CodeManifest {
		return temporal.NewNonRetryableApplicationError(msg, string(code), err)
	}
	return temporal.NewApplicationError(msg, string(code), err)
}
