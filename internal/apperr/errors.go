// Package apperr defines the orchestrator's error taxonomy.
//
// Every error carries a machine-readable code and an optional cause, and
// participates in errors.Is / errors.As through Unwrap.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Code is a machine-readable error classification.
type Code string

const (
	CodeAgentExecution Code = "agent_execution"
	CodeGitOperation   Code = "git_operation"
	CodeManifest       Code = "manifest"
	CodeTimeout        Code = "timeout"
	CodeSagaStep       Code = "saga_step"
	CodeUnknown        Code = "unknown"
)

// Coded is implemented by every error in this package.
type Coded interface {
	error
	Code() Code
}

// AgentExecutionError reports a failed check-agent, planning or implementing call.
type AgentExecutionError struct {
	Agent string
	Err   error
}

func (e *AgentExecutionError) Error() string {
	return fmt.Sprintf("agent %s failed: %v", e.Agent, e.Err)
}

func (e *AgentExecutionError) Unwrap() error { return e.Err }
func (e *AgentExecutionError) Code() Code    { return CodeAgentExecution }

// GitOperationError reports a branch, worktree or merge failure.
type GitOperationError struct {
	Operation string
	Ref       string
	Err       error
}

func (e *GitOperationError) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("git %s (%s) failed: %v", e.Operation, e.Ref, e.Err)
	}
	return fmt.Sprintf("git %s failed: %v", e.Operation, e.Err)
}

func (e *GitOperationError) Unwrap() error { return e.Err }
func (e *GitOperationError) Code() Code    { return CodeGitOperation }

// ManifestError reports a manifest read, parse or write failure.
type ManifestError struct {
	Path string
	Err  error
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("manifest %s: %v", e.Path, e.Err)
}

func (e *ManifestError) Unwrap() error { return e.Err }
func (e *ManifestError) Code() Code    { return CodeManifest }

// TimeoutError reports a bounded operation that exceeded its budget.
type TimeoutError struct {
	Operation string
	Limit     time.Duration
	Err       error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Operation, e.Limit)
}

func (e *TimeoutError) Unwrap() error { return e.Err }
func (e *TimeoutError) Code() Code    { return CodeTimeout }

// SagaStepError reports a failed named step of a multi-step integration.
type SagaStepError struct {
	Saga string
	Step string
	Err  error
}

func (e *SagaStepError) Error() string {
	return fmt.Sprintf("%s: step %s failed: %v", e.Saga, e.Step, e.Err)
}

func (e *SagaStepError) Unwrap() error { return e.Err }
func (e *SagaStepError) Code() Code    { return CodeSagaStep }

// CodeOf returns the code of the first Coded error in err's chain,
// or CodeUnknown.
func CodeOf(err error) Code {
	var c Coded
	if errors.As(err, &c) {
		return c.Code()
	}
	return CodeUnknown
}
