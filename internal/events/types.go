// Package events defines the outbound event vocabulary and its publishers.
//
// Every event is an Envelope carrying one typed Payload. The set of event
// types is closed: payloads are defined only in this package, and each
// reports its own Type. Core components emit events; nothing in shipyard
// consumes them.
package events

import (
	"time"
)

// Type is a dotted event name.
type Type string

const (
	SessionCreated      Type = "session.created"
	SessionTransitioned Type = "session.transition"
	SessionPlanningStep Type = "session.planning_step"

	DirectorCycleStarted   Type = "director.cycle_started"
	DirectorCycleCompleted Type = "director.cycle_completed"
	DirectorCycleSkipped   Type = "director.cycle_skipped"
	DirectorCircuitOpened  Type = "director.circuit_opened"

	IntegrationStarted      Type = "integration.started"
	IntegrationSucceeded    Type = "integration.succeeded"
	IntegrationFailed       Type = "integration.failed"
	IntegrationRebaseNeeded Type = "integration.rebase_needed"
	IntegrationDeadLettered Type = "integration.dead_lettered"
	IntegrationMerged       Type = "integration.merged"

	PipelineStarted         Type = "pipeline.started"
	PipelineAgentStep       Type = "pipeline.agent_step"
	PipelineAgentCompleted  Type = "pipeline.agent_completed"
	PipelineCorrectionCycle Type = "pipeline.correction_cycle"
	PipelineCompleted       Type = "pipeline.completed"

	BacklogBranchRegistered Type = "backlog.branch_registered"
	BacklogBranchBlocked    Type = "backlog.branch_blocked"

	ReactionCI     Type = "reaction.ci"
	ReactionReview Type = "reaction.review"
)

// Payload is implemented only by the event data types in this package.
type Payload interface {
	EventType() Type
	sealed()
}

// Envelope is the uniform wire shape of every event.
type Envelope struct {
	Type      Type              `json:"event_type"`
	RequestID string            `json:"request_id"`
	Timestamp time.Time         `json:"timestamp"`
	Data      Payload           `json:"data"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type payload struct{}

func (payload) sealed() {}

type SessionCreatedData struct {
	payload
	SessionID   string `json:"session_id"`
	IssueNumber int    `json:"issue_number,omitempty"`
	Title       string `json:"title,omitempty"`
}

func (SessionCreatedData) EventType() Type { return SessionCreated }

type SessionTransitionData struct {
	payload
	SessionID string `json:"session_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Reason    string `json:"reason,omitempty"`
}

func (SessionTransitionData) EventType() Type { return SessionTransitioned }

// PlanningStepData reports one tool call made during planning.
type PlanningStepData struct {
	payload
	Turn   int    `json:"turn"`
	Tool   string `json:"tool"`
	Output string `json:"output"`
	Error  bool   `json:"error,omitempty"`
}

func (PlanningStepData) EventType() Type { return SessionPlanningStep }

type CycleStartedData struct {
	payload
	Trigger string `json:"trigger"`
}

func (CycleStartedData) EventType() Type { return DirectorCycleStarted }

type CycleCompletedData struct {
	payload
	Trigger    string `json:"trigger"`
	MainHead   string `json:"main_head"`
	Eligible   int    `json:"eligible"`
	Blocked    int    `json:"blocked"`
	Integrated int    `json:"integrated"`
	Failed     int    `json:"failed"`
	Stale      int    `json:"stale"`
	DurationMS int64  `json:"duration_ms"`
}

func (CycleCompletedData) EventType() Type { return DirectorCycleCompleted }

type CycleSkippedData struct {
	payload
	Trigger string `json:"trigger"`
	Reason  string `json:"reason"`
}

func (CycleSkippedData) EventType() Type { return DirectorCycleSkipped }

type CircuitOpenedData struct {
	payload
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Until               time.Time `json:"until"`
}

func (CircuitOpenedData) EventType() Type { return DirectorCircuitOpened }

type IntegrationStartedData struct {
	payload
	Branch   string `json:"branch"`
	Priority int    `json:"priority"`
	Attempt  int    `json:"attempt"`
}

func (IntegrationStartedData) EventType() Type { return IntegrationStarted }

type IntegrationSucceededData struct {
	payload
	Branch            string `json:"branch"`
	PRNumber          int    `json:"pr_number"`
	PRURL             string `json:"pr_url"`
	IntegrationBranch string `json:"integration_branch"`
}

func (IntegrationSucceededData) EventType() Type { return IntegrationSucceeded }

type IntegrationFailedData struct {
	payload
	Branch  string `json:"branch"`
	Attempt int    `json:"attempt"`
	Code    string `json:"code"`
	Error   string `json:"error"`
}

func (IntegrationFailedData) EventType() Type { return IntegrationFailed }

type RebaseNeededData struct {
	payload
	Branch      string `json:"branch"`
	PRNumber    int    `json:"pr_number"`
	BaseMainSHA string `json:"base_main_sha"`
	MainHead    string `json:"main_head"`
}

func (RebaseNeededData) EventType() Type { return IntegrationRebaseNeeded }

type DeadLetteredData struct {
	payload
	Branch   string `json:"branch"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

func (DeadLetteredData) EventType() Type { return IntegrationDeadLettered }

type BranchMergedData struct {
	payload
	Branch    string `json:"branch"`
	PRNumber  int    `json:"pr_number"`
	CommitSHA string `json:"commit_sha"`
}

func (BranchMergedData) EventType() Type { return IntegrationMerged }

type PipelineStartedData struct {
	payload
	Branch string   `json:"branch"`
	Tier   string   `json:"tier"`
	Agents []string `json:"agents"`
}

func (PipelineStartedData) EventType() Type { return PipelineStarted }

// AgentStepKind orders the updates of one agent step.
type AgentStepKind string

const (
	StepAssistant  AgentStepKind = "assistant"
	StepToolResult AgentStepKind = "tool_result"
	StepSummary    AgentStepKind = "summary"
)

type AgentStepData struct {
	payload
	Agent   string        `json:"agent"`
	Step    int           `json:"step"`
	Kind    AgentStepKind `json:"kind"`
	Content string        `json:"content"`
}

func (AgentStepData) EventType() Type { return PipelineAgentStep }

type AgentCompletedData struct {
	payload
	Agent    string `json:"agent"`
	Status   string `json:"status"`
	Findings int    `json:"findings"`
	Attempt  int    `json:"attempt"`
}

func (AgentCompletedData) EventType() Type { return PipelineAgentCompleted }

type CorrectionCycleData struct {
	payload
	Attempt int      `json:"attempt"`
	Agents  []string `json:"agents"`
}

func (CorrectionCycleData) EventType() Type { return PipelineCorrectionCycle }

type PipelineCompletedData struct {
	payload
	OverallStatus    string `json:"overall_status"`
	CorrectionCycles int    `json:"correction_cycles"`
	DurationMS       int64  `json:"duration_ms"`
}

func (PipelineCompletedData) EventType() Type { return PipelineCompleted }

type BranchRegisteredData struct {
	payload
	Branch    string   `json:"branch"`
	Priority  int      `json:"priority"`
	DependsOn []string `json:"depends_on,omitempty"`
}

func (BranchRegisteredData) EventType() Type { return BacklogBranchRegistered }

type BranchBlockedData struct {
	payload
	Branch    string   `json:"branch"`
	BlockedBy []string `json:"blocked_by"`
}

func (BranchBlockedData) EventType() Type { return BacklogBranchBlocked }

type CIReportedData struct {
	payload
	SessionID string `json:"session_id"`
	Passed    bool   `json:"passed"`
	Attempt   int    `json:"attempt"`
}

func (CIReportedData) EventType() Type { return ReactionCI }

type ReviewReportedData struct {
	payload
	SessionID string `json:"session_id"`
	Approved  bool   `json:"approved"`
	Attempt   int    `json:"attempt"`
}

func (ReviewReportedData) EventType() Type { return ReactionReview }
