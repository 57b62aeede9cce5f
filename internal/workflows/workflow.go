// Package workflows is the durable session driver. SessionWorkflow runs
// plan, implement, quality and registration as Temporal activities, so a
// session survives worker restarts; DirectorCycleWorkflow lets Temporal
// schedules drive the director.
package workflows

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/fyrsmithlabs/shipyard/internal/director"
	"github.com/fyrsmithlabs/shipyard/internal/manifest"
	"github.com/fyrsmithlabs/shipyard/internal/orchestrator"
)

// Activity defaults.
const (
	DefaultMaxRounds        = 2
	DefaultPlanTimeout      = 30 * time.Minute
	DefaultImplementTimeout = time.Hour
	DefaultQualityTimeout   = 30 * time.Minute
	DefaultPriority         = 50

	planHeartbeatTimeout = 10 * time.Minute
	registerTimeout      = time.Minute
	cycleTimeout         = 10 * time.Minute
	maxBodyMeta          = 4000
)

// errNoChanges fails a session whose implementation left the branch empty.
var errNoChanges = errors.New("implementation produced no changes")

func retryPolicy(attempts int32) *temporal.RetryPolicy {
	return &temporal.RetryPolicy{
		InitialInterval:        time.Second,
		BackoffCoefficient:     2.0,
		MaximumInterval:        time.Minute,
		MaximumAttempts:        attempts,
		NonRetryableErrorTypes: nonRetryableTypes,
	}
}

func withTimeout(ctx workflow.Context, timeout, fallback time.Duration, heartbeat time.Duration) workflow.Context {
	if timeout <= 0 {
		timeout = fallback
	}
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		HeartbeatTimeout:    heartbeat,
		RetryPolicy:         retryPolicy(3),
	})
}

// SessionWorkflow drives one session from plan to a registered branch.
// A quality verdict that still fails after the last round returns a result
// with Passed=false and the branch is not registered.
func SessionWorkflow(ctx workflow.Context, in SessionWorkflowInput) (*SessionWorkflowResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting session workflow",
		"session_id", in.SessionID,
		"issue", in.Task.Number,
		"project", in.ProjectPath,
	)

	result := &SessionWorkflowResult{
		SessionID: in.SessionID,
		StartTime: workflow.Now(ctx),
	}
	finish := func(err error) (*SessionWorkflowResult, error) {
		result.EndTime = workflow.Now(ctx)
		return result, err
	}

	if err := in.Validate(); err != nil {
		result.Errors = append(result.Errors, FormatErrorForResult("validate", err))
		return finish(temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeInvalidInput, err))
	}

	var a *Activities

	var planned PlanOutput
	planCtx := withTimeout(ctx, in.PlanTimeout, DefaultPlanTimeout, planHeartbeatTimeout)
	if err := workflow.ExecuteActivity(planCtx, a.Plan, PlanInput{
		SessionID:   in.SessionID,
		Task:        in.Task,
		ProjectPath: in.ProjectPath,
	}).Get(ctx, &planned); err != nil {
		result.Errors = append(result.Errors, FormatErrorForResult("plan", err))
		return finish(NewWorkflowError("plan", ErrorSeverityCritical, err))
	}
	result.Plan = &planned
	logger.Info("Plan ready", "turns", planned.Turns, "degraded", planned.Degraded)

	maxRounds := in.MaxRounds
	if maxRounds == 0 {
		maxRounds = DefaultMaxRounds
	}
	implCtx := withTimeout(ctx, in.ImplementTimeout, DefaultImplementTimeout, 0)
	qualityCtx := withTimeout(ctx, in.QualityTimeout, DefaultQualityTimeout, 0)

	var (
		impl     ImplementOutput
		verdict  QualityOutput
		feedback []string
	)
	for round := 1; round <= maxRounds; round++ {
		result.Rounds = round
		if err := workflow.ExecuteActivity(implCtx, a.Implement, ImplementInput{
			SessionID:    in.SessionID,
			Task:         in.Task,
			Plan:         planned.Plan,
			ProjectPath:  in.ProjectPath,
			BaseBranch:   in.BaseBranch,
			Branch:       impl.Branch,
			WorktreePath: impl.WorktreePath,
			Round:        round,
			Feedback:     feedback,
		}).Get(ctx, &impl); err != nil {
			result.Errors = append(result.Errors, FormatErrorForResult("implement", err))
			return finish(NewWorkflowError("implement", ErrorSeverityCritical, err))
		}
		result.Branch = impl.Branch
		result.WorktreePath = impl.WorktreePath

		if impl.Diff.FilesChanged == 0 {
			result.Errors = append(result.Errors, FormatErrorForResult("implement", errNoChanges))
			logger.Warn("Implementation produced no changes", "round", round, "branch", impl.Branch)
			return finish(nil)
		}

		if err := workflow.ExecuteActivity(qualityCtx, a.RunQuality, QualityInput{
			SessionID:    in.SessionID,
			Branch:       impl.Branch,
			WorktreePath: impl.WorktreePath,
			BaseBranch:   in.BaseBranch,
			Diff:         impl.Diff,
		}).Get(ctx, &verdict); err != nil {
			result.Errors = append(result.Errors, FormatErrorForResult("quality", err))
			return finish(NewWorkflowError("quality", ErrorSeverityCritical, err))
		}
		result.Tier = verdict.Tier
		result.Report = verdict.Report

		if verdict.Report != nil && verdict.Report.Passed() {
			result.Passed = true
			break
		}
		feedback = nil
		if verdict.Report != nil {
			feedback = orchestrator.Feedback(verdict.Report)
		}
		logger.Info("Quality failed", "round", round, "feedback", len(feedback))
	}

	if !result.Passed {
		failed := []string{}
		if verdict.Report != nil {
			failed = verdict.Report.Failed()
		}
		result.Errors = append(result.Errors,
			fmt.Sprintf("quality failed after %d round(s): %s", result.Rounds, strings.Join(failed, ", ")))
		return finish(nil)
	}

	entry := readyEntry(in, &planned, &impl, &verdict, workflow.Now(ctx).UTC())
	registerCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: registerTimeout,
		RetryPolicy:         retryPolicy(3),
	})
	var registered RegisterOutput
	if err := workflow.ExecuteActivity(registerCtx, a.RegisterBranch, RegisterInput{Entry: entry}).Get(ctx, &registered); err != nil {
		result.Errors = append(result.Errors, FormatErrorForResult("register", err))
		return finish(NewWorkflowError("register", ErrorSeverityCritical, err))
	}
	result.Registered = true
	logger.Info("Session workflow complete", "branch", impl.Branch, "tier", verdict.Tier)
	return finish(nil)
}

// DirectorCycleWorkflow runs one director cycle. Point a Temporal schedule
// at it to drive the director without the in-process loop. The cycle keeps
// its own retry book, so the activity is attempted once.
func DirectorCycleWorkflow(ctx workflow.Context, in DirectorCycleInput) (*director.CycleReport, error) {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: cycleTimeout,
		RetryPolicy:         retryPolicy(1),
	})
	var a *Activities
	var report director.CycleReport
	if err := workflow.ExecuteActivity(ctx, a.RunDirectorCycle, in).Get(ctx, &report); err != nil {
		return nil, err
	}
	workflow.GetLogger(ctx).Info("Director cycle complete",
		"trigger", report.Trigger,
		"integrated", report.Integrated,
		"failed", report.Failed,
		"skipped", report.Skipped,
	)
	return &report, nil
}

func readyEntry(in SessionWorkflowInput, planned *PlanOutput, impl *ImplementOutput, verdict *QualityOutput, now time.Time) manifest.ReadyEntry {
	priority := in.Priority
	if priority == 0 {
		priority = orchestrator.Priority(in.Task.Labels, DefaultPriority)
	}
	return manifest.ReadyEntry{
		Branch:             impl.Branch,
		WorktreePath:       impl.WorktreePath,
		RequestID:          in.SessionID,
		Tier:               verdict.Tier,
		Priority:           priority,
		DependsOn:          in.DependsOn,
		ReadyAt:            now,
		PipelineResult:     orchestrator.PipelineResult(verdict.Report),
		CorrectionsApplied: orchestrator.Corrections(verdict.Report),
		Metadata:           entryMetadata(in, planned),
	}
}

func entryMetadata(in SessionWorkflowInput, planned *PlanOutput) map[string]string {
	m := map[string]string{
		orchestrator.MetaSessionID: in.SessionID,
	}
	switch {
	case in.Task.Title != "":
		m[orchestrator.MetaTitle] = in.Task.Title
	case in.Task.Number > 0:
		m[orchestrator.MetaTitle] = fmt.Sprintf("issue #%d", in.Task.Number)
	default:
		title, _, _ := strings.Cut(strings.TrimSpace(in.Task.Prompt), "\n")
		m[orchestrator.MetaTitle] = title
	}
	if in.Task.Number > 0 {
		m[orchestrator.MetaIssue] = strconv.Itoa(in.Task.Number)
	}
	body := in.Task.Body
	if body == "" {
		body = in.Task.Prompt
	}
	if planned != nil && planned.Plan.Summary != "" {
		body = strings.TrimSpace(body + "\n\n## Plan\n" + planned.Plan.Summary)
	}
	if body != "" {
		if len(body) > maxBodyMeta {
			body = body[:maxBodyMeta]
		}
		m[orchestrator.MetaBody] = body
	}
	return m
}
