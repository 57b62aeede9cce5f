package workflows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipyard/internal/apperr"
	"github.com/fyrsmithlabs/shipyard/internal/director"
	"github.com/fyrsmithlabs/shipyard/internal/events"
	"github.com/fyrsmithlabs/shipyard/internal/logging"
	"github.com/fyrsmithlabs/shipyard/internal/manifest"
	"github.com/fyrsmithlabs/shipyard/internal/orchestrator"
	"github.com/fyrsmithlabs/shipyard/internal/planner"
	"github.com/fyrsmithlabs/shipyard/internal/quality"
)

// Activities executes session phases for the durable driver. Register the
// struct with a worker; workflows call its methods through a nil pointer.
type Activities struct {
	Planner     orchestrator.Planner
	Implementer orchestrator.Implementer
	Quality     orchestrator.QualityRunner
	Diffs       orchestrator.DiffSource
	Tiers       []quality.Tier
	Manifest    *manifest.Manager
	Director    *director.Director
	// Scheduler is told when a branch is registered. Optional.
	Scheduler orchestrator.Scheduler
	Emitter   events.Emitter
	Logger    *logging.Logger
}

func (a *Activities) logger() *logging.Logger {
	if a.Logger == nil {
		return logging.Nop()
	}
	return a.Logger
}

// Plan runs the planning loop. Every tool step is recorded as a heartbeat.
func (a *Activities) Plan(ctx context.Context, in PlanInput) (out *PlanOutput, err error) {
	start := time.Now()
	defer func() { observeActivity(ctx, "plan", start, err) }()
	ctx = logging.WithSessionID(ctx, in.SessionID)

	res, err := a.Planner.PlanIssue(ctx, in.Task, in.ProjectPath, planner.Options{
		OnEvent: func(step events.PlanningStepData) {
			activity.RecordHeartbeat(ctx, step.Turn)
			if a.Emitter != nil {
				a.Emitter.Emit(ctx, in.SessionID, step)
			}
		},
	})
	if err != nil {
		return nil, activityError("plan", err)
	}
	if res.Stopped == planner.StopCancelled {
		return nil, activityError("plan", context.Canceled)
	}
	a.logger().Info(ctx, "session planned",
		zap.Int("turns", res.Turns),
		zap.String("strategy", string(res.Extraction.Strategy)),
		zap.Bool("degraded", res.Extraction.Degraded()),
	)
	return &PlanOutput{
		Plan:     res.Extraction.Plan,
		Strategy: res.Extraction.Strategy,
		Degraded: res.Extraction.Degraded(),
		Turns:    res.Turns,
		Stopped:  res.Stopped,
	}, nil
}

// Implement runs one implementation round and measures its diff.
func (a *Activities) Implement(ctx context.Context, in ImplementInput) (out *ImplementOutput, err error) {
	start := time.Now()
	defer func() { observeActivity(ctx, "implement", start, err) }()
	ctx = logging.WithSessionID(ctx, in.SessionID)

	impl, err := a.Implementer.Implement(ctx, orchestrator.ImplementRequest{
		SessionID:    in.SessionID,
		Task:         in.Task,
		Plan:         in.Plan,
		ProjectPath:  in.ProjectPath,
		BaseBranch:   in.BaseBranch,
		Branch:       in.Branch,
		WorktreePath: in.WorktreePath,
		Round:        in.Round,
		Feedback:     in.Feedback,
	})
	if err != nil {
		var agentErr *apperr.AgentExecutionError
		if !errors.As(err, &agentErr) {
			err = &apperr.AgentExecutionError{Agent: "implementer", Err: err}
		}
		return nil, activityError("implement", err)
	}
	diff, err := a.Diffs.DiffStats(ctx, in.ProjectPath, in.BaseBranch, impl.Branch)
	if err != nil {
		return nil, activityError("diff", err)
	}
	a.logger().Info(logging.WithBranch(ctx, impl.Branch), "implementation round finished",
		zap.Int("round", in.Round),
		zap.Int("files_changed", diff.FilesChanged),
		zap.Int("lines", diff.Lines()),
	)
	return &ImplementOutput{
		Branch:       impl.Branch,
		WorktreePath: impl.WorktreePath,
		Summary:      impl.Summary,
		Diff:         diff,
	}, nil
}

// RunQuality picks a tier for the diff and runs the pipeline under it.
// A failed verdict is a successful activity.
func (a *Activities) RunQuality(ctx context.Context, in QualityInput) (out *QualityOutput, err error) {
	start := time.Now()
	defer func() { observeActivity(ctx, "run_quality", start, err) }()
	ctx = logging.WithBranch(logging.WithSessionID(ctx, in.SessionID), in.Branch)

	tier, ok := quality.ClassifyTier(a.Tiers, in.Diff)
	if !ok {
		return nil, activityError("run_quality", fmt.Errorf("%w: no quality tiers configured", ErrInvalidInput))
	}
	report, err := a.Quality.Run(ctx, quality.Request{
		RequestID:    in.SessionID,
		Branch:       in.Branch,
		WorktreePath: in.WorktreePath,
		BaseBranch:   in.BaseBranch,
	}, tier, nil, in.Diff)
	if err != nil {
		return nil, activityError("run_quality", err)
	}
	return &QualityOutput{Tier: tier.Name, Report: report}, nil
}

// RegisterBranch places a passing branch in the manifest's ready list,
// moving a revised branch back from pending_merge first.
func (a *Activities) RegisterBranch(ctx context.Context, in RegisterInput) (out *RegisterOutput, err error) {
	start := time.Now()
	defer func() { observeActivity(ctx, "register_branch", start, err) }()
	if err := in.Validate(); err != nil {
		return nil, activityError("register", err)
	}
	entry := in.Entry
	ctx = logging.WithBranch(logging.WithSessionID(ctx, entry.RequestID), entry.Branch)

	doc, err := a.Manifest.Read(ctx)
	if err != nil {
		return nil, activityError("register", err)
	}
	if coll, _, ok := doc.Locate(entry.Branch); ok && coll == manifest.PendingMerge {
		if _, err := a.Manifest.MoveBackToReady(ctx, entry.Branch); err != nil {
			return nil, activityError("register", err)
		}
	}
	outcome, err := a.Manifest.Register(ctx, entry)
	if err != nil {
		return nil, activityError("register", err)
	}
	if !outcome.Changed() {
		return nil, activityError("register", &apperr.ManifestError{
			Err: fmt.Errorf("register %s: %s", entry.Branch, outcome),
		})
	}

	registrationCounter.Add(ctx, 1)
	if a.Emitter != nil {
		a.Emitter.Emit(ctx, entry.RequestID, events.BranchRegisteredData{
			Branch:    entry.Branch,
			Priority:  entry.Priority,
			DependsOn: entry.DependsOn,
		})
	}
	a.logger().Info(ctx, "branch registered",
		zap.String("tier", entry.Tier),
		zap.Int("priority", entry.Priority),
	)
	if a.Scheduler != nil {
		a.Scheduler.Trigger("register")
	}
	return &RegisterOutput{Outcome: outcome}, nil
}

// RunDirectorCycle runs one director cycle.
func (a *Activities) RunDirectorCycle(ctx context.Context, in DirectorCycleInput) (out *director.CycleReport, err error) {
	start := time.Now()
	defer func() { observeActivity(ctx, "run_director_cycle", start, err) }()

	trigger := in.Trigger
	if trigger == "" {
		trigger = "workflow"
	}
	report, err := a.Director.RunCycle(ctx, trigger)
	if err != nil {
		return nil, activityError("director cycle", err)
	}
	cycleCounter.Add(ctx, 1)
	return report, nil
}
