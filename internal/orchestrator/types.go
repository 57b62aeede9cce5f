package orchestrator

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/shipyard/internal/gitrepo"
	"github.com/fyrsmithlabs/shipyard/internal/plan"
	"github.com/fyrsmithlabs/shipyard/internal/planner"
	"github.com/fyrsmithlabs/shipyard/internal/quality"
)

// Planner produces an implementation plan for a task.
type Planner interface {
	PlanIssue(ctx context.Context, task planner.Task, projectPath string, opts planner.Options) (*planner.Result, error)
}

// Implementer turns a plan into commits on a branch.
type Implementer interface {
	Implement(ctx context.Context, req ImplementRequest) (*Implementation, error)
}

// QualityRunner checks a branch.
type QualityRunner interface {
	Run(ctx context.Context, req quality.Request, tier quality.Tier, agents []string, diff gitrepo.DiffStats) (*quality.Report, error)
}

// DiffSource measures a branch against its base.
type DiffSource interface {
	DiffStats(ctx context.Context, projectPath, base, branch string) (gitrepo.DiffStats, error)
}

// Scheduler is told when a branch becomes ready.
type Scheduler interface {
	Trigger(reason string)
}

// ImplementRequest is one implementation round.
type ImplementRequest struct {
	SessionID   string
	Task        planner.Task
	Plan        plan.ImplementationPlan
	ProjectPath string
	BaseBranch  string
	// Branch is set when revising an existing branch.
	Branch       string
	WorktreePath string
	// Round is 1 for the first implementation.
	Round    int
	Feedback []string
}

// Implementation is where an implementation round left its work.
type Implementation struct {
	Branch       string
	WorktreePath string
	Summary      string
	TurnsUsed    int
}

// Config bounds the driver.
type Config struct {
	// MaxImplementRounds is how many times a failed quality verdict sends
	// the session back to implementing, plus the first round.
	MaxImplementRounds int
	MaxCIAttempts      int
	MaxReviewAttempts  int
	DefaultPriority    int
	// PipelineTimeout bounds one quality run; 0 is unbounded.
	PipelineTimeout time.Duration
	Tiers           []quality.Tier
}

func (c *Config) applyDefaults() {
	if c.MaxImplementRounds <= 0 {
		c.MaxImplementRounds = 2
	}
	if c.MaxCIAttempts <= 0 {
		c.MaxCIAttempts = 3
	}
	if c.MaxReviewAttempts <= 0 {
		c.MaxReviewAttempts = 3
	}
	if c.DefaultPriority == 0 {
		c.DefaultPriority = 50
	}
}
