package workflows

import (
	"time"

	"github.com/fyrsmithlabs/shipyard/internal/gitrepo"
	"github.com/fyrsmithlabs/shipyard/internal/manifest"
	"github.com/fyrsmithlabs/shipyard/internal/plan"
	"github.com/fyrsmithlabs/shipyard/internal/planner"
	"github.com/fyrsmithlabs/shipyard/internal/quality"
)

// DefaultTaskQueue is used when no task queue is configured.
const DefaultTaskQueue = "shipyard-sessions"

// SessionWorkflowInput starts a durable session for an admitted session.
type SessionWorkflowInput struct {
	SessionID   string       `json:"session_id"`
	Task        planner.Task `json:"task"`
	ProjectPath string       `json:"project_path"`
	BaseBranch  string       `json:"base_branch"`
	Priority    int          `json:"priority"`
	DependsOn   []string     `json:"depends_on,omitempty"`

	// MaxRounds bounds implement/quality rounds. Zero means 2.
	MaxRounds int `json:"max_rounds,omitempty"`
	// Timeouts. Zero values fall back to the package defaults.
	PlanTimeout      time.Duration `json:"plan_timeout,omitempty"`
	ImplementTimeout time.Duration `json:"implement_timeout,omitempty"`
	QualityTimeout   time.Duration `json:"quality_timeout,omitempty"`
}

// SessionWorkflowResult is the outcome of a durable session.
type SessionWorkflowResult struct {
	SessionID    string          `json:"session_id"`
	Plan         *PlanOutput     `json:"plan,omitempty"`
	Branch       string          `json:"branch,omitempty"`
	WorktreePath string          `json:"worktree_path,omitempty"`
	Tier         string          `json:"tier,omitempty"`
	Report       *quality.Report `json:"report,omitempty"`
	Rounds       int             `json:"rounds"`
	Passed       bool            `json:"passed"`
	Registered   bool            `json:"registered"`
	Errors       []string        `json:"errors,omitempty"`
	StartTime    time.Time       `json:"start_time"`
	EndTime      time.Time       `json:"end_time"`
}

// PlanInput is the Plan activity input.
type PlanInput struct {
	SessionID   string       `json:"session_id"`
	Task        planner.Task `json:"task"`
	ProjectPath string       `json:"project_path"`
}

// PlanOutput carries a plan across the activity boundary. The extraction
// error does not survive serialization, so only its strategy is kept.
type PlanOutput struct {
	Plan     plan.ImplementationPlan `json:"plan"`
	Strategy plan.Strategy           `json:"strategy"`
	Degraded bool                    `json:"degraded"`
	Turns    int                     `json:"turns"`
	Stopped  planner.StopReason      `json:"stopped"`
}

// ImplementInput is the Implement activity input.
type ImplementInput struct {
	SessionID    string                  `json:"session_id"`
	Task         planner.Task            `json:"task"`
	Plan         plan.ImplementationPlan `json:"plan"`
	ProjectPath  string                  `json:"project_path"`
	BaseBranch   string                  `json:"base_branch"`
	Branch       string                  `json:"branch,omitempty"`
	WorktreePath string                  `json:"worktree_path,omitempty"`
	Round        int                     `json:"round"`
	Feedback     []string                `json:"feedback,omitempty"`
}

// ImplementOutput is where an implementation round left its work, with the
// diff it produced against the base branch.
type ImplementOutput struct {
	Branch       string            `json:"branch"`
	WorktreePath string            `json:"worktree_path"`
	Summary      string            `json:"summary,omitempty"`
	Diff         gitrepo.DiffStats `json:"diff"`
}

// QualityInput is the RunQuality activity input.
type QualityInput struct {
	SessionID    string            `json:"session_id"`
	Branch       string            `json:"branch"`
	WorktreePath string            `json:"worktree_path"`
	BaseBranch   string            `json:"base_branch"`
	Diff         gitrepo.DiffStats `json:"diff"`
}

// QualityOutput is the pipeline verdict and the tier it ran under.
type QualityOutput struct {
	Tier   string          `json:"tier"`
	Report *quality.Report `json:"report"`
}

// RegisterInput is the RegisterBranch activity input.
type RegisterInput struct {
	Entry manifest.ReadyEntry `json:"entry"`
}

// RegisterOutput reports what registration did.
type RegisterOutput struct {
	Outcome manifest.Outcome `json:"outcome"`
}

// DirectorCycleInput is the DirectorCycleWorkflow input.
type DirectorCycleInput struct {
	Trigger string `json:"trigger"`
}
