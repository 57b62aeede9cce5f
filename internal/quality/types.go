package quality

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/shipyard/internal/gitrepo"
)

// Status is an agent verdict.
type Status string

const (
	StatusPassed Status = "passed"
	StatusFailed Status = "failed"
	StatusError  Status = "error"
)

// Severity ranks a finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Finding is one problem reported by an agent.
type Finding struct {
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	File        string   `json:"file,omitempty"`
	Line        int      `json:"line,omitempty"`
	FixApplied  bool     `json:"fix_applied"`
}

// Metadata describes how an agent run went.
type Metadata struct {
	DurationMS int64  `json:"duration_ms"`
	TurnsUsed  int    `json:"turns_used"`
	TokensUsed int    `json:"tokens_used"`
	Model      string `json:"model,omitempty"`
	Provider   string `json:"provider,omitempty"`
}

// AgentResult is the outcome of one agent run.
type AgentResult struct {
	Agent        string    `json:"agent"`
	Status       Status    `json:"status"`
	Findings     []Finding `json:"findings"`
	FixesApplied int       `json:"fixes_applied"`
	Metadata     Metadata  `json:"metadata"`
}

// Passed reports whether the result is a pass.
func (r AgentResult) Passed() bool { return r.Status == StatusPassed }

// Request identifies the branch under check.
type Request struct {
	RequestID    string
	Branch       string
	WorktreePath string
	BaseBranch   string
}

// ExecContext is what an agent sees. It is shared by every agent in a wave
// and must be treated as read-only.
type ExecContext struct {
	RequestID    string
	Branch       string
	WorktreePath string
	BaseBranch   string
	Tier         string
	Diff         gitrepo.DiffStats

	// Attempt is 0 for wave 1 and n for the nth correction cycle.
	Attempt int
	// Prior holds every result from earlier waves, keyed by agent name.
	Prior map[string]AgentResult
}

// Agent is a named, independent quality check.
type Agent interface {
	Name() string
	Run(ctx context.Context, ec *ExecContext, steps *StepReporter) (AgentResult, error)
}

// Report is the outcome of a pipeline run.
type Report struct {
	RequestID        string        `json:"request_id"`
	Tier             string        `json:"tier"`
	Results          []AgentResult `json:"results"`
	OverallStatus    Status        `json:"overall_status"`
	CorrectionCycles int           `json:"correction_cycles"`
	Duration         time.Duration `json:"duration"`
}

// Passed reports whether every agent passed.
func (r *Report) Passed() bool { return r.OverallStatus == StatusPassed }

// Failed returns the names of agents that did not pass.
func (r *Report) Failed() []string {
	var out []string
	for _, res := range r.Results {
		if !res.Passed() {
			out = append(out, res.Agent)
		}
	}
	return out
}
