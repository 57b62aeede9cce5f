package orchestrator

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/fyrsmithlabs/shipyard/internal/gitrepo"
	"github.com/fyrsmithlabs/shipyard/internal/plan"
	"github.com/fyrsmithlabs/shipyard/internal/quality"
)

// Severity ranks a gate violation. Only SeverityError blocks registration.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Violation is one problem found by a gate.
type Violation struct {
	Gate        string   `json:"gate"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
}

// Candidate is a branch that passed quality and awaits registration.
type Candidate struct {
	SessionID      string
	Plan           *plan.ImplementationPlan
	Implementation *Implementation
	Diff           gitrepo.DiffStats
	Report         *quality.Report
}

// Gate checks a candidate before it is registered.
type Gate interface {
	Name() string
	Check(ctx context.Context, c *Candidate) ([]Violation, error)
}

// DefaultGates returns the gates every driver runs.
func DefaultGates() []Gate {
	return []Gate{ChangesGate{}, PlanCoverageGate{}, TestsGate{}}
}

// Blocking returns the violations of error severity.
func Blocking(vs []Violation) []Violation {
	var out []Violation
	for _, v := range vs {
		if v.Severity == SeverityError {
			out = append(out, v)
		}
	}
	return out
}

// ChangesGate rejects a branch with no changes against its base.
type ChangesGate struct{}

func (ChangesGate) Name() string { return "changes" }

func (g ChangesGate) Check(_ context.Context, c *Candidate) ([]Violation, error) {
	if c.Diff.FilesChanged > 0 {
		return nil, nil
	}
	return []Violation{{
		Gate:        g.Name(),
		Description: "branch has no changes against its base",
		Severity:    SeverityError,
	}}, nil
}

// PlanCoverageGate warns when none of the files the plan named were touched.
type PlanCoverageGate struct{}

func (PlanCoverageGate) Name() string { return "plan-coverage" }

func (g PlanCoverageGate) Check(_ context.Context, c *Candidate) ([]Violation, error) {
	if c.Plan == nil {
		return nil, nil
	}
	planned := append(append([]string(nil), c.Plan.FilesToModify...), c.Plan.FilesToCreate...)
	if len(planned) == 0 {
		return nil, nil
	}
	changed := make(map[string]bool, len(c.Diff.Files))
	for _, f := range c.Diff.Files {
		changed[path.Clean(f)] = true
	}
	for _, f := range planned {
		if changed[path.Clean(strings.TrimPrefix(f, "./"))] {
			return nil, nil
		}
	}
	return []Violation{{
		Gate:        g.Name(),
		Description: fmt.Sprintf("none of the %d planned files were changed", len(planned)),
		Severity:    SeverityWarning,
	}}, nil
}

// TestsGate warns when source files changed without any test file.
type TestsGate struct{}

func (TestsGate) Name() string { return "tests" }

func (g TestsGate) Check(_ context.Context, c *Candidate) ([]Violation, error) {
	source := 0
	for _, f := range c.Diff.Files {
		if isTestFile(f) {
			return nil, nil
		}
		if isSourceFile(f) {
			source++
		}
	}
	if source == 0 {
		return nil, nil
	}
	return []Violation{{
		Gate:        g.Name(),
		Description: fmt.Sprintf("%d source file(s) changed without a test change", source),
		Severity:    SeverityWarning,
	}}, nil
}

var sourceExts = map[string]bool{
	".go": true, ".py": true, ".ts": true, ".tsx": true, ".js": true,
	".jsx": true, ".rs": true, ".java": true, ".rb": true, ".kt": true,
}

func isSourceFile(name string) bool {
	return sourceExts[path.Ext(name)]
}

func isTestFile(name string) bool {
	base := path.Base(name)
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	switch {
	case strings.HasSuffix(stem, "_test"), strings.HasPrefix(stem, "test_"):
		return true
	case strings.HasSuffix(stem, ".test"), strings.HasSuffix(stem, ".spec"):
		return true
	case strings.Contains("/"+path.Dir(name)+"/", "/tests/"), strings.Contains("/"+path.Dir(name)+"/", "/__tests__/"):
		return isSourceFile(name)
	}
	return false
}
