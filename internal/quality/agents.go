package quality

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/zricethezav/gitleaks/v8/detect"

	"github.com/fyrsmithlabs/shipyard/internal/apperr"
	"github.com/fyrsmithlabs/shipyard/internal/llm"
)

// maxOutput bounds command output kept in findings and step updates.
const maxOutput = 2000

// waitDelay bounds how long a killed command's children may hold its pipes.
const waitDelay = 2 * time.Second

// Bounds used when a definition sets no timeout.
const (
	DefaultCommandTimeout = 15 * time.Minute
	DefaultModelTimeout   = 5 * time.Minute
)

// CommandAgent runs a shell command in the worktree. Exit status 0 passes.
type CommandAgent struct {
	AgentName string
	Command   string
	Timeout   time.Duration
}

func (a *CommandAgent) Name() string { return a.AgentName }

func (a *CommandAgent) Run(ctx context.Context, ec *ExecContext, steps *StepReporter) (AgentResult, error) {
	limit := a.Timeout
	if limit <= 0 {
		limit = DefaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	steps.Assistant(1, "$ "+a.Command)
	cmd := exec.CommandContext(ctx, "sh", "-c", a.Command)
	cmd.Dir = ec.WorktreePath
	cmd.WaitDelay = waitDelay
	cmd.Env = append(os.Environ(), "SHIPYARD_BRANCH="+ec.Branch, "SHIPYARD_TIER="+ec.Tier)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	output := tail(buf.String(), maxOutput)
	steps.ToolResult(1, output)

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return AgentResult{}, &apperr.TimeoutError{Operation: a.AgentName, Limit: limit, Err: ctx.Err()}
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return AgentResult{Status: StatusPassed}, nil
	case errors.As(err, &exitErr):
		return AgentResult{
			Status: StatusFailed,
			Findings: []Finding{{
				Severity:    SeverityHigh,
				Description: fmt.Sprintf("%q exited with status %d\n%s", a.Command, exitErr.ExitCode(), output),
			}},
		}, nil
	default:
		return AgentResult{}, err
	}
}

// tail keeps the last n characters of s.
func tail(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

// maxScanBytes skips files too large to be source.
const maxScanBytes = 1 << 20

// SecretsAgent scans the branch's changed files with gitleaks' default rules.
type SecretsAgent struct {
	AgentName string

	once     sync.Once
	mu       sync.Mutex
	detector *detect.Detector
	initErr  error
}

func (a *SecretsAgent) Name() string { return a.AgentName }

func (a *SecretsAgent) Run(_ context.Context, ec *ExecContext, steps *StepReporter) (AgentResult, error) {
	a.once.Do(func() {
		a.detector, a.initErr = detect.NewDetectorDefaultConfig()
	})
	if a.initErr != nil {
		return AgentResult{}, fmt.Errorf("load gitleaks rules: %w", a.initErr)
	}

	res := AgentResult{Status: StatusPassed}
	for i, rel := range ec.Diff.Files {
		step := i + 1
		steps.Assistant(step, "scan "+rel)

		data, err := os.ReadFile(filepath.Join(ec.WorktreePath, rel))
		if err != nil || len(data) > maxScanBytes || bytes.IndexByte(data, 0) >= 0 {
			// Deleted or binary files have nothing to scan.
			steps.ToolResult(step, "skipped")
			continue
		}

		a.mu.Lock()
		found := a.detector.DetectString(string(data))
		a.mu.Unlock()

		for _, f := range found {
			res.Findings = append(res.Findings, Finding{
				Severity:    SeverityCritical,
				Description: fmt.Sprintf("%s: %s", f.RuleID, f.Description),
				File:        rel,
				Line:        f.StartLine,
			})
		}
		steps.ToolResult(step, fmt.Sprintf("%d findings", len(found)))
	}
	if len(res.Findings) > 0 {
		res.Status = StatusFailed
	}
	return res, nil
}

// ClientSource resolves routing hints to a model transport.
type ClientSource interface {
	Client(provider, model string) (llm.Client, error)
}

// ModelAgent asks a model to review the change and reply with a JSON verdict.
type ModelAgent struct {
	AgentName    string
	Instructions string
	Provider     string
	Model        string
	Clients      ClientSource
	Timeout      time.Duration
}

func (a *ModelAgent) Name() string { return a.AgentName }

func (a *ModelAgent) Run(ctx context.Context, ec *ExecContext, steps *StepReporter) (AgentResult, error) {
	client, err := a.Clients.Client(a.Provider, a.Model)
	if err != nil {
		return AgentResult{}, err
	}
	limit := a.Timeout
	if limit <= 0 {
		limit = DefaultModelTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	resp, err := client.SendMessage(ctx, []llm.Message{llm.UserText(a.prompt(ec))}, nil)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return AgentResult{}, &apperr.TimeoutError{Operation: a.AgentName, Limit: limit, Err: ctx.Err()}
	}
	if err != nil {
		return AgentResult{}, err
	}
	steps.Assistant(1, resp.Content)

	v, err := ParseVerdict(resp.Content)
	if err != nil {
		return AgentResult{}, err
	}
	res := AgentResult{
		Status:   v.status(),
		Findings: v.Findings,
		Metadata: Metadata{
			TurnsUsed:  1,
			TokensUsed: resp.Usage.Total(),
			Model:      resp.Model,
			Provider:   a.Provider,
		},
	}
	return res, nil
}

func (a *ModelAgent) prompt(ec *ExecContext) string {
	var b strings.Builder
	b.WriteString(a.Instructions)
	fmt.Fprintf(&b, "\n\nBranch %s against %s (tier %s).\n", ec.Branch, ec.BaseBranch, ec.Tier)
	fmt.Fprintf(&b, "Changed files (%d, +%d -%d):\n", ec.Diff.FilesChanged, ec.Diff.Insertions, ec.Diff.Deletions)
	for _, f := range ec.Diff.Files {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	if len(ec.Prior) > 0 {
		fmt.Fprintf(&b, "\nCorrection attempt %d. Earlier results:\n", ec.Attempt)
		for _, r := range ec.Prior {
			fmt.Fprintf(&b, "- %s: %s\n", r.Agent, r.Status)
			for _, f := range r.Findings {
				fmt.Fprintf(&b, "  - [%s] %s\n", f.Severity, f.Description)
			}
		}
	}
	b.WriteString("\nReply with a json block: {\"status\": \"passed\" | \"failed\", \"findings\": [{\"severity\", \"description\", \"file\", \"line\"}]}\n")
	return b.String()
}

// ErrNoVerdict is returned when a model reply holds no parseable verdict.
var ErrNoVerdict = errors.New("no verdict in model reply")

// Verdict is a model agent's structured answer.
type Verdict struct {
	Status   string    `json:"status"`
	Findings []Finding `json:"findings"`
}

func (v Verdict) status() Status {
	switch strings.ToLower(strings.TrimSpace(v.Status)) {
	case "passed", "pass", "approved", "ok":
		return StatusPassed
	default:
		return StatusFailed
	}
}

var verdictBlock = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ParseVerdict reads the first fenced JSON block, or else the first JSON
// object, that carries a status.
func ParseVerdict(text string) (Verdict, error) {
	for _, m := range verdictBlock.FindAllStringSubmatch(text, -1) {
		if v, ok := decodeVerdict(m[1]); ok {
			return v, nil
		}
	}
	for i := strings.IndexByte(text, '{'); i >= 0; {
		if v, ok := decodeVerdict(text[i:]); ok {
			return v, nil
		}
		next := strings.IndexByte(text[i+1:], '{')
		if next < 0 {
			break
		}
		i += next + 1
	}
	return Verdict{}, ErrNoVerdict
}

func decodeVerdict(s string) (Verdict, bool) {
	var v Verdict
	if err := json.NewDecoder(strings.NewReader(s)).Decode(&v); err != nil || v.Status == "" {
		return Verdict{}, false
	}
	for i := range v.Findings {
		if v.Findings[i].Severity == "" {
			v.Findings[i].Severity = SeverityMedium
		}
	}
	return v, true
}
