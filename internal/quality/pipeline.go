package quality

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/shipyard/internal/apperr"
	"github.com/fyrsmithlabs/shipyard/internal/events"
	"github.com/fyrsmithlabs/shipyard/internal/gitrepo"
	"github.com/fyrsmithlabs/shipyard/internal/logging"
)

// ErrNoAgents is returned when a run names no agents.
var ErrNoAgents = errors.New("no quality agents requested")

// Config bounds a pipeline.
type Config struct {
	// MaxAttempts is the number of correction cycles after wave 1.
	MaxAttempts int
	// MaxConcurrency caps agents in flight per wave; 0 is unlimited.
	MaxConcurrency int
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithEmitter publishes pipeline events.
func WithEmitter(e events.Emitter) Option {
	return func(p *Pipeline) { p.emitter = e }
}

// WithMetrics records OpenTelemetry metrics.
func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithStepSink receives every ordered step update in addition to the
// pipeline.agent_step event.
func WithStepSink(s StepSink) Option {
	return func(p *Pipeline) { p.onStep = s }
}

// Pipeline runs registered agents.
type Pipeline struct {
	mu     sync.RWMutex
	agents map[string]Agent

	maxAttempts    int
	maxConcurrency int
	emitter        events.Emitter
	metrics        *Metrics
	onStep         StepSink
	logger         *logging.Logger
}

// New creates an empty pipeline.
func New(cfg Config, logger *logging.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = logging.Nop()
	}
	p := &Pipeline{
		agents:         map[string]Agent{},
		maxAttempts:    cfg.MaxAttempts,
		maxConcurrency: cfg.MaxConcurrency,
		emitter:        events.Discard,
		logger:         logger.Named("quality"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register adds agents, replacing any with the same name.
func (p *Pipeline) Register(agents ...Agent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range agents {
		p.agents[a.Name()] = a
	}
}

// Agents lists registered agent names.
func (p *Pipeline) Agents() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.agents))
	for name := range p.agents {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (p *Pipeline) agent(name string) Agent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.agents[name]
}

// Run checks req with agents, defaulting to the tier's agents when agents
// is empty. Results keep the requested order.
//
// Cancellation is observed between waves only. Agents already running are
// not cancelled and stop at their own timeout. An overall deadline is the
// caller's job.
func (p *Pipeline) Run(ctx context.Context, req Request, tier Tier, agents []string, diff gitrepo.DiffStats) (*Report, error) {
	if len(agents) == 0 {
		agents = tier.Agents
	}
	names := dedupe(agents)
	if len(names) == 0 {
		return nil, ErrNoAgents
	}

	start := time.Now()
	ctx = logging.WithRequestID(ctx, req.RequestID)
	if req.Branch != "" {
		ctx = logging.WithBranch(ctx, req.Branch)
	}

	p.emitter.Emit(ctx, req.RequestID, events.PipelineStartedData{Branch: req.Branch, Tier: tier.Name, Agents: names})
	p.logger.Info(ctx, "quality pipeline started",
		zap.String("tier", tier.Name),
		zap.Strings("agents", names),
		zap.Int("files_changed", diff.FilesChanged),
		zap.Int("lines_changed", diff.Lines()),
	)

	base := ExecContext{
		RequestID:    req.RequestID,
		Branch:       req.Branch,
		WorktreePath: req.WorktreePath,
		BaseBranch:   req.BaseBranch,
		Tier:         tier.Name,
		Diff:         diff,
	}

	wave1 := base
	results := p.runWave(ctx, &wave1, names)

	cycles := 0
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			p.logger.Warn(ctx, "quality pipeline cancelled before correction cycle",
				zap.Int("attempt", attempt),
				zap.Error(ctx.Err()),
			)
			break
		}
		failed := failedNames(names, results)
		if len(failed) == 0 {
			break
		}
		cycles++
		p.emitter.Emit(ctx, req.RequestID, events.CorrectionCycleData{Attempt: attempt, Agents: failed})
		p.logger.Info(ctx, "quality correction cycle",
			zap.Int("attempt", attempt),
			zap.Strings("agents", failed),
		)

		next := base
		next.Attempt = attempt
		next.Prior = make(map[string]AgentResult, len(results))
		for k, v := range results {
			next.Prior[k] = v
		}
		for name, res := range p.runWave(ctx, &next, failed) {
			results[name] = res
		}
	}

	report := &Report{
		RequestID:        req.RequestID,
		Tier:             tier.Name,
		Results:          make([]AgentResult, 0, len(names)),
		OverallStatus:    StatusPassed,
		CorrectionCycles: cycles,
		Duration:         time.Since(start),
	}
	for _, name := range names {
		res := results[name]
		if !res.Passed() {
			report.OverallStatus = StatusFailed
		}
		report.Results = append(report.Results, res)
	}

	p.metrics.recordRun(ctx, report)
	p.emitter.Emit(ctx, req.RequestID, events.PipelineCompletedData{
		OverallStatus:    string(report.OverallStatus),
		CorrectionCycles: cycles,
		DurationMS:       report.Duration.Milliseconds(),
	})
	p.logger.Info(ctx, "quality pipeline completed",
		zap.String("overall_status", string(report.OverallStatus)),
		zap.Int("correction_cycles", cycles),
		zap.Strings("failed", report.Failed()),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

func (p *Pipeline) runWave(ctx context.Context, ec *ExecContext, names []string) map[string]AgentResult {
	out := make([]AgentResult, len(names))
	var stepMu sync.Mutex

	var g errgroup.Group
	if p.maxConcurrency > 0 {
		g.SetLimit(p.maxConcurrency)
	}
	for i, name := range names {
		g.Go(func() error {
			out[i] = p.runAgent(ctx, ec, name, &stepMu)
			return nil
		})
	}
	_ = g.Wait()

	results := make(map[string]AgentResult, len(names))
	for _, res := range out {
		results[res.Agent] = res
	}
	return results
}

func (p *Pipeline) runAgent(ctx context.Context, ec *ExecContext, name string, stepMu *sync.Mutex) (res AgentResult) {
	start := time.Now()
	steps := NewStepReporter(name, p.stepSink(ctx, ec.RequestID), stepMu)

	defer func() {
		if r := recover(); r != nil {
			res = errorResult(name, &apperr.AgentExecutionError{Agent: name, Err: fmt.Errorf("panic: %v", r)})
			p.logger.Error(ctx, "quality agent panicked", zap.String("agent", name), zap.Any("panic", r))
		}
		elapsed := time.Since(start)
		if res.Metadata.DurationMS == 0 {
			res.Metadata.DurationMS = elapsed.Milliseconds()
		}
		steps.Summary(summarize(res))
		p.metrics.recordAgent(ctx, name, res.Status, elapsed)
		p.emitter.Emit(ctx, ec.RequestID, events.AgentCompletedData{
			Agent:    name,
			Status:   string(res.Status),
			Findings: len(res.Findings),
			Attempt:  ec.Attempt,
		})
	}()

	agent := p.agent(name)
	if agent == nil {
		return errorResult(name, &apperr.AgentExecutionError{Agent: name, Err: errors.New("agent not registered")})
	}

	out, err := agent.Run(context.WithoutCancel(ctx), ec, steps)
	if err != nil {
		p.logger.Warn(ctx, "quality agent failed to execute",
			zap.String("agent", name),
			zap.Int("attempt", ec.Attempt),
			zap.Error(err),
		)
		return errorResult(name, &apperr.AgentExecutionError{Agent: name, Err: err})
	}
	return normalize(name, out)
}

func (p *Pipeline) stepSink(ctx context.Context, requestID string) StepSink {
	return func(d events.AgentStepData) {
		p.emitter.Emit(ctx, requestID, d)
		if p.onStep != nil {
			p.onStep(d)
		}
	}
}

func normalize(name string, r AgentResult) AgentResult {
	r.Agent = name
	switch r.Status {
	case StatusPassed, StatusFailed, StatusError:
	default:
		r.Status = StatusError
	}
	if r.Findings == nil {
		r.Findings = []Finding{}
	}
	return r
}

func errorResult(name string, err error) AgentResult {
	return AgentResult{
		Agent:  name,
		Status: StatusError,
		Findings: []Finding{{
			Severity:    SeverityHigh,
			Description: err.Error(),
		}},
	}
}

func summarize(r AgentResult) string {
	return fmt.Sprintf("%s: %s (%d findings, %d fixes)", r.Agent, r.Status, len(r.Findings), r.FixesApplied)
}

func failedNames(order []string, results map[string]AgentResult) []string {
	var out []string
	for _, name := range order {
		if !results[name].Passed() {
			out = append(out, name)
		}
	}
	return out
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
