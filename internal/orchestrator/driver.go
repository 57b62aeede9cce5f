package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipyard/internal/apperr"
	"github.com/fyrsmithlabs/shipyard/internal/events"
	"github.com/fyrsmithlabs/shipyard/internal/gitrepo"
	"github.com/fyrsmithlabs/shipyard/internal/logging"
	"github.com/fyrsmithlabs/shipyard/internal/manifest"
	"github.com/fyrsmithlabs/shipyard/internal/plan"
	"github.com/fyrsmithlabs/shipyard/internal/planner"
	"github.com/fyrsmithlabs/shipyard/internal/quality"
	"github.com/fyrsmithlabs/shipyard/internal/session"
)

// Manifest metadata keys written at registration.
const (
	MetaTitle     = "title"
	MetaBody      = "body"
	MetaIssue     = "issue_number"
	MetaSessionID = "session_id"
)

const maxBodyMeta = 4000

// Deps are the collaborators a Driver needs.
type Deps struct {
	Sessions    *session.Service
	Planner     Planner
	Implementer Implementer
	Quality     QualityRunner
	Diffs       DiffSource
	Manifest    *manifest.Manager
	// Scheduler is optional.
	Scheduler Scheduler
}

// Option configures a Driver.
type Option func(*Driver)

// WithEmitter publishes driver events.
func WithEmitter(e events.Emitter) Option {
	return func(d *Driver) { d.emitter = e }
}

// WithGates replaces the default gates.
func WithGates(gates ...Gate) Option {
	return func(d *Driver) { d.gates = gates }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Driver) { d.now = now }
}

// Driver runs sessions.
type Driver struct {
	cfg     Config
	deps    Deps
	gates   []Gate
	emitter events.Emitter
	logger  *logging.Logger
	now     func() time.Time

	root    context.Context
	stop    context.CancelFunc
	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Driver.
func New(cfg Config, deps Deps, logger *logging.Logger, opts ...Option) *Driver {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.Nop()
	}
	root, stop := context.WithCancel(context.Background())
	d := &Driver{
		cfg:     cfg,
		deps:    deps,
		gates:   DefaultGates(),
		emitter: events.Discard,
		logger:  logger.Named("orchestrator"),
		now:     time.Now,
		root:    root,
		stop:    stop,
		running: map[string]context.CancelFunc{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Launch drives a session that has just entered planning. It returns
// immediately; the work runs until the session settles or is aborted.
// It matches session.Service.OnStarted.
func (d *Driver) Launch(_ context.Context, sess *session.Session) {
	d.spawn(sess.ID, func(ctx context.Context) { d.drive(ctx, sess.ID) })
}

// Abort stops the driver goroutine of a session, if any. The driver stops
// before starting its next phase.
func (d *Driver) Abort(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	cancel, ok := d.running[id]
	if ok {
		cancel()
	}
	return ok
}

// Running reports whether a session has a driver goroutine.
func (d *Driver) Running(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.running[id]
	return ok
}

// Close aborts every session and waits for the goroutines to exit.
func (d *Driver) Close() {
	d.stop()
	d.wg.Wait()
}

// Wait blocks until every driver goroutine has exited.
func (d *Driver) Wait() {
	d.wg.Wait()
}

func (d *Driver) spawn(id string, fn func(ctx context.Context)) bool {
	d.mu.Lock()
	if _, busy := d.running[id]; busy {
		d.mu.Unlock()
		d.logger.Warn(logging.WithSessionID(d.root, id), "session already being driven")
		return false
	}
	ctx, cancel := context.WithCancel(d.root)
	d.running[id] = cancel
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.running, id)
			d.mu.Unlock()
			cancel()
		}()
		defer func() {
			if r := recover(); r != nil {
				ctx := logging.WithSessionID(d.root, id)
				d.logger.Error(ctx, "session driver panicked", zap.Any("panic", r))
				d.fail(d.root, id, fmt.Errorf("driver panic: %v", r))
			}
		}()
		fn(logging.WithSessionID(ctx, id))
	}()
	return true
}

func (d *Driver) drive(ctx context.Context, id string) {
	sess, err := d.deps.Sessions.Get(id)
	if err != nil {
		d.logger.Warn(ctx, "session vanished before planning", zap.Error(err))
		return
	}

	task := TaskOf(sess)
	res, err := d.deps.Planner.PlanIssue(ctx, task, sess.ProjectPath, planner.Options{
		OnEvent: func(step events.PlanningStepData) {
			d.deps.Sessions.Heartbeat(ctx, id)
			d.emitter.Emit(ctx, id, step)
		},
	})
	if err != nil {
		d.fail(ctx, id, err)
		return
	}
	if res.Stopped == planner.StopCancelled || ctx.Err() != nil {
		d.logger.Info(ctx, "planning cancelled")
		return
	}

	degraded := res.Extraction.Degraded()
	reason := "plan ready"
	if degraded {
		reason = "plan ready (degraded)"
	}
	_, err = d.deps.Sessions.Update(ctx, id, func(s *session.Session) error {
		if !s.CanTransition(session.StatusImplementing) {
			return fmt.Errorf("cannot implement from %s", s.Status)
		}
		s.SetPlan(res.Extraction.Plan, degraded)
		return s.Transition(session.StatusImplementing, reason)
	})
	if err != nil {
		d.logger.Warn(ctx, "session left planning elsewhere", zap.Error(err))
		return
	}
	d.logger.Info(ctx, "session planned",
		zap.Int("turns", res.Turns),
		zap.String("stopped", string(res.Stopped)),
		zap.String("strategy", string(res.Extraction.Strategy)),
		zap.Int("tokens", res.Usage.Total()),
	)

	d.implementLoop(ctx, id, nil)
}

// implementLoop runs implement → quality rounds until the branch is
// registered, the rounds run out, or the session leaves the loop.
func (d *Driver) implementLoop(ctx context.Context, id string, feedback []string) {
	for round := 1; round <= d.cfg.MaxImplementRounds; round++ {
		if ctx.Err() != nil {
			return
		}
		sess, err := d.deps.Sessions.Get(id)
		if err != nil {
			return
		}
		if sess.Status != session.StatusImplementing {
			d.logger.Warn(ctx, "session left implementing, stopping", zap.String("status", string(sess.Status)))
			return
		}

		impl, err := d.deps.Implementer.Implement(ctx, ImplementRequest{
			SessionID:    id,
			Task:         TaskOf(sess),
			Plan:         planOf(sess),
			ProjectPath:  sess.ProjectPath,
			BaseBranch:   sess.BaseBranch,
			Branch:       sess.Branch,
			WorktreePath: sess.WorktreePath,
			Round:        round,
			Feedback:     feedback,
		})
		if err != nil {
			var agentErr *apperr.AgentExecutionError
			if !errors.As(err, &agentErr) {
				err = &apperr.AgentExecutionError{Agent: "implementer", Err: err}
			}
			d.fail(ctx, id, err)
			return
		}
		if impl.Branch != sess.Branch || impl.WorktreePath != sess.WorktreePath {
			sess, err = d.deps.Sessions.Update(ctx, id, func(s *session.Session) error {
				s.SetBranch(impl.Branch, impl.WorktreePath)
				return nil
			})
			if err != nil {
				return
			}
		}
		ctx := logging.WithBranch(ctx, impl.Branch)

		diff, err := d.deps.Diffs.DiffStats(ctx, sess.ProjectPath, sess.BaseBranch, impl.Branch)
		if err != nil {
			d.fail(ctx, id, err)
			return
		}
		tier, ok := quality.ClassifyTier(d.cfg.Tiers, diff)
		if !ok {
			d.fail(ctx, id, errors.New("no quality tiers configured"))
			return
		}

		if !d.advance(ctx, id, session.StatusQualityCheck, fmt.Sprintf("round %d implemented", round)) {
			return
		}
		report, err := d.runQuality(ctx, sess, impl, tier, diff)
		if err != nil {
			d.fail(ctx, id, err)
			return
		}
		if ctx.Err() != nil {
			return
		}

		if report.Passed() {
			d.accept(ctx, sess, impl, tier, diff, report)
			return
		}

		feedback = Feedback(report)
		reason := fmt.Sprintf("quality failed: %s", strings.Join(report.Failed(), ", "))
		if round == d.cfg.MaxImplementRounds {
			d.escalate(ctx, id, fmt.Sprintf("%s after %d round(s)", reason, round))
			return
		}
		d.logger.Info(ctx, "quality failed, reimplementing",
			zap.Int("round", round),
			zap.Strings("failed", report.Failed()),
		)
		if !d.advance(ctx, id, session.StatusImplementing, reason) {
			return
		}
	}
}

func (d *Driver) runQuality(ctx context.Context, sess *session.Session, impl *Implementation, tier quality.Tier, diff gitrepo.DiffStats) (*quality.Report, error) {
	if d.cfg.PipelineTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.PipelineTimeout)
		defer cancel()
	}
	report, err := d.deps.Quality.Run(ctx, quality.Request{
		RequestID:    sess.ID,
		Branch:       impl.Branch,
		WorktreePath: impl.WorktreePath,
		BaseBranch:   sess.BaseBranch,
	}, tier, nil, diff)
	if err != nil {
		return nil, err
	}
	if d.cfg.PipelineTimeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, &apperr.TimeoutError{Operation: "quality pipeline", Limit: d.cfg.PipelineTimeout, Err: ctx.Err()}
	}
	return report, nil
}

// accept runs the gates and registers the branch.
func (d *Driver) accept(ctx context.Context, sess *session.Session, impl *Implementation, tier quality.Tier, diff gitrepo.DiffStats, report *quality.Report) {
	candidate := &Candidate{
		SessionID:      sess.ID,
		Plan:           sess.Plan,
		Implementation: impl,
		Diff:           diff,
		Report:         report,
	}
	var violations []Violation
	for _, g := range d.gates {
		vs, err := g.Check(ctx, candidate)
		if err != nil {
			d.logger.Warn(ctx, "gate check failed", zap.String("gate", g.Name()), zap.Error(err))
			continue
		}
		violations = append(violations, vs...)
	}
	for _, v := range violations {
		d.logger.Warn(ctx, "gate violation",
			zap.String("gate", v.Gate),
			zap.String("severity", string(v.Severity)),
			zap.String("description", v.Description),
		)
	}
	if blocking := Blocking(violations); len(blocking) > 0 {
		d.escalate(ctx, sess.ID, fmt.Sprintf("gate %s: %s", blocking[0].Gate, blocking[0].Description))
		return
	}

	entry := manifest.ReadyEntry{
		Branch:             impl.Branch,
		WorktreePath:       impl.WorktreePath,
		RequestID:          sess.ID,
		Tier:               tier.Name,
		Priority:           Priority(sess.Issue.Labels, d.cfg.DefaultPriority),
		ReadyAt:            d.now().UTC(),
		PipelineResult:     PipelineResult(report),
		CorrectionsApplied: Corrections(report),
		Metadata:           metadata(sess),
	}
	if err := d.register(ctx, entry); err != nil {
		d.fail(ctx, sess.ID, err)
		return
	}
	d.deps.Sessions.Heartbeat(ctx, sess.ID)
}

// register places entry in ready, moving a revised branch back from
// pending_merge first.
func (d *Driver) register(ctx context.Context, entry manifest.ReadyEntry) error {
	doc, err := d.deps.Manifest.Read(ctx)
	if err != nil {
		return err
	}
	if coll, _, ok := doc.Locate(entry.Branch); ok && coll == manifest.PendingMerge {
		if _, err := d.deps.Manifest.MoveBackToReady(ctx, entry.Branch); err != nil {
			return err
		}
	}

	outcome, err := d.deps.Manifest.Register(ctx, entry)
	if err != nil {
		return err
	}
	if !outcome.Changed() {
		return fmt.Errorf("register %s: %s", entry.Branch, outcome)
	}

	d.emitter.Emit(ctx, entry.RequestID, events.BranchRegisteredData{
		Branch:    entry.Branch,
		Priority:  entry.Priority,
		DependsOn: entry.DependsOn,
	})
	d.logger.Info(ctx, "branch registered",
		zap.String("tier", entry.Tier),
		zap.Int("priority", entry.Priority),
	)
	if d.deps.Scheduler != nil {
		d.deps.Scheduler.Trigger("register")
	}
	return nil
}

// advance transitions the session unless the context is done or the
// session has moved on.
func (d *Driver) advance(ctx context.Context, id string, to session.Status, reason string) bool {
	if ctx.Err() != nil {
		return false
	}
	if _, err := d.deps.Sessions.Transition(ctx, id, to, reason); err != nil {
		d.logger.Warn(ctx, "session transition rejected",
			zap.String("to", string(to)),
			zap.Error(err),
		)
		return false
	}
	return true
}

func (d *Driver) escalate(ctx context.Context, id, reason string) {
	if _, err := d.deps.Sessions.Escalate(ctx, id, reason); err != nil {
		d.logger.Warn(ctx, "session escalation rejected", zap.String("reason", reason), zap.Error(err))
		return
	}
	d.logger.Warn(ctx, "session escalated", zap.String("reason", reason))
}

// fail settles the session in failed unless it was aborted.
func (d *Driver) fail(ctx context.Context, id string, cause error) {
	if ctx.Err() != nil {
		d.logger.Info(ctx, "session aborted", zap.NamedError("cause", cause))
		return
	}
	_, err := d.deps.Sessions.Update(ctx, id, func(s *session.Session) error {
		return s.Fail(cause)
	})
	if err != nil {
		d.logger.Warn(ctx, "could not mark session failed", zap.NamedError("cause", cause), zap.Error(err))
		return
	}
	d.logger.Error(ctx, "session failed",
		zap.String("code", string(apperr.CodeOf(cause))),
		zap.Error(cause),
	)
}

// Feedback turns a failing report into implementer instructions.
func Feedback(r *quality.Report) []string {
	var out []string
	for _, res := range r.Results {
		if res.Passed() {
			continue
		}
		if len(res.Findings) == 0 {
			out = append(out, fmt.Sprintf("[%s] %s", res.Agent, res.Status))
			continue
		}
		for _, f := range res.Findings {
			loc := ""
			if f.File != "" {
				loc = " " + f.File
				if f.Line > 0 {
					loc += ":" + strconv.Itoa(f.Line)
				}
			}
			out = append(out, fmt.Sprintf("[%s/%s]%s %s", res.Agent, f.Severity, loc, f.Description))
		}
	}
	return out
}

// Priority reads a "priority:N" label, else def.
func Priority(labels []string, def int) int {
	for _, l := range labels {
		v, ok := strings.CutPrefix(strings.ToLower(strings.TrimSpace(l)), "priority:")
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

// TaskOf is the planning task of a session.
func TaskOf(s *session.Session) planner.Task {
	return planner.Task{
		Number:   s.Issue.Number,
		Title:    s.Issue.Title,
		Body:     s.Issue.Body,
		Prompt:   s.Prompt,
		Labels:   s.Issue.Labels,
		Model:    s.Model,
		Provider: s.Provider,
	}
}

func planOf(s *session.Session) (p plan.ImplementationPlan) {
	if s.Plan != nil {
		p = s.Plan.Clone()
	}
	return p
}

// PipelineResult summarizes a report for the manifest.
func PipelineResult(r *quality.Report) *manifest.PipelineResult {
	agents := make(map[string]string, len(r.Results))
	for _, res := range r.Results {
		agents[res.Agent] = string(res.Status)
	}
	return &manifest.PipelineResult{
		OverallStatus:    string(r.OverallStatus),
		CorrectionCycles: r.CorrectionCycles,
		Agents:           agents,
	}
}

// Corrections lists the agents that applied fixes, sorted.
func Corrections(r *quality.Report) []string {
	out := []string{}
	for _, res := range r.Results {
		if res.FixesApplied > 0 {
			out = append(out, res.Agent)
		}
	}
	sort.Strings(out)
	return out
}

func metadata(s *session.Session) map[string]string {
	m := map[string]string{
		MetaTitle:     s.Title(),
		MetaSessionID: s.ID,
	}
	if s.Issue.Number > 0 {
		m[MetaIssue] = strconv.Itoa(s.Issue.Number)
	}
	body := s.Issue.Body
	if body == "" {
		body = s.Prompt
	}
	if s.Plan != nil && s.Plan.Summary != "" {
		body = strings.TrimSpace(body + "\n\n## Plan\n" + s.Plan.Summary)
	}
	if body != "" {
		if len(body) > maxBodyMeta {
			body = body[:maxBodyMeta]
		}
		m[MetaBody] = body
	}
	return m
}
