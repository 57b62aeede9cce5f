package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

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

type fakePlanner struct {
	err   error
	block bool
}

func (f *fakePlanner) PlanIssue(ctx context.Context, task planner.Task, _ string, opts planner.Options) (*planner.Result, error) {
	if f.block {
		<-ctx.Done()
		return &planner.Result{Stopped: planner.StopCancelled, Extraction: plan.Extract("")}, nil
	}
	if f.err != nil {
		return nil, f.err
	}
	if opts.OnEvent != nil {
		opts.OnEvent(events.PlanningStepData{Turn: 1, Tool: "glob", Output: "main.go"})
	}
	return &planner.Result{
		Extraction: plan.Extraction{
			Plan: plan.ImplementationPlan{
				Summary:             "Add login for " + task.Title,
				Approach:            "handler plus test",
				FilesToModify:       []string{"auth/login.go"},
				EstimatedComplexity: plan.ComplexitySmall,
			},
			Strategy: plan.StrategyFenced,
		},
		Turns:   2,
		Stopped: planner.StopCompleted,
	}, nil
}

type fakeImplementer struct {
	mu       sync.Mutex
	requests []ImplementRequest
	err      error
}

func (f *fakeImplementer) Implement(_ context.Context, req ImplementRequest) (*Implementation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	branch := req.Branch
	if branch == "" {
		branch = "shipyard/42-login"
	}
	return &Implementation{Branch: branch, WorktreePath: "/tmp/wt/" + branch}, nil
}

func (f *fakeImplementer) Requests() []ImplementRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ImplementRequest(nil), f.requests...)
}

type fakeQuality struct {
	mu      sync.Mutex
	reports []*quality.Report
	calls   int
}

func (f *fakeQuality) Run(_ context.Context, req quality.Request, tier quality.Tier, _ []string, _ gitrepo.DiffStats) (*quality.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.reports[min(f.calls, len(f.reports)-1)]
	f.calls++
	cp := *r
	cp.RequestID = req.RequestID
	cp.Tier = tier.Name
	return &cp, nil
}

type fakeDiffs struct{ diff gitrepo.DiffStats }

func (f fakeDiffs) DiffStats(context.Context, string, string, string) (gitrepo.DiffStats, error) {
	return f.diff, nil
}

type countingScheduler struct {
	mu      sync.Mutex
	reasons []string
}

func (s *countingScheduler) Trigger(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reasons = append(s.reasons, reason)
}

func passing() *quality.Report {
	return &quality.Report{
		OverallStatus: quality.StatusPassed,
		Results: []quality.AgentResult{
			{Agent: "tests", Status: quality.StatusPassed},
			{Agent: "lint", Status: quality.StatusPassed, FixesApplied: 1},
		},
		CorrectionCycles: 1,
	}
}

func failing() *quality.Report {
	return &quality.Report{
		OverallStatus: quality.StatusFailed,
		Results: []quality.AgentResult{
			{Agent: "tests", Status: quality.StatusFailed, Findings: []quality.Finding{
				{Severity: quality.SeverityHigh, Description: "TestLogin fails", File: "auth/login_test.go", Line: 12},
			}},
			{Agent: "lint", Status: quality.StatusPassed},
		},
		CorrectionCycles: 2,
	}
}

type harness struct {
	driver      *Driver
	sessions    *session.Service
	manifest    *manifest.Manager
	planner     *fakePlanner
	implementer *fakeImplementer
	quality     *fakeQuality
	scheduler   *countingScheduler
	recorder    *events.Recorder
	logs        *logging.TestLogger
}

func newHarness(t *testing.T, reports ...*quality.Report) *harness {
	t.Helper()
	if len(reports) == 0 {
		reports = []*quality.Report{passing()}
	}
	h := &harness{
		sessions:    session.NewService(session.NewRegistry(), session.ServiceConfig{MaxParallel: 5}, nil),
		manifest:    manifest.NewManager(manifest.NewMemoryStore("main"), logging.Nop()),
		planner:     &fakePlanner{},
		implementer: &fakeImplementer{},
		quality:     &fakeQuality{reports: reports},
		scheduler:   &countingScheduler{},
		recorder:    events.NewRecorder(),
		logs:        logging.NewTestLogger(),
	}
	h.driver = New(Config{
		MaxImplementRounds: 2,
		MaxCIAttempts:      2,
		MaxReviewAttempts:  2,
		DefaultPriority:    50,
		Tiers: []quality.Tier{
			{Name: "small", MaxFiles: 5, MaxLines: 200, Agents: []string{"tests", "lint"}},
			{Name: "large", Agents: []string{"tests", "lint", "review"}},
		},
	}, Deps{
		Sessions:    h.sessions,
		Planner:     h.planner,
		Implementer: h.implementer,
		Quality:     h.quality,
		Diffs:       fakeDiffs{diff: gitrepo.DiffStats{FilesChanged: 2, Insertions: 30, Deletions: 4, Files: []string{"auth/login.go", "auth/login_test.go"}}},
		Manifest:    h.manifest,
		Scheduler:   h.scheduler,
	}, h.logs.Logger, WithEmitter(h.recorder))
	h.sessions.OnStarted(h.driver.Launch)
	t.Cleanup(h.driver.Close)
	return h
}

func (h *harness) start(t *testing.T) string {
	t.Helper()
	res, err := h.sessions.Start(context.Background(), session.StartRequest{
		IssueNumber: 42,
		Title:       "Add login",
		Body:        "Users need to log in.",
		Labels:      []string{"priority:10"},
		ProjectPath: "/repo",
		BaseBranch:  "main",
	})
	require.NoError(t, err)
	h.driver.Wait()
	return res.SessionID
}

func (h *harness) session(t *testing.T, id string) *session.Session {
	t.Helper()
	s, err := h.sessions.Get(id)
	require.NoError(t, err)
	return s
}

func TestDrive_RegistersPassingBranch(t *testing.T) {
	h := newHarness(t)
	id := h.start(t)

	s := h.session(t, id)
	assert.Equal(t, session.StatusQualityCheck, s.Status)
	require.NotNil(t, s.Plan)
	assert.Equal(t, "Add login for Add login", s.Plan.Summary)
	assert.Equal(t, "shipyard/42-login", s.Branch)

	doc, err := h.manifest.Read(context.Background())
	require.NoError(t, err)
	require.Len(t, doc.Ready, 1)
	e := doc.Ready[0]
	assert.Equal(t, "shipyard/42-login", e.Branch)
	assert.Equal(t, id, e.RequestID)
	assert.Equal(t, "small", e.Tier)
	assert.Equal(t, 10, e.Priority)
	assert.Equal(t, []string{"lint"}, e.CorrectionsApplied)
	assert.Equal(t, "passed", e.PipelineResult.OverallStatus)
	assert.Equal(t, map[string]string{"tests": "passed", "lint": "passed"}, e.PipelineResult.Agents)
	assert.Equal(t, "42", e.Metadata[MetaIssue])
	assert.Equal(t, "Add login", e.Metadata[MetaTitle])
	assert.Contains(t, e.Metadata[MetaBody], "## Plan")

	assert.Equal(t, []string{"register"}, h.scheduler.reasons)
	assert.Len(t, h.recorder.OfType(events.BacklogBranchRegistered), 1)
	assert.Len(t, h.recorder.OfType(events.SessionPlanningStep), 1)
}

func TestDrive_ReimplementsWithFeedback(t *testing.T) {
	h := newHarness(t, failing(), passing())
	id := h.start(t)

	reqs := h.implementer.Requests()
	require.Len(t, reqs, 2)
	assert.Empty(t, reqs[0].Feedback)
	assert.Equal(t, 2, reqs[1].Round)
	assert.Equal(t, "shipyard/42-login", reqs[1].Branch, "second round reuses the branch")
	assert.Equal(t, []string{"[tests/high] auth/login_test.go:12 TestLogin fails"}, reqs[1].Feedback)

	assert.Equal(t, session.StatusQualityCheck, h.session(t, id).Status)
	doc, err := h.manifest.Read(context.Background())
	require.NoError(t, err)
	assert.Len(t, doc.Ready, 1)
}

func TestDrive_EscalatesAfterRounds(t *testing.T) {
	h := newHarness(t, failing())
	id := h.start(t)

	s := h.session(t, id)
	assert.Equal(t, session.StatusEscalated, s.Status)
	assert.Len(t, h.implementer.Requests(), 2)
	h.logs.AssertLogged(t, zapcore.WarnLevel, "session escalated")

	doc, err := h.manifest.Read(context.Background())
	require.NoError(t, err)
	assert.Empty(t, doc.Ready)
}

func TestDrive_EmptyDiffBlockedByGate(t *testing.T) {
	h := newHarness(t)
	h.driver.deps.Diffs = fakeDiffs{}
	id := h.start(t)

	assert.Equal(t, session.StatusEscalated, h.session(t, id).Status)
	h.logs.AssertLogged(t, zapcore.WarnLevel, "gate violation")
}

func TestDrive_PlannerErrorFailsSession(t *testing.T) {
	h := newHarness(t)
	h.planner.err = &apperr.AgentExecutionError{Agent: "planner", Err: errors.New("overloaded")}
	id := h.start(t)

	s := h.session(t, id)
	assert.Equal(t, session.StatusFailed, s.Status)
	assert.Equal(t, "agent planner failed: overloaded", s.Error)
	h.logs.AssertLogged(t, zapcore.ErrorLevel, "session failed")
}

func TestDrive_ImplementerErrorIsAgentError(t *testing.T) {
	h := newHarness(t)
	h.implementer.err = errors.New("exit status 1")
	id := h.start(t)

	s := h.session(t, id)
	assert.Equal(t, session.StatusFailed, s.Status)
	assert.Equal(t, "agent implementer failed: exit status 1", s.Error)
}

func TestDrive_AbortStopsWithoutFailing(t *testing.T) {
	h := newHarness(t)
	h.planner.block = true
	res, err := h.sessions.Start(context.Background(), session.StartRequest{
		IssueNumber: 7, ProjectPath: "/repo", BaseBranch: "main",
	})
	require.NoError(t, err)
	require.True(t, h.driver.Running(res.SessionID))

	_, err = h.sessions.Cancel(context.Background(), res.SessionID, "user")
	require.NoError(t, err)
	assert.True(t, h.driver.Abort(res.SessionID))
	h.driver.Wait()

	assert.Equal(t, session.StatusCancelled, h.session(t, res.SessionID).Status)
	assert.False(t, h.driver.Running(res.SessionID))
	assert.Empty(t, h.implementer.Requests())
}

func TestReactions_FullLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.start(t)
	doc, err := h.manifest.Read(ctx)
	require.NoError(t, err)
	entry := doc.Ready[0]

	pr := manifest.PRInfo{PRNumber: 9, PRURL: "https://github.com/acme/app/pull/9", IntegrationBranch: entry.Branch}
	_, err = h.manifest.MoveToPendingMerge(ctx, entry.Branch, pr)
	require.NoError(t, err)
	h.driver.Integrated(ctx, entry, pr)

	s := h.session(t, id)
	assert.Equal(t, session.StatusPRCreated, s.Status)
	assert.Equal(t, 9, s.PRNumber)

	s, err = h.driver.ReportCI(ctx, id, CIReport{Passed: false, Details: "TestLogin\nmore"})
	require.NoError(t, err)
	assert.Equal(t, session.StatusCIFailed, s.Status)
	assert.Equal(t, 1, s.CIAttempts)

	s, err = h.driver.ReportCI(ctx, id, CIReport{Passed: true})
	require.NoError(t, err)
	assert.Equal(t, session.StatusCIPassed, s.Status)
	assert.Equal(t, 2, s.CIAttempts)

	s, err = h.driver.ReportReview(ctx, id, ReviewReport{Approved: true})
	require.NoError(t, err)
	assert.Equal(t, session.StatusReview, s.Status)

	h.driver.Merged(ctx, entry.Branch, 9, "abcdef0123456789")
	s = h.session(t, id)
	assert.Equal(t, session.StatusMerged, s.Status)
	assert.NotNil(t, s.CompletedAt)

	assert.Len(t, h.recorder.OfType(events.ReactionCI), 2)
	assert.Len(t, h.recorder.OfType(events.ReactionReview), 1)
}

func TestReportCI_EscalatesWhenExhausted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.start(t)
	_, err := h.sessions.Transition(ctx, id, session.StatusPRCreated, "test")
	require.NoError(t, err)

	_, err = h.driver.ReportCI(ctx, id, CIReport{Passed: false})
	require.NoError(t, err)
	s, err := h.driver.ReportCI(ctx, id, CIReport{Passed: false})
	require.NoError(t, err)
	assert.Equal(t, session.StatusEscalated, s.Status)
}

func TestReportCI_RejectedOutsideCI(t *testing.T) {
	h := newHarness(t)
	id := h.start(t)

	_, err := h.driver.ReportCI(context.Background(), id, CIReport{Passed: true})
	assert.Error(t, err)
	assert.Equal(t, session.StatusQualityCheck, h.session(t, id).Status)
}

func TestReportReview_ChangesRequestedRevisesBranch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.start(t)
	doc, err := h.manifest.Read(ctx)
	require.NoError(t, err)
	entry := doc.Ready[0]
	pr := manifest.PRInfo{PRNumber: 9, IntegrationBranch: entry.Branch}
	_, err = h.manifest.MoveToPendingMerge(ctx, entry.Branch, pr)
	require.NoError(t, err)
	h.driver.Integrated(ctx, entry, pr)

	_, err = h.driver.ReportReview(ctx, id, ReviewReport{Approved: false, Comments: []string{"rename handler"}})
	require.NoError(t, err)
	h.driver.Wait()

	reqs := h.implementer.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, []string{"[review] rename handler"}, reqs[1].Feedback)
	assert.Equal(t, entry.Branch, reqs[1].Branch)

	doc, err = h.manifest.Read(ctx)
	require.NoError(t, err)
	require.Len(t, doc.Ready, 1, "revised branch moved back to ready")
	assert.Empty(t, doc.PendingMerge)
	assert.Equal(t, session.StatusQualityCheck, h.session(t, id).Status)
}

func TestResume_FromEscalated(t *testing.T) {
	h := newHarness(t, failing(), failing(), passing())
	ctx := context.Background()
	id := h.start(t)
	require.Equal(t, session.StatusEscalated, h.session(t, id).Status)

	_, err := h.driver.Resume(ctx, id, []string{"mock the clock"})
	require.NoError(t, err)
	h.driver.Wait()

	reqs := h.implementer.Requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, []string{"[human] mock the clock"}, reqs[2].Feedback)
	assert.Equal(t, session.StatusQualityCheck, h.session(t, id).Status)
}

func TestPathTo(t *testing.T) {
	assert.Equal(t, []session.Status{session.StatusReview, session.StatusMerged}, PathTo(session.StatusPRCreated, session.StatusMerged))
	assert.Equal(t, []session.Status{session.StatusCIPassed, session.StatusMerged}, PathTo(session.StatusCIRunning, session.StatusMerged))
	assert.Equal(t, []session.Status{}, PathTo(session.StatusMerged, session.StatusMerged))
	assert.Nil(t, PathTo(session.StatusCancelled, session.StatusMerged))
}

func TestPriority(t *testing.T) {
	assert.Equal(t, 50, Priority(nil, 50))
	assert.Equal(t, 5, Priority([]string{"bug", "Priority: 5"}, 50))
	assert.Equal(t, 50, Priority([]string{"priority:high"}, 50))
}

func TestFeedback(t *testing.T) {
	r := &quality.Report{Results: []quality.AgentResult{
		{Agent: "secrets", Status: quality.StatusError},
		{Agent: "lint", Status: quality.StatusFailed, Findings: []quality.Finding{{Severity: quality.SeverityLow, Description: "unused var"}}},
		{Agent: "tests", Status: quality.StatusPassed},
	}}
	assert.Equal(t, []string{"[secrets] error", "[lint/low] unused var"}, Feedback(r))
}
