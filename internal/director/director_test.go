package director

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/shipyard/internal/apperr"
	"github.com/fyrsmithlabs/shipyard/internal/events"
	"github.com/fyrsmithlabs/shipyard/internal/logging"
	"github.com/fyrsmithlabs/shipyard/internal/manifest"
)

type fakeIntegrator struct {
	mu       sync.Mutex
	calls    []string
	failures map[string]error
	nextPR   int
	entered  chan struct{}
	release  chan struct{}
}

func newFakeIntegrator() *fakeIntegrator {
	return &fakeIntegrator{failures: map[string]error{}, nextPR: 100}
}

func (f *fakeIntegrator) Integrate(ctx context.Context, entry manifest.ReadyEntry, mainHead string) (manifest.PRInfo, error) {
	f.mu.Lock()
	f.calls = append(f.calls, entry.Branch)
	err := f.failures[entry.Branch]
	f.nextPR++
	n := f.nextPR
	f.mu.Unlock()

	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	if err != nil {
		return manifest.PRInfo{}, err
	}
	return manifest.PRInfo{
		PRNumber:          n,
		PRURL:             fmt.Sprintf("https://github.com/acme/app/pull/%d", n),
		IntegrationBranch: entry.Branch,
	}, nil
}

func (f *fakeIntegrator) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeHeads struct {
	mu    sync.Mutex
	heads []string
	err   error
}

// HeadSHA returns the queued heads in order, repeating the last one.
func (f *fakeHeads) HeadSHA(string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	h := f.heads[0]
	if len(f.heads) > 1 {
		f.heads = f.heads[1:]
	}
	return h, nil
}

type fakeChecker struct {
	merged map[int]string
	err    map[int]error
}

func (f *fakeChecker) CheckMerged(_ context.Context, pr int) (bool, string, error) {
	if err := f.err[pr]; err != nil {
		return false, "", err
	}
	sha, ok := f.merged[pr]
	return ok, sha, nil
}

type recordingObserver struct {
	mu         sync.Mutex
	integrated []string
	merged     []string
}

func (o *recordingObserver) Integrated(_ context.Context, e manifest.ReadyEntry, _ manifest.PRInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.integrated = append(o.integrated, e.Branch)
}

func (o *recordingObserver) Merged(_ context.Context, branch string, _ int, _ string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.merged = append(o.merged, branch)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	director   *Director
	manager    *manifest.Manager
	integrator *fakeIntegrator
	heads      *fakeHeads
	recorder   *events.Recorder
	logs       *logging.TestLogger
	clock      *clock
	observer   *recordingObserver
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		manager:    manifest.NewManager(manifest.NewMemoryStore("main"), logging.Nop()),
		integrator: newFakeIntegrator(),
		heads:      &fakeHeads{heads: []string{"aaa111"}},
		recorder:   events.NewRecorder(),
		logs:       logging.NewTestLogger(),
		clock:      &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		observer:   &recordingObserver{},
	}
	base := []Option{
		WithEmitter(f.recorder),
		WithHeadResolver(f.heads),
		WithClock(f.clock.Now),
		WithObserver(f.observer),
	}
	f.director = New(cfg, f.manager, f.integrator, f.logs.Logger, append(base, opts...)...)
	return f
}

func (f *fixture) register(t *testing.T, branch string, priority int, deps ...string) {
	t.Helper()
	out, err := f.manager.Register(context.Background(), manifest.ReadyEntry{
		Branch:    branch,
		RequestID: "req-" + branch,
		Priority:  priority,
		DependsOn: deps,
	})
	require.NoError(t, err)
	require.Equal(t, manifest.Moved, out)
}

func (f *fixture) collection(t *testing.T, branch string) manifest.Collection {
	t.Helper()
	doc, err := f.manager.Read(context.Background())
	require.NoError(t, err)
	coll, _, ok := doc.Locate(branch)
	require.True(t, ok, "branch %s not in manifest", branch)
	return coll
}

func TestRunCycle_DispatchesByPriority(t *testing.T) {
	f := newFixture(t, Config{})
	f.register(t, "feature/c", 30)
	f.register(t, "feature/a", 10)
	f.register(t, "feature/b", 20)

	report, err := f.director.RunCycle(context.Background(), "manual")
	require.NoError(t, err)

	assert.Equal(t, []string{"feature/a", "feature/b", "feature/c"}, f.integrator.Calls())
	assert.Equal(t, []string{"feature/a", "feature/b", "feature/c"}, report.Dispatched)
	assert.Equal(t, 3, report.Eligible)
	assert.Equal(t, 3, report.Integrated)
	assert.Equal(t, "aaa111", report.MainHead)

	doc, err := f.manager.Read(context.Background())
	require.NoError(t, err)
	assert.Empty(t, doc.Ready)
	require.Len(t, doc.PendingMerge, 3)
	assert.Equal(t, "aaa111", doc.MainHead)
	for _, p := range doc.PendingMerge {
		assert.Equal(t, "aaa111", p.BaseMainSHA, "base defaults to the observed head")
		assert.NotZero(t, p.PRNumber)
	}

	assert.Len(t, f.recorder.OfType(events.IntegrationSucceeded), 3)
	assert.Len(t, f.recorder.OfType(events.DirectorCycleCompleted), 1)
	assert.Equal(t, []string{"feature/a", "feature/b", "feature/c"}, f.observer.integrated)
}

func TestRunCycle_EqualPrioritiesKeepManifestOrder(t *testing.T) {
	f := newFixture(t, Config{})
	f.register(t, "feature/x", 5)
	f.register(t, "feature/y", 5)
	f.register(t, "feature/z", 1)

	_, err := f.director.RunCycle(context.Background(), "manual")
	require.NoError(t, err)
	assert.Equal(t, []string{"feature/z", "feature/x", "feature/y"}, f.integrator.Calls())
}

func TestRunCycle_DependenciesBlockUntilMerged(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.register(t, "feature/base", 20)
	f.register(t, "feature/child", 10, "feature/base")

	report, err := f.director.RunCycle(ctx, "manual")
	require.NoError(t, err)
	assert.Equal(t, []string{"feature/base"}, f.integrator.Calls())
	assert.Equal(t, 1, report.Blocked)
	assert.Equal(t, manifest.Ready, f.collection(t, "feature/child"))

	blocked := f.recorder.OfType(events.BacklogBranchBlocked)
	require.Len(t, blocked, 1)
	data := blocked[0].(events.BranchBlockedData)
	assert.Equal(t, "feature/child", data.Branch)
	assert.Equal(t, []string{"feature/base"}, data.BlockedBy)

	// Pending merge is not merged: still blocked.
	_, err = f.director.RunCycle(ctx, "manual")
	require.NoError(t, err)
	assert.Equal(t, []string{"feature/base"}, f.integrator.Calls())

	out, err := f.director.RecordMerge(ctx, "feature/base", "merged1")
	require.NoError(t, err)
	assert.Equal(t, manifest.Moved, out)

	_, err = f.director.RunCycle(ctx, "merge")
	require.NoError(t, err)
	assert.Equal(t, []string{"feature/base", "feature/child"}, f.integrator.Calls())
	assert.Equal(t, manifest.PendingMerge, f.collection(t, "feature/child"))
}

func TestRunCycle_FailureLeavesBranchReady(t *testing.T) {
	f := newFixture(t, Config{})
	f.integrator.failures["feature/bad"] = &apperr.SagaStepError{Saga: "integrate", Step: "create_pr", Err: errors.New("422")}
	f.register(t, "feature/bad", 1)
	f.register(t, "feature/good", 2)

	report, err := f.director.RunCycle(context.Background(), "manual")
	require.NoError(t, err)

	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Integrated)
	assert.Equal(t, manifest.Ready, f.collection(t, "feature/bad"))
	assert.Equal(t, manifest.PendingMerge, f.collection(t, "feature/good"))

	failed := f.recorder.OfType(events.IntegrationFailed)
	require.Len(t, failed, 1)
	data := failed[0].(events.IntegrationFailedData)
	assert.Equal(t, "feature/bad", data.Branch)
	assert.Equal(t, 1, data.Attempt)
	assert.Equal(t, string(apperr.CodeSagaStep), data.Code)
	f.logs.AssertLogged(t, zapcore.WarnLevel, "integration failed, branch stays ready")
}

func TestRunCycle_RetryBackoffAndDeadLetter(t *testing.T) {
	f := newFixture(t, Config{Retry: RetryPolicy{MaxAttempts: 2, Backoff: time.Minute, Multiplier: 2}})
	ctx := context.Background()
	f.integrator.failures["feature/flaky"] = errors.New("api down")
	f.register(t, "feature/flaky", 1)

	_, err := f.director.RunCycle(ctx, "manual")
	require.NoError(t, err)
	assert.Len(t, f.integrator.Calls(), 1)

	report, err := f.director.RunCycle(ctx, "manual")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deferred, "backoff defers the next attempt")
	assert.Len(t, f.integrator.Calls(), 1)

	f.clock.Advance(time.Minute)
	_, err = f.director.RunCycle(ctx, "manual")
	require.NoError(t, err)
	assert.Len(t, f.integrator.Calls(), 2)

	dead := f.director.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, "feature/flaky", dead[0].Branch)
	assert.Equal(t, 2, dead[0].Attempts)
	assert.Equal(t, "api down", dead[0].Error)
	assert.Len(t, f.recorder.OfType(events.IntegrationDeadLettered), 1)

	f.clock.Advance(time.Hour)
	report, err = f.director.RunCycle(ctx, "manual")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Parked)
	assert.Len(t, f.integrator.Calls(), 2)

	delete(f.integrator.failures, "feature/flaky")
	assert.True(t, f.director.Requeue(ctx, "feature/flaky"))
	assert.False(t, f.director.Requeue(ctx, "feature/flaky"))
	assert.Empty(t, f.director.DeadLetters())

	_, err = f.director.RunCycle(ctx, "requeue")
	require.NoError(t, err)
	assert.Equal(t, manifest.PendingMerge, f.collection(t, "feature/flaky"))
}

func TestRunCycle_CircuitBreaker(t *testing.T) {
	f := newFixture(t, Config{Breaker: BreakerConfig{FailureThreshold: 2, Cooldown: 5 * time.Minute}})
	ctx := context.Background()
	for i, b := range []string{"feature/1", "feature/2", "feature/3"} {
		f.integrator.failures[b] = errors.New("rate limited")
		f.register(t, b, i)
	}

	report, err := f.director.RunCycle(ctx, "manual")
	require.NoError(t, err)
	assert.Equal(t, []string{"feature/1", "feature/2"}, f.integrator.Calls())
	assert.True(t, report.CircuitOpen)

	opened := f.recorder.OfType(events.DirectorCircuitOpened)
	require.Len(t, opened, 1)
	assert.Equal(t, 2, opened[0].(events.CircuitOpenedData).ConsecutiveFailures)

	report, err = f.director.RunCycle(ctx, "manual")
	require.NoError(t, err)
	assert.True(t, report.CircuitOpen)
	assert.Len(t, f.integrator.Calls(), 2)

	f.clock.Advance(5 * time.Minute)
	f.integrator.failures = map[string]error{}
	report, err = f.director.RunCycle(ctx, "manual")
	require.NoError(t, err)
	assert.False(t, report.CircuitOpen)
	assert.Equal(t, 3, report.Integrated)
}

func TestRunCycle_OverlapIsSkipped(t *testing.T) {
	f := newFixture(t, Config{})
	f.integrator.entered = make(chan struct{})
	f.integrator.release = make(chan struct{})
	f.register(t, "feature/slow", 1)

	done := make(chan *CycleReport)
	go func() {
		r, _ := f.director.RunCycle(context.Background(), "schedule")
		done <- r
	}()
	<-f.integrator.entered
	assert.True(t, f.director.Busy())

	skipped, err := f.director.RunCycle(context.Background(), "manual")
	require.NoError(t, err)
	assert.True(t, skipped.Skipped)
	f.logs.AssertLogged(t, zapcore.WarnLevel, "director cycle already in flight, skipping")
	assert.Len(t, f.recorder.OfType(events.DirectorCycleSkipped), 1)

	close(f.integrator.release)
	first := <-done
	assert.False(t, first.Skipped)
	assert.Equal(t, 1, first.Integrated)
	assert.False(t, f.director.Busy())
	assert.Equal(t, []string{"feature/slow"}, f.integrator.Calls())
}

func TestRunCycle_DetectsStaleBranches(t *testing.T) {
	f := newFixture(t, Config{})
	f.heads.heads = []string{"aaa111", "aaa111", "bbb222"}
	f.register(t, "feature/one", 1)

	report, err := f.director.RunCycle(context.Background(), "manual")
	require.NoError(t, err)
	assert.Equal(t, 0, report.Stale)

	report, err = f.director.RunCycle(context.Background(), "manual")
	require.NoError(t, err)
	assert.Equal(t, "bbb222", report.MainHead)
	assert.Equal(t, 1, report.Stale)

	rebase := f.recorder.OfType(events.IntegrationRebaseNeeded)
	require.Len(t, rebase, 1)
	data := rebase[0].(events.RebaseNeededData)
	assert.Equal(t, "feature/one", data.Branch)
	assert.Equal(t, "aaa111", data.BaseMainSHA)
	assert.Equal(t, "bbb222", data.MainHead)
	f.logs.AssertLogged(t, zapcore.WarnLevel, "branch needs rebase")
}

func TestRunCycle_HeadUnavailableUsesLastKnown(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.manager.SetMainHead(context.Background(), "known1"))
	f.heads.err = errors.New("no remote")
	f.register(t, "feature/one", 1)

	report, err := f.director.RunCycle(context.Background(), "manual")
	require.NoError(t, err)
	assert.Equal(t, "known1", report.MainHead)
	f.logs.AssertLogged(t, zapcore.WarnLevel, "main head unavailable, using last known")
}

func TestReconcileMerges(t *testing.T) {
	checker := &fakeChecker{merged: map[int]string{}, err: map[int]error{}}
	f := newFixture(t, Config{}, WithMergeChecker(checker))
	ctx := context.Background()
	f.register(t, "feature/a", 1)
	f.register(t, "feature/b", 2)
	_, err := f.director.RunCycle(ctx, "manual")
	require.NoError(t, err)

	doc, err := f.manager.Read(ctx)
	require.NoError(t, err)
	require.Len(t, doc.PendingMerge, 2)
	checker.merged[doc.PendingMerge[0].PRNumber] = "sha-a"
	checker.err[doc.PendingMerge[1].PRNumber] = errors.New("502")

	merged, err := f.director.ReconcileMerges(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"feature/a"}, merged)
	assert.Equal(t, manifest.MergeHistory, f.collection(t, "feature/a"))
	assert.Equal(t, manifest.PendingMerge, f.collection(t, "feature/b"))
	assert.Equal(t, []string{"feature/a"}, f.observer.merged)
	f.logs.AssertLogged(t, zapcore.WarnLevel, "merge check failed")

	mergedEvents := f.recorder.OfType(events.IntegrationMerged)
	require.Len(t, mergedEvents, 1)
	assert.Equal(t, "sha-a", mergedEvents[0].(events.BranchMergedData).CommitSHA)
}

// remoteIntegrator resolves heads itself, like the GitHub integrator.
type remoteIntegrator struct {
	*fakeIntegrator
	head string
}

func (r *remoteIntegrator) HeadSHA(string) (string, error) { return r.head, nil }

func (r *remoteIntegrator) Integrate(ctx context.Context, entry manifest.ReadyEntry, mainHead string) (manifest.PRInfo, error) {
	pr, err := r.fakeIntegrator.Integrate(ctx, entry, mainHead)
	pr.BaseMainSHA = r.head
	return pr, err
}

func TestRunCycle_IntegratorHeadWinsOverResolver(t *testing.T) {
	mgr := manifest.NewManager(manifest.NewMemoryStore("main"), logging.Nop())
	rec := events.NewRecorder()
	integ := &remoteIntegrator{fakeIntegrator: newFakeIntegrator(), head: "remote222"}
	local := &fakeHeads{heads: []string{"local111"}}
	d := New(Config{}, mgr, integ, logging.Nop(), WithEmitter(rec), WithHeadResolver(local))

	_, err := mgr.Register(context.Background(), manifest.ReadyEntry{Branch: "feature/one", Priority: 1})
	require.NoError(t, err)

	report, err := d.RunCycle(context.Background(), "manual")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Integrated)
	assert.Equal(t, "remote222", report.MainHead)
	assert.Zero(t, report.Stale)
	assert.Empty(t, rec.OfType(events.IntegrationRebaseNeeded))

	doc, err := mgr.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "remote222", doc.MainHead)
	require.Len(t, doc.PendingMerge, 1)
	assert.Equal(t, "remote222", doc.PendingMerge[0].BaseMainSHA)

	// Main moves on the remote; the pending branch is now stale.
	integ.head = "remote333"
	report, err = d.RunCycle(context.Background(), "manual")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Stale)
}

// failingStore fails the next Save once armed.
type failingStore struct {
	manifest.Store
	mu    sync.Mutex
	armed bool
}

func (s *failingStore) arm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed = true
}

func (s *failingStore) Save(ctx context.Context, doc *manifest.Document) error {
	s.mu.Lock()
	armed := s.armed
	s.armed = false
	s.mu.Unlock()
	if armed {
		return errors.New("disk full")
	}
	return s.Store.Save(ctx, doc)
}

// armingIntegrator arms the store while the pull request is being opened.
type armingIntegrator struct {
	*fakeIntegrator
	store *failingStore
	once  sync.Once
}

func (a *armingIntegrator) Integrate(ctx context.Context, entry manifest.ReadyEntry, mainHead string) (manifest.PRInfo, error) {
	a.once.Do(a.store.arm)
	return a.fakeIntegrator.Integrate(ctx, entry, mainHead)
}

func TestRunCycle_UnrecordedPRDoesNotCountAsFailure(t *testing.T) {
	store := &failingStore{Store: manifest.NewMemoryStore("main")}
	mgr := manifest.NewManager(store, logging.Nop())
	integ := &armingIntegrator{fakeIntegrator: newFakeIntegrator(), store: store}
	logs := logging.NewTestLogger()
	rec := events.NewRecorder()
	d := New(Config{
		Retry:   RetryPolicy{MaxAttempts: 1, Backoff: time.Hour},
		Breaker: BreakerConfig{FailureThreshold: 1, Cooldown: time.Hour},
	}, mgr, integ, logs.Logger, WithEmitter(rec))

	_, err := mgr.Register(context.Background(), manifest.ReadyEntry{Branch: "feature/one", Priority: 1})
	require.NoError(t, err)

	report, err := d.RunCycle(context.Background(), "manual")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Unrecorded)
	assert.Zero(t, report.Failed)
	assert.Zero(t, report.Integrated)
	assert.Empty(t, d.DeadLetters())
	assert.Empty(t, rec.OfType(events.IntegrationFailed))
	logs.AssertLogged(t, zapcore.WarnLevel, "pull request opened but not recorded")

	// Neither the breaker nor the retry backoff holds the branch back.
	report, err = d.RunCycle(context.Background(), "manual")
	require.NoError(t, err)
	assert.False(t, report.CircuitOpen)
	assert.Equal(t, 1, report.Integrated)
	assert.Equal(t, []string{"feature/one", "feature/one"}, integ.Calls())
}

// fakeLocal stands in for a local clone.
type fakeLocal struct {
	merged map[string]bool
	heads  map[string]string
}

func (f *fakeLocal) MergedInto(branch, base string) (bool, error) {
	if base != "main" {
		return false, fmt.Errorf("unexpected base %q", base)
	}
	return f.merged[branch], nil
}

func (f *fakeLocal) HeadSHA(branch string) (string, error) {
	sha, ok := f.heads[branch]
	if !ok {
		return "", errors.New("no such branch")
	}
	return sha, nil
}

func TestReconcileMerges_LocalFallback(t *testing.T) {
	local := &fakeLocal{
		merged: map[string]bool{"feature/a": true, "feature/b": true},
		heads:  map[string]string{"feature/a": "tip-a", "feature/b": "tip-b"},
	}
	checker := &fakeChecker{merged: map[int]string{}, err: map[int]error{}}
	f := newFixture(t, Config{}, WithMergeChecker(checker), WithBranchMerges(local))
	ctx := context.Background()
	f.register(t, "feature/a", 1)
	f.register(t, "feature/b", 2)
	f.register(t, "feature/c", 3)
	_, err := f.director.RunCycle(ctx, "manual")
	require.NoError(t, err)

	doc, err := f.manager.Read(ctx)
	require.NoError(t, err)
	require.Len(t, doc.PendingMerge, 3)
	// a: GitHub answers. b: GitHub fails, the clone says merged.
	// c: GitHub fails, the clone says not merged.
	checker.merged[doc.PendingMerge[0].PRNumber] = "sha-a"
	checker.err[doc.PendingMerge[1].PRNumber] = errors.New("502")
	checker.err[doc.PendingMerge[2].PRNumber] = errors.New("502")

	merged, err := f.director.ReconcileMerges(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"feature/a", "feature/b"}, merged)
	assert.Equal(t, manifest.PendingMerge, f.collection(t, "feature/c"))

	shas := map[string]string{}
	for _, e := range f.recorder.OfType(events.IntegrationMerged) {
		d := e.(events.BranchMergedData)
		shas[d.Branch] = d.CommitSHA
	}
	assert.Equal(t, map[string]string{"feature/a": "sha-a", "feature/b": "tip-b"}, shas)
}

func TestReconcileMerges_LocalOnly(t *testing.T) {
	local := &fakeLocal{merged: map[string]bool{"feature/a": true}, heads: map[string]string{"feature/a": "tip-a"}}
	f := newFixture(t, Config{}, WithBranchMerges(local))
	ctx := context.Background()
	f.register(t, "feature/a", 1)
	_, err := f.director.RunCycle(ctx, "manual")
	require.NoError(t, err)

	merged, err := f.director.ReconcileMerges(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"feature/a"}, merged)
}

func TestReconcileMerges_NoChecker(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.director.ReconcileMerges(context.Background())
	assert.ErrorIs(t, err, ErrNoMergeChecker)
}

func TestRecordMerge_NotPending(t *testing.T) {
	f := newFixture(t, Config{})
	f.register(t, "feature/a", 1)
	out, err := f.director.RecordMerge(context.Background(), "feature/a", "sha")
	require.NoError(t, err)
	assert.Equal(t, manifest.Rejected, out)
	assert.Empty(t, f.observer.merged)
}

func TestRun_TriggersCycles(t *testing.T) {
	f := newFixture(t, Config{ScheduleInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.director.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(f.recorder.OfType(events.DirectorCycleCompleted)) == 1
	}, time.Second, 5*time.Millisecond)

	f.register(t, "feature/late", 1)
	f.director.Trigger("register")
	require.Eventually(t, func() bool {
		return len(f.integrator.Calls()) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{Backoff: time.Second, MaxBackoff: 5 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Duration(0), p.Delay(0))
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(4))
	assert.Equal(t, time.Duration(0), RetryPolicy{}.Delay(3))

	assert.False(t, RetryPolicy{}.Exhausted(100))
	assert.True(t, RetryPolicy{MaxAttempts: 3}.Exhausted(3))
}

func TestBlockedBy(t *testing.T) {
	e := manifest.ReadyEntry{Branch: "c", DependsOn: []string{"a", "b"}}
	assert.Equal(t, []string{"b"}, BlockedBy(e, map[string]bool{"a": true}))
	assert.Empty(t, BlockedBy(e, map[string]bool{"a": true, "b": true}))
}
