// Package director schedules branch integration.
//
// Each cycle reads the manifest, finds ready branches whose dependencies
// have all merged, and hands them to the Integrator one at a time in
// priority order. Cycles never overlap: a cycle requested while another is
// running is skipped, not queued.
package director

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipyard/internal/apperr"
	"github.com/fyrsmithlabs/shipyard/internal/events"
	"github.com/fyrsmithlabs/shipyard/internal/logging"
	"github.com/fyrsmithlabs/shipyard/internal/manifest"
)

// Integrator opens the pull request for a ready branch.
type Integrator interface {
	Integrate(ctx context.Context, entry manifest.ReadyEntry, mainHead string) (manifest.PRInfo, error)
}

// HeadResolver resolves a branch to its head commit. An Integrator that
// also implements HeadResolver is the director's source for the main head,
// so staleness compares SHAs taken from one place.
type HeadResolver interface {
	HeadSHA(branch string) (string, error)
}

// MergeChecker reports whether a pull request has merged.
type MergeChecker interface {
	CheckMerged(ctx context.Context, prNumber int) (merged bool, commitSHA string, err error)
}

// BranchMerges answers merge questions from a local clone. ReconcileMerges
// uses it when no MergeChecker is set or the MergeChecker fails.
type BranchMerges interface {
	MergedInto(branch, base string) (bool, error)
	HeadSHA(branch string) (string, error)
}

// Observer is told about integration progress.
type Observer interface {
	Integrated(ctx context.Context, entry manifest.ReadyEntry, pr manifest.PRInfo)
	Merged(ctx context.Context, branch string, prNumber int, commitSHA string)
}

// Config configures a Director.
type Config struct {
	MainBranch       string
	ScheduleInterval time.Duration
	Retry            RetryPolicy
	Breaker          BreakerConfig
}

// Option configures a Director.
type Option func(*Director)

// WithEmitter publishes director events.
func WithEmitter(e events.Emitter) Option {
	return func(d *Director) { d.emitter = e }
}

// WithHeadResolver sets how the main head is observed when the Integrator
// cannot resolve heads itself.
func WithHeadResolver(h HeadResolver) Option {
	return func(d *Director) { d.heads = h }
}

// WithMergeChecker enables ReconcileMerges.
func WithMergeChecker(c MergeChecker) Option {
	return func(d *Director) { d.merges = c }
}

// WithBranchMerges sets the local merge fallback for ReconcileMerges.
func WithBranchMerges(b BranchMerges) Option {
	return func(d *Director) { d.local = b }
}

// WithObserver registers an observer.
func WithObserver(o Observer) Option {
	return func(d *Director) { d.observers = append(d.observers, o) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Director) { d.now = now }
}

// Director runs scheduling cycles.
type Director struct {
	cfg        Config
	manifest   *manifest.Manager
	integrator Integrator
	heads      HeadResolver
	merges     MergeChecker
	local      BranchMerges
	observers  []Observer
	emitter    events.Emitter
	logger     *logging.Logger
	now        func() time.Time

	busy    atomic.Bool
	retries *retryBook
	breaker *breaker
	trigger chan string
}

// New creates a Director.
func New(cfg Config, m *manifest.Manager, integrator Integrator, logger *logging.Logger, opts ...Option) *Director {
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.MainBranch == "" {
		cfg.MainBranch = "main"
	}
	d := &Director{
		cfg:        cfg,
		manifest:   m,
		integrator: integrator,
		emitter:    events.Discard,
		logger:     logger.Named("director"),
		now:        time.Now,
		retries:    newRetryBook(cfg.Retry),
		breaker:    &breaker{cfg: cfg.Breaker},
		trigger:    make(chan string, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// CycleReport summarizes one cycle.
type CycleReport struct {
	Trigger     string        `json:"trigger"`
	Skipped     bool          `json:"skipped"`
	MainHead    string        `json:"main_head"`
	Eligible    int           `json:"eligible"`
	Blocked     int           `json:"blocked"`
	Deferred    int           `json:"deferred"`
	Parked      int           `json:"parked"`
	Integrated  int           `json:"integrated"`
	Failed      int           `json:"failed"`
	Unrecorded  int           `json:"unrecorded"`
	Stale       int           `json:"stale"`
	CircuitOpen bool          `json:"circuit_open"`
	Dispatched  []string      `json:"dispatched"`
	Duration    time.Duration `json:"duration"`
}

// Busy reports whether a cycle is in flight.
func (d *Director) Busy() bool { return d.busy.Load() }

// RunCycle runs one scheduling cycle. A call made while another cycle is
// in flight returns a skipped report immediately.
func (d *Director) RunCycle(ctx context.Context, trigger string) (*CycleReport, error) {
	if !d.busy.CompareAndSwap(false, true) {
		d.logger.Warn(ctx, "director cycle already in flight, skipping", zap.String("trigger", trigger))
		d.emitter.Emit(ctx, "", events.CycleSkippedData{Trigger: trigger, Reason: "cycle in flight"})
		CyclesTotal.WithLabelValues(trigger, "skipped").Inc()
		return &CycleReport{Trigger: trigger, Skipped: true}, nil
	}
	defer d.busy.Store(false)

	start := d.now()
	report := &CycleReport{Trigger: trigger, Dispatched: []string{}}
	d.emitter.Emit(ctx, "", events.CycleStartedData{Trigger: trigger})

	err := d.cycle(ctx, report)
	report.Duration = d.now().Sub(start)
	CycleDuration.Observe(report.Duration.Seconds())
	if err != nil {
		CyclesTotal.WithLabelValues(trigger, "error").Inc()
		d.logger.Error(ctx, "director cycle failed", zap.String("trigger", trigger), zap.Error(err))
		return report, err
	}
	CyclesTotal.WithLabelValues(trigger, "completed").Inc()

	d.emitter.Emit(ctx, "", events.CycleCompletedData{
		Trigger:    trigger,
		MainHead:   report.MainHead,
		Eligible:   report.Eligible,
		Blocked:    report.Blocked,
		Integrated: report.Integrated,
		Failed:     report.Failed,
		Stale:      report.Stale,
		DurationMS: report.Duration.Milliseconds(),
	})
	d.logger.Info(ctx, "director cycle completed",
		zap.String("trigger", trigger),
		zap.String("main_head", report.MainHead),
		zap.Int("eligible", report.Eligible),
		zap.Int("blocked", report.Blocked),
		zap.Int("integrated", report.Integrated),
		zap.Int("failed", report.Failed),
		zap.Int("unrecorded", report.Unrecorded),
		zap.Int("stale", report.Stale),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

func (d *Director) cycle(ctx context.Context, report *CycleReport) error {
	doc, err := d.manifest.Read(ctx)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	report.MainHead = d.observeHead(ctx, doc.MainHead)

	eligible := d.eligible(ctx, doc, report)
	report.Eligible = len(eligible)

	for _, entry := range eligible {
		if ctx.Err() != nil {
			d.logger.Warn(ctx, "director cycle cancelled during dispatch", zap.Error(ctx.Err()))
			break
		}
		if d.breaker.open(d.now()) {
			report.CircuitOpen = true
			CircuitOpen.Set(1)
			d.logger.Warn(ctx, "integration circuit open, deferring dispatch",
				zap.Int("remaining", report.Eligible-len(report.Dispatched)),
			)
			break
		}
		CircuitOpen.Set(0)
		report.Dispatched = append(report.Dispatched, entry.Branch)
		d.dispatch(ctx, entry, report)
	}

	// Main may have moved while integrating.
	head := d.observeHead(ctx, report.MainHead)
	report.MainHead = head

	after, err := d.manifest.Read(ctx)
	if err != nil {
		return fmt.Errorf("re-read manifest: %w", err)
	}
	d.detectStale(ctx, after, head, report)

	ManifestEntries.WithLabelValues(string(manifest.Ready)).Set(float64(len(after.Ready)))
	ManifestEntries.WithLabelValues(string(manifest.PendingMerge)).Set(float64(len(after.PendingMerge)))
	ManifestEntries.WithLabelValues(string(manifest.MergeHistory)).Set(float64(len(after.MergeHistory)))
	DeadLetters.Set(float64(len(d.retries.deadLetters())))
	return nil
}

// observeHead resolves the main head and records it in the manifest,
// falling back to known when resolution fails.
func (d *Director) observeHead(ctx context.Context, known string) string {
	heads := d.headSource()
	if heads == nil {
		return known
	}
	head, err := heads.HeadSHA(d.cfg.MainBranch)
	if err != nil {
		d.logger.Warn(ctx, "main head unavailable, using last known",
			zap.String("main_branch", d.cfg.MainBranch),
			zap.String("last_known", known),
			zap.Error(err),
		)
		return known
	}
	if head != known {
		if err := d.manifest.SetMainHead(ctx, head); err != nil {
			d.logger.Warn(ctx, "failed to record main head", zap.String("main_head", head), zap.Error(err))
		}
	}
	return head
}

func (d *Director) headSource() HeadResolver {
	if h, ok := d.integrator.(HeadResolver); ok {
		return h
	}
	return d.heads
}

// eligible returns ready entries whose dependencies have merged, sorted by
// ascending priority with ties kept in manifest order.
func (d *Director) eligible(ctx context.Context, doc *manifest.Document, report *CycleReport) []manifest.ReadyEntry {
	merged := doc.Merged()
	now := d.now()

	waiting := make(map[string]bool, len(doc.Ready))
	for _, e := range doc.Ready {
		waiting[e.Branch] = true
	}
	d.retries.prune(waiting)

	var out []manifest.ReadyEntry
	for _, e := range doc.Ready {
		if blocked := BlockedBy(e, merged); len(blocked) > 0 {
			report.Blocked++
			d.logger.Debug(ctx, "branch blocked by dependencies",
				zap.String("branch", e.Branch),
				zap.Strings("blocked_by", blocked),
			)
			d.emitter.Emit(ctx, e.RequestID, events.BranchBlockedData{Branch: e.Branch, BlockedBy: blocked})
			continue
		}
		if d.retries.parked(e.Branch) {
			report.Parked++
			continue
		}
		if d.retries.deferred(e.Branch, now) {
			report.Deferred++
			continue
		}
		out = append(out, e)
	}
	SortByPriority(out)
	return out
}

// BlockedBy returns the dependencies of e that have not merged.
func BlockedBy(e manifest.ReadyEntry, merged map[string]bool) []string {
	var blocked []string
	for _, dep := range e.DependsOn {
		if !merged[dep] {
			blocked = append(blocked, dep)
		}
	}
	return blocked
}

// SortByPriority orders entries by ascending priority, keeping ties stable.
func SortByPriority(entries []manifest.ReadyEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Priority < entries[j].Priority
	})
}

func (d *Director) dispatch(ctx context.Context, entry manifest.ReadyEntry, report *CycleReport) {
	ctx = logging.WithBranch(logging.WithRequestID(ctx, entry.RequestID), entry.Branch)
	attempt := d.retries.attempt(entry.Branch)
	d.emitter.Emit(ctx, entry.RequestID, events.IntegrationStartedData{
		Branch:   entry.Branch,
		Priority: entry.Priority,
		Attempt:  attempt,
	})

	pr, err := d.integrator.Integrate(ctx, entry, report.MainHead)
	if err != nil {
		d.fail(ctx, entry, attempt, err, report)
		return
	}
	if pr.BaseMainSHA == "" {
		pr.BaseMainSHA = report.MainHead
	}

	outcome, err := d.manifest.MoveToPendingMerge(ctx, entry.Branch, pr)
	if err != nil {
		// The pull request exists. The next attempt adopts it, so this is
		// not an integration failure.
		report.Unrecorded++
		IntegrationsTotal.WithLabelValues("unrecorded").Inc()
		d.logger.Warn(ctx, "pull request opened but not recorded, branch stays ready",
			zap.Int("pr_number", pr.PRNumber),
			zap.String("pr_url", pr.PRURL),
			zap.Error(err),
		)
		return
	}
	if !outcome.Changed() {
		// The entry left ready while we integrated; nothing to record.
		d.logger.Warn(ctx, "integrated branch was not moved", zap.String("outcome", string(outcome)))
		return
	}

	d.retries.succeed(entry.Branch)
	d.breaker.success()
	report.Integrated++
	IntegrationsTotal.WithLabelValues("succeeded").Inc()
	d.emitter.Emit(ctx, entry.RequestID, events.IntegrationSucceededData{
		Branch:            entry.Branch,
		PRNumber:          pr.PRNumber,
		PRURL:             pr.PRURL,
		IntegrationBranch: pr.IntegrationBranch,
	})
	d.logger.Info(ctx, "branch integrated",
		zap.Int("pr_number", pr.PRNumber),
		zap.String("pr_url", pr.PRURL),
	)
	for _, o := range d.observers {
		o.Integrated(ctx, entry, pr)
	}
}

func (d *Director) fail(ctx context.Context, entry manifest.ReadyEntry, attempt int, err error, report *CycleReport) {
	report.Failed++
	IntegrationsTotal.WithLabelValues("failed").Inc()
	now := d.now()

	d.logger.Warn(ctx, "integration failed, branch stays ready",
		zap.Int("attempt", attempt),
		zap.String("code", string(apperr.CodeOf(err))),
		zap.Error(err),
	)
	d.emitter.Emit(ctx, entry.RequestID, events.IntegrationFailedData{
		Branch:  entry.Branch,
		Attempt: attempt,
		Code:    string(apperr.CodeOf(err)),
		Error:   err.Error(),
	})

	if dl, parked := d.retries.fail(entry.Branch, err, now); parked {
		d.logger.Warn(ctx, "branch dead-lettered", zap.Int("attempts", dl.Attempts))
		d.emitter.Emit(ctx, entry.RequestID, events.DeadLetteredData{
			Branch:   dl.Branch,
			Attempts: dl.Attempts,
			Error:    dl.Error,
		})
	}
	if until, tripped := d.breaker.failure(now); tripped {
		CircuitOpen.Set(1)
		d.logger.Warn(ctx, "integration circuit opened", zap.Time("until", until))
		d.emitter.Emit(ctx, "", events.CircuitOpenedData{
			ConsecutiveFailures: d.cfg.Breaker.FailureThreshold,
			Until:               until,
		})
	}
}

func (d *Director) detectStale(ctx context.Context, doc *manifest.Document, head string, report *CycleReport) {
	stale := 0
	if head != "" {
		for _, p := range doc.PendingMerge {
			if p.BaseMainSHA == "" || p.BaseMainSHA == head {
				continue
			}
			stale++
			d.logger.Warn(ctx, "branch needs rebase",
				zap.String("branch", p.Branch),
				zap.Int("pr_number", p.PRNumber),
				zap.String("base_main_sha", p.BaseMainSHA),
				zap.String("main_head", head),
			)
			d.emitter.Emit(ctx, p.RequestID, events.RebaseNeededData{
				Branch:      p.Branch,
				PRNumber:    p.PRNumber,
				BaseMainSHA: p.BaseMainSHA,
				MainHead:    head,
			})
		}
	}
	report.Stale = stale
	StaleBranches.Set(float64(stale))
}

// DeadLetters lists parked branches.
func (d *Director) DeadLetters() []DeadLetter {
	return d.retries.deadLetters()
}

// Requeue returns a parked branch to scheduling with a fresh retry budget
// and triggers a cycle. It reports whether branch was parked.
func (d *Director) Requeue(ctx context.Context, branch string) bool {
	if !d.retries.requeue(branch) {
		return false
	}
	d.logger.Info(ctx, "dead-lettered branch requeued", zap.String("branch", branch))
	DeadLetters.Set(float64(len(d.retries.deadLetters())))
	d.Trigger("requeue")
	return true
}
