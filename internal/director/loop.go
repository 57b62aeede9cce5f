package director

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipyard/internal/events"
	"github.com/fyrsmithlabs/shipyard/internal/manifest"
)

// ErrNoMergeChecker is returned by ReconcileMerges when no MergeChecker is set.
var ErrNoMergeChecker = errors.New("director: no merge checker configured")

// Trigger requests a cycle from Run without blocking. Requests made while
// one is already queued are coalesced.
func (d *Director) Trigger(reason string) {
	select {
	case d.trigger <- reason:
	default:
	}
}

// Run runs a cycle immediately, then on every schedule tick and trigger,
// until ctx is done.
func (d *Director) Run(ctx context.Context) error {
	interval := d.cfg.ScheduleInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.logger.Info(ctx, "director started", zap.Duration("interval", interval))
	d.runLogged(ctx, "startup")
	for {
		select {
		case <-ctx.Done():
			d.logger.Info(ctx, "director stopped")
			return ctx.Err()
		case <-ticker.C:
			if d.merges != nil {
				if _, err := d.ReconcileMerges(ctx); err != nil {
					d.logger.Warn(ctx, "merge reconciliation failed", zap.Error(err))
				}
			}
			d.runLogged(ctx, "schedule")
		case reason := <-d.trigger:
			d.runLogged(ctx, reason)
		}
	}
}

func (d *Director) runLogged(ctx context.Context, trigger string) {
	if _, err := d.RunCycle(ctx, trigger); err != nil && ctx.Err() == nil {
		d.logger.Warn(ctx, "director cycle error", zap.String("trigger", trigger), zap.Error(err))
	}
}

// RecordMerge moves branch to merge history and notifies observers.
func (d *Director) RecordMerge(ctx context.Context, branch, commitSHA string) (manifest.Outcome, error) {
	doc, err := d.manifest.Read(ctx)
	if err != nil {
		return "", err
	}
	prNumber := 0
	if coll, i, ok := doc.Locate(branch); ok && coll == manifest.PendingMerge {
		prNumber = doc.PendingMerge[i].PRNumber
	}

	outcome, err := d.manifest.MoveToMergeHistory(ctx, branch, commitSHA)
	if err != nil {
		return outcome, err
	}
	if !outcome.Changed() {
		return outcome, nil
	}
	d.emitter.Emit(ctx, "", events.BranchMergedData{Branch: branch, PRNumber: prNumber, CommitSHA: commitSHA})
	d.logger.Info(ctx, "branch merged",
		zap.String("branch", branch),
		zap.Int("pr_number", prNumber),
		zap.String("commit_sha", commitSHA),
	)
	for _, o := range d.observers {
		o.Merged(ctx, branch, prNumber, commitSHA)
	}
	// Dependents may now be eligible.
	d.Trigger("merge")
	return outcome, nil
}

// ReconcileMerges asks the merge checker about every pending pull request
// and records those that merged. When the merge checker is missing or
// fails, the local clone decides by whether the branch tip is reachable
// from main. It returns the merged branches.
func (d *Director) ReconcileMerges(ctx context.Context) ([]string, error) {
	if d.merges == nil && d.local == nil {
		return nil, ErrNoMergeChecker
	}
	doc, err := d.manifest.Read(ctx)
	if err != nil {
		return nil, err
	}
	var merged []string
	for _, p := range doc.PendingMerge {
		if err := ctx.Err(); err != nil {
			return merged, err
		}
		ok, sha, err := d.checkMerged(ctx, p)
		if err != nil {
			d.logger.Warn(ctx, "merge check failed",
				zap.String("branch", p.Branch),
				zap.Int("pr_number", p.PRNumber),
				zap.Error(err),
			)
			continue
		}
		if !ok {
			continue
		}
		outcome, err := d.RecordMerge(ctx, p.Branch, sha)
		if err != nil {
			return merged, fmt.Errorf("record merge of %s: %w", p.Branch, err)
		}
		if outcome.Changed() {
			merged = append(merged, p.Branch)
		}
	}
	return merged, nil
}

func (d *Director) checkMerged(ctx context.Context, p manifest.PendingEntry) (bool, string, error) {
	if d.merges != nil {
		ok, sha, err := d.merges.CheckMerged(ctx, p.PRNumber)
		if err == nil || d.local == nil {
			return ok, sha, err
		}
		d.logger.Debug(ctx, "merge check failed, asking local clone",
			zap.String("branch", p.Branch),
			zap.Int("pr_number", p.PRNumber),
			zap.Error(err),
		)
	}
	ok, err := d.local.MergedInto(p.Branch, d.cfg.MainBranch)
	if err != nil || !ok {
		return false, "", err
	}
	sha, err := d.local.HeadSHA(p.Branch)
	if err != nil {
		return false, "", err
	}
	return true, sha, nil
}
