package manifest

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipyard/internal/fsm"
	"github.com/fyrsmithlabs/shipyard/internal/logging"
)

// Outcome says what a move primitive did.
type Outcome string

const (
	Moved           Outcome = "moved"
	AlreadyInTarget Outcome = "already_in_target"
	Rejected        Outcome = "rejected"
	NotFound        Outcome = "not_found"
)

// Changed reports whether the manifest was modified.
func (o Outcome) Changed() bool { return o == Moved }

// PRInfo is what integration returns for a branch.
type PRInfo struct {
	PRNumber          int
	PRURL             string
	IntegrationBranch string
	BaseMainSHA       string
}

// Manager applies read-modify-write changes to a Store.
type Manager struct {
	store  Store
	logger *logging.Logger
	now    func() time.Time
}

// NewManager wraps store.
func NewManager(store Store, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Manager{store: store, logger: logger.Named("manifest"), now: time.Now}
}

// Read returns the current document.
func (m *Manager) Read(ctx context.Context) (*Document, error) {
	return m.store.Load(ctx)
}

// Update loads the manifest, applies fn and saves. On a version conflict
// it reloads and applies fn once more.
func (m *Manager) Update(ctx context.Context, fn func(*Document) error) (*Document, error) {
	return m.update(ctx, func(d *Document) (bool, error) {
		return true, fn(d)
	})
}

func (m *Manager) update(ctx context.Context, fn func(*Document) (bool, error)) (*Document, error) {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var doc *Document
		doc, err = m.store.Load(ctx)
		if err != nil {
			return nil, err
		}
		changed, ferr := fn(doc)
		if ferr != nil {
			return nil, ferr
		}
		if !changed {
			return doc, nil
		}
		err = m.store.Save(ctx, doc)
		if err == nil {
			return doc, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		m.logger.Warn(ctx, "manifest version conflict, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return nil, err
}

// Register adds entry to ready. A branch already in ready is replaced in
// place; a branch in any other collection is rejected.
func (m *Manager) Register(ctx context.Context, entry ReadyEntry) (Outcome, error) {
	if entry.ReadyAt.IsZero() {
		entry.ReadyAt = m.now().UTC()
	}
	if entry.DependsOn == nil {
		entry.DependsOn = []string{}
	}
	if entry.CorrectionsApplied == nil {
		entry.CorrectionsApplied = []string{}
	}

	outcome := Moved
	_, err := m.update(ctx, func(d *Document) (bool, error) {
		c, i, ok := d.Locate(entry.Branch)
		switch {
		case !ok:
			d.Ready = append(d.Ready, entry)
		case c == Ready:
			d.Ready[i] = entry
		default:
			outcome = Rejected
			m.logger.Warn(ctx, "manifest register rejected",
				zap.String("branch", entry.Branch),
				zap.String("collection", string(c)),
			)
			return false, nil
		}
		outcome = Moved
		return true, nil
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// MoveToPendingMerge moves branch from ready to pending_merge with pr.
func (m *Manager) MoveToPendingMerge(ctx context.Context, branch string, pr PRInfo) (Outcome, error) {
	return m.move(ctx, branch, PendingMerge, func(d *Document, i int) {
		e := d.Ready[i]
		d.Ready = append(d.Ready[:i], d.Ready[i+1:]...)
		e.BaseMainSHA = pr.BaseMainSHA
		d.PendingMerge = append(d.PendingMerge, PendingEntry{
			ReadyEntry:        e,
			PRNumber:          pr.PRNumber,
			PRURL:             pr.PRURL,
			PRCreatedAt:       m.now().UTC(),
			IntegrationBranch: pr.IntegrationBranch,
		})
	})
}

// MoveToMergeHistory records branch as merged at commitSHA.
func (m *Manager) MoveToMergeHistory(ctx context.Context, branch, commitSHA string) (Outcome, error) {
	return m.move(ctx, branch, MergeHistory, func(d *Document, i int) {
		e := d.PendingMerge[i]
		d.PendingMerge = append(d.PendingMerge[:i], d.PendingMerge[i+1:]...)
		d.MergeHistory = append(d.MergeHistory, HistoryEntry{
			Branch:    e.Branch,
			PRNumber:  e.PRNumber,
			CommitSHA: commitSHA,
			MergedAt:  m.now().UTC(),
			Metadata:  cloneMap(e.Metadata),
		})
	})
}

// MoveBackToReady returns a pending branch to ready, dropping its PR data.
func (m *Manager) MoveBackToReady(ctx context.Context, branch string) (Outcome, error) {
	return m.move(ctx, branch, Ready, func(d *Document, i int) {
		e := d.PendingMerge[i].ReadyEntry
		d.PendingMerge = append(d.PendingMerge[:i], d.PendingMerge[i+1:]...)
		e.BaseMainSHA = ""
		d.Ready = append(d.Ready, e)
	})
}

// move validates from → to through a branch lifecycle machine and applies
// the remove-then-insert. Invalid moves log a warning and change nothing.
func (m *Manager) move(ctx context.Context, branch string, to Collection, apply func(d *Document, i int)) (Outcome, error) {
	ctx = logging.WithBranch(ctx, branch)
	var outcome Outcome
	_, err := m.update(ctx, func(d *Document) (bool, error) {
		from, i, ok := d.Locate(branch)
		if !ok {
			outcome = NotFound
			m.logger.Warn(ctx, "manifest branch not found", zap.String("to", string(to)))
			return false, nil
		}
		if from == to {
			outcome = AlreadyInTarget
			m.logger.Warn(ctx, "manifest branch already in target", zap.String("collection", string(to)))
			return false, nil
		}
		machine := fsm.New(branch, from, BranchTransitions)
		if err := machine.Transition(to); err != nil {
			outcome = Rejected
			m.logger.Warn(ctx, "manifest transition rejected",
				zap.String("from", string(from)),
				zap.String("to", string(to)),
			)
			return false, nil
		}
		apply(d, i)
		outcome = Moved
		return true, nil
	})
	if err != nil {
		return "", err
	}
	if outcome == Moved {
		m.logger.Debug(ctx, "manifest branch moved", zap.String("to", string(to)))
	}
	return outcome, nil
}

// SetMainHead records the latest main branch commit.
func (m *Manager) SetMainHead(ctx context.Context, sha string) error {
	_, err := m.update(ctx, func(d *Document) (bool, error) {
		if d.MainHead == sha {
			return false, nil
		}
		d.MainHead = sha
		return true, nil
	})
	return err
}

// Remove deletes branch from ready or pending_merge. Merge history is kept.
func (m *Manager) Remove(ctx context.Context, branch string) (Outcome, error) {
	outcome := NotFound
	_, err := m.update(ctx, func(d *Document) (bool, error) {
		c, i, ok := d.Locate(branch)
		switch {
		case !ok:
			return false, nil
		case c == Ready:
			d.Ready = append(d.Ready[:i], d.Ready[i+1:]...)
		case c == PendingMerge:
			d.PendingMerge = append(d.PendingMerge[:i], d.PendingMerge[i+1:]...)
		default:
			outcome = Rejected
			return false, nil
		}
		outcome = Moved
		return true, nil
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}
