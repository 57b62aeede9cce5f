// Package manifest holds the branch integration manifest: the document
// listing every branch on its way to the main branch, and the primitives
// that move branches between its three collections.
package manifest

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/shipyard/internal/fsm"
)

// Collection names one of the manifest's branch lists. It doubles as the
// state of a branch's lifecycle.
type Collection string

const (
	Ready        Collection = "ready"
	PendingMerge Collection = "pending_merge"
	MergeHistory Collection = "merge_history"
)

// BranchTransitions is the branch lifecycle. merge_history is terminal.
var BranchTransitions = fsm.Table[Collection]{
	Ready:        {PendingMerge},
	PendingMerge: {MergeHistory, Ready},
	MergeHistory: {},
}

// PipelineResult is the quality verdict recorded with a ready branch.
type PipelineResult struct {
	OverallStatus    string            `json:"overall_status"`
	CorrectionCycles int               `json:"correction_cycles"`
	Agents           map[string]string `json:"agents,omitempty"`
}

// ReadyEntry is a branch waiting for integration. Lower Priority is more
// urgent.
type ReadyEntry struct {
	Branch             string            `json:"branch"`
	WorktreePath       string            `json:"worktree_path"`
	RequestID          string            `json:"request_id"`
	Tier               string            `json:"tier"`
	Priority           int               `json:"priority"`
	DependsOn          []string          `json:"depends_on"`
	ReadyAt            time.Time         `json:"ready_at"`
	PipelineResult     *PipelineResult   `json:"pipeline_result,omitempty"`
	CorrectionsApplied []string          `json:"corrections_applied"`
	BaseMainSHA        string            `json:"base_main_sha,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// PendingEntry is a branch with an open pull request.
type PendingEntry struct {
	ReadyEntry
	PRNumber          int       `json:"pr_number"`
	PRURL             string    `json:"pr_url"`
	PRCreatedAt       time.Time `json:"pr_created_at"`
	IntegrationBranch string    `json:"integration_branch"`
}

// HistoryEntry is a merged branch.
type HistoryEntry struct {
	Branch    string            `json:"branch"`
	PRNumber  int               `json:"pr_number"`
	CommitSHA string            `json:"commit_sha"`
	MergedAt  time.Time         `json:"merged_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Document is the whole manifest. Version increases by one on every save.
type Document struct {
	Version      int64          `json:"version"`
	MainBranch   string         `json:"main_branch"`
	MainHead     string         `json:"main_head"`
	LastUpdated  time.Time      `json:"last_updated"`
	Ready        []ReadyEntry   `json:"ready"`
	PendingMerge []PendingEntry `json:"pending_merge"`
	MergeHistory []HistoryEntry `json:"merge_history"`
}

// NewDocument returns an empty manifest for mainBranch.
func NewDocument(mainBranch string) *Document {
	return &Document{
		MainBranch:   mainBranch,
		Ready:        []ReadyEntry{},
		PendingMerge: []PendingEntry{},
		MergeHistory: []HistoryEntry{},
	}
}

// Locate reports which collection holds branch and its index there.
func (d *Document) Locate(branch string) (Collection, int, bool) {
	for i := range d.Ready {
		if d.Ready[i].Branch == branch {
			return Ready, i, true
		}
	}
	for i := range d.PendingMerge {
		if d.PendingMerge[i].Branch == branch {
			return PendingMerge, i, true
		}
	}
	for i := range d.MergeHistory {
		if d.MergeHistory[i].Branch == branch {
			return MergeHistory, i, true
		}
	}
	return "", -1, false
}

// Merged returns the set of merged branch names.
func (d *Document) Merged() map[string]bool {
	out := make(map[string]bool, len(d.MergeHistory))
	for _, h := range d.MergeHistory {
		out[h.Branch] = true
	}
	return out
}

// Validate checks that every branch appears in exactly one place.
func (d *Document) Validate() error {
	seen := map[string]Collection{}
	check := func(branch string, c Collection) error {
		if branch == "" {
			return fmt.Errorf("empty branch name in %s", c)
		}
		if prev, ok := seen[branch]; ok {
			return fmt.Errorf("branch %q is in both %s and %s", branch, prev, c)
		}
		seen[branch] = c
		return nil
	}
	for _, e := range d.Ready {
		if err := check(e.Branch, Ready); err != nil {
			return err
		}
	}
	for _, e := range d.PendingMerge {
		if err := check(e.Branch, PendingMerge); err != nil {
			return err
		}
	}
	for _, e := range d.MergeHistory {
		if err := check(e.Branch, MergeHistory); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy.
func (d *Document) Clone() *Document {
	c := *d
	c.Ready = make([]ReadyEntry, len(d.Ready))
	for i, e := range d.Ready {
		c.Ready[i] = e.clone()
	}
	c.PendingMerge = make([]PendingEntry, len(d.PendingMerge))
	for i, e := range d.PendingMerge {
		e.ReadyEntry = e.ReadyEntry.clone()
		c.PendingMerge[i] = e
	}
	c.MergeHistory = make([]HistoryEntry, len(d.MergeHistory))
	for i, e := range d.MergeHistory {
		e.Metadata = cloneMap(e.Metadata)
		c.MergeHistory[i] = e
	}
	return &c
}

func (e ReadyEntry) clone() ReadyEntry {
	e.DependsOn = append([]string{}, e.DependsOn...)
	e.CorrectionsApplied = append([]string{}, e.CorrectionsApplied...)
	e.Metadata = cloneMap(e.Metadata)
	if e.PipelineResult != nil {
		pr := *e.PipelineResult
		pr.Agents = cloneMap(pr.Agents)
		e.PipelineResult = &pr
	}
	return e
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (d *Document) normalize() {
	if d.Ready == nil {
		d.Ready = []ReadyEntry{}
	}
	if d.PendingMerge == nil {
		d.PendingMerge = []PendingEntry{}
	}
	if d.MergeHistory == nil {
		d.MergeHistory = []HistoryEntry{}
	}
	for i := range d.Ready {
		if d.Ready[i].DependsOn == nil {
			d.Ready[i].DependsOn = []string{}
		}
		if d.Ready[i].CorrectionsApplied == nil {
			d.Ready[i].CorrectionsApplied = []string{}
		}
	}
}
