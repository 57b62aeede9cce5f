package gitrepo

import (
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"

	"github.com/fyrsmithlabs/shipyard/internal/apperr"
)

// DiffStats summarizes the change a branch introduces over its base.
type DiffStats struct {
	FilesChanged int      `json:"files_changed"`
	Insertions   int      `json:"insertions"`
	Deletions    int      `json:"deletions"`
	Files        []string `json:"files,omitempty"`
}

// Lines is the total number of changed lines.
func (d DiffStats) Lines() int { return d.Insertions + d.Deletions }

// DiffStats compares branch against the merge base it shares with base.
func (r *Repo) DiffStats(base, branch string) (DiffStats, error) {
	head, err := r.commit(branch)
	if err != nil {
		return DiffStats{}, err
	}
	baseCommit, err := r.commit(base)
	if err != nil {
		return DiffStats{}, err
	}

	from := baseCommit
	if bases, err := head.MergeBase(baseCommit); err == nil && len(bases) > 0 {
		from = bases[0]
	}

	patch, err := from.Patch(head)
	if err != nil {
		return DiffStats{}, &apperr.GitOperationError{Operation: "diff", Ref: base + "..." + branch, Err: err}
	}

	var stats DiffStats
	for _, fs := range patch.Stats() {
		stats.FilesChanged++
		stats.Insertions += fs.Addition
		stats.Deletions += fs.Deletion
		stats.Files = append(stats.Files, fs.Name)
	}
	sort.Strings(stats.Files)
	return stats, nil
}

// FileChange is one uncommitted path in a worktree.
type FileChange struct {
	Path   string `json:"path"`
	Status string `json:"status"`
	Staged bool   `json:"staged"`
}

// DiffSummary lists uncommitted changes in the worktree.
type DiffSummary struct {
	Files     []FileChange `json:"files"`
	Total     int          `json:"total"`
	Truncated bool         `json:"truncated"`
}

// SummaryOptions filters a DiffSummary. A path containing any Exclude
// substring is skipped; MaxFiles of 0 means no limit.
type SummaryOptions struct {
	Exclude  []string
	MaxFiles int
}

// DiffSummary reports the worktree's uncommitted changes sorted by path.
func (r *Repo) DiffSummary(opts SummaryOptions) (DiffSummary, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return DiffSummary{}, &apperr.GitOperationError{Operation: "worktree", Err: err}
	}
	status, err := wt.Status()
	if err != nil {
		return DiffSummary{}, &apperr.GitOperationError{Operation: "status", Err: err}
	}

	paths := make([]string, 0, len(status))
	for p := range status {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var out DiffSummary
	for _, p := range paths {
		if excluded(p, opts.Exclude) {
			continue
		}
		fs := status[p]
		code, staged := fs.Worktree, false
		if code == git.Unmodified {
			code, staged = fs.Staging, true
		}
		out.Files = append(out.Files, FileChange{Path: p, Status: statusName(code), Staged: staged})
	}
	out.Total = len(out.Files)
	if opts.MaxFiles > 0 && len(out.Files) > opts.MaxFiles {
		out.Files = out.Files[:opts.MaxFiles]
		out.Truncated = true
	}
	return out, nil
}

func excluded(path string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(path, p) {
			return true
		}
	}
	return false
}

func statusName(c git.StatusCode) string {
	switch c {
	case git.Added, git.Untracked:
		return "added"
	case git.Deleted:
		return "deleted"
	case git.Renamed:
		return "renamed"
	case git.Copied:
		return "copied"
	default:
		return "modified"
	}
}
