package gitrepo

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	fdiff "github.com/go-git/go-git/v5/utils/diff"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/fyrsmithlabs/shipyard/internal/apperr"
)

// Limits on counting lines in untracked files.
const (
	maxUntrackedCounted = 200
	maxUntrackedBytes   = 512 * 1024
	binarySniffBytes    = 8192
)

// DefaultLogLimit is used by Log when limit is not positive.
const DefaultLogLimit = 20

// StatusSummary describes the checked-out branch of a worktree.
type StatusSummary struct {
	Branch              string `json:"branch,omitempty"`
	DirtyFileCount      int    `json:"dirty_file_count"`
	UnpushedCommitCount int    `json:"unpushed_commit_count"`
	HasRemoteBranch     bool   `json:"has_remote_branch"`
	IsMergedIntoBase    bool   `json:"is_merged_into_base"`
	LinesAdded          int    `json:"lines_added"`
	LinesDeleted        int    `json:"lines_deleted"`
}

// StatusSummary counts uncommitted changes and compares the checked-out
// branch with origin and with base. Unpushed commits are counted against
// origin's copy of the branch when it exists, otherwise against base. An
// empty base skips both base comparisons. A detached HEAD reports only the
// worktree counts.
func (r *Repo) StatusSummary(base string) (StatusSummary, error) {
	var sum StatusSummary

	wt, err := r.repo.Worktree()
	if err != nil {
		return sum, &apperr.GitOperationError{Operation: "worktree", Err: err}
	}
	status, err := wt.Status()
	if err != nil {
		return sum, &apperr.GitOperationError{Operation: "status", Err: err}
	}

	headRef, err := r.repo.Head()
	if err != nil && !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return sum, &apperr.GitOperationError{Operation: "head", Err: err}
	}
	var head *object.Commit
	if headRef != nil {
		head, err = r.repo.CommitObject(headRef.Hash())
		if err != nil {
			return sum, &apperr.GitOperationError{Operation: "commit", Ref: "HEAD", Err: err}
		}
	}

	var tree *object.Tree
	if head != nil {
		if tree, err = head.Tree(); err != nil {
			return sum, &apperr.GitOperationError{Operation: "tree", Ref: "HEAD", Err: err}
		}
	}
	root := wt.Filesystem.Root()
	untracked := 0
	for path, fs := range status {
		if fs.Worktree == git.Unmodified && fs.Staging == git.Unmodified {
			continue
		}
		sum.DirtyFileCount++
		if fs.Worktree == git.Untracked {
			if untracked < maxUntrackedCounted {
				untracked++
				sum.LinesAdded += countFileLines(filepath.Join(root, path))
			}
			continue
		}
		added, deleted := lineChanges(tree, root, path)
		sum.LinesAdded += added
		sum.LinesDeleted += deleted
	}

	if headRef == nil || !headRef.Name().IsBranch() {
		return sum, nil
	}
	sum.Branch = headRef.Name().Short()

	upstream, err := r.repo.Reference(plumbing.NewRemoteReferenceName("origin", sum.Branch), true)
	sum.HasRemoteBranch = err == nil

	against := ""
	switch {
	case sum.HasRemoteBranch:
		against = upstream.Hash().String()
	case base != "":
		if ref, err := r.repo.Reference(plumbing.NewBranchReferenceName(base), true); err == nil {
			against = ref.Hash().String()
		}
	}
	if against != "" {
		if n, err := r.commitsAhead(head, against); err == nil {
			sum.UnpushedCommitCount = n
		}
	}

	if base != "" && base != sum.Branch {
		merged, err := r.MergedInto(sum.Branch, base)
		if err == nil {
			sum.IsMergedIntoBase = merged
		}
	}
	return sum, nil
}

// MergedInto reports whether branch's tip is reachable from base. Both
// names are resolved with HeadSHA, so origin's copy is used when no local
// branch exists.
func (r *Repo) MergedInto(branch, base string) (bool, error) {
	tip, err := r.commit(branch)
	if err != nil {
		return false, err
	}
	baseTip, err := r.commit(base)
	if err != nil {
		return false, err
	}
	ok, err := tip.IsAncestor(baseTip)
	if err != nil {
		return false, &apperr.GitOperationError{Operation: "merge-check", Ref: branch + ".." + base, Err: err}
	}
	return ok, nil
}

// commitsAhead counts commits reachable from head but not from the merge
// base it shares with other.
func (r *Repo) commitsAhead(head *object.Commit, other string) (int, error) {
	otherCommit, err := r.repo.CommitObject(plumbing.NewHash(other))
	if err != nil {
		return 0, err
	}
	bases, err := head.MergeBase(otherCommit)
	if err != nil {
		return 0, err
	}
	var ignore []plumbing.Hash
	for _, b := range bases {
		ignore = append(ignore, b.Hash)
	}

	n := 0
	iter := object.NewCommitPreorderIter(head, nil, ignore)
	err = iter.ForEach(func(*object.Commit) error {
		n++
		return nil
	})
	if err != nil && !errors.Is(err, storer.ErrStop) {
		return 0, err
	}
	return n, nil
}

// lineChanges diffs path's HEAD blob against the file on disk. Binary
// content on either side counts as no change.
func lineChanges(tree *object.Tree, root, path string) (added, deleted int) {
	var before string
	if tree != nil {
		if f, err := tree.File(path); err == nil {
			if bin, _ := f.IsBinary(); bin {
				return 0, 0
			}
			if before, err = f.Contents(); err != nil {
				return 0, 0
			}
		}
	}
	after := ""
	if data, err := os.ReadFile(filepath.Join(root, path)); err == nil {
		if isBinary(data) {
			return 0, 0
		}
		after = string(data)
	}

	for _, d := range fdiff.Do(before, after) {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += countLines(d.Text)
		case diffmatchpatch.DiffDelete:
			deleted += countLines(d.Text)
		}
	}
	return added, deleted
}

func countFileLines(path string) int {
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 || info.Size() > maxUntrackedBytes {
		return 0
	}
	data, err := os.ReadFile(path)
	if err != nil || isBinary(data) {
		return 0
	}
	return countLines(string(data))
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}

func isBinary(data []byte) bool {
	if len(data) > binarySniffBytes {
		data = data[:binarySniffBytes]
	}
	return bytes.IndexByte(data, 0) >= 0
}

// LogEntry is one commit in Log's output.
type LogEntry struct {
	Hash         string    `json:"hash"`
	ShortHash    string    `json:"short_hash"`
	Author       string    `json:"author"`
	When         time.Time `json:"when"`
	RelativeDate string    `json:"relative_date"`
	Message      string    `json:"message"`
}

// Log returns up to limit commits reachable from HEAD, newest first. The
// message is the subject line only.
func (r *Repo) Log(limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	iter, err := r.repo.Log(&git.LogOptions{})
	if err != nil {
		return nil, &apperr.GitOperationError{Operation: "log", Ref: "HEAD", Err: err}
	}
	defer iter.Close()

	out := make([]LogEntry, 0, limit)
	err = iter.ForEach(func(c *object.Commit) error {
		if len(out) == limit {
			return storer.ErrStop
		}
		hash := c.Hash.String()
		subject, _, _ := strings.Cut(c.Message, "\n")
		out = append(out, LogEntry{
			Hash:         hash,
			ShortHash:    hash[:7],
			Author:       c.Author.Name,
			When:         c.Author.When,
			RelativeDate: humanize.Time(c.Author.When),
			Message:      strings.TrimSpace(subject),
		})
		return nil
	})
	if err != nil && !errors.Is(err, storer.ErrStop) {
		return nil, &apperr.GitOperationError{Operation: "log", Ref: "HEAD", Err: err}
	}
	return out, nil
}
