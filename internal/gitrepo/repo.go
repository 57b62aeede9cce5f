// Package gitrepo reads branch and diff information from a local repository
// using go-git. It never shells out to the git binary.
package gitrepo

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"

	"github.com/fyrsmithlabs/shipyard/internal/apperr"
)

// ErrDetachedHead is returned by CurrentBranch when HEAD is not on a branch.
var ErrDetachedHead = errors.New("HEAD is detached")

// Repo is an opened repository.
type Repo struct {
	path string
	repo *git.Repository
}

// Open opens the repository at path, searching parent directories for .git.
// Linked worktrees resolve through their common directory.
func Open(path string) (*Repo, error) {
	r, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true, EnableDotGitCommonDir: true})
	if err != nil {
		return nil, &apperr.GitOperationError{Operation: "open", Ref: path, Err: err}
	}
	return &Repo{path: path, repo: r}, nil
}

// Path returns the path the repository was opened from.
func (r *Repo) Path() string { return r.path }

// CurrentBranch returns the short name of the checked-out branch.
func (r *Repo) CurrentBranch() (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", &apperr.GitOperationError{Operation: "head", Err: err}
	}
	if !head.Name().IsBranch() {
		return "", ErrDetachedHead
	}
	return head.Name().Short(), nil
}

// HeadSHA resolves branch to a commit hash. Local branches win over
// origin's remote-tracking branch of the same name.
func (r *Repo) HeadSHA(branch string) (string, error) {
	for _, name := range []plumbing.ReferenceName{
		plumbing.NewBranchReferenceName(branch),
		plumbing.NewRemoteReferenceName("origin", branch),
	} {
		ref, err := r.repo.Reference(name, true)
		if err == nil {
			return ref.Hash().String(), nil
		}
		if !errors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", &apperr.GitOperationError{Operation: "resolve", Ref: branch, Err: err}
		}
	}
	return "", &apperr.GitOperationError{Operation: "resolve", Ref: branch, Err: plumbing.ErrReferenceNotFound}
}

// DefaultBranch guesses the integration branch: origin/HEAD's target, then
// main, master or develop if present locally, then the first local branch.
// It returns "" for a repository with no branches.
func (r *Repo) DefaultBranch() (string, error) {
	if ref, err := r.repo.Reference(plumbing.NewRemoteHEADReferenceName("origin"), false); err == nil {
		if ref.Type() == plumbing.SymbolicReference {
			return strings.TrimPrefix(ref.Target().Short(), "origin/"), nil
		}
	}

	local, err := r.localBranches()
	if err != nil {
		return "", err
	}
	for _, candidate := range []string{"main", "master", "develop"} {
		for _, b := range local {
			if b == candidate {
				return b, nil
			}
		}
	}
	if len(local) > 0 {
		return local[0], nil
	}
	return "", nil
}

// ListBranches returns local branch names. When there are none it falls
// back to origin's remote-tracking branches, then to HEAD's symbolic target
// for a repository without commits.
func (r *Repo) ListBranches() ([]string, error) {
	branches, err := r.localBranches()
	if err != nil {
		return nil, err
	}
	if len(branches) > 0 {
		return branches, nil
	}

	refs, err := r.repo.References()
	if err != nil {
		return nil, &apperr.GitOperationError{Operation: "list-branches", Err: err}
	}
	seen := map[string]bool{}
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		if !ref.Name().IsRemote() {
			return nil
		}
		name := strings.TrimPrefix(ref.Name().Short(), "origin/")
		if strings.HasSuffix(name, "HEAD") || seen[name] {
			return nil
		}
		seen[name] = true
		branches = append(branches, name)
		return nil
	})
	if err != nil {
		return nil, &apperr.GitOperationError{Operation: "list-branches", Err: err}
	}
	if len(branches) > 0 {
		sort.Strings(branches)
		return branches, nil
	}

	if head, err := r.repo.Storer.Reference(plumbing.HEAD); err == nil && head.Type() == plumbing.SymbolicReference {
		branches = append(branches, head.Target().Short())
	}
	return branches, nil
}

func (r *Repo) localBranches() ([]string, error) {
	iter, err := r.repo.Branches()
	if err != nil {
		return nil, &apperr.GitOperationError{Operation: "list-branches", Err: err}
	}
	var out []string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		out = append(out, ref.Name().Short())
		return nil
	})
	if err != nil && !errors.Is(err, storer.ErrStop) {
		return nil, &apperr.GitOperationError{Operation: "list-branches", Err: err}
	}
	sort.Strings(out)
	return out, nil
}

func (r *Repo) commit(branch string) (*object.Commit, error) {
	sha, err := r.HeadSHA(branch)
	if err != nil {
		return nil, err
	}
	c, err := r.repo.CommitObject(plumbing.NewHash(sha))
	if err != nil {
		return nil, &apperr.GitOperationError{Operation: "commit", Ref: branch, Err: fmt.Errorf("load %s: %w", sha, err)}
	}
	return c, nil
}
