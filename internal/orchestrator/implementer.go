package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipyard/internal/apperr"
	"github.com/fyrsmithlabs/shipyard/internal/gitrepo"
	"github.com/fyrsmithlabs/shipyard/internal/logging"
)

const (
	defaultBranchPrefix = "shipyard/"
	// DefaultImplementTimeout bounds one implementation round when Timeout is unset.
	DefaultImplementTimeout = 30 * time.Minute
	outputTail              = 4000
	waitDelay               = 2 * time.Second
)

// WorktreeImplementer gives each session its own git worktree and runs a
// coding agent command inside it. The command receives the task on stdin
// and is expected to commit its work on the session branch.
type WorktreeImplementer struct {
	// Command is run with sh -c in the worktree.
	Command string
	// WorktreeRoot holds the worktrees; defaults to <project>/.shipyard/worktrees.
	WorktreeRoot string
	BranchPrefix string
	// Timeout bounds one round. Cancelling the caller's context does not
	// stop a running round; only this limit does.
	Timeout time.Duration
	Logger  *logging.Logger
}

// Implement prepares the worktree on the first round and runs the command.
func (w *WorktreeImplementer) Implement(ctx context.Context, req ImplementRequest) (*Implementation, error) {
	logger := w.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	branch, dir := req.Branch, req.WorktreePath
	if branch == "" {
		prefix := w.BranchPrefix
		if prefix == "" {
			prefix = defaultBranchPrefix
		}
		branch = BranchName(prefix, req.Task.Number, req.Task.Title+" "+req.Task.Prompt, req.SessionID)
	}
	if dir == "" {
		root := w.WorktreeRoot
		if root == "" {
			root = filepath.Join(req.ProjectPath, ".shipyard", "worktrees")
		}
		dir = filepath.Join(root, strings.ReplaceAll(branch, "/", "-"))
	}
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		if err := addWorktree(ctx, req.ProjectPath, dir, branch, req.BaseBranch); err != nil {
			return nil, err
		}
		logger.Info(ctx, "worktree created", zap.String("branch", branch), zap.String("path", dir))
	}

	input, err := json.Marshal(agentInput{
		SessionID: req.SessionID,
		Round:     req.Round,
		Branch:    branch,
		Base:      req.BaseBranch,
		Task:      req.Task,
		Plan:      req.Plan,
		Feedback:  req.Feedback,
	})
	if err != nil {
		return nil, err
	}

	limit := w.Timeout
	if limit <= 0 {
		limit = DefaultImplementTimeout
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), limit)
	defer cancel()
	cmd := exec.CommandContext(ctx, "sh", "-c", w.Command)
	cmd.Dir = dir
	cmd.WaitDelay = waitDelay
	cmd.Stdin = bytes.NewReader(input)
	cmd.Env = append(os.Environ(),
		"SHIPYARD_SESSION_ID="+req.SessionID,
		"SHIPYARD_BRANCH="+branch,
		"SHIPYARD_BASE_BRANCH="+req.BaseBranch,
		fmt.Sprintf("SHIPYARD_ROUND=%d", req.Round),
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	runErr := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, &apperr.TimeoutError{Operation: "implementer", Limit: limit, Err: ctx.Err()}
	}
	if runErr != nil {
		return nil, &apperr.AgentExecutionError{
			Agent: "implementer",
			Err:   fmt.Errorf("%w\n%s", runErr, tail(out.String(), outputTail)),
		}
	}
	logger.Info(ctx, "implementation round finished",
		zap.Int("round", req.Round),
		zap.Duration("duration", time.Since(start)),
	)
	return &Implementation{
		Branch:       branch,
		WorktreePath: dir,
		Summary:      tail(strings.TrimSpace(out.String()), outputTail),
	}, nil
}

type agentInput struct {
	SessionID string   `json:"session_id"`
	Round     int      `json:"round"`
	Branch    string   `json:"branch"`
	Base      string   `json:"base_branch"`
	Task      any      `json:"task"`
	Plan      any      `json:"plan"`
	Feedback  []string `json:"feedback,omitempty"`
}

func addWorktree(ctx context.Context, project, dir, branch, base string) error {
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return &apperr.GitOperationError{Operation: "worktree add", Ref: branch, Err: err}
	}
	args := []string{"worktree", "add", "-b", branch, dir, base}
	if exists, _ := branchExists(project, branch); exists {
		args = []string{"worktree", "add", dir, branch}
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = project
	cmd.WaitDelay = waitDelay
	if out, err := cmd.CombinedOutput(); err != nil {
		return &apperr.GitOperationError{
			Operation: "worktree add",
			Ref:       branch,
			Err:       fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out))),
		}
	}
	return nil
}

func branchExists(project, branch string) (bool, error) {
	repo, err := gitrepo.Open(project)
	if err != nil {
		return false, err
	}
	_, err = repo.HeadSHA(branch)
	return err == nil, nil
}

var slugUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

// BranchName builds a session branch name such as
// "shipyard/42-add-login-3f2a9c1b".
func BranchName(prefix string, issue int, text, sessionID string) string {
	slug := strings.Trim(slugUnsafe.ReplaceAllString(strings.ToLower(text), "-"), "-")
	if len(slug) > 40 {
		slug = strings.TrimRight(slug[:40], "-")
	}
	var parts []string
	if issue > 0 {
		parts = append(parts, fmt.Sprint(issue))
	}
	if slug != "" {
		parts = append(parts, slug)
	}
	id := strings.ReplaceAll(sessionID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	if id != "" {
		parts = append(parts, id)
	}
	return prefix + strings.Join(parts, "-")
}

// RepoDiffs measures branches with go-git.
type RepoDiffs struct{}

// DiffStats diffs branch against base in the repository at projectPath.
func (RepoDiffs) DiffStats(_ context.Context, projectPath, base, branch string) (gitrepo.DiffStats, error) {
	repo, err := gitrepo.Open(projectPath)
	if err != nil {
		return gitrepo.DiffStats{}, err
	}
	return repo.DiffStats(base, branch)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
