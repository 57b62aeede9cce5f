package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/shipyard/internal/apperr"
	"github.com/fyrsmithlabs/shipyard/internal/planner"
)

func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
	dir := t.TempDir()
	r, err := git.PlainInitWithOptions(dir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName("main")},
	})
	require.NoError(t, err)
	wt, err := r.Worktree()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	_, err = wt.Commit("init", &git.CommitOptions{
		Author: &object.Signature{Name: "ship", Email: "ship@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return dir
}

const commitCommand = `cat > task.json && echo "package auth" > login.go && git add login.go && ` +
	`git -c user.name=ship -c user.email=ship@example.com commit -qm "add login" && echo done`

func TestWorktreeImplementer(t *testing.T) {
	project := initRepo(t)
	impl := &WorktreeImplementer{Command: commitCommand, WorktreeRoot: t.TempDir(), Timeout: time.Minute}

	req := ImplementRequest{
		SessionID:   "0a1b2c3d-4e5f",
		Task:        planner.Task{Number: 42, Title: "Add login"},
		ProjectPath: project,
		BaseBranch:  "main",
		Round:       1,
	}
	got, err := impl.Implement(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "shipyard/42-add-login-0a1b2c3d", got.Branch)
	assert.Equal(t, "done", got.Summary)
	assert.FileExists(t, filepath.Join(got.WorktreePath, "task.json"))

	diff, err := RepoDiffs{}.DiffStats(context.Background(), project, "main", got.Branch)
	require.NoError(t, err)
	assert.Equal(t, 1, diff.FilesChanged)
	assert.Equal(t, []string{"login.go"}, diff.Files)

	// A revision round reuses the worktree.
	req.Branch, req.WorktreePath, req.Round = got.Branch, got.WorktreePath, 2
	impl.Command = "test -f login.go && echo again"
	again, err := impl.Implement(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, got.WorktreePath, again.WorktreePath)
	assert.Equal(t, "again", again.Summary)
}

func TestWorktreeImplementer_CommandFailure(t *testing.T) {
	project := initRepo(t)
	impl := &WorktreeImplementer{Command: "echo boom >&2; exit 3", WorktreeRoot: t.TempDir()}

	_, err := impl.Implement(context.Background(), ImplementRequest{
		SessionID: "s1", Task: planner.Task{Prompt: "fix"}, ProjectPath: project, BaseBranch: "main", Round: 1,
	})
	var agentErr *apperr.AgentExecutionError
	require.ErrorAs(t, err, &agentErr)
	assert.Contains(t, err.Error(), "boom")
}

func TestWorktreeImplementer_BadBase(t *testing.T) {
	project := initRepo(t)
	impl := &WorktreeImplementer{Command: "true", WorktreeRoot: t.TempDir()}

	_, err := impl.Implement(context.Background(), ImplementRequest{
		SessionID: "s1", Task: planner.Task{Title: "x"}, ProjectPath: project, BaseBranch: "nope", Round: 1,
	})
	assert.Equal(t, apperr.CodeGitOperation, apperr.CodeOf(err))
}

func TestBranchName(t *testing.T) {
	assert.Equal(t, "shipyard/42-add-login-abcdef01", BranchName("shipyard/", 42, "Add login!", "abcdef01-2345"))
	assert.Equal(t, "x/fix-the-thing", BranchName("x/", 0, "  Fix   the thing ", ""))
	long := BranchName("p/", 1, "a very long title that keeps going well past forty characters", "id")
	assert.LessOrEqual(t, len(long), len("p/1-")+40+len("-id"))
}

func TestWorktreeImplementer_OutlivesCancellation(t *testing.T) {
	project := initRepo(t)
	impl := &WorktreeImplementer{Command: "sleep 1; echo done", WorktreeRoot: t.TempDir(), Timeout: time.Minute}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	got, err := impl.Implement(ctx, ImplementRequest{
		SessionID: "s1", Task: planner.Task{Title: "slow"}, ProjectPath: project, BaseBranch: "main", Round: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "done", got.Summary)
}

func TestWorktreeImplementer_Timeout(t *testing.T) {
	project := initRepo(t)
	impl := &WorktreeImplementer{Command: "sleep 5", WorktreeRoot: t.TempDir(), Timeout: 100 * time.Millisecond}

	_, err := impl.Implement(context.Background(), ImplementRequest{
		SessionID: "s1", Task: planner.Task{Title: "slow"}, ProjectPath: project, BaseBranch: "main", Round: 1,
	})
	var timeout *apperr.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 100*time.Millisecond, timeout.Limit)
}
