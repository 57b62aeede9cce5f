package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/shipyard/internal/logging"
)

type recorder struct {
	mu      sync.Mutex
	reasons []string
}

func (r *recorder) Trigger(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reasons...)
}

func startWatcher(t *testing.T, w *Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestWatcher_CoalescesManifestWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	rec := &recorder{}
	w, err := New(rec, logging.Nop(), WithDebounce(50*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, w.Watch(path, "manifest"))
	startWatcher(t, w)

	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(path, []byte(`{"version": 1}`), 0o644))
	}

	assert.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	// Quiet period passes without further triggers.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, []string{"manifest"}, rec.snapshot())
}

func TestWatcher_SeesAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")

	rec := &recorder{}
	w, err := New(rec, logging.Nop(), WithDebounce(20*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, w.Watch(path, "manifest"))
	startWatcher(t, w)

	tmp := filepath.Join(dir, "manifest.json.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("{}"), 0o644))
	require.NoError(t, os.Rename(tmp, path))

	assert.Eventually(t, func() bool { return len(rec.snapshot()) >= 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_IgnoresSiblings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")

	rec := &recorder{}
	w, err := New(rec, logging.Nop(), WithDebounce(20*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, w.Watch(path, "manifest"))
	startWatcher(t, w)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

func TestWatcher_WatchBranch(t *testing.T) {
	repo := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(repo, ".git"), 0o755))

	rec := &recorder{}
	w, err := New(TriggerFunc(rec.Trigger), logging.Nop(), WithDebounce(20*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, w.WatchBranch(repo, "main", "main-moved"))
	startWatcher(t, w)

	ref := filepath.Join(repo, ".git", "refs", "heads", "main")
	require.NoError(t, os.WriteFile(ref, []byte("0123456789abcdef0123456789abcdef01234567\n"), 0o644))

	assert.Eventually(t, func() bool {
		got := rec.snapshot()
		return len(got) == 1 && got[0] == "main-moved"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNew_RequiresTrigger(t *testing.T) {
	_, err := New(nil, logging.Nop())
	assert.Error(t, err)
}

func TestWatch_MissingDirectory(t *testing.T) {
	w, err := New(&recorder{}, nil)
	require.NoError(t, err)
	defer w.fs.Close()

	err = w.Watch(filepath.Join(t.TempDir(), "missing", "manifest.json"), "manifest")
	assert.Error(t, err)
}

func TestGitDir(t *testing.T) {
	tmp := t.TempDir()

	t.Run("main repository", func(t *testing.T) {
		gitDir := filepath.Join(tmp, "main-repo", ".git")
		require.NoError(t, os.MkdirAll(gitDir, 0o755))

		got, err := GitDir(filepath.Join(tmp, "main-repo"))
		require.NoError(t, err)
		assert.Equal(t, gitDir, got)
	})

	t.Run("linked worktree", func(t *testing.T) {
		wt := filepath.Join(tmp, "worktree")
		require.NoError(t, os.MkdirAll(wt, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(wt, ".git"), []byte("gitdir: /main/.git/worktrees/feature\n"), 0o644))

		got, err := GitDir(wt)
		require.NoError(t, err)
		assert.Equal(t, "/main/.git/worktrees/feature", got)
	})

	t.Run("malformed .git file", func(t *testing.T) {
		wt := filepath.Join(tmp, "broken")
		require.NoError(t, os.MkdirAll(wt, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(wt, ".git"), []byte("nonsense"), 0o644))

		_, err := GitDir(wt)
		assert.ErrorIs(t, err, ErrNotGitRepo)
	})

	t.Run("not a repository", func(t *testing.T) {
		_, err := GitDir(filepath.Join(tmp, "nowhere"))
		assert.ErrorIs(t, err, ErrNotGitRepo)
	})
}
