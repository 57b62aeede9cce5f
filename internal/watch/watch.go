// Package watch triggers director cycles when watched files change on
// disk, such as the manifest edited by hand or main moving in the repo.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipyard/internal/logging"
)

// DefaultDebounce coalesces bursts of writes, e.g. write then rename.
const DefaultDebounce = 250 * time.Millisecond

// ErrNotGitRepo indicates a repository path without a .git entry.
var ErrNotGitRepo = errors.New("not a git repository")

// Trigger receives coalesced change reasons.
type Trigger interface {
	Trigger(reason string)
}

// TriggerFunc adapts a function to Trigger.
type TriggerFunc func(reason string)

// Trigger calls f.
func (f TriggerFunc) Trigger(reason string) { f(reason) }

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the quiet period before a trigger fires.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// Watcher maps file changes to trigger reasons.
type Watcher struct {
	fs       *fsnotify.Watcher
	trigger  Trigger
	logger   *logging.Logger
	debounce time.Duration

	mu      sync.Mutex
	targets map[string]string // cleaned path -> reason
	dirs    map[string]bool
}

// New creates a watcher that reports to t.
func New(t Trigger, logger *logging.Logger, opts ...Option) (*Watcher, error) {
	if t == nil {
		return nil, fmt.Errorf("trigger is required")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	w := &Watcher{
		fs:       fsw,
		trigger:  t,
		logger:   logger.Named("watch"),
		debounce: DefaultDebounce,
		targets:  make(map[string]string),
		dirs:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Watch reports reason whenever path is written, created, renamed or
// removed. The parent directory is watched so atomic replaces are seen;
// it must exist.
func (w *Watcher) Watch(path, reason string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	dir := filepath.Dir(abs)

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.dirs[dir] {
		if err := w.fs.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		w.dirs[dir] = true
	}
	w.targets[abs] = reason
	return nil
}

// WatchBranch reports reason when branch moves in the repository at
// repoPath. Loose and packed refs are both covered. Linked worktrees
// resolve to the common dir, where branch refs live.
func (w *Watcher) WatchBranch(repoPath, branch, reason string) error {
	gitDir, err := GitDir(repoPath)
	if err != nil {
		return err
	}
	if common, err := os.ReadFile(filepath.Join(gitDir, "commondir")); err == nil {
		dir := strings.TrimSpace(string(common))
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(gitDir, dir)
		}
		gitDir = filepath.Clean(dir)
	}
	ref := filepath.Join(gitDir, "refs", "heads", filepath.FromSlash(branch))
	if err := os.MkdirAll(filepath.Dir(ref), 0o755); err != nil {
		return fmt.Errorf("ensure refs dir: %w", err)
	}
	if err := w.Watch(ref, reason); err != nil {
		return err
	}
	return w.Watch(filepath.Join(gitDir, "packed-refs"), reason)
}

// Run dispatches coalesced triggers until ctx is done, then closes the
// underlying watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()

	pending := make(map[string]bool)
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			reason, hit := w.match(ev)
			if !hit {
				continue
			}
			w.logger.Debug(ctx, "watched file changed",
				zap.String("path", ev.Name),
				zap.String("op", ev.Op.String()),
				zap.String("reason", reason),
			)
			pending[reason] = true
			timer.Reset(w.debounce)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn(ctx, "file watcher error", zap.Error(err))

		case <-timer.C:
			for _, reason := range sortedKeys(pending) {
				w.logger.Info(ctx, "change detected, triggering cycle", zap.String("reason", reason))
				w.trigger.Trigger(reason)
			}
			clear(pending)
		}
	}
}

func (w *Watcher) match(ev fsnotify.Event) (string, bool) {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
		return "", false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	reason, ok := w.targets[filepath.Clean(ev.Name)]
	return reason, ok
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GitDir returns the git directory of repoPath. For a linked worktree,
// where .git is a file, it follows the gitdir pointer.
func GitDir(repoPath string) (string, error) {
	gitPath := filepath.Join(repoPath, ".git")
	info, err := os.Stat(gitPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotGitRepo, repoPath)
		}
		return "", fmt.Errorf("stat .git: %w", err)
	}
	if info.IsDir() {
		return filepath.Abs(gitPath)
	}

	content, err := os.ReadFile(gitPath)
	if err != nil {
		return "", fmt.Errorf("reading .git file: %w", err)
	}
	line := strings.TrimSpace(string(content))
	dir, ok := strings.CutPrefix(line, "gitdir:")
	if !ok || strings.TrimSpace(dir) == "" {
		return "", fmt.Errorf("%w: invalid .git file format", ErrNotGitRepo)
	}
	dir = strings.TrimSpace(dir)
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(repoPath, dir)
	}
	return filepath.Abs(dir)
}
