package manifest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/shipyard/internal/apperr"
	"github.com/fyrsmithlabs/shipyard/internal/logging"
)

func newFileManager(t *testing.T) (*Manager, *FileStore, *logging.TestLogger) {
	t.Helper()
	store := NewFileStore(filepath.Join(t.TempDir(), ".shipyard", "manifest.json"), "main")
	tl := logging.NewTestLogger()
	return NewManager(store, tl.Logger), store, tl
}

func register(t *testing.T, m *Manager, branch string, priority int, deps ...string) {
	t.Helper()
	out, err := m.Register(context.Background(), ReadyEntry{Branch: branch, Priority: priority, DependsOn: deps})
	require.NoError(t, err)
	require.Equal(t, Moved, out)
}

func assertUnique(t *testing.T, d *Document) {
	t.Helper()
	assert.NoError(t, d.Validate())
}

func TestFileStore_LoadMissing(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "m.json"), "trunk")
	doc, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "trunk", doc.MainBranch)
	assert.Equal(t, int64(0), doc.Version)
	assert.NotNil(t, doc.Ready)
}

func TestFileStore_SaveRoundTripAndVersion(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(filepath.Join(t.TempDir(), "dir", "m.json"), "main")

	doc, err := store.Load(ctx)
	require.NoError(t, err)
	doc.Ready = append(doc.Ready, ReadyEntry{Branch: "a", Priority: 10})
	require.NoError(t, store.Save(ctx, doc))
	assert.Equal(t, int64(1), doc.Version)
	assert.False(t, doc.LastUpdated.IsZero())

	raw, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	var onDisk map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	for _, key := range []string{"main_branch", "main_head", "last_updated", "ready", "pending_merge", "merge_history"} {
		assert.Contains(t, onDisk, key)
	}

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(store.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFileStore_VersionConflict(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(filepath.Join(t.TempDir(), "m.json"), "main")

	first, err := store.Load(ctx)
	require.NoError(t, err)
	second, err := store.Load(ctx)
	require.NoError(t, err)

	first.MainHead = "aaa"
	require.NoError(t, store.Save(ctx, first))

	second.MainHead = "bbb"
	err = store.Save(ctx, second)
	assert.ErrorIs(t, err, ErrVersionConflict)

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "aaa", got.MainHead)
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err := NewFileStore(path, "main").Load(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperr.CodeManifest, apperr.CodeOf(err))
}

func TestFileStore_RejectsDuplicateBranches(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(filepath.Join(t.TempDir(), "m.json"), "main")
	doc := NewDocument("main")
	doc.Ready = []ReadyEntry{{Branch: "a"}}
	doc.MergeHistory = []HistoryEntry{{Branch: "a"}}
	err := store.Save(ctx, doc)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeManifest, apperr.CodeOf(err))
}

func TestManager_UpdateRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	m, store, tl := newFileManager(t)

	calls := 0
	_, err := m.Update(ctx, func(d *Document) error {
		calls++
		if calls == 1 {
			// Someone else saves between our load and save.
			other, err := store.Load(ctx)
			require.NoError(t, err)
			other.MainHead = "theirs"
			require.NoError(t, store.Save(ctx, other))
		}
		d.Ready = append(d.Ready, ReadyEntry{Branch: "mine"})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	doc, err := m.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "theirs", doc.MainHead)
	assert.Len(t, doc.Ready, 1)
	tl.AssertLogged(t, zapcore.WarnLevel, "manifest version conflict, retrying")
}

func TestManager_Lifecycle(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newFileManager(t)
	register(t, m, "feature/a", 10)
	register(t, m, "feature/b", 20, "feature/a")

	out, err := m.MoveToPendingMerge(ctx, "feature/a", PRInfo{PRNumber: 7, PRURL: "https://x/7", IntegrationBranch: "feature/a", BaseMainSHA: "m1"})
	require.NoError(t, err)
	assert.Equal(t, Moved, out)

	doc, err := m.Read(ctx)
	require.NoError(t, err)
	assertUnique(t, doc)
	require.Len(t, doc.Ready, 1)
	require.Len(t, doc.PendingMerge, 1)
	p := doc.PendingMerge[0]
	assert.Equal(t, "feature/a", p.Branch)
	assert.Equal(t, 10, p.Priority)
	assert.Equal(t, 7, p.PRNumber)
	assert.Equal(t, "m1", p.BaseMainSHA)
	assert.False(t, p.PRCreatedAt.IsZero())

	out, err = m.MoveToMergeHistory(ctx, "feature/a", "c0ffee")
	require.NoError(t, err)
	assert.Equal(t, Moved, out)

	doc, err = m.Read(ctx)
	require.NoError(t, err)
	assertUnique(t, doc)
	assert.Empty(t, doc.PendingMerge)
	require.Len(t, doc.MergeHistory, 1)
	assert.Equal(t, HistoryEntry{
		Branch: "feature/a", PRNumber: 7, CommitSHA: "c0ffee", MergedAt: doc.MergeHistory[0].MergedAt,
	}, doc.MergeHistory[0])
	assert.True(t, doc.Merged()["feature/a"])
}

func TestManager_MoveBackToReady(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newFileManager(t)
	register(t, m, "b", 5)
	_, err := m.MoveToPendingMerge(ctx, "b", PRInfo{PRNumber: 1, BaseMainSHA: "old"})
	require.NoError(t, err)

	out, err := m.MoveBackToReady(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, Moved, out)

	doc, err := m.Read(ctx)
	require.NoError(t, err)
	require.Len(t, doc.Ready, 1)
	assert.Equal(t, 5, doc.Ready[0].Priority)
	assert.Empty(t, doc.Ready[0].BaseMainSHA)
	assert.Empty(t, doc.PendingMerge)
}

func TestManager_InvalidMovesAreWarnings(t *testing.T) {
	ctx := context.Background()
	m, _, tl := newFileManager(t)
	register(t, m, "r", 1)

	before, err := m.Read(ctx)
	require.NoError(t, err)

	out, err := m.MoveToMergeHistory(ctx, "r", "sha")
	require.NoError(t, err)
	assert.Equal(t, Rejected, out)
	tl.AssertLogged(t, zapcore.WarnLevel, "manifest transition rejected")

	out, err = m.MoveBackToReady(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, AlreadyInTarget, out)

	out, err = m.MoveToPendingMerge(ctx, "ghost", PRInfo{})
	require.NoError(t, err)
	assert.Equal(t, NotFound, out)
	tl.AssertLogged(t, zapcore.WarnLevel, "manifest branch not found")

	after, err := m.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
}

func TestManager_MergedIsTerminal(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newFileManager(t)
	register(t, m, "x", 1)
	_, err := m.MoveToPendingMerge(ctx, "x", PRInfo{PRNumber: 1})
	require.NoError(t, err)
	_, err = m.MoveToMergeHistory(ctx, "x", "sha")
	require.NoError(t, err)

	out, err := m.MoveBackToReady(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, Rejected, out)

	out, err = m.Register(ctx, ReadyEntry{Branch: "x"})
	require.NoError(t, err)
	assert.Equal(t, Rejected, out)

	out, err = m.Remove(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, Rejected, out)
}

func TestManager_RegisterReplacesReadyEntry(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newFileManager(t)
	register(t, m, "a", 1)
	register(t, m, "b", 2)
	register(t, m, "a", 9)

	doc, err := m.Read(ctx)
	require.NoError(t, err)
	require.Len(t, doc.Ready, 2)
	assert.Equal(t, "a", doc.Ready[0].Branch)
	assert.Equal(t, 9, doc.Ready[0].Priority)
	assert.NotNil(t, doc.Ready[0].DependsOn)
}

func TestManager_PendingMergeCounts(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore("main"), logging.Nop())
	for _, b := range []string{"a", "b", "c"} {
		register(t, m, b, 1)
	}
	before, err := m.Read(ctx)
	require.NoError(t, err)

	_, err = m.MoveToPendingMerge(ctx, "b", PRInfo{PRNumber: 2})
	require.NoError(t, err)

	after, err := m.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(before.Ready)-1, len(after.Ready))
	assert.Equal(t, len(before.PendingMerge)+1, len(after.PendingMerge))
	c, _, ok := after.Locate("b")
	assert.True(t, ok)
	assert.Equal(t, PendingMerge, c)
	assertUnique(t, after)
}

func TestManager_SetMainHeadAndRemove(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore("main"), logging.Nop())
	require.NoError(t, m.SetMainHead(ctx, "abc"))
	register(t, m, "a", 1)

	out, err := m.Remove(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, Moved, out)
	out, err = m.Remove(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, NotFound, out)

	doc, err := m.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", doc.MainHead)
	assert.Empty(t, doc.Ready)
}

func TestDocument_CloneIsDeep(t *testing.T) {
	d := NewDocument("main")
	d.Ready = append(d.Ready, ReadyEntry{Branch: "a", DependsOn: []string{"x"}, Metadata: map[string]string{"k": "v"}})
	c := d.Clone()
	c.Ready[0].DependsOn[0] = "y"
	c.Ready[0].Metadata["k"] = "w"
	assert.Equal(t, "x", d.Ready[0].DependsOn[0])
	assert.Equal(t, "v", d.Ready[0].Metadata["k"])
}

func TestBranchTransitions(t *testing.T) {
	assert.True(t, BranchTransitions.Allows(Ready, PendingMerge))
	assert.True(t, BranchTransitions.Allows(PendingMerge, MergeHistory))
	assert.True(t, BranchTransitions.Allows(PendingMerge, Ready))
	assert.False(t, BranchTransitions.Allows(Ready, MergeHistory))
	assert.True(t, BranchTransitions.IsTerminal(MergeHistory))
}
