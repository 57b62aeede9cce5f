package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/shipyard/internal/gitrepo"
	httpserver "github.com/fyrsmithlabs/shipyard/internal/http"
	"github.com/fyrsmithlabs/shipyard/internal/session"
)

type stubSource struct {
	snap Snapshot
	err  error
}

func (s stubSource) Fetch(context.Context) (Snapshot, error) { return s.snap, s.err }

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testSnapshot() Snapshot {
	return Snapshot{
		Status: httpserver.StatusResponse{
			Status: "ok",
			Sessions: map[string]int{
				"planning":  1,
				"review":    1,
				"escalated": 1,
				"merged":    2,
			},
			Manifest: httpserver.ManifestCounts{
				MainHead:     "0123456789abcdef",
				Ready:        2,
				PendingMerge: 1,
				MergeHistory: 3,
			},
		},
		Sessions: []*session.Session{
			{ID: "aaaaaaaa-1111", Status: session.StatusPlanning, Issue: session.Issue{Number: 42, Title: "Add login"}, LastActivityAt: fixedNow.Add(-90 * time.Second)},
			{ID: "bbbbbbbb-2222", Status: session.StatusMerged, Issue: session.Issue{Number: 7}, LastActivityAt: fixedNow},
		},
	}
}

func newTestModel(src Source) Model {
	m := NewModel(src, 5*time.Second)
	m.now = func() time.Time { return fixedNow }
	return m
}

func TestNewModel(t *testing.T) {
	m := NewModel(stubSource{}, 5*time.Second)
	assert.Equal(t, 5*time.Second, m.interval)
	assert.False(t, m.quitting)
	assert.NotNil(t, m.Init())
}

func TestModel_Update_Keys(t *testing.T) {
	m := newTestModel(stubSource{})

	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'r'}})
	assert.False(t, updated.(Model).quitting)
	require.NotNil(t, cmd)

	updated, cmd = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	assert.True(t, updated.(Model).quitting)
	assert.NotNil(t, cmd)
	assert.Empty(t, updated.View())
}

func TestModel_Update_Tick(t *testing.T) {
	m := newTestModel(stubSource{})
	_, cmd := m.Update(tickMsg(fixedNow))
	assert.NotNil(t, cmd)
}

func TestModel_FetchProducesSnapshot(t *testing.T) {
	snap := testSnapshot()
	msg := fetch(stubSource{snap: snap})()
	require.IsType(t, snapshotMsg{}, msg)
	assert.Equal(t, 2, len(Snapshot(msg.(snapshotMsg)).Sessions))

	msg = fetch(stubSource{err: errors.New("connection refused")})()
	require.IsType(t, errMsg{}, msg)
}

func TestModel_Update_Snapshot(t *testing.T) {
	m := newTestModel(stubSource{})
	updated, cmd := m.Update(snapshotMsg(testSnapshot()))
	assert.Nil(t, cmd)

	got := updated.(Model)
	assert.Equal(t, fixedNow, got.lastUpdate)
	assert.Equal(t, []float64{2}, got.activeHistory, "planning and review are active")
	assert.Equal(t, []float64{3}, got.queueHistory)

	view := got.View()
	assert.Contains(t, view, "shipyard")
	assert.Contains(t, view, "0123456")
	assert.Contains(t, view, "aaaaaaaa")
	assert.Contains(t, view, "Add login")
	assert.NotContains(t, view, "bbbbbbbb", "terminal sessions are not listed")
	assert.Contains(t, view, "NEEDS ATTENTION")
}

func TestModel_Update_Error(t *testing.T) {
	m := newTestModel(stubSource{})
	updated, _ := m.Update(errMsg{errors.New("connection refused")})
	view := updated.View()
	assert.Contains(t, view, "Cannot reach the shipyard daemon")
	assert.Contains(t, view, "connection refused")

	// A later snapshot clears the error.
	updated, _ = updated.(Model).Update(snapshotMsg(testSnapshot()))
	assert.Nil(t, updated.(Model).err)
}

func TestModel_Health(t *testing.T) {
	m := newTestModel(stubSource{})
	m.snap = Snapshot{Status: httpserver.StatusResponse{Sessions: map[string]int{}}}
	assert.Contains(t, m.health(), "HEALTHY")

	m.snap.Status.DeadLetters = 2
	assert.Contains(t, m.health(), "2 DEAD LETTERS")
}

func TestAppendToHistory_Bounded(t *testing.T) {
	var h []float64
	for i := 0; i < historySize+5; i++ {
		h = appendToHistory(h, float64(i))
	}
	assert.Len(t, h, historySize)
	assert.Equal(t, float64(5), h[0])
}

func TestRenderSessions_Truncates(t *testing.T) {
	m := newTestModel(stubSource{})
	for i := 0; i < maxRows+3; i++ {
		m.snap.Sessions = append(m.snap.Sessions, &session.Session{ID: "s", Status: session.StatusImplementing, LastActivityAt: fixedNow})
	}
	assert.Contains(t, m.renderSessions(), "3 more")

	m.snap.Sessions = nil
	assert.Contains(t, m.renderSessions(), "no live sessions")
}

func TestRenderSessions_Worktree(t *testing.T) {
	m := newTestModel(stubSource{})
	m.snap = testSnapshot()
	m.snap.Git = map[string]*gitrepo.StatusSummary{
		"aaaaaaaa-1111": {LinesAdded: 12, LinesDeleted: 3, DirtyFileCount: 2, UnpushedCommitCount: 1},
	}
	out := m.renderSessions()
	assert.Contains(t, out, "+12 -3")
	assert.Contains(t, out, "2 dirty")
	assert.Contains(t, out, "↑1")

	assert.Empty(t, renderWorktree(nil))
	assert.Contains(t, renderWorktree(&gitrepo.StatusSummary{IsMergedIntoBase: true}), "merged")
}
