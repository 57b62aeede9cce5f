package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/shipyard/internal/gitrepo"
	"github.com/fyrsmithlabs/shipyard/internal/session"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	maxRows         = 8
	fetchTimeout    = 5 * time.Second
)

// Model is the bubbletea dashboard.
type Model struct {
	source     Source
	interval   time.Duration
	lastUpdate time.Time
	snap       Snapshot
	err        error
	quitting   bool

	activeHistory []float64
	queueHistory  []float64

	mergeProgress progress.Model
	now           func() time.Time
}

// k9s-like palette.
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a dashboard polling source every interval.
func NewModel(source Source, interval time.Duration) Model {
	return Model{
		source:   source,
		interval: interval,
		mergeProgress: progress.New(
			progress.WithGradient("#00ffff", "#00ff00"),
			progress.WithWidth(40),
		),
		activeHistory: make([]float64, 0, historySize),
		queueHistory:  make([]float64, 0, historySize),
		now:           time.Now,
	}
}

type tickMsg time.Time
type snapshotMsg Snapshot
type errMsg struct{ err error }

// Init starts polling.
func (m Model) Init() tea.Cmd {
	return tea.Batch(tick(m.interval), fetch(m.source))
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetch(source Source) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		snap, err := source.Fetch(ctx)
		if err != nil {
			return errMsg{err}
		}
		return snapshotMsg(snap)
	}
}

func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

// Update handles keys, ticks and poll results.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetch(m.source)
		}

	case tickMsg:
		return m, tea.Batch(tick(m.interval), fetch(m.source))

	case snapshotMsg:
		snap := Snapshot(msg)
		m.snap = snap
		m.activeHistory = appendToHistory(m.activeHistory, float64(snap.Active()))
		m.queueHistory = appendToHistory(m.queueHistory, float64(snap.Queued()))
		m.lastUpdate = m.now()
		m.err = nil
		return m, nil

	case errMsg:
		m.err = msg.err
		return m, nil
	}
	return m, nil
}

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.renderDashboard()
}

func (m Model) renderError() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(" shipyard ") + "\n\n")
	b.WriteString(errorStyle.Render("⚠ Cannot reach the shipyard daemon") + "\n\n")
	b.WriteString(dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n\n")
	b.WriteString(dimStyle.Render("Start it with `shipyard` or pass --server.") + "\n")
	b.WriteString(footerStyle.Render("[q] quit  [r] retry"))
	return containerStyle.Render(b.String())
}

// health summarizes the daemon: dead letters are errors, escalations are
// warnings.
func (m Model) health() string {
	switch {
	case m.snap.Status.DeadLetters > 0:
		return errorStyle.Render(fmt.Sprintf("✗ %d DEAD LETTERS", m.snap.Status.DeadLetters))
	case m.snap.Status.Sessions[string(session.StatusEscalated)] > 0:
		return warningStyle.Render("⚠ NEEDS ATTENTION")
	default:
		return healthyStyle.Render("✓ HEALTHY")
	}
}

func (m Model) renderDashboard() string {
	st := m.snap.Status
	var b strings.Builder

	lastUpdate := "never"
	if !m.lastUpdate.IsZero() {
		lastUpdate = m.lastUpdate.Format("15:04:05")
	}
	b.WriteString(headerStyle.Render(" shipyard ") + "\n")
	b.WriteString(fmt.Sprintf("%s   %s %s   %s\n",
		m.health(),
		dimStyle.Render("main:"),
		valueStyle.Render(ShortSHA(st.Manifest.MainHead)),
		dimStyle.Render(lastUpdate),
	))

	b.WriteString("\n" + sectionStyle.Render("┃ Sessions") + "\n")
	b.WriteString(labelStyle.Render("  Active: ") +
		valueStyle.Render(fmt.Sprintf("%-4d", m.snap.Active())) +
		"   " + renderSparkline(m.activeHistory) + "\n")
	b.WriteString(labelStyle.Render("  Escalated: ") + valueStyle.Render(fmt.Sprint(st.Sessions[string(session.StatusEscalated)])) +
		labelStyle.Render("  Failed: ") + valueStyle.Render(fmt.Sprint(st.Sessions[string(session.StatusFailed)])) +
		labelStyle.Render("  Merged: ") + valueStyle.Render(fmt.Sprint(st.Sessions[string(session.StatusMerged)])) + "\n")
	b.WriteString(m.renderSessions())

	b.WriteString("\n" + sectionStyle.Render("┃ Merge Queue") + "\n")
	b.WriteString(labelStyle.Render("  Queued: ") +
		valueStyle.Render(fmt.Sprintf("%-4d", m.snap.Queued())) +
		"   " + renderSparkline(m.queueHistory) + "\n")
	b.WriteString(labelStyle.Render("  Ready: ") + valueStyle.Render(fmt.Sprint(st.Manifest.Ready)) +
		labelStyle.Render("  Pending: ") + valueStyle.Render(fmt.Sprint(st.Manifest.PendingMerge)) +
		labelStyle.Render("  Merged: ") + valueStyle.Render(fmt.Sprint(st.Manifest.MergeHistory)) + "\n")
	done := Ratio(st.Manifest.MergeHistory, st.Manifest.MergeHistory+m.snap.Queued())
	b.WriteString(labelStyle.Render("  Progress: ") +
		m.mergeProgress.ViewAs(done) +
		" " + dimStyle.Render(fmt.Sprintf("%.0f%%", done*100)) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Director") + "\n")
	state := dimStyle.Render("idle")
	if st.DirectorBusy {
		state = warningStyle.Render("cycle running")
	}
	b.WriteString(labelStyle.Render("  State: ") + state +
		labelStyle.Render("  Dead letters: ") + valueStyle.Render(fmt.Sprint(st.DeadLetters)) + "\n")

	b.WriteString("\n" +
		footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval)))

	return containerStyle.Render(b.String())
}

// renderSessions lists live sessions, most recently active first.
func (m Model) renderSessions() string {
	live := make([]*session.Session, 0, len(m.snap.Sessions))
	for _, s := range m.snap.Sessions {
		if !s.IsTerminal() {
			live = append(live, s)
		}
	}
	if len(live) == 0 {
		return dimStyle.Render("  no live sessions") + "\n"
	}
	sort.Slice(live, func(i, j int) bool {
		return live[i].LastActivityAt.After(live[j].LastActivityAt)
	})

	var b strings.Builder
	now := m.now()
	for i, s := range live {
		if i == maxRows {
			b.WriteString(dimStyle.Render(fmt.Sprintf("  … %d more", len(live)-maxRows)) + "\n")
			break
		}
		title := s.Title()
		if len(title) > 32 {
			title = title[:31] + "…"
		}
		b.WriteString(fmt.Sprintf("  %s  %-20s  %-32s  %s%s\n",
			dimStyle.Render(ShortID(s.ID)),
			renderStatus(s.Status),
			title,
			dimStyle.Render(FormatAge(now.Sub(s.LastActivityAt))),
			renderWorktree(m.snap.Git[s.ID]),
		))
	}
	return b.String()
}

// renderWorktree summarizes a session's worktree, or returns "" when it is
// unknown.
func renderWorktree(g *gitrepo.StatusSummary) string {
	if g == nil {
		return ""
	}
	parts := []string{fmt.Sprintf("+%d -%d", g.LinesAdded, g.LinesDeleted)}
	if g.DirtyFileCount > 0 {
		parts = append(parts, fmt.Sprintf("%d dirty", g.DirtyFileCount))
	}
	if g.UnpushedCommitCount > 0 {
		parts = append(parts, fmt.Sprintf("↑%d", g.UnpushedCommitCount))
	}
	if g.IsMergedIntoBase {
		parts = append(parts, "merged")
	}
	return "  " + dimStyle.Render(strings.Join(parts, " "))
}

func renderSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}
	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()
	return sparklineStyle.Render(spark.View())
}
