// Package session tracks units of work from intake to a terminal outcome.
//
// A Session's status only changes through its transition table, and every
// mutation appends exactly one audit event. Sessions live in an injected
// Registry; Service is the control surface used by the HTTP layer and the
// orchestrator.
package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/shipyard/internal/fsm"
	"github.com/fyrsmithlabs/shipyard/internal/plan"
)

// Audit event types. The transition event is shared by every status change.
const (
	EventTransition     = "session.transition"
	EventPlanAttached   = "session.plan_attached"
	EventBranchAssigned = "session.branch_assigned"
	EventPRLinked       = "session.pr_linked"
	EventCIAttempt      = "session.ci_attempt"
	EventReviewAttempt  = "session.review_attempt"
)

// Issue describes the tracked work item.
type Issue struct {
	Number int      `json:"number,omitempty"`
	Title  string   `json:"title,omitempty"`
	URL    string   `json:"url,omitempty"`
	Repo   string   `json:"repo,omitempty"`
	Body   string   `json:"body,omitempty"`
	Labels []string `json:"labels,omitempty"`
}

// Event is one entry in a session's append-only audit log.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Session is the record of one issue or task.
type Session struct {
	ID             string                   `json:"id"`
	Status         Status                   `json:"status"`
	Issue          Issue                    `json:"issue"`
	Prompt         string                   `json:"prompt,omitempty"`
	ProjectPath    string                   `json:"project_path"`
	BaseBranch     string                   `json:"base_branch"`
	Plan           *plan.ImplementationPlan `json:"plan"`
	PlanDegraded   bool                     `json:"plan_degraded,omitempty"`
	Branch         string                   `json:"branch,omitempty"`
	WorktreePath   string                   `json:"worktree_path,omitempty"`
	PRNumber       int                      `json:"pr_number,omitempty"`
	PRURL          string                   `json:"pr_url,omitempty"`
	CIAttempts     int                      `json:"ci_attempts"`
	ReviewAttempts int                      `json:"review_attempts"`
	Model          string                   `json:"model,omitempty"`
	Provider       string                   `json:"provider,omitempty"`
	Error          string                   `json:"error,omitempty"`
	Events         []Event                  `json:"events"`
	CreatedAt      time.Time                `json:"created_at"`
	UpdatedAt      time.Time                `json:"updated_at"`
	LastActivityAt time.Time                `json:"last_activity_at"`
	CompletedAt    *time.Time               `json:"completed_at,omitempty"`

	now func() time.Time
}

// New creates a session in the created state.
func New(issue Issue, now func() time.Time) *Session {
	if now == nil {
		now = time.Now
	}
	ts := now().UTC()
	return &Session{
		ID:             uuid.NewString(),
		Status:         StatusCreated,
		Issue:          issue,
		Events:         []Event{},
		CreatedAt:      ts,
		UpdatedAt:      ts,
		LastActivityAt: ts,
		now:            now,
	}
}

// IsActive reports whether the session is neither terminal nor escalated.
func (s *Session) IsActive() bool { return s.Status.IsActive() }

// IsTerminal reports whether the session reached merged, failed or cancelled.
func (s *Session) IsTerminal() bool { return s.Status.IsTerminal() }

// CanTransition reports whether to is allowed from the current status.
func (s *Session) CanTransition(to Status) bool {
	return s.machine().CanTransition(to)
}

// Transition moves the session to the given status.
// It returns an fsm.InvalidTransitionError when the table forbids it.
func (s *Session) Transition(to Status, reason string) error {
	m := s.machine()
	from := m.Current()
	if err := m.Transition(to); err != nil {
		return err
	}
	s.Status = to

	data := map[string]interface{}{"from": string(from), "to": string(to)}
	if reason != "" {
		data["reason"] = reason
	}
	s.record(EventTransition, data)

	if to.IsTerminal() {
		ts := s.clock()
		s.CompletedAt = &ts
	}
	return nil
}

// TryTransition is Transition without the error.
func (s *Session) TryTransition(to Status, reason string) bool {
	return s.Transition(to, reason) == nil
}

// Fail moves the session to failed and attaches the error message.
func (s *Session) Fail(cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	if err := s.Transition(StatusFailed, msg); err != nil {
		return err
	}
	s.Error = msg
	return nil
}

// SetPlan attaches a copy of p. Re-planning attaches a new plan.
func (s *Session) SetPlan(p plan.ImplementationPlan, degraded bool) {
	cp := p.Clone()
	s.Plan = &cp
	s.PlanDegraded = degraded
	s.record(EventPlanAttached, map[string]interface{}{
		"summary":    p.Summary,
		"complexity": string(p.EstimatedComplexity),
		"degraded":   degraded,
	})
}

// SetBranch records the implementation branch and worktree.
func (s *Session) SetBranch(branch, worktreePath string) {
	s.Branch = branch
	s.WorktreePath = worktreePath
	s.record(EventBranchAssigned, map[string]interface{}{
		"branch":        branch,
		"worktree_path": worktreePath,
	})
}

// SetPR records the pull request opened for the branch.
func (s *Session) SetPR(number int, url string) {
	s.PRNumber = number
	s.PRURL = url
	s.record(EventPRLinked, map[string]interface{}{
		"pr_number": number,
		"pr_url":    url,
	})
}

// IncrementCIAttempts bumps the CI attempt counter and returns the new value.
func (s *Session) IncrementCIAttempts() int {
	s.CIAttempts++
	s.record(EventCIAttempt, map[string]interface{}{"attempt": s.CIAttempts})
	return s.CIAttempts
}

// IncrementReviewAttempts bumps the review attempt counter and returns the new value.
func (s *Session) IncrementReviewAttempts() int {
	s.ReviewAttempts++
	s.record(EventReviewAttempt, map[string]interface{}{"attempt": s.ReviewAttempts})
	return s.ReviewAttempts
}

// Clone returns a copy safe to hand to readers.
func (s *Session) Clone() *Session {
	cp := *s
	cp.Issue.Labels = append([]string(nil), s.Issue.Labels...)
	cp.Events = make([]Event, len(s.Events))
	copy(cp.Events, s.Events)
	if s.Plan != nil {
		p := s.Plan.Clone()
		cp.Plan = &p
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Title returns a human-readable label for the work item.
func (s *Session) Title() string {
	switch {
	case s.Issue.Title != "":
		return s.Issue.Title
	case s.Issue.Number > 0:
		return fmt.Sprintf("issue #%d", s.Issue.Number)
	default:
		return truncate(s.Prompt, 72)
	}
}

func (s *Session) record(typ string, data map[string]interface{}) {
	ts := s.clock()
	s.Events = append(s.Events, Event{
		ID:        uuid.NewString(),
		Timestamp: ts,
		Type:      typ,
		Data:      data,
	})
	s.UpdatedAt = ts
	s.LastActivityAt = ts
}

func (s *Session) machine() *fsm.Machine[Status] {
	return fsm.New("session "+s.ID, s.Status, Transitions)
}

func (s *Session) clock() time.Time {
	if s.now == nil {
		return time.Now().UTC()
	}
	return s.now().UTC()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
