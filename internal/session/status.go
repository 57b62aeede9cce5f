package session

import (
	"github.com/fyrsmithlabs/shipyard/internal/fsm"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusCreated          Status = "created"
	StatusPlanning         Status = "planning"
	StatusImplementing     Status = "implementing"
	StatusQualityCheck     Status = "quality_check"
	StatusPRCreated        Status = "pr_created"
	StatusCIRunning        Status = "ci_running"
	StatusCIPassed         Status = "ci_passed"
	StatusCIFailed         Status = "ci_failed"
	StatusReview           Status = "review"
	StatusChangesRequested Status = "changes_requested"
	StatusMerged           Status = "merged"
	StatusFailed           Status = "failed"
	StatusEscalated        Status = "escalated"
	StatusCancelled        Status = "cancelled"
)

// Transitions is the session lifecycle adjacency table.
var Transitions = fsm.Table[Status]{
	StatusCreated:          {StatusPlanning, StatusCancelled, StatusFailed},
	StatusPlanning:         {StatusImplementing, StatusEscalated, StatusCancelled, StatusFailed},
	StatusImplementing:     {StatusQualityCheck, StatusPRCreated, StatusEscalated, StatusCancelled, StatusFailed},
	StatusQualityCheck:     {StatusPRCreated, StatusImplementing, StatusEscalated, StatusFailed},
	StatusPRCreated:        {StatusCIRunning, StatusReview, StatusEscalated, StatusCancelled, StatusFailed},
	StatusCIRunning:        {StatusCIPassed, StatusCIFailed, StatusEscalated, StatusCancelled, StatusFailed},
	StatusCIPassed:         {StatusReview, StatusMerged, StatusEscalated, StatusCancelled, StatusFailed},
	StatusCIFailed:         {StatusImplementing, StatusCIRunning, StatusEscalated, StatusFailed},
	StatusReview:           {StatusMerged, StatusChangesRequested, StatusEscalated, StatusCancelled, StatusFailed},
	StatusChangesRequested: {StatusImplementing, StatusEscalated, StatusCancelled, StatusFailed},
	StatusEscalated:        {StatusImplementing, StatusCancelled},
	StatusMerged:           {},
	StatusFailed:           {},
	StatusCancelled:        {},
}

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusCreated, StatusPlanning, StatusImplementing, StatusQualityCheck,
	StatusPRCreated, StatusCIRunning, StatusCIPassed, StatusCIFailed,
	StatusReview, StatusChangesRequested, StatusMerged, StatusFailed,
	StatusEscalated, StatusCancelled,
}

// IsTerminal reports whether s is merged, failed or cancelled.
func (s Status) IsTerminal() bool {
	return Transitions.IsTerminal(s)
}

// IsActive reports whether s is neither terminal nor escalated.
func (s Status) IsActive() bool {
	return !s.IsTerminal() && s != StatusEscalated
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := Transitions[s]
	return ok
}
