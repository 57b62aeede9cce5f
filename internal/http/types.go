package http

import (
	"time"

	"github.com/fyrsmithlabs/shipyard/internal/gitrepo"
	"github.com/fyrsmithlabs/shipyard/internal/session"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	// Code is the machine-readable error code when the failure carries one.
	Code string `json:"code,omitempty"`
	// ExistingSessionID names the active session a duplicate start collided with.
	ExistingSessionID string `json:"existing_session_id,omitempty"`
}

// StartSessionRequest is the request body for POST /api/v1/sessions.
type StartSessionRequest = session.StartRequest

// StartSessionResponse is the response body for POST /api/v1/sessions.
type StartSessionResponse struct {
	SessionID   string         `json:"session_id"`
	Status      session.Status `json:"status"`
	IssueNumber int            `json:"issue_number,omitempty"`
}

// SessionDetail is the response body for GET /api/v1/sessions/:id. Git
// describes the session's worktree when it has one and it can be read.
type SessionDetail struct {
	*session.Session
	Git *gitrepo.StatusSummary `json:"git,omitempty"`
}

// ListSessionsResponse is the response body for GET /api/v1/sessions.
type ListSessionsResponse struct {
	Sessions []*session.Session `json:"sessions"`
	Count    int                `json:"count"`
}

// ReasonRequest is the request body for escalate and cancel.
type ReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ResumeRequest is the request body for POST /api/v1/sessions/:id/resume.
type ResumeRequest struct {
	Guidance []string `json:"guidance,omitempty"`
}

// RegisterBranchRequest is the request body for POST /api/v1/manifest/ready.
type RegisterBranchRequest struct {
	Branch       string            `json:"branch"`
	WorktreePath string            `json:"worktree_path,omitempty"`
	RequestID    string            `json:"request_id,omitempty"`
	Tier         string            `json:"tier,omitempty"`
	Priority     int               `json:"priority,omitempty"`
	DependsOn    []string          `json:"depends_on,omitempty"`
	BaseMainSHA  string            `json:"base_main_sha,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// RecordMergeRequest is the request body for POST /api/v1/manifest/merged.
type RecordMergeRequest struct {
	Branch    string `json:"branch"`
	CommitSHA string `json:"commit_sha"`
}

// OutcomeResponse reports what a manifest move did.
type OutcomeResponse struct {
	Branch  string `json:"branch"`
	Outcome string `json:"outcome"`
}

// CycleRequest is the optional request body for POST /api/v1/director/cycle.
type CycleRequest struct {
	Trigger string `json:"trigger,omitempty"`
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	Status   string         `json:"status"`
	Sessions map[string]int `json:"sessions"`
	Manifest ManifestCounts `json:"manifest"`
	// DirectorBusy is true while a director cycle is in flight.
	DirectorBusy bool      `json:"director_busy"`
	DeadLetters  int       `json:"dead_letters"`
	Time         time.Time `json:"time"`
}

// ManifestCounts sizes each manifest collection.
type ManifestCounts struct {
	Version      int64  `json:"version"`
	MainHead     string `json:"main_head,omitempty"`
	Ready        int    `json:"ready"`
	PendingMerge int    `json:"pending_merge"`
	MergeHistory int    `json:"merge_history"`
}

// WebhookResponse acknowledges a GitHub delivery.
type WebhookResponse struct {
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	SessionStatus string `json:"session_status,omitempty"`
	Outcome       string `json:"outcome,omitempty"`
}
