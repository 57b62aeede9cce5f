package mcp

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipyard/internal/logging"
	"github.com/fyrsmithlabs/shipyard/internal/manifest"
	"github.com/fyrsmithlabs/shipyard/internal/session"
)

const recentEvents = 10

// ===== OUTPUT SHAPES =====

type sessionSummary struct {
	ID        string `json:"id" jsonschema:"Session ID"`
	Status    string `json:"status" jsonschema:"Lifecycle status"`
	Issue     int    `json:"issue,omitempty" jsonschema:"Issue number, if the session tracks one"`
	Title     string `json:"title,omitempty" jsonschema:"Issue title or task prompt"`
	Branch    string `json:"branch,omitempty" jsonschema:"Feature branch"`
	PRNumber  int    `json:"pr_number,omitempty" jsonschema:"Pull request number"`
	PRURL     string `json:"pr_url,omitempty" jsonschema:"Pull request URL"`
	Error     string `json:"error,omitempty" jsonschema:"Failure or escalation reason"`
	CreatedAt string `json:"created_at" jsonschema:"Creation time (RFC3339)"`
}

type eventSummary struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

type sessionDetail struct {
	Session        sessionSummary `json:"session"`
	ProjectPath    string         `json:"project_path"`
	BaseBranch     string         `json:"base_branch"`
	PlanSummary    string         `json:"plan_summary,omitempty" jsonschema:"Implementation plan summary"`
	PlanComplexity string         `json:"plan_complexity,omitempty"`
	PlanDegraded   bool           `json:"plan_degraded,omitempty" jsonschema:"True when the plan is the fallback plan"`
	CIAttempts     int            `json:"ci_attempts"`
	ReviewAttempts int            `json:"review_attempts"`
	Events         []eventSummary `json:"events" jsonschema:"Most recent events, oldest first"`
}

func summarize(s *session.Session) sessionSummary {
	title := s.Issue.Title
	if title == "" {
		title = s.Prompt
	}
	return sessionSummary{
		ID:        s.ID,
		Status:    string(s.Status),
		Issue:     s.Issue.Number,
		Title:     title,
		Branch:    s.Branch,
		PRNumber:  s.PRNumber,
		PRURL:     s.PRURL,
		Error:     s.Error,
		CreatedAt: s.CreatedAt.Format(time.RFC3339),
	}
}

func detail(s *session.Session) sessionDetail {
	d := sessionDetail{
		Session:        summarize(s),
		ProjectPath:    s.ProjectPath,
		BaseBranch:     s.BaseBranch,
		PlanDegraded:   s.PlanDegraded,
		CIAttempts:     s.CIAttempts,
		ReviewAttempts: s.ReviewAttempts,
		Events:         []eventSummary{},
	}
	if s.Plan != nil {
		d.PlanSummary = s.Plan.Summary
		d.PlanComplexity = string(s.Plan.EstimatedComplexity)
	}
	start := len(s.Events) - recentEvents
	if start < 0 {
		start = 0
	}
	for _, e := range s.Events[start:] {
		d.Events = append(d.Events, eventSummary{Type: e.Type, Timestamp: e.Timestamp.Format(time.RFC3339)})
	}
	return d
}

// ===== STATUS =====

type statusInput struct{}

type statusOutput struct {
	Status       string         `json:"status" jsonschema:"ok or degraded"`
	Sessions     map[string]int `json:"sessions" jsonschema:"Session count per status"`
	MainHead     string         `json:"main_head,omitempty"`
	Ready        int            `json:"ready"`
	PendingMerge int            `json:"pending_merge"`
	Merged       int            `json:"merged"`
	DirectorBusy bool           `json:"director_busy"`
	DeadLetters  int            `json:"dead_letters"`
}

// ===== SESSIONS =====

type sessionStartInput struct {
	IssueNumber int      `json:"issue_number,omitempty" jsonschema:"GitHub issue number to work on"`
	Prompt      string   `json:"prompt,omitempty" jsonschema:"Free-form task when there is no issue"`
	Title       string   `json:"title,omitempty" jsonschema:"Issue title, skips the GitHub lookup"`
	Body        string   `json:"body,omitempty" jsonschema:"Issue body"`
	Labels      []string `json:"labels,omitempty" jsonschema:"Issue labels"`
	ProjectPath string   `json:"project_path" jsonschema:"Local clone of the target repository"`
	BaseBranch  string   `json:"base_branch,omitempty" jsonschema:"Branch to build on (default: main)"`
	Repo        string   `json:"repo,omitempty" jsonschema:"owner/name override"`
	Model       string   `json:"model,omitempty" jsonschema:"Model override for the coding agent"`
	Provider    string   `json:"provider,omitempty" jsonschema:"Provider override for the coding agent"`
}

type sessionStartOutput struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

type sessionListInput struct {
	Status string `json:"status,omitempty" jsonschema:"Only list sessions in this status"`
}

type sessionListOutput struct {
	Sessions []sessionSummary `json:"sessions"`
	Count    int              `json:"count"`
}

type sessionIDInput struct {
	ID string `json:"id" jsonschema:"Session ID"`
}

type sessionActionInput struct {
	ID     string `json:"id" jsonschema:"Session ID"`
	Reason string `json:"reason,omitempty" jsonschema:"Reason recorded on the session"`
}

type sessionResumeInput struct {
	ID       string   `json:"id" jsonschema:"Session ID of an escalated session"`
	Guidance []string `json:"guidance,omitempty" jsonschema:"Instructions for the next implementation attempt"`
}

// ===== MANIFEST AND DIRECTOR =====

type manifestInput struct{}

type manifestBranch struct {
	Branch    string   `json:"branch"`
	Tier      string   `json:"tier,omitempty"`
	Priority  int      `json:"priority"`
	DependsOn []string `json:"depends_on,omitempty"`
	PRNumber  int      `json:"pr_number,omitempty"`
}

type manifestOutput struct {
	Version      int64            `json:"version"`
	MainBranch   string           `json:"main_branch"`
	MainHead     string           `json:"main_head,omitempty"`
	Ready        []manifestBranch `json:"ready"`
	PendingMerge []manifestBranch `json:"pending_merge"`
	Merged       int              `json:"merged" jsonschema:"Number of merged branches on record"`
}

type cycleInput struct {
	Trigger string `json:"trigger,omitempty" jsonschema:"Trigger recorded on the cycle (default: mcp)"`
}

type cycleOutput struct {
	Skipped     bool     `json:"skipped" jsonschema:"True when another cycle was already running"`
	MainHead    string   `json:"main_head,omitempty"`
	Eligible    int      `json:"eligible"`
	Integrated  int      `json:"integrated"`
	Failed      int      `json:"failed"`
	Unrecorded  int      `json:"unrecorded" jsonschema:"Pull requests opened but not yet recorded in the manifest"`
	Blocked     int      `json:"blocked"`
	Deferred    int      `json:"deferred"`
	Parked      int      `json:"parked"`
	Stale       int      `json:"stale"`
	CircuitOpen bool     `json:"circuit_open"`
	Dispatched  []string `json:"dispatched"`
	DurationMS  int64    `json:"duration_ms"`
}

func manifestBranches(entries []manifest.ReadyEntry) []manifestBranch {
	out := make([]manifestBranch, 0, len(entries))
	for _, e := range entries {
		out = append(out, manifestBranch{Branch: e.Branch, Tier: e.Tier, Priority: e.Priority, DependsOn: e.DependsOn})
	}
	return out
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "shipyard_status",
		Description: "Summarize sessions, the merge manifest and the director",
	}, func(ctx context.Context, req *mcp.CallToolRequest, _ statusInput) (res *mcp.CallToolResult, out statusOutput, err error) {
		done := s.metrics.track(ctx, "shipyard_status")
		defer func() { done(err) }()

		st, err := s.backend.Status(ctx)
		if err != nil {
			return nil, statusOutput{}, err
		}
		sessions := st.Sessions
		if sessions == nil {
			sessions = map[string]int{}
		}
		return nil, statusOutput{
			Status:       st.Status,
			Sessions:     sessions,
			MainHead:     st.Manifest.MainHead,
			Ready:        st.Manifest.Ready,
			PendingMerge: st.Manifest.PendingMerge,
			Merged:       st.Manifest.MergeHistory,
			DirectorBusy: st.DirectorBusy,
			DeadLetters:  st.DeadLetters,
		}, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "session_start",
		Description: "Start an autonomous session for a GitHub issue or a free-form task",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args sessionStartInput) (res *mcp.CallToolResult, out sessionStartOutput, err error) {
		done := s.metrics.track(ctx, "session_start")
		defer func() { done(err) }()

		if args.IssueNumber <= 0 && strings.TrimSpace(args.Prompt) == "" && strings.TrimSpace(args.Title) == "" {
			return nil, sessionStartOutput{}, errors.New("one of issue_number, prompt or title is required")
		}
		if strings.TrimSpace(args.ProjectPath) == "" {
			return nil, sessionStartOutput{}, errors.New("project_path is required")
		}
		base := args.BaseBranch
		if base == "" {
			base = "main"
		}
		resp, err := s.backend.StartSession(ctx, session.StartRequest{
			IssueNumber: args.IssueNumber,
			Prompt:      args.Prompt,
			Title:       args.Title,
			Body:        args.Body,
			Labels:      args.Labels,
			ProjectPath: args.ProjectPath,
			BaseBranch:  base,
			Repo:        args.Repo,
			Model:       args.Model,
			Provider:    args.Provider,
		})
		if err != nil {
			return nil, sessionStartOutput{}, err
		}
		s.logger.Info(logging.WithSessionID(ctx, resp.SessionID), "session started via MCP",
			zap.Int("issue", args.IssueNumber))
		return nil, sessionStartOutput{SessionID: resp.SessionID, Status: string(resp.Status)}, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "session_list",
		Description: "List sessions, optionally filtered by status",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args sessionListInput) (res *mcp.CallToolResult, out sessionListOutput, err error) {
		done := s.metrics.track(ctx, "session_list")
		defer func() { done(err) }()

		sessions, err := s.backend.ListSessions(ctx, args.Status)
		if err != nil {
			return nil, sessionListOutput{}, err
		}
		out.Sessions = make([]sessionSummary, 0, len(sessions))
		for _, sess := range sessions {
			out.Sessions = append(out.Sessions, summarize(sess))
		}
		out.Count = len(out.Sessions)
		return nil, out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "session_get",
		Description: "Show a session with its plan and recent events",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args sessionIDInput) (res *mcp.CallToolResult, out sessionDetail, err error) {
		done := s.metrics.track(ctx, "session_get")
		defer func() { done(err) }()

		if args.ID == "" {
			return nil, sessionDetail{}, errors.New("id is required")
		}
		sess, err := s.backend.GetSession(ctx, args.ID)
		if err != nil {
			return nil, sessionDetail{}, err
		}
		return nil, detail(sess), nil
	})

	s.addTransitionTool("session_escalate", "escalate", "Hand a session to a human; it stops until resumed")
	s.addTransitionTool("session_cancel", "cancel", "Cancel a session")

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "session_resume",
		Description: "Resume an escalated session with optional guidance",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args sessionResumeInput) (res *mcp.CallToolResult, out sessionSummary, err error) {
		done := s.metrics.track(ctx, "session_resume")
		defer func() { done(err) }()

		if args.ID == "" {
			return nil, sessionSummary{}, errors.New("id is required")
		}
		sess, err := s.backend.Resume(ctx, args.ID, args.Guidance)
		if err != nil {
			return nil, sessionSummary{}, err
		}
		return nil, summarize(sess), nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "manifest_show",
		Description: "Show branches waiting to merge and the current main head",
	}, func(ctx context.Context, req *mcp.CallToolRequest, _ manifestInput) (res *mcp.CallToolResult, out manifestOutput, err error) {
		done := s.metrics.track(ctx, "manifest_show")
		defer func() { done(err) }()

		doc, err := s.backend.Manifest(ctx)
		if err != nil {
			return nil, manifestOutput{}, err
		}
		out = manifestOutput{
			Version:      doc.Version,
			MainBranch:   doc.MainBranch,
			MainHead:     doc.MainHead,
			Ready:        manifestBranches(doc.Ready),
			PendingMerge: make([]manifestBranch, 0, len(doc.PendingMerge)),
			Merged:       len(doc.MergeHistory),
		}
		for _, p := range doc.PendingMerge {
			b := manifestBranches([]manifest.ReadyEntry{p.ReadyEntry})[0]
			b.PRNumber = p.PRNumber
			out.PendingMerge = append(out.PendingMerge, b)
		}
		return nil, out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "director_cycle",
		Description: "Run one director cycle: pick eligible branches and integrate them",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args cycleInput) (res *mcp.CallToolResult, out cycleOutput, err error) {
		done := s.metrics.track(ctx, "director_cycle")
		defer func() { done(err) }()

		trigger := args.Trigger
		if trigger == "" {
			trigger = "mcp"
		}
		report, err := s.backend.RunCycle(ctx, trigger)
		if err != nil {
			return nil, cycleOutput{}, err
		}
		dispatched := report.Dispatched
		if dispatched == nil {
			dispatched = []string{}
		}
		return nil, cycleOutput{
			Skipped:     report.Skipped,
			MainHead:    report.MainHead,
			Eligible:    report.Eligible,
			Integrated:  report.Integrated,
			Failed:      report.Failed,
			Unrecorded:  report.Unrecorded,
			Blocked:     report.Blocked,
			Deferred:    report.Deferred,
			Parked:      report.Parked,
			Stale:       report.Stale,
			CircuitOpen: report.CircuitOpen,
			Dispatched:  dispatched,
			DurationMS:  report.Duration.Milliseconds(),
		}, nil
	})
}

func (s *Server) addTransitionTool(name, action, description string) {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        name,
		Description: description,
	}, func(ctx context.Context, req *mcp.CallToolRequest, args sessionActionInput) (res *mcp.CallToolResult, out sessionSummary, err error) {
		done := s.metrics.track(ctx, name)
		defer func() { done(err) }()

		if args.ID == "" {
			return nil, sessionSummary{}, errors.New("id is required")
		}
		sess, err := s.backend.Transition(ctx, args.ID, action, args.Reason)
		if err != nil {
			return nil, sessionSummary{}, err
		}
		s.logger.Info(logging.WithSessionID(ctx, sess.ID), "session transitioned via MCP",
			zap.String("action", action), zap.String("status", string(sess.Status)))
		return nil, summarize(sess), nil
	})
}
