package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	httpserver "github.com/fyrsmithlabs/shipyard/internal/http"
	"github.com/fyrsmithlabs/shipyard/internal/orchestrator"
	"github.com/fyrsmithlabs/shipyard/internal/session"
)

func sessionPath(id string, suffix ...string) string {
	p := "/api/v1/sessions/" + url.PathEscape(id)
	for _, s := range suffix {
		p += "/" + s
	}
	return p
}

func newStartCmd(o *options) *cobra.Command {
	var req httpserver.StartSessionRequest
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a session for an issue or a free-form prompt",
		Long: `Start a session. Either --issue or --prompt is required.

Examples:
  shipctl start --issue 42 --project /src/app --title "Add login"
  shipctl start --prompt "bump the go version" --project /src/app`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if req.IssueNumber == 0 && strings.TrimSpace(req.Prompt) == "" {
				return fmt.Errorf("either --issue or --prompt is required")
			}
			var resp httpserver.StartSessionResponse
			if err := o.call(cmd.Context(), http.MethodPost, "/api/v1/sessions", req, &resp); err != nil {
				return err
			}
			if o.json {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s started (%s)\n", resp.SessionID, resp.Status)
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVar(&req.IssueNumber, "issue", 0, "issue number")
	f.StringVar(&req.Prompt, "prompt", "", "free-form prompt used instead of an issue")
	f.StringVar(&req.ProjectPath, "project", ".", "path to the project repository")
	f.StringVar(&req.BaseBranch, "base", "main", "base branch")
	f.StringVar(&req.Title, "title", "", "issue title")
	f.StringVar(&req.Body, "body", "", "issue body")
	f.StringSliceVar(&req.Labels, "label", nil, "issue labels")
	f.StringVar(&req.Repo, "repo", "", "owner/repo the issue belongs to")
	f.StringVar(&req.Model, "model", "", "LLM model override")
	f.StringVar(&req.Provider, "provider", "", "LLM provider override")
	return cmd
}

func newListCmd(o *options) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Long: `List sessions, oldest first.

Examples:
  shipctl list
  shipctl list --status escalated`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/api/v1/sessions"
			if status != "" {
				path += "?status=" + url.QueryEscape(status)
			}
			var resp httpserver.ListSessionsResponse
			if err := o.call(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			if o.json {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			return writeSessions(cmd.OutOrStdout(), resp.Sessions)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only list sessions in this status")
	return cmd
}

func writeSessions(w io.Writer, sessions []*session.Session) error {
	if len(sessions) == 0 {
		_, err := fmt.Fprintln(w, "No sessions")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tISSUE\tBRANCH\tPR\tAGE")
	for _, s := range sessions {
		issue := "-"
		if s.Issue.Number > 0 {
			issue = fmt.Sprintf("#%d", s.Issue.Number)
		}
		pr := "-"
		if s.PRNumber > 0 {
			pr = fmt.Sprintf("#%d", s.PRNumber)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", s.ID, s.Status, issue, orDash(s.Branch), pr, age(s.CreatedAt))
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Round(time.Second).String()
}

func newGetCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <session-id>",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sess session.Session
			if err := o.call(cmd.Context(), http.MethodGet, sessionPath(args[0]), nil, &sess); err != nil {
				return err
			}
			if o.json {
				return printJSON(cmd.OutOrStdout(), &sess)
			}
			writeSession(cmd.OutOrStdout(), &sess)
			return nil
		},
	}
}

func writeSession(w io.Writer, s *session.Session) {
	fmt.Fprintf(w, "Session:  %s\n", s.ID)
	fmt.Fprintf(w, "Status:   %s\n", s.Status)
	if s.Issue.Number > 0 {
		fmt.Fprintf(w, "Issue:    #%d %s\n", s.Issue.Number, s.Issue.Title)
	}
	fmt.Fprintf(w, "Project:  %s (base %s)\n", s.ProjectPath, s.BaseBranch)
	if s.Branch != "" {
		fmt.Fprintf(w, "Branch:   %s\n", s.Branch)
	}
	if s.PRURL != "" {
		fmt.Fprintf(w, "PR:       #%d %s\n", s.PRNumber, s.PRURL)
	}
	fmt.Fprintf(w, "Attempts: ci=%d review=%d\n", s.CIAttempts, s.ReviewAttempts)
	if s.Plan != nil {
		fmt.Fprintf(w, "Plan:     %s (%s)", s.Plan.Summary, s.Plan.EstimatedComplexity)
		if s.PlanDegraded {
			fmt.Fprint(w, " (degraded)")
		}
		fmt.Fprintln(w)
	}
	if s.Error != "" {
		fmt.Fprintf(w, "Error:    %s\n", s.Error)
	}
	if n := len(s.Events); n > 0 {
		fmt.Fprintln(w, "Recent events:")
		start := n - 5
		if start < 0 {
			start = 0
		}
		for _, e := range s.Events[start:] {
			fmt.Fprintf(w, "  %s  %s\n", e.Timestamp.Format(time.RFC3339), e.Type)
		}
	}
}

// newTransitionCmd builds a command that posts a reason to an operator
// transition route and prints the resulting session.
func newTransitionCmd(o *options, use, short, route string) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   use + " <session-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sess session.Session
			body := httpserver.ReasonRequest{Reason: reason}
			if err := o.call(cmd.Context(), http.MethodPost, sessionPath(args[0], route), body, &sess); err != nil {
				return err
			}
			return reportSession(cmd.OutOrStdout(), o, &sess)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the session")
	return cmd
}

func reportSession(w io.Writer, o *options, s *session.Session) error {
	if o.json {
		return printJSON(w, s)
	}
	_, err := fmt.Fprintf(w, "Session %s is now %s\n", s.ID, s.Status)
	return err
}

func newEscalateCmd(o *options) *cobra.Command {
	return newTransitionCmd(o, "escalate", "Hand a session to a human", "escalate")
}

func newCancelCmd(o *options) *cobra.Command {
	return newTransitionCmd(o, "cancel", "Cancel a session", "cancel")
}

func newRemoveCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <session-id>",
		Aliases: []string{"rm"},
		Short:   "Remove a session and its worktree",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.call(cmd.Context(), http.MethodDelete, sessionPath(args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s removed\n", args[0])
			return nil
		},
	}
}

func newResumeCmd(o *options) *cobra.Command {
	var guidance []string
	cmd := &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Resume an escalated session",
		Long: `Resume an escalated session, optionally with guidance for the agent.

Examples:
  shipctl resume sess-1234 --guidance "use the existing retry helper"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sess session.Session
			body := httpserver.ResumeRequest{Guidance: guidance}
			if err := o.call(cmd.Context(), http.MethodPost, sessionPath(args[0], "resume"), body, &sess); err != nil {
				return err
			}
			return reportSession(cmd.OutOrStdout(), o, &sess)
		},
	}
	cmd.Flags().StringArrayVar(&guidance, "guidance", nil, "guidance for the agent, repeatable")
	return cmd
}

func newCICmd(o *options) *cobra.Command {
	var report orchestrator.CIReport
	var failed bool
	cmd := &cobra.Command{
		Use:   "ci <session-id>",
		Short: "Report a CI result for a session's pull request",
		Long: `Report a CI result. Without --failed the run is reported as passing.

Examples:
  shipctl ci sess-1234
  shipctl ci sess-1234 --failed --details "TestLogin timed out"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report.Passed = !failed
			var sess session.Session
			if err := o.call(cmd.Context(), http.MethodPost, sessionPath(args[0], "ci"), report, &sess); err != nil {
				return err
			}
			return reportSession(cmd.OutOrStdout(), o, &sess)
		},
	}
	cmd.Flags().BoolVar(&failed, "failed", false, "report a failing run")
	cmd.Flags().StringVar(&report.Details, "details", "", "failure details passed to the agent")
	return cmd
}

func newReviewCmd(o *options) *cobra.Command {
	var report orchestrator.ReviewReport
	cmd := &cobra.Command{
		Use:   "review <session-id>",
		Short: "Report a code review outcome",
		Long: `Report a code review. Requesting changes needs at least one --comment.

Examples:
  shipctl review sess-1234 --approve
  shipctl review sess-1234 --comment "rename handler" --comment "add a test"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !report.Approved && len(report.Comments) == 0 {
				return fmt.Errorf("--approve or at least one --comment is required")
			}
			var sess session.Session
			if err := o.call(cmd.Context(), http.MethodPost, sessionPath(args[0], "review"), report, &sess); err != nil {
				return err
			}
			return reportSession(cmd.OutOrStdout(), o, &sess)
		},
	}
	cmd.Flags().BoolVar(&report.Approved, "approve", false, "approve the pull request")
	cmd.Flags().StringArrayVar(&report.Comments, "comment", nil, "review comment, repeatable")
	return cmd
}

func sortedStatuses(counts map[string]int) []string {
	out := make([]string, 0, len(counts))
	seen := make(map[string]bool, len(counts))
	for _, st := range session.AllStatuses {
		if _, ok := counts[string(st)]; ok {
			out = append(out, string(st))
			seen[string(st)] = true
		}
	}
	for st := range counts {
		if !seen[st] {
			out = append(out, st)
		}
	}
	return out
}
