package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/shipyard/internal/director"
	httpserver "github.com/fyrsmithlabs/shipyard/internal/http"
	"github.com/fyrsmithlabs/shipyard/internal/manifest"
)

func newManifestCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Show or change the merge manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var doc manifest.Document
			if err := o.call(cmd.Context(), http.MethodGet, "/api/v1/manifest", nil, &doc); err != nil {
				return err
			}
			if o.json {
				return printJSON(cmd.OutOrStdout(), &doc)
			}
			return writeManifest(cmd.OutOrStdout(), &doc)
		},
	}
	cmd.AddCommand(newRegisterCmd(o), newMergedCmd(o))
	return cmd
}

func writeManifest(w io.Writer, doc *manifest.Document) error {
	fmt.Fprintf(w, "Manifest v%d, %s at %s\n", doc.Version, doc.MainBranch, shortSHA(doc.MainHead))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nSTATE\tBRANCH\tTIER\tPRIORITY\tPR\tDEPENDS ON")
	for _, e := range doc.Ready {
		fmt.Fprintf(tw, "ready\t%s\t%s\t%d\t-\t%s\n", e.Branch, orDash(e.Tier), e.Priority, joinDeps(e.DependsOn))
	}
	for _, e := range doc.PendingMerge {
		fmt.Fprintf(tw, "pending\t%s\t%s\t%d\t#%d\t%s\n", e.Branch, orDash(e.Tier), e.Priority, e.PRNumber, joinDeps(e.DependsOn))
	}
	for _, e := range doc.MergeHistory {
		fmt.Fprintf(tw, "merged\t%s\t-\t-\t#%d\t-\n", e.Branch, e.PRNumber)
	}
	return tw.Flush()
}

func joinDeps(deps []string) string {
	if len(deps) == 0 {
		return "-"
	}
	out := deps[0]
	for _, d := range deps[1:] {
		out += "," + d
	}
	return out
}

func newRegisterCmd(o *options) *cobra.Command {
	var req httpserver.RegisterBranchRequest
	cmd := &cobra.Command{
		Use:   "register <branch>",
		Short: "Register a branch as ready to integrate",
		Long: `Register a branch in the ready section of the manifest.

Examples:
  shipctl manifest register feature/login --priority 2 --depends-on feature/auth`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Branch = args[0]
			var resp httpserver.OutcomeResponse
			if err := o.call(cmd.Context(), http.MethodPost, "/api/v1/manifest/ready", req, &resp, http.StatusConflict); err != nil {
				return err
			}
			return reportOutcome(cmd.OutOrStdout(), o, resp)
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.WorktreePath, "worktree", "", "worktree path of the branch")
	f.StringVar(&req.RequestID, "request-id", "", "session or request that produced the branch")
	f.StringVar(&req.Tier, "tier", "", "quality tier the branch passed")
	f.IntVar(&req.Priority, "priority", 0, "integration priority, higher first")
	f.StringSliceVar(&req.DependsOn, "depends-on", nil, "branches that must merge first")
	f.StringVar(&req.BaseMainSHA, "base-sha", "", "main commit the branch was cut from")
	return cmd
}

func newMergedCmd(o *options) *cobra.Command {
	var sha string
	cmd := &cobra.Command{
		Use:   "merged <branch>",
		Short: "Record a merge made outside shipyard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := httpserver.RecordMergeRequest{Branch: args[0], CommitSHA: sha}
			var resp httpserver.OutcomeResponse
			if err := o.call(cmd.Context(), http.MethodPost, "/api/v1/manifest/merged", req, &resp, http.StatusConflict); err != nil {
				return err
			}
			return reportOutcome(cmd.OutOrStdout(), o, resp)
		},
	}
	cmd.Flags().StringVar(&sha, "sha", "", "merge commit SHA")
	_ = cmd.MarkFlagRequired("sha")
	return cmd
}

func reportOutcome(w io.Writer, o *options, resp httpserver.OutcomeResponse) error {
	if o.json {
		return printJSON(w, resp)
	}
	_, err := fmt.Fprintf(w, "%s: %s\n", resp.Branch, resp.Outcome)
	return err
}

func newCycleCmd(o *options) *cobra.Command {
	var trigger string
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Run one director cycle now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var report director.CycleReport
			body := httpserver.CycleRequest{Trigger: trigger}
			if err := o.call(cmd.Context(), http.MethodPost, "/api/v1/director/cycle", body, &report, http.StatusAccepted); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if o.json {
				return printJSON(out, report)
			}
			if report.Skipped {
				fmt.Fprintln(out, "Cycle skipped: another cycle is running")
				return nil
			}
			fmt.Fprintf(out, "Cycle (%s) at main %s took %s\n", report.Trigger, shortSHA(report.MainHead), report.Duration)
			fmt.Fprintf(out, "  eligible %d, integrated %d, failed %d, blocked %d, deferred %d, parked %d, stale %d\n",
				report.Eligible, report.Integrated, report.Failed, report.Blocked, report.Deferred, report.Parked, report.Stale)
			if report.Unrecorded > 0 {
				fmt.Fprintf(out, "  %d pull requests opened but not recorded; they are adopted next cycle\n", report.Unrecorded)
			}
			if report.CircuitOpen {
				fmt.Fprintln(out, "  circuit open: integration paused")
			}
			for _, b := range report.Dispatched {
				fmt.Fprintf(out, "  dispatched %s\n", b)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&trigger, "trigger", "cli", "trigger recorded on the cycle")
	return cmd
}

func newDeadLettersCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "dead-letters",
		Aliases: []string{"dlq"},
		Short:   "List branches parked after repeated integration failures",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var letters []director.DeadLetter
			if err := o.call(cmd.Context(), http.MethodGet, "/api/v1/director/dead-letters", nil, &letters); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if o.json {
				return printJSON(out, letters)
			}
			if len(letters) == 0 {
				fmt.Fprintln(out, "No dead letters")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "BRANCH\tATTEMPTS\tPARKED\tERROR")
			for _, l := range letters {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", l.Branch, l.Attempts, age(l.ParkedAt), l.Error)
			}
			return tw.Flush()
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "requeue <branch>",
		Short: "Return a dead-lettered branch to the integration queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/director/dead-letters/" + url.PathEscape(args[0]) + "/requeue"
			var resp httpserver.OutcomeResponse
			if err := o.call(cmd.Context(), http.MethodPost, path, nil, &resp); err != nil {
				return err
			}
			return reportOutcome(cmd.OutOrStdout(), o, resp)
		},
	})
	return cmd
}
