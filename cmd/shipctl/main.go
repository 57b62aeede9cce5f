// Package main implements shipctl, the command-line client for the
// shipyard daemon's HTTP API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	httpserver "github.com/fyrsmithlabs/shipyard/internal/http"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// options are the persistent flags.
type options struct {
	server  string
	timeout time.Duration
	json    bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "shipctl",
		Short: "CLI for the shipyard daemon",
		Long: `shipctl talks to a running shipyard daemon. It starts and steers
sessions, inspects the manifest and drives the director.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", envOr("SHIPYARD_SERVER", "http://localhost:9191"), "shipyard server URL")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print raw JSON responses")

	root.AddCommand(
		newHealthCmd(opts),
		newStatusCmd(opts),
		newStartCmd(opts),
		newListCmd(opts),
		newGetCmd(opts),
		newEscalateCmd(opts),
		newCancelCmd(opts),
		newRemoveCmd(opts),
		newResumeCmd(opts),
		newCICmd(opts),
		newReviewCmd(opts),
		newManifestCmd(opts),
		newCycleCmd(opts),
		newDeadLettersCmd(opts),
		newWatchCmd(opts),
		newMCPCmd(opts),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// apiError is a non-2xx response.
type apiError struct {
	Status int
	Body   httpserver.ErrorResponse
}

func (e *apiError) Error() string {
	msg := e.Body.Error
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Body.ExistingSessionID != "" {
		msg += " (existing session " + e.Body.ExistingSessionID + ")"
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, msg)
}

// call sends body as JSON and decodes the response into out. Statuses in
// accept are treated as success alongside 2xx.
func (o *options) call(ctx context.Context, method, path string, body, out interface{}, accept ...int) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}

	url := strings.TrimRight(o.server, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: o.timeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	for _, s := range accept {
		ok = ok || resp.StatusCode == s
	}
	if !ok {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, &apiErr.Body)
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if raw, isRaw := out.(*json.RawMessage); isRaw {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newHealthCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check shipyard server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp httpserver.HealthResponse
			if err := o.call(cmd.Context(), http.MethodGet, "/health", nil, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Server Status: %s\nServer URL: %s\n", resp.Status, o.server)
			return nil
		},
	}
}

func newStatusCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize sessions, the manifest and the director",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp httpserver.StatusResponse
			if err := o.call(cmd.Context(), http.MethodGet, "/api/v1/status", nil, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if o.json {
				return printJSON(out, resp)
			}
			fmt.Fprintf(out, "Manifest:     v%d, main at %s\n", resp.Manifest.Version, shortSHA(resp.Manifest.MainHead))
			fmt.Fprintf(out, "  ready %d, pending merge %d, merged %d\n", resp.Manifest.Ready, resp.Manifest.PendingMerge, resp.Manifest.MergeHistory)
			fmt.Fprintf(out, "Director:     busy=%t dead_letters=%d\n", resp.DirectorBusy, resp.DeadLetters)
			fmt.Fprintln(out, "Sessions:")
			for _, st := range sortedStatuses(resp.Sessions) {
				if n := resp.Sessions[st]; n > 0 {
					fmt.Fprintf(out, "  %-18s %d\n", st, n)
				}
			}
			return nil
		},
	}
}

func shortSHA(sha string) string {
	if sha == "" {
		return "(unknown)"
	}
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
