// Package monitor renders a live terminal dashboard of a shipyard daemon:
// session activity, the merge queue and the director.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fyrsmithlabs/shipyard/internal/gitrepo"
	httpserver "github.com/fyrsmithlabs/shipyard/internal/http"
	"github.com/fyrsmithlabs/shipyard/internal/session"
)

// Snapshot is one poll of the daemon.
type Snapshot struct {
	Status   httpserver.StatusResponse
	Sessions []*session.Session
	// Git holds worktree summaries of live sessions, keyed by session ID.
	Git       map[string]*gitrepo.StatusSummary
	FetchedAt time.Time
}

// Active counts sessions that are neither terminal nor escalated.
func (s Snapshot) Active() int {
	n := 0
	for st, c := range s.Status.Sessions {
		if session.Status(st).IsActive() {
			n += c
		}
	}
	return n
}

// Queued counts branches waiting in ready or pending merge.
func (s Snapshot) Queued() int {
	return s.Status.Manifest.Ready + s.Status.Manifest.PendingMerge
}

// Source produces snapshots.
type Source interface {
	Fetch(ctx context.Context) (Snapshot, error)
}

// Client polls the shipyard HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a client for the daemon at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Fetch reads the status summary and the session list.
func (c *Client) Fetch(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	if err := c.get(ctx, "/api/v1/status", &snap.Status); err != nil {
		return Snapshot{}, err
	}
	var list httpserver.ListSessionsResponse
	if err := c.get(ctx, "/api/v1/sessions", &list); err != nil {
		return Snapshot{}, err
	}
	snap.Sessions = list.Sessions
	snap.Git = c.worktrees(ctx, list.Sessions)
	snap.FetchedAt = time.Now()
	return snap, nil
}

// worktrees fetches the worktree summary of each live session that has a
// worktree, up to the number of rows the dashboard shows. Failed lookups
// are left out.
func (c *Client) worktrees(ctx context.Context, sessions []*session.Session) map[string]*gitrepo.StatusSummary {
	out := map[string]*gitrepo.StatusSummary{}
	for _, s := range sessions {
		if len(out) == maxRows {
			break
		}
		if s.IsTerminal() || s.WorktreePath == "" {
			continue
		}
		var detail httpserver.SessionDetail
		if err := c.get(ctx, "/api/v1/sessions/"+url.PathEscape(s.ID), &detail); err != nil || detail.Git == nil {
			continue
		}
		out[s.ID] = detail.Git
	}
	return out
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status code %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}
