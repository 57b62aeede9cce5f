package main

import (
	"context"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/shipyard/internal/director"
	httpserver "github.com/fyrsmithlabs/shipyard/internal/http"
	"github.com/fyrsmithlabs/shipyard/internal/manifest"
	"github.com/fyrsmithlabs/shipyard/internal/mcp"
	"github.com/fyrsmithlabs/shipyard/internal/session"
)

// apiBackend drives MCP tools through the daemon's HTTP API.
type apiBackend struct {
	o *options
}

func (b apiBackend) Status(ctx context.Context) (*httpserver.StatusResponse, error) {
	var st httpserver.StatusResponse
	if err := b.o.call(ctx, http.MethodGet, "/api/v1/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (b apiBackend) StartSession(ctx context.Context, req session.StartRequest) (*httpserver.StartSessionResponse, error) {
	var resp httpserver.StartSessionResponse
	if err := b.o.call(ctx, http.MethodPost, "/api/v1/sessions", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (b apiBackend) ListSessions(ctx context.Context, status string) ([]*session.Session, error) {
	path := "/api/v1/sessions"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var resp httpserver.ListSessionsResponse
	if err := b.o.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

func (b apiBackend) GetSession(ctx context.Context, id string) (*session.Session, error) {
	var sess session.Session
	if err := b.o.call(ctx, http.MethodGet, sessionPath(id), nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (b apiBackend) Transition(ctx context.Context, id, action, reason string) (*session.Session, error) {
	var sess session.Session
	if err := b.o.call(ctx, http.MethodPost, sessionPath(id, action), httpserver.ReasonRequest{Reason: reason}, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (b apiBackend) Resume(ctx context.Context, id string, guidance []string) (*session.Session, error) {
	var sess session.Session
	if err := b.o.call(ctx, http.MethodPost, sessionPath(id, "resume"), httpserver.ResumeRequest{Guidance: guidance}, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (b apiBackend) Manifest(ctx context.Context) (*manifest.Document, error) {
	var doc manifest.Document
	if err := b.o.call(ctx, http.MethodGet, "/api/v1/manifest", nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (b apiBackend) RunCycle(ctx context.Context, trigger string) (*director.CycleReport, error) {
	var report director.CycleReport
	body := httpserver.CycleRequest{Trigger: trigger}
	if err := b.o.call(ctx, http.MethodPost, "/api/v1/director/cycle", body, &report, http.StatusAccepted); err != nil {
		return nil, err
	}
	return &report, nil
}

func newMCPCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve shipyard tools to an MCP client over stdio",
		Long: `Serve shipyard tools to an MCP client over stdio.

Register it with an agent as a stdio server, for example:

  shipctl mcp --server http://localhost:9191`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := mcp.DefaultConfig()
			cfg.Version = version
			srv, err := mcp.NewServer(cfg, apiBackend{o: o})
			if err != nil {
				return err
			}
			return srv.Run(cmd.Context())
		},
	}
}
