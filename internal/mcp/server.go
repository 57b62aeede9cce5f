// Package mcp exposes the shipyard control surface as MCP tools so an agent
// can start sessions, inspect them and drive the director.
//
// The server holds no state of its own. Every tool delegates to a Backend,
// which in practice is the daemon's HTTP API.
package mcp

import (
	"context"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipyard/internal/director"
	httpserver "github.com/fyrsmithlabs/shipyard/internal/http"
	"github.com/fyrsmithlabs/shipyard/internal/logging"
	"github.com/fyrsmithlabs/shipyard/internal/manifest"
	"github.com/fyrsmithlabs/shipyard/internal/session"
)

// Backend is the subset of the daemon the tools drive.
type Backend interface {
	Status(ctx context.Context) (*httpserver.StatusResponse, error)
	StartSession(ctx context.Context, req session.StartRequest) (*httpserver.StartSessionResponse, error)
	ListSessions(ctx context.Context, status string) ([]*session.Session, error)
	GetSession(ctx context.Context, id string) (*session.Session, error)
	// Transition applies an operator action ("escalate" or "cancel").
	Transition(ctx context.Context, id, action, reason string) (*session.Session, error)
	Resume(ctx context.Context, id string, guidance []string) (*session.Session, error)
	Manifest(ctx context.Context) (*manifest.Document, error)
	RunCycle(ctx context.Context, trigger string) (*director.CycleReport, error)
}

// Config configures the MCP server.
type Config struct {
	// Name is the implementation name reported to clients (default: "shipyard").
	Name string

	// Version is the implementation version (default: "dev").
	Version string

	Logger *logging.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "shipyard",
		Version: "dev",
		Logger:  logging.Nop(),
	}
}

// Server serves shipyard tools over MCP.
type Server struct {
	mcp     *mcp.Server
	backend Backend
	metrics *Metrics
	logger  *logging.Logger
}

// NewServer creates a server and registers every tool.
func NewServer(cfg *Config, backend Backend) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	s := &Server{
		mcp: mcp.NewServer(
			&mcp.Implementation{
				Name:    cfg.Name,
				Version: cfg.Version,
			},
			nil,
		),
		backend: backend,
		metrics: NewMetrics(logger),
		logger:  logger.Named("mcp"),
	}
	s.registerTools()
	return s, nil
}

// Run serves over stdio until ctx is cancelled or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info(ctx, "starting MCP server on stdio")
	err := s.mcp.Run(ctx, &mcp.StdioTransport{})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error(ctx, "MCP server stopped", zap.Error(err))
		return err
	}
	return nil
}

// MCPServer exposes the underlying SDK server, for in-process transports.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}
