// Package http is the shipyard control surface: session lifecycle,
// reactions, the manifest and the director over a JSON API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipyard/internal/director"
	"github.com/fyrsmithlabs/shipyard/internal/logging"
	"github.com/fyrsmithlabs/shipyard/internal/manifest"
	"github.com/fyrsmithlabs/shipyard/internal/orchestrator"
	"github.com/fyrsmithlabs/shipyard/internal/session"
)

// Reactor applies external reactions to sessions.
type Reactor interface {
	ReportCI(ctx context.Context, id string, report orchestrator.CIReport) (*session.Session, error)
	ReportReview(ctx context.Context, id string, report orchestrator.ReviewReport) (*session.Session, error)
	Resume(ctx context.Context, id string, guidance []string) (*session.Session, error)
	// Abort stops in-process work on a session.
	Abort(id string) bool
}

// Director is the scheduling surface.
type Director interface {
	RunCycle(ctx context.Context, trigger string) (*director.CycleReport, error)
	RecordMerge(ctx context.Context, branch, commitSHA string) (manifest.Outcome, error)
	DeadLetters() []director.DeadLetter
	Requeue(ctx context.Context, branch string) bool
	Trigger(reason string)
	Busy() bool
}

// Deps are the services behind the routes.
type Deps struct {
	Sessions *session.Service
	Reactor  Reactor
	Manifest *manifest.Manager
	Director Director
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
}

// Server provides HTTP endpoints for shipyard.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	logger *logging.Logger
	config *Config
	now    func() time.Time

	webhooks webhookLimiter
	metrics  *HTTPMetrics
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// WebhookSecret verifies GitHub webhook signatures. The webhook route
	// is only registered when it is set.
	WebhookSecret string
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *logging.Logger, cfg *Config) (*Server, error) {
	if deps.Sessions == nil {
		return nil, fmt.Errorf("session service cannot be nil")
	}
	if deps.Manifest == nil {
		return nil, fmt.Errorf("manifest manager cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9191,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:   e,
		deps:   deps,
		logger: logger,
		config: cfg,
		now:    time.Now,

		metrics: NewHTTPMetrics(logger),
	}
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.metrics.MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			ctx := logging.WithRequestID(req.Context(), c.Response().Header().Get(echo.HeaderXRequestID))
			c.SetRequest(req.WithContext(ctx))

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			logger.Info(ctx, "http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return nil
		}
	})

	s.registerRoutes()
	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.deps.Metrics))
	}

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)

	v1.POST("/sessions", s.handleStartSession)
	v1.GET("/sessions", s.handleListSessions)
	v1.GET("/sessions/:id", s.handleGetSession)
	v1.DELETE("/sessions/:id", s.handleRemoveSession)
	v1.POST("/sessions/:id/escalate", s.handleEscalate)
	v1.POST("/sessions/:id/cancel", s.handleCancel)
	v1.POST("/sessions/:id/resume", s.handleResume)
	v1.POST("/sessions/:id/ci", s.handleCI)
	v1.POST("/sessions/:id/review", s.handleReview)

	v1.GET("/manifest", s.handleGetManifest)
	v1.POST("/manifest/ready", s.handleRegisterBranch)
	v1.POST("/manifest/merged", s.handleRecordMerge)

	v1.POST("/director/cycle", s.handleCycle)
	v1.GET("/director/dead-letters", s.handleDeadLetters)
	v1.POST("/director/dead-letters/:branch/requeue", s.handleRequeue)

	if s.config.WebhookSecret != "" {
		s.echo.POST("/webhooks/github", s.handleGitHubWebhook)
	}
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleStatus summarizes sessions, the manifest and the director.
func (s *Server) handleStatus(c echo.Context) error {
	ctx := c.Request().Context()
	resp := StatusResponse{
		Status:   "ok",
		Sessions: CountSessions(s.deps.Sessions.List()),
		Time:     s.now().UTC(),
	}
	doc, err := s.deps.Manifest.Read(ctx)
	if err != nil {
		return err
	}
	resp.Manifest = CountManifest(doc)
	if s.deps.Director != nil {
		resp.DirectorBusy = s.deps.Director.Busy()
		resp.DeadLetters = len(s.deps.Director.DeadLetters())
	}
	return c.JSON(http.StatusOK, resp)
}

// Start starts the HTTP server. It returns nil after Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}

func bind(c echo.Context, v interface{}) error {
	if c.Request().ContentLength == 0 {
		return nil
	}
	if err := c.Bind(v); err != nil {
		return fmt.Errorf("%w: invalid request body", errBadRequest)
	}
	return nil
}
