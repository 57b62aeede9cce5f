package http

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipyard/internal/logging"
	"github.com/fyrsmithlabs/shipyard/internal/manifest"
)

// errNoDirector is returned by director routes when no director is wired.
var errNoDirector = echo.NewHTTPError(http.StatusServiceUnavailable, "director is not available")

func (s *Server) handleGetManifest(c echo.Context) error {
	doc, err := s.deps.Manifest.Read(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, doc)
}

// handleRegisterBranch places a branch in ready. A branch that is pending
// merge or already merged is a conflict.
func (s *Server) handleRegisterBranch(c echo.Context) error {
	var req RegisterBranchRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	req.Branch = strings.TrimSpace(req.Branch)
	if req.Branch == "" {
		return fmt.Errorf("%w: branch is required", errBadRequest)
	}
	ctx := logging.WithBranch(c.Request().Context(), req.Branch)

	outcome, err := s.deps.Manifest.Register(ctx, manifest.ReadyEntry{
		Branch:       req.Branch,
		WorktreePath: req.WorktreePath,
		RequestID:    req.RequestID,
		Tier:         req.Tier,
		Priority:     req.Priority,
		DependsOn:    req.DependsOn,
		BaseMainSHA:  req.BaseMainSHA,
		Metadata:     req.Metadata,
	})
	if err != nil {
		return err
	}
	resp := OutcomeResponse{Branch: req.Branch, Outcome: string(outcome)}
	if !outcome.Changed() {
		return c.JSON(http.StatusConflict, resp)
	}
	if s.deps.Director != nil {
		s.deps.Director.Trigger("register")
	}
	s.logger.Info(ctx, "branch registered", zap.Int("priority", req.Priority))
	return c.JSON(http.StatusCreated, resp)
}

// handleRecordMerge records a merge observed outside the integrator.
func (s *Server) handleRecordMerge(c echo.Context) error {
	if s.deps.Director == nil {
		return errNoDirector
	}
	var req RecordMergeRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Branch) == "" || strings.TrimSpace(req.CommitSHA) == "" {
		return fmt.Errorf("%w: branch and commit_sha are required", errBadRequest)
	}
	outcome, err := s.deps.Director.RecordMerge(c.Request().Context(), req.Branch, req.CommitSHA)
	if err != nil {
		return err
	}
	resp := OutcomeResponse{Branch: req.Branch, Outcome: string(outcome)}
	switch outcome {
	case manifest.Moved, manifest.AlreadyInTarget:
		return c.JSON(http.StatusOK, resp)
	case manifest.NotFound:
		return c.JSON(http.StatusNotFound, resp)
	default:
		return c.JSON(http.StatusConflict, resp)
	}
}

func (s *Server) handleCycle(c echo.Context) error {
	if s.deps.Director == nil {
		return errNoDirector
	}
	var req CycleRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	report, err := s.deps.Director.RunCycle(c.Request().Context(), firstNonEmpty(req.Trigger, "http"))
	if err != nil {
		return err
	}
	if report.Skipped {
		return c.JSON(http.StatusAccepted, report)
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) handleDeadLetters(c echo.Context) error {
	if s.deps.Director == nil {
		return errNoDirector
	}
	return c.JSON(http.StatusOK, s.deps.Director.DeadLetters())
}

func (s *Server) handleRequeue(c echo.Context) error {
	if s.deps.Director == nil {
		return errNoDirector
	}
	branch, err := url.PathUnescape(c.Param("branch"))
	if err != nil {
		return fmt.Errorf("%w: branch", errBadRequest)
	}
	if !s.deps.Director.Requeue(c.Request().Context(), branch) {
		return fmt.Errorf("%w: %s is not dead-lettered", errNotFound, branch)
	}
	return c.JSON(http.StatusOK, OutcomeResponse{Branch: branch, Outcome: "requeued"})
}

// CountManifest sizes the manifest collections.
func CountManifest(doc *manifest.Document) ManifestCounts {
	return ManifestCounts{
		Version:      doc.Version,
		MainHead:     doc.MainHead,
		Ready:        len(doc.Ready),
		PendingMerge: len(doc.PendingMerge),
		MergeHistory: len(doc.MergeHistory),
	}
}
