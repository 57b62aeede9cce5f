package http

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipyard/internal/gitrepo"
	"github.com/fyrsmithlabs/shipyard/internal/logging"
	"github.com/fyrsmithlabs/shipyard/internal/orchestrator"
	"github.com/fyrsmithlabs/shipyard/internal/session"
)

// errNoReactor is returned by reaction routes when no driver is wired.
var errNoReactor = echo.NewHTTPError(http.StatusServiceUnavailable, "session reactions are not available")

func (s *Server) handleStartSession(c echo.Context) error {
	var req StartSessionRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := s.deps.Sessions.Start(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, StartSessionResponse{
		SessionID:   res.SessionID,
		Status:      res.Status,
		IssueNumber: res.IssueNumber,
	})
}

func (s *Server) handleListSessions(c echo.Context) error {
	sessions := s.deps.Sessions.List()
	if status := c.QueryParam("status"); status != "" {
		filtered := sessions[:0]
		for _, sess := range sessions {
			if string(sess.Status) == status {
				filtered = append(filtered, sess)
			}
		}
		sessions = filtered
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	if sessions == nil {
		sessions = []*session.Session{}
	}
	return c.JSON(http.StatusOK, ListSessionsResponse{Sessions: sessions, Count: len(sessions)})
}

func (s *Server) handleGetSession(c echo.Context) error {
	sess, err := s.deps.Sessions.Get(c.Param("id"))
	if err != nil {
		return err
	}
	detail := SessionDetail{Session: sess}
	if sess.WorktreePath != "" {
		detail.Git = s.worktreeStatus(c, sess)
	}
	return c.JSON(http.StatusOK, detail)
}

// worktreeStatus summarizes the session's worktree, or returns nil when it
// cannot be read.
func (s *Server) worktreeStatus(c echo.Context, sess *session.Session) *gitrepo.StatusSummary {
	ctx := logging.WithSessionID(c.Request().Context(), sess.ID)
	repo, err := gitrepo.Open(sess.WorktreePath)
	if err == nil {
		var sum gitrepo.StatusSummary
		if sum, err = repo.StatusSummary(sess.BaseBranch); err == nil {
			return &sum
		}
	}
	s.logger.Debug(ctx, "worktree status unavailable",
		zap.String("worktree_path", sess.WorktreePath),
		zap.Error(err),
	)
	return nil
}

func (s *Server) handleRemoveSession(c echo.Context) error {
	id := c.Param("id")
	if s.deps.Reactor != nil {
		s.deps.Reactor.Abort(id)
	}
	if err := s.deps.Sessions.Remove(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleEscalate(c echo.Context) error {
	var req ReasonRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	reason := firstNonEmpty(req.Reason, "escalated by operator")
	id := c.Param("id")
	ctx := logging.WithSessionID(c.Request().Context(), id)
	sess, err := s.deps.Sessions.Escalate(ctx, id, reason)
	if err != nil {
		return err
	}
	if s.deps.Reactor != nil {
		s.deps.Reactor.Abort(id)
	}
	s.logger.Warn(ctx, "session escalated", zap.String("reason", reason))
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) handleCancel(c echo.Context) error {
	var req ReasonRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	id := c.Param("id")
	sess, err := s.deps.Sessions.Cancel(c.Request().Context(), id, firstNonEmpty(req.Reason, "cancelled by operator"))
	if err != nil {
		return err
	}
	if s.deps.Reactor != nil {
		s.deps.Reactor.Abort(id)
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) handleResume(c echo.Context) error {
	if s.deps.Reactor == nil {
		return errNoReactor
	}
	var req ResumeRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	sess, err := s.deps.Reactor.Resume(c.Request().Context(), c.Param("id"), req.Guidance)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) handleCI(c echo.Context) error {
	if s.deps.Reactor == nil {
		return errNoReactor
	}
	var req orchestrator.CIReport
	if err := bind(c, &req); err != nil {
		return err
	}
	sess, err := s.deps.Reactor.ReportCI(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) handleReview(c echo.Context) error {
	if s.deps.Reactor == nil {
		return errNoReactor
	}
	var req orchestrator.ReviewReport
	if err := bind(c, &req); err != nil {
		return err
	}
	if !req.Approved && len(req.Comments) == 0 {
		return fmt.Errorf("%w: a review requesting changes needs comments", errBadRequest)
	}
	sess, err := s.deps.Reactor.ReportReview(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

// CountSessions counts sessions per status. Every status is present.
func CountSessions(sessions []*session.Session) map[string]int {
	counts := make(map[string]int, len(session.AllStatuses))
	for _, st := range session.AllStatuses {
		counts[string(st)] = 0
	}
	for _, sess := range sessions {
		counts[string(sess.Status)]++
	}
	return counts
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
