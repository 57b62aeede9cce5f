package http

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/shipyard/internal/logging"
	"github.com/fyrsmithlabs/shipyard/internal/orchestrator"
	"github.com/fyrsmithlabs/shipyard/internal/session"
)

const maxWebhookBody = 1 << 20

var validSHARegex = regexp.MustCompile(`^[0-9a-f]{40}$`)

// webhookLimiter allows each client address one delivery per second with a
// burst of 10. The table is reset hourly.
type webhookLimiter struct {
	mu          sync.Mutex
	limiters    map[string]*rate.Limiter
	lastCleanup time.Time
}

func (l *webhookLimiter) allow(ip string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.limiters == nil || now.Sub(l.lastCleanup) > time.Hour {
		l.limiters = make(map[string]*rate.Limiter)
		l.lastCleanup = now
	}
	limiter, ok := l.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(1), 10)
		l.limiters[ip] = limiter
	}
	return limiter.AllowN(now, 1)
}

// handleGitHubWebhook turns GitHub deliveries into session reactions and
// recorded merges. Completed check suites report CI, submitted reviews
// report review outcomes and merged pull requests are recorded in the
// manifest.
func (s *Server) handleGitHubWebhook(c echo.Context) error {
	req := c.Request()
	ctx := req.Context()
	eventType := github.WebHookType(req)
	outcome := "rejected"
	defer func() { s.metrics.RecordWebhook(ctx, eventType, outcome) }()

	ip := c.RealIP()
	if !s.webhooks.allow(ip, s.now()) {
		s.logger.Warn(ctx, "webhook rate limit exceeded", zap.String("ip", ip))
		return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
	}

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxWebhookBody)
	payload, err := github.ValidatePayload(req, []byte(s.config.WebhookSecret))
	if err != nil {
		s.logger.Warn(ctx, "invalid webhook signature", zap.Error(err))
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
	}

	event, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}

	var resp WebhookResponse
	switch e := event.(type) {
	case *github.CheckSuiteEvent:
		resp, err = s.onCheckSuite(ctx, e)
	case *github.PullRequestReviewEvent:
		resp, err = s.onReview(ctx, e)
	case *github.PullRequestEvent:
		resp, err = s.onPullRequest(ctx, e)
	default:
		s.logger.Debug(ctx, "ignoring webhook event", zap.String("type", eventType))
		resp = ignored("unsupported event")
	}
	if err != nil {
		outcome = "error"
		return err
	}
	outcome = "handled"
	if resp.Status == "ignored" {
		outcome = "ignored"
	}
	return c.JSON(http.StatusOK, resp)
}

func ignored(reason string) WebhookResponse {
	return WebhookResponse{Status: "ignored", Reason: reason}
}

func (s *Server) onCheckSuite(ctx context.Context, e *github.CheckSuiteEvent) (WebhookResponse, error) {
	if e.GetAction() != "completed" {
		return ignored("check suite not completed"), nil
	}
	if s.deps.Reactor == nil {
		return ignored("session reactions are not available"), nil
	}
	suite := e.GetCheckSuite()
	prNumber := 0
	if prs := suite.PullRequests; len(prs) > 0 {
		prNumber = prs[0].GetNumber()
	}
	sess, ok := s.sessionFor(prNumber, suite.GetHeadBranch())
	if !ok {
		return ignored("no session for branch"), nil
	}

	conclusion := suite.GetConclusion()
	report := orchestrator.CIReport{Passed: ciPassed(conclusion)}
	if !report.Passed {
		report.Details = fmt.Sprintf("check suite %s on %s concluded %s", suite.GetHeadSHA(), suite.GetHeadBranch(), conclusion)
	}

	ctx = logging.WithSessionID(ctx, sess.ID)
	s.logger.Info(ctx, "ci result received from webhook",
		zap.String("conclusion", conclusion),
		zap.String("branch", suite.GetHeadBranch()),
	)
	updated, err := s.deps.Reactor.ReportCI(ctx, sess.ID, report)
	if err != nil {
		return WebhookResponse{}, err
	}
	return WebhookResponse{Status: "ok", SessionID: updated.ID, SessionStatus: string(updated.Status)}, nil
}

func ciPassed(conclusion string) bool {
	switch conclusion {
	case "success", "neutral", "skipped":
		return true
	default:
		return false
	}
}

func (s *Server) onReview(ctx context.Context, e *github.PullRequestReviewEvent) (WebhookResponse, error) {
	if e.GetAction() != "submitted" {
		return ignored("review not submitted"), nil
	}
	if s.deps.Reactor == nil {
		return ignored("session reactions are not available"), nil
	}
	review := e.GetReview()

	var report orchestrator.ReviewReport
	switch strings.ToLower(review.GetState()) {
	case "approved":
		report.Approved = true
	case "changes_requested":
		comment := strings.TrimSpace(review.GetBody())
		if comment == "" {
			comment = "changes requested by " + review.GetUser().GetLogin()
		}
		report.Comments = []string{comment}
	default:
		return ignored("review state " + review.GetState()), nil
	}

	pr := e.GetPullRequest()
	sess, ok := s.sessionFor(pr.GetNumber(), pr.GetHead().GetRef())
	if !ok {
		return ignored("no session for pull request"), nil
	}
	ctx = logging.WithSessionID(ctx, sess.ID)
	updated, err := s.deps.Reactor.ReportReview(ctx, sess.ID, report)
	if err != nil {
		return WebhookResponse{}, err
	}
	return WebhookResponse{Status: "ok", SessionID: updated.ID, SessionStatus: string(updated.Status)}, nil
}

func (s *Server) onPullRequest(ctx context.Context, e *github.PullRequestEvent) (WebhookResponse, error) {
	pr := e.GetPullRequest()
	if e.GetAction() != "closed" || !pr.GetMerged() {
		return ignored("pull request not merged"), nil
	}
	if s.deps.Director == nil {
		return ignored("director is not available"), nil
	}
	branch := pr.GetHead().GetRef()
	sha := pr.GetMergeCommitSHA()
	if branch == "" || !validSHARegex.MatchString(sha) {
		return WebhookResponse{}, fmt.Errorf("%w: merged pull request needs a head ref and merge commit sha", errBadRequest)
	}

	ctx = logging.WithBranch(ctx, branch)
	outcome, err := s.deps.Director.RecordMerge(ctx, branch, sha)
	if err != nil {
		return WebhookResponse{}, err
	}
	s.logger.Info(ctx, "merge received from webhook",
		zap.Int("pr_number", pr.GetNumber()),
		zap.String("outcome", string(outcome)),
	)
	return WebhookResponse{Status: "ok", Outcome: string(outcome)}, nil
}

// sessionFor finds the live session owning a pull request, by number first
// and then by head branch.
func (s *Server) sessionFor(prNumber int, branch string) (*session.Session, bool) {
	var byBranch *session.Session
	for _, sess := range s.deps.Sessions.List() {
		if sess.Status.IsTerminal() {
			continue
		}
		if prNumber > 0 && sess.PRNumber == prNumber {
			return sess, true
		}
		if branch != "" && sess.Branch == branch && byBranch == nil {
			byBranch = sess
		}
	}
	return byBranch, byBranch != nil
}
