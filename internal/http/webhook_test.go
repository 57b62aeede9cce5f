package http

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/shipyard/internal/logging"
	"github.com/fyrsmithlabs/shipyard/internal/orchestrator"
	"github.com/fyrsmithlabs/shipyard/internal/session"
)

const webhookSecret = "s3cret"

func setupWebhookServer(t *testing.T) *testServer {
	t.Helper()
	base := setupTestServer(t)
	srv, err := NewServer(base.deps, logging.Nop(), &Config{WebhookSecret: webhookSecret})
	require.NoError(t, err)
	base.Server = srv
	return base
}

func (s *testServer) deliver(t *testing.T, event string, payload interface{}, secret string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

// withPullRequest starts a session and gives it a branch and PR 7.
func (s *testServer) withPullRequest(t *testing.T) *session.Session {
	t.Helper()
	res, err := s.sessions.Start(context.Background(), startRequest(42))
	require.NoError(t, err)
	sess, err := s.sessions.Update(context.Background(), res.SessionID, func(sess *session.Session) error {
		sess.Branch = "shipyard/42-add-login"
		sess.PRNumber = 7
		return nil
	})
	require.NoError(t, err)
	return sess
}

func checkSuitePayload(branch, conclusion string) map[string]interface{} {
	return map[string]interface{}{
		"action": "completed",
		"check_suite": map[string]interface{}{
			"head_branch": branch,
			"head_sha":    strings.Repeat("a", 40),
			"conclusion":  conclusion,
		},
	}
}

func reviewPayload(state, body string) map[string]interface{} {
	return map[string]interface{}{
		"action": "submitted",
		"review": map[string]interface{}{
			"state": state,
			"body":  body,
			"user":  map[string]interface{}{"login": "octocat"},
		},
		"pull_request": map[string]interface{}{
			"number": 7,
			"head":   map[string]interface{}{"ref": "shipyard/42-add-login"},
		},
	}
}

func TestWebhook_RouteRequiresSecret(t *testing.T) {
	server := setupTestServer(t)
	rec := server.deliver(t, "ping", map[string]interface{}{"zen": "hi"}, webhookSecret)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhook_RejectsBadSignature(t *testing.T) {
	server := setupWebhookServer(t)
	rec := server.deliver(t, "ping", map[string]interface{}{"zen": "hi"}, "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhook_IgnoresUnsupportedEvents(t *testing.T) {
	server := setupWebhookServer(t)
	rec := server.deliver(t, "ping", map[string]interface{}{"zen": "hi"}, webhookSecret)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "ignored", decode[WebhookResponse](t, rec).Status)
}

func TestWebhook_CheckSuite(t *testing.T) {
	server := setupWebhookServer(t)
	sess := server.withPullRequest(t)

	t.Run("failure reports ci with details", func(t *testing.T) {
		updated := sess.Clone()
		updated.Status = session.StatusCIFailed
		server.reactor.On("ReportCI", mock.Anything, sess.ID, mock.MatchedBy(func(r orchestrator.CIReport) bool {
			return !r.Passed && strings.Contains(r.Details, "failure")
		})).Return(updated, nil).Once()

		rec := server.deliver(t, "check_suite", checkSuitePayload(sess.Branch, "failure"), webhookSecret)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		resp := decode[WebhookResponse](t, rec)
		assert.Equal(t, sess.ID, resp.SessionID)
		assert.Equal(t, "ci_failed", resp.SessionStatus)
	})

	t.Run("unknown branch is ignored", func(t *testing.T) {
		rec := server.deliver(t, "check_suite", checkSuitePayload("other", "success"), webhookSecret)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ignored", decode[WebhookResponse](t, rec).Status)
	})

	server.reactor.AssertExpectations(t)
}

func TestWebhook_Review(t *testing.T) {
	server := setupWebhookServer(t)
	sess := server.withPullRequest(t)

	server.reactor.On("ReportReview", mock.Anything, sess.ID, orchestrator.ReviewReport{Approved: true}).Return(sess, nil).Once()
	rec := server.deliver(t, "pull_request_review", reviewPayload("approved", ""), webhookSecret)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	server.reactor.On("ReportReview", mock.Anything, sess.ID, orchestrator.ReviewReport{
		Comments: []string{"changes requested by octocat"},
	}).Return(sess, nil).Once()
	rec = server.deliver(t, "pull_request_review", reviewPayload("changes_requested", " "), webhookSecret)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = server.deliver(t, "pull_request_review", reviewPayload("commented", "nit"), webhookSecret)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", decode[WebhookResponse](t, rec).Status)

	server.reactor.AssertExpectations(t)
}

func TestWebhook_MergedPullRequest(t *testing.T) {
	server := setupWebhookServer(t)

	rec := server.do(t, http.MethodPost, "/api/v1/manifest/ready", RegisterBranchRequest{Branch: "feature-a"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = server.do(t, http.MethodPost, "/api/v1/director/cycle", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	merged := func(sha string) map[string]interface{} {
		return map[string]interface{}{
			"action": "closed",
			"pull_request": map[string]interface{}{
				"number":           12,
				"merged":           true,
				"merge_commit_sha": sha,
				"head":             map[string]interface{}{"ref": "feature-a"},
			},
		}
	}

	rec = server.deliver(t, "pull_request", merged("not-a-sha"), webhookSecret)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = server.deliver(t, "pull_request", merged(strings.Repeat("b", 40)), webhookSecret)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "moved", decode[WebhookResponse](t, rec).Outcome)

	doc, err := server.manifest.Read(context.Background())
	require.NoError(t, err)
	require.Len(t, doc.MergeHistory, 1)
	assert.Equal(t, "feature-a", doc.MergeHistory[0].Branch)

	closed := map[string]interface{}{
		"action":       "closed",
		"pull_request": map[string]interface{}{"number": 13, "merged": false},
	}
	rec = server.deliver(t, "pull_request", closed, webhookSecret)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", decode[WebhookResponse](t, rec).Status)
}

func TestWebhookLimiter(t *testing.T) {
	var l webhookLimiter
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		require.True(t, l.allow("10.0.0.1", now), "burst %d", i)
	}
	assert.False(t, l.allow("10.0.0.1", now))
	assert.True(t, l.allow("10.0.0.2", now), "limits are per address")
	assert.True(t, l.allow("10.0.0.1", now.Add(2*time.Second)))
	assert.True(t, l.allow("10.0.0.1", now.Add(2*time.Hour)), "table resets hourly")
}
