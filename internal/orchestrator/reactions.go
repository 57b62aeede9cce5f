package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipyard/internal/events"
	"github.com/fyrsmithlabs/shipyard/internal/logging"
	"github.com/fyrsmithlabs/shipyard/internal/manifest"
	"github.com/fyrsmithlabs/shipyard/internal/session"
)

// CIReport is a CI outcome for a session's pull request.
type CIReport struct {
	Passed  bool   `json:"passed"`
	Details string `json:"details,omitempty"`
}

// ReviewReport is a code review outcome.
type ReviewReport struct {
	Approved bool     `json:"approved"`
	Comments []string `json:"comments,omitempty"`
}

// Integrated records the pull request opened for a session's branch.
func (d *Driver) Integrated(ctx context.Context, entry manifest.ReadyEntry, pr manifest.PRInfo) {
	ctx = logging.WithSessionID(ctx, entry.RequestID)
	_, err := d.deps.Sessions.Update(ctx, entry.RequestID, func(s *session.Session) error {
		s.SetPR(pr.PRNumber, pr.PRURL)
		if s.Status == session.StatusPRCreated || !s.CanTransition(session.StatusPRCreated) {
			return nil
		}
		return s.Transition(session.StatusPRCreated, fmt.Sprintf("pull request #%d opened", pr.PRNumber))
	})
	if err != nil {
		d.logger.Debug(ctx, "integrated branch has no session", zap.String("branch", entry.Branch), zap.Error(err))
	}
}

// Merged walks the session working on branch to merged.
func (d *Driver) Merged(ctx context.Context, branch string, prNumber int, commitSHA string) {
	sess, ok := d.deps.Sessions.FindByBranch(branch)
	if !ok {
		return
	}
	ctx = logging.WithSessionID(ctx, sess.ID)
	reason := fmt.Sprintf("pull request #%d merged as %s", prNumber, shortSHA(commitSHA))
	_, err := d.deps.Sessions.Update(ctx, sess.ID, func(s *session.Session) error {
		path := PathTo(s.Status, session.StatusMerged)
		if path == nil {
			return fmt.Errorf("no path from %s to merged", s.Status)
		}
		for _, to := range path {
			if err := s.Transition(to, reason); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		d.logger.Warn(ctx, "merged session could not be settled", zap.String("branch", branch), zap.Error(err))
		return
	}
	d.Abort(sess.ID)
}

// ReportCI applies a CI outcome. Failures escalate once MaxCIAttempts is
// reached.
func (d *Driver) ReportCI(ctx context.Context, id string, report CIReport) (*session.Session, error) {
	ctx = logging.WithSessionID(ctx, id)
	var attempt int
	sess, err := d.deps.Sessions.Update(ctx, id, func(s *session.Session) error {
		if s.Status == session.StatusPRCreated || s.Status == session.StatusCIFailed {
			if err := s.Transition(session.StatusCIRunning, "ci started"); err != nil {
				return err
			}
		}
		if s.Status != session.StatusCIRunning {
			// Not awaiting CI; the table rejects it.
			return s.Transition(session.StatusCIPassed, "")
		}
		attempt = s.IncrementCIAttempts()
		if report.Passed {
			return s.Transition(session.StatusCIPassed, "ci passed")
		}
		if err := s.Transition(session.StatusCIFailed, firstLine("ci failed", report.Details)); err != nil {
			return err
		}
		if attempt >= d.cfg.MaxCIAttempts {
			return s.Transition(session.StatusEscalated, fmt.Sprintf("ci failed %d time(s)", attempt))
		}
		return nil
	})
	if err != nil {
		return sess, err
	}
	d.emitter.Emit(ctx, id, events.CIReportedData{SessionID: id, Passed: report.Passed, Attempt: attempt})
	d.logger.Info(ctx, "ci reported", zap.Bool("passed", report.Passed), zap.Int("attempt", attempt))
	return sess, nil
}

// ReportReview applies a review outcome. Requested changes relaunch
// implementation with the comments as feedback until MaxReviewAttempts is
// reached, then escalate.
func (d *Driver) ReportReview(ctx context.Context, id string, report ReviewReport) (*session.Session, error) {
	ctx = logging.WithSessionID(ctx, id)
	var attempt int
	revise := false
	sess, err := d.deps.Sessions.Update(ctx, id, func(s *session.Session) error {
		if s.Status == session.StatusPRCreated || s.Status == session.StatusCIPassed {
			if err := s.Transition(session.StatusReview, "review started"); err != nil {
				return err
			}
		}
		if s.Status != session.StatusReview {
			return s.Transition(session.StatusChangesRequested, "")
		}
		attempt = s.IncrementReviewAttempts()
		if report.Approved {
			return nil
		}
		if err := s.Transition(session.StatusChangesRequested, firstLine("changes requested", strings.Join(report.Comments, "\n"))); err != nil {
			return err
		}
		if attempt >= d.cfg.MaxReviewAttempts {
			return s.Transition(session.StatusEscalated, fmt.Sprintf("changes requested %d time(s)", attempt))
		}
		revise = true
		return s.Transition(session.StatusImplementing, "revising after review")
	})
	if err != nil {
		return sess, err
	}
	d.emitter.Emit(ctx, id, events.ReviewReportedData{SessionID: id, Approved: report.Approved, Attempt: attempt})
	d.logger.Info(ctx, "review reported", zap.Bool("approved", report.Approved), zap.Int("attempt", attempt))

	if revise {
		feedback := make([]string, 0, len(report.Comments))
		for _, c := range report.Comments {
			feedback = append(feedback, "[review] "+c)
		}
		d.spawn(id, func(ctx context.Context) { d.implementLoop(ctx, id, feedback) })
	}
	return sess, nil
}

// Resume returns an escalated session to implementing with optional human
// guidance and relaunches the implementation loop.
func (d *Driver) Resume(ctx context.Context, id string, guidance []string) (*session.Session, error) {
	sess, err := d.deps.Sessions.Transition(ctx, id, session.StatusImplementing, "resumed after escalation")
	if err != nil {
		return sess, err
	}
	feedback := make([]string, 0, len(guidance))
	for _, g := range guidance {
		feedback = append(feedback, "[human] "+g)
	}
	d.spawn(id, func(ctx context.Context) { d.implementLoop(ctx, id, feedback) })
	return sess, nil
}

// PathTo returns the shortest sequence of transitions from one status to
// another that avoids escalation and the other terminal states, or nil.
func PathTo(from, to session.Status) []session.Status {
	if from == to {
		return []session.Status{}
	}
	prev := map[session.Status]session.Status{from: from}
	queue := []session.Status{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range session.Transitions[cur] {
			if _, seen := prev[next]; seen {
				continue
			}
			if next != to && (next == session.StatusEscalated || next.IsTerminal()) {
				continue
			}
			prev[next] = cur
			if next == to {
				var path []session.Status
				for s := to; s != from; s = prev[s] {
					path = append([]session.Status{s}, path...)
				}
				return path
			}
			queue = append(queue, next)
		}
	}
	return nil
}

func firstLine(prefix, details string) string {
	details = strings.TrimSpace(details)
	if details == "" {
		return prefix
	}
	if i := strings.IndexByte(details, '\n'); i >= 0 {
		details = details[:i]
	}
	if len(details) > 200 {
		details = details[:200] + "..."
	}
	return prefix + ": " + details
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
