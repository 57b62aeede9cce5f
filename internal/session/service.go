package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipyard/internal/events"
	"github.com/fyrsmithlabs/shipyard/internal/logging"
	"github.com/fyrsmithlabs/shipyard/internal/secrets"
)

// DefaultStaleAfter is how long an active session may go without activity
// before a new start for the same issue replaces it.
const DefaultStaleAfter = 2 * time.Minute

var (
	// ErrDuplicateActive is matched by *ConflictError.
	ErrDuplicateActive = errors.New("duplicate active session")
	// ErrCapacity is returned when the parallelism ceiling is reached.
	ErrCapacity = errors.New("parallel session limit reached")
	// ErrInvalidRequest is returned for malformed start requests.
	ErrInvalidRequest = errors.New("invalid session request")
)

// ConflictError reports an existing active session for the same issue.
type ConflictError struct {
	ExistingID string
	Status     Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("duplicate active session %s (status %s)", e.ExistingID, e.Status)
}

func (e *ConflictError) Is(target error) bool { return target == ErrDuplicateActive }

// StartRequest is the input to Start.
type StartRequest struct {
	IssueNumber int      `json:"issue_number,omitempty"`
	Prompt      string   `json:"prompt,omitempty"`
	ProjectPath string   `json:"project_path"`
	Model       string   `json:"model,omitempty"`
	Provider    string   `json:"provider,omitempty"`
	BaseBranch  string   `json:"base_branch"`
	Title       string   `json:"title,omitempty"`
	Body        string   `json:"body,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	URL         string   `json:"url,omitempty"`
	Repo        string   `json:"repo,omitempty"`
}

// Validate checks the request shape.
func (r StartRequest) Validate() error {
	if r.IssueNumber <= 0 && strings.TrimSpace(r.Prompt) == "" && strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("%w: one of issue_number, prompt or title is required", ErrInvalidRequest)
	}
	if r.IssueNumber < 0 {
		return fmt.Errorf("%w: issue_number cannot be negative", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.ProjectPath) == "" {
		return fmt.Errorf("%w: project_path is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.BaseBranch) == "" {
		return fmt.Errorf("%w: base_branch is required", ErrInvalidRequest)
	}
	return nil
}

// StartResult is returned by a successful Start.
type StartResult struct {
	SessionID   string `json:"session_id"`
	Status      Status `json:"status"`
	IssueNumber int    `json:"issue_number,omitempty"`
}

// ServiceConfig bounds admission.
type ServiceConfig struct {
	MaxParallel     int
	StaleAfter      time.Duration
	DefaultModel    string
	DefaultProvider string
}

// Service is the session control surface.
type Service struct {
	registry *Registry
	emitter  events.Emitter
	logger   *logging.Logger
	cfg      ServiceConfig
	now      func() time.Time
	scrubber secrets.Scrubber

	// startMu makes the duplicate check and the insert atomic.
	startMu sync.Mutex

	hookMu    sync.RWMutex
	onStarted func(ctx context.Context, s *Session)
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithEmitter sets the event emitter.
func WithEmitter(e events.Emitter) ServiceOption {
	return func(s *Service) { s.emitter = e }
}

// WithScrubber redacts secrets from failure messages and audit entries.
func WithScrubber(sc secrets.Scrubber) ServiceOption {
	return func(s *Service) { s.scrubber = sc }
}

// NewService creates a service over registry.
func NewService(registry *Registry, cfg ServiceConfig, logger *logging.Logger, opts ...ServiceOption) *Service {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Service{
		registry: registry,
		emitter:  events.Discard,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
		scrubber: secrets.Noop{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnStarted registers a hook run after a session enters planning.
// The orchestrator uses it to launch the session driver.
func (s *Service) OnStarted(fn func(ctx context.Context, sess *Session)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.onStarted = fn
}

// Start admits a new session and moves it into planning.
func (s *Service) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	s.startMu.Lock()
	sess, err := s.admit(ctx, req)
	s.startMu.Unlock()
	if err != nil {
		return nil, err
	}

	ctx = logging.WithSessionID(ctx, sess.ID)
	s.logger.Info(ctx, "session started",
		zap.Int("issue", sess.Issue.Number),
		zap.String("project_path", sess.ProjectPath),
		zap.String("provider", sess.Provider),
	)

	s.hookMu.RLock()
	hook := s.onStarted
	s.hookMu.RUnlock()
	if hook != nil {
		hook(ctx, sess.Clone())
	}

	return &StartResult{
		SessionID:   sess.ID,
		Status:      sess.Status,
		IssueNumber: sess.Issue.Number,
	}, nil
}

func (s *Service) admit(ctx context.Context, req StartRequest) (*Session, error) {
	if req.IssueNumber > 0 {
		existing, ok := s.registry.FindActive(func(other *Session) bool {
			return other.Issue.Number == req.IssueNumber && other.ProjectPath == req.ProjectPath
		})
		if ok {
			idle := s.now().Sub(existing.LastActivityAt)
			if idle < s.cfg.StaleAfter {
				return nil, &ConflictError{ExistingID: existing.ID, Status: existing.Status}
			}
			if err := s.replaceStale(ctx, existing.ID, idle); err != nil {
				return nil, err
			}
		}
	}

	if n := s.registry.CountActive(); n >= s.cfg.MaxParallel {
		return nil, fmt.Errorf("%w: %d of %d active", ErrCapacity, n, s.cfg.MaxParallel)
	}

	sess := New(Issue{
		Number: req.IssueNumber,
		Title:  req.Title,
		URL:    req.URL,
		Repo:   req.Repo,
		Body:   req.Body,
		Labels: append([]string(nil), req.Labels...),
	}, s.now)
	sess.Prompt = req.Prompt
	sess.ProjectPath = req.ProjectPath
	sess.BaseBranch = req.BaseBranch
	sess.Model = firstNonEmpty(req.Model, s.cfg.DefaultModel)
	sess.Provider = firstNonEmpty(req.Provider, s.cfg.DefaultProvider)

	if err := sess.Transition(StatusPlanning, "session started"); err != nil {
		return nil, err
	}
	if err := s.registry.Add(sess); err != nil {
		return nil, err
	}

	s.emitter.Emit(ctx, sess.ID, events.SessionCreatedData{
		SessionID:   sess.ID,
		IssueNumber: sess.Issue.Number,
		Title:       sess.Title(),
	})
	s.emitter.Emit(ctx, sess.ID, events.SessionTransitionData{
		SessionID: sess.ID,
		From:      string(StatusCreated),
		To:        string(StatusPlanning),
	})
	return sess, nil
}

// replaceStale cancels a stale session, falling back to failed for states
// that cannot be cancelled.
func (s *Service) replaceStale(ctx context.Context, id string, idle time.Duration) error {
	reason := fmt.Sprintf("stale: no activity for %s, replaced by new session", idle.Round(time.Second))
	_, err := s.Update(ctx, id, func(sess *Session) error {
		if sess.CanTransition(StatusCancelled) {
			return sess.Transition(StatusCancelled, reason)
		}
		return sess.Fail(errors.New(reason))
	})
	if err != nil {
		return fmt.Errorf("replace stale session %s: %w", id, err)
	}
	s.logger.Warn(ctx, "replaced stale session",
		zap.String("stale_session", id),
		zap.Duration("idle", idle),
	)
	return nil
}

// Escalate hands the session to a human.
func (s *Service) Escalate(ctx context.Context, id, reason string) (*Session, error) {
	return s.Transition(ctx, id, StatusEscalated, reason)
}

// Cancel stops the session.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*Session, error) {
	return s.Transition(ctx, id, StatusCancelled, reason)
}

// Transition moves a session to the given status through its table.
func (s *Service) Transition(ctx context.Context, id string, to Status, reason string) (*Session, error) {
	return s.Update(ctx, id, func(sess *Session) error {
		return sess.Transition(to, reason)
	})
}

// Update applies fn under the registry lock and emits a transition event if
// the status changed.
func (s *Service) Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	var from Status
	sess, err := s.registry.Update(id, func(sess *Session) error {
		from = sess.Status
		since := len(sess.Events)
		err := fn(sess)
		s.redact(sess, since)
		return err
	})
	if sess != nil && sess.Status != from {
		ctx = logging.WithSessionID(ctx, id)
		s.emitter.Emit(ctx, id, events.SessionTransitionData{
			SessionID: id,
			From:      string(from),
			To:        string(sess.Status),
			Reason:    lastReason(sess),
		})
		s.logger.Info(ctx, "session transitioned",
			zap.String("from", string(from)),
			zap.String("to", string(sess.Status)),
		)
	}
	return sess, err
}

// redact scrubs the error message and the string fields of events
// recorded at or after index since.
func (s *Service) redact(sess *Session, since int) {
	if sess.Error != "" {
		sess.Error = s.scrubber.Scrub(sess.Error).Scrubbed
	}
	for i := since; i < len(sess.Events); i++ {
		for k, v := range sess.Events[i].Data {
			if str, ok := v.(string); ok && str != "" {
				sess.Events[i].Data[k] = s.scrubber.Scrub(str).Scrubbed
			}
		}
	}
}

// Heartbeat marks the session as recently active without touching its
// audit log. Long-running phases call it so they are not judged stale.
func (s *Service) Heartbeat(ctx context.Context, id string) {
	_, err := s.registry.Update(id, func(sess *Session) error {
		sess.LastActivityAt = s.now().UTC()
		return nil
	})
	if err != nil {
		s.logger.Debug(logging.WithSessionID(ctx, id), "heartbeat not recorded", zap.Error(err))
	}
}

// Remove deletes a session record.
func (s *Service) Remove(ctx context.Context, id string) error {
	if err := s.registry.Remove(id); err != nil {
		return err
	}
	s.logger.Info(logging.WithSessionID(ctx, id), "session removed")
	return nil
}

// Get returns a copy of a session.
func (s *Service) Get(id string) (*Session, error) {
	return s.registry.Get(id)
}

// List returns copies of every session.
func (s *Service) List() []*Session {
	return s.registry.List()
}

// FindByBranch returns the active or escalated session working on branch.
func (s *Service) FindByBranch(branch string) (*Session, bool) {
	for _, sess := range s.registry.List() {
		if sess.Branch == branch && !sess.IsTerminal() {
			return sess, true
		}
	}
	return nil, false
}

func lastReason(s *Session) string {
	for i := len(s.Events) - 1; i >= 0; i-- {
		if s.Events[i].Type == EventTransition {
			r, _ := s.Events[i].Data["reason"].(string)
			return r
		}
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
