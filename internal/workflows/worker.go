package workflows

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipyard/internal/config"
	"github.com/fyrsmithlabs/shipyard/internal/logging"
	"github.com/fyrsmithlabs/shipyard/internal/orchestrator"
	"github.com/fyrsmithlabs/shipyard/internal/session"
)

const abortTimeout = 10 * time.Second

// Dial connects to the configured Temporal frontend.
func Dial(cfg config.TemporalConfig) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create Temporal client: %w", err)
	}
	return c, nil
}

// NewWorker registers both workflows and every activity on taskQueue.
func NewWorker(c client.Client, taskQueue string, acts *Activities) worker.Worker {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflow(SessionWorkflow)
	w.RegisterWorkflow(DirectorCycleWorkflow)
	w.RegisterActivity(acts)
	return w
}

// SessionWorkflowID is the workflow id of a session.
func SessionWorkflowID(sessionID string) string {
	return "session-" + sessionID
}

// Launcher runs admitted sessions as SessionWorkflow executions and mirrors
// each outcome back onto the session.
type Launcher struct {
	client     client.Client
	taskQueue  string
	sessions   *session.Service
	baseBranch string
	maxRounds  int
	logger     *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// LauncherConfig tunes a Launcher.
type LauncherConfig struct {
	TaskQueue string
	// BaseBranch is used for sessions that did not name one.
	BaseBranch string
	MaxRounds  int
}

// NewLauncher returns a Launcher. Call Close to stop waiting on workflows.
func NewLauncher(c client.Client, sessions *session.Service, cfg LauncherConfig, logger *logging.Logger) *Launcher {
	if cfg.TaskQueue == "" {
		cfg.TaskQueue = DefaultTaskQueue
	}
	if logger == nil {
		logger = logging.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Launcher{
		client:     c,
		taskQueue:  cfg.TaskQueue,
		sessions:   sessions,
		baseBranch: cfg.BaseBranch,
		maxRounds:  cfg.MaxRounds,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Launch starts the workflow for sess. Its signature matches
// session.Service.OnStarted.
func (l *Launcher) Launch(ctx context.Context, sess *session.Session) {
	in := l.input(sess)
	run, err := l.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        SessionWorkflowID(sess.ID),
		TaskQueue: l.taskQueue,
	}, SessionWorkflow, in)
	if err != nil {
		l.fail(ctx, sess.ID, fmt.Errorf("start session workflow: %w", err))
		return
	}
	l.logger.Info(ctx, "session workflow started", zap.String("workflow_id", SessionWorkflowID(sess.ID)))

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx := logging.WithSessionID(l.ctx, sess.ID)
		var res SessionWorkflowResult
		if err := run.Get(ctx, &res); err != nil {
			if ctx.Err() != nil {
				return
			}
			if temporal.IsCanceledError(err) {
				l.logger.Info(ctx, "session workflow cancelled")
				return
			}
			l.fail(ctx, sess.ID, err)
			return
		}
		l.complete(ctx, &res)
	}()
}

// Abort requests cancellation of the session workflow. It reports
// whether the request was accepted.
func (l *Launcher) Abort(id string) bool {
	ctx, cancel := context.WithTimeout(logging.WithSessionID(l.ctx, id), abortTimeout)
	defer cancel()
	if err := l.client.CancelWorkflow(ctx, SessionWorkflowID(id), ""); err != nil {
		l.logger.Debug(ctx, "session workflow not cancelled", zap.Error(err))
		return false
	}
	l.logger.Info(ctx, "session workflow cancellation requested")
	return true
}

// Close stops waiting on running workflows. The workflows keep running.
func (l *Launcher) Close() {
	l.cancel()
	l.wg.Wait()
}

// Wait blocks until every launched workflow has been mirrored.
func (l *Launcher) Wait() {
	l.wg.Wait()
}

func (l *Launcher) input(sess *session.Session) SessionWorkflowInput {
	base := sess.BaseBranch
	if base == "" {
		base = l.baseBranch
	}
	return SessionWorkflowInput{
		SessionID:   sess.ID,
		Task:        orchestrator.TaskOf(sess),
		ProjectPath: sess.ProjectPath,
		BaseBranch:  base,
		MaxRounds:   l.maxRounds,
	}
}

// complete walks the session to where the workflow left it: a registered
// branch waits in quality_check for integration like an in-process
// session; a failed verdict escalates.
func (l *Launcher) complete(ctx context.Context, res *SessionWorkflowResult) {
	_, err := l.sessions.Update(ctx, res.SessionID, func(s *session.Session) error {
		if res.Plan != nil {
			s.SetPlan(res.Plan.Plan, res.Plan.Degraded)
		}
		if res.Branch != "" {
			s.SetBranch(res.Branch, res.WorktreePath)
		}
		return nil
	})
	if err != nil {
		l.logger.Warn(ctx, "could not record workflow result", zap.Error(err))
		return
	}

	cur, err := l.sessions.Get(res.SessionID)
	if err != nil {
		return
	}
	for _, next := range orchestrator.PathTo(cur.Status, session.StatusQualityCheck) {
		if _, err := l.sessions.Transition(ctx, res.SessionID, next, "session workflow"); err != nil {
			l.logger.Warn(ctx, "session transition rejected", zap.String("to", string(next)), zap.Error(err))
			return
		}
	}

	if res.Registered {
		l.logger.Info(ctx, "session workflow registered branch",
			zap.String("branch", res.Branch),
			zap.String("tier", res.Tier),
		)
		return
	}
	reason := "session workflow finished without a branch"
	if len(res.Errors) > 0 {
		reason = res.Errors[len(res.Errors)-1]
	}
	if _, err := l.sessions.Escalate(ctx, res.SessionID, reason); err != nil {
		l.logger.Warn(ctx, "session escalation rejected", zap.String("reason", reason), zap.Error(err))
		return
	}
	l.logger.Warn(ctx, "session escalated", zap.String("reason", reason))
}

func (l *Launcher) fail(ctx context.Context, id string, cause error) {
	_, err := l.sessions.Update(ctx, id, func(s *session.Session) error {
		return s.Fail(cause)
	})
	if err != nil {
		l.logger.Warn(ctx, "could not mark session failed", zap.NamedError("cause", cause), zap.Error(err))
		return
	}
	l.logger.Error(ctx, "session failed", zap.Error(cause))
}
