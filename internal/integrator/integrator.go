// Package integrator opens pull requests for ready branches and tracks
// whether they merged, using the GitHub API.
package integrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipyard/internal/apperr"
	"github.com/fyrsmithlabs/shipyard/internal/logging"
	"github.com/fyrsmithlabs/shipyard/internal/manifest"
)

const saga = "integrate"

// Saga steps, in order.
const (
	StepResolveBase  = "resolve_base"
	StepVerifyBranch = "verify_branch"
	StepCreatePR     = "create_pr"
	StepLabel        = "label"
)

// Metadata keys read from a ready entry.
const (
	MetaTitle = "title"
	MetaBody  = "body"
	MetaIssue = "issue_number"
)

// Config configures a GitHub integrator.
type Config struct {
	Owner      string
	Repo       string
	BaseBranch string
	Labels     []string
	Draft      bool
	Retry      RetryConfig
	// HeadTimeout bounds one HeadSHA lookup. Zero means 30s.
	HeadTimeout time.Duration
}

// GitHub integrates branches by opening pull requests against the base
// branch.
type GitHub struct {
	client *github.Client
	cfg    Config
	logger *logging.Logger
}

// New creates a GitHub integrator.
func New(client *github.Client, cfg Config, logger *logging.Logger) *GitHub {
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	return &GitHub{client: client, cfg: cfg, logger: logger.Named("integrator")}
}

// Integrate opens a pull request for entry, or adopts the one already open
// for its branch. The base SHA is the base branch head observed before the
// pull request was created.
func (g *GitHub) Integrate(ctx context.Context, entry manifest.ReadyEntry, mainHead string) (manifest.PRInfo, error) {
	ctx = logging.WithBranch(ctx, entry.Branch)

	baseSHA, err := g.refSHA(ctx, g.cfg.BaseBranch)
	if err != nil {
		return manifest.PRInfo{}, stepError(StepResolveBase, err)
	}
	if mainHead != "" && mainHead != baseSHA {
		g.logger.Debug(ctx, "base branch moved since cycle start",
			zap.String("cycle_head", mainHead),
			zap.String("base_sha", baseSHA),
		)
	}

	if _, err := g.refSHA(ctx, entry.Branch); err != nil {
		return manifest.PRInfo{}, stepError(StepVerifyBranch, err)
	}

	pr, err := g.createPR(ctx, entry)
	if err != nil {
		return manifest.PRInfo{}, stepError(StepCreatePR, err)
	}

	if len(g.cfg.Labels) > 0 || entry.Tier != "" {
		if err := g.label(ctx, pr.GetNumber(), entry.Tier); err != nil {
			// A missing label never fails the integration.
			g.logger.Warn(ctx, "failed to label pull request",
				zap.Int("pr_number", pr.GetNumber()),
				zap.Error(stepError(StepLabel, err)),
			)
		}
	}

	return manifest.PRInfo{
		PRNumber:          pr.GetNumber(),
		PRURL:             pr.GetHTMLURL(),
		IntegrationBranch: entry.Branch,
		BaseMainSHA:       baseSHA,
	}, nil
}

func (g *GitHub) createPR(ctx context.Context, entry manifest.ReadyEntry) (*github.PullRequest, error) {
	req := &github.NewPullRequest{
		Title: github.String(Title(entry)),
		Head:  github.String(entry.Branch),
		Base:  github.String(g.cfg.BaseBranch),
		Body:  github.String(Body(entry)),
		Draft: github.Bool(g.cfg.Draft),
	}

	var pr *github.PullRequest
	_, err := withRetry(ctx, g.cfg.Retry, g.logger, "create_pull_request", func() (*github.Response, error) {
		var resp *github.Response
		var err error
		pr, resp, err = g.client.PullRequests.Create(ctx, g.cfg.Owner, g.cfg.Repo, req)
		return resp, err
	})
	if err == nil {
		g.logger.Info(ctx, "pull request created", zap.Int("pr_number", pr.GetNumber()))
		return pr, nil
	}
	if !alreadyExists(err) {
		return nil, err
	}

	existing, findErr := g.findOpenPR(ctx, entry.Branch)
	if findErr != nil {
		return nil, fmt.Errorf("%w (lookup of existing pull request: %v)", err, findErr)
	}
	g.logger.Info(ctx, "adopted existing pull request", zap.Int("pr_number", existing.GetNumber()))
	return existing, nil
}

func (g *GitHub) findOpenPR(ctx context.Context, branch string) (*github.PullRequest, error) {
	opts := &github.PullRequestListOptions{
		State:       "open",
		Head:        g.cfg.Owner + ":" + branch,
		Base:        g.cfg.BaseBranch,
		ListOptions: github.ListOptions{PerPage: 10},
	}
	var prs []*github.PullRequest
	_, err := withRetry(ctx, g.cfg.Retry, g.logger, "list_pull_requests", func() (*github.Response, error) {
		var resp *github.Response
		var err error
		prs, resp, err = g.client.PullRequests.List(ctx, g.cfg.Owner, g.cfg.Repo, opts)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	for _, pr := range prs {
		if pr.GetHead().GetRef() == branch {
			return pr, nil
		}
	}
	return nil, fmt.Errorf("no open pull request for %s", branch)
}

func (g *GitHub) label(ctx context.Context, number int, tier string) error {
	labels := append([]string(nil), g.cfg.Labels...)
	if tier != "" {
		labels = append(labels, "tier:"+tier)
	}
	_, err := withRetry(ctx, g.cfg.Retry, g.logger, "add_labels", func() (*github.Response, error) {
		_, resp, err := g.client.Issues.AddLabelsToIssue(ctx, g.cfg.Owner, g.cfg.Repo, number, labels)
		return resp, err
	})
	return err
}

func (g *GitHub) refSHA(ctx context.Context, branch string) (string, error) {
	var ref *github.Reference
	_, err := withRetry(ctx, g.cfg.Retry, g.logger, "get_ref", func() (*github.Response, error) {
		var resp *github.Response
		var err error
		ref, resp, err = g.client.Git.GetRef(ctx, g.cfg.Owner, g.cfg.Repo, "heads/"+branch)
		return resp, err
	})
	if err != nil {
		return "", &apperr.GitOperationError{Operation: "resolve ref", Ref: branch, Err: err}
	}
	sha := ref.GetObject().GetSHA()
	if sha == "" {
		return "", &apperr.GitOperationError{Operation: "resolve ref", Ref: branch, Err: errors.New("empty sha")}
	}
	return sha, nil
}

// CheckMerged reports whether pull request number has merged, with its
// merge commit.
func (g *GitHub) CheckMerged(ctx context.Context, number int) (bool, string, error) {
	var pr *github.PullRequest
	_, err := withRetry(ctx, g.cfg.Retry, g.logger, "get_pull_request", func() (*github.Response, error) {
		var resp *github.Response
		var err error
		pr, resp, err = g.client.PullRequests.Get(ctx, g.cfg.Owner, g.cfg.Repo, number)
		return resp, err
	})
	if err != nil {
		return false, "", fmt.Errorf("get pull request #%d: %w", number, err)
	}
	if !pr.GetMerged() {
		return false, "", nil
	}
	return true, pr.GetMergeCommitSHA(), nil
}

// HeadSHA returns the head commit of branch as GitHub sees it. It is the
// same lookup Integrate uses for BaseMainSHA, which lets the director
// observe main from the same source.
func (g *GitHub) HeadSHA(branch string) (string, error) {
	timeout := g.cfg.HeadTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return g.refSHA(ctx, branch)
}

// Title is the pull request title for entry.
func Title(entry manifest.ReadyEntry) string {
	if t := strings.TrimSpace(entry.Metadata[MetaTitle]); t != "" {
		return t
	}
	return entry.Branch
}

// Body is the pull request description for entry.
func Body(entry manifest.ReadyEntry) string {
	var b strings.Builder
	if body := strings.TrimSpace(entry.Metadata[MetaBody]); body != "" {
		b.WriteString(body)
		b.WriteString("\n\n")
	}
	if issue := entry.Metadata[MetaIssue]; issue != "" {
		fmt.Fprintf(&b, "Closes #%s\n\n", issue)
	}
	b.WriteString("---\n")
	if entry.Tier != "" {
		fmt.Fprintf(&b, "Tier: %s\n", entry.Tier)
	}
	if r := entry.PipelineResult; r != nil {
		fmt.Fprintf(&b, "Quality: %s after %d correction cycle(s)\n", r.OverallStatus, r.CorrectionCycles)
	}
	if entry.RequestID != "" {
		fmt.Fprintf(&b, "Request: %s\n", entry.RequestID)
	}
	return b.String()
}

func stepError(step string, err error) error {
	return &apperr.SagaStepError{Saga: saga, Step: step, Err: err}
}

// alreadyExists reports a 422 for a pull request that is already open.
func alreadyExists(err error) bool {
	var ge *github.ErrorResponse
	if !errors.As(err, &ge) || ge.Response == nil || ge.Response.StatusCode != http.StatusUnprocessableEntity {
		return false
	}
	if strings.Contains(ge.Message, "already exists") {
		return true
	}
	for _, e := range ge.Errors {
		if strings.Contains(e.Message, "already exists") {
			return true
		}
	}
	return false
}
