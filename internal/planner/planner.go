// Package planner drives a model through a bounded, read-only tool loop
// and turns its final answer into an ImplementationPlan.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipyard/internal/apperr"
	"github.com/fyrsmithlabs/shipyard/internal/events"
	"github.com/fyrsmithlabs/shipyard/internal/llm"
	"github.com/fyrsmithlabs/shipyard/internal/logging"
	"github.com/fyrsmithlabs/shipyard/internal/plan"
)

// DefaultMaxTurns bounds the loop when no limit is configured.
const DefaultMaxTurns = 15

// TurnTimeout bounds one model request.
const TurnTimeout = 5 * time.Minute

// ClientSource resolves model routing hints to a transport.
type ClientSource interface {
	Client(provider, model string) (llm.Client, error)
}

// Task is the work item being planned.
type Task struct {
	Number   int
	Title    string
	Body     string
	Prompt   string
	Labels   []string
	Model    string
	Provider string
}

// StopReason records why the loop ended.
type StopReason string

const (
	StopCompleted StopReason = "completed"
	StopMaxTurns  StopReason = "max_turns"
	StopCancelled StopReason = "cancelled"
)

// Options tunes one PlanIssue call.
type Options struct {
	// OnEvent receives every tool step. It is called synchronously.
	OnEvent func(events.PlanningStepData)
	// MaxTurns overrides the planner's turn limit when positive.
	MaxTurns int
}

// Result is the outcome of planning.
type Result struct {
	Extraction plan.Extraction
	Turns      int
	Stopped    StopReason
	Usage      llm.Usage
	Transcript []llm.Message
}

// Planner runs planning loops.
type Planner struct {
	clients  ClientSource
	tools    *Registry
	maxTurns int
	turnTime time.Duration
	logger   *logging.Logger
}

// New creates a planner using the read-only tool menu.
func New(clients ClientSource, maxTurns int, logger *logging.Logger) *Planner {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Planner{
		clients:  clients,
		tools:    ReadOnlyTools(),
		maxTurns: maxTurns,
		turnTime: TurnTimeout,
		logger:   logger.Named("planner"),
	}
}

// PlanIssue plans task against the repository at projectPath.
//
// Cancellation is checked before each turn; a call already in flight is
// allowed to finish. Unparseable model output degrades to the fallback
// plan rather than failing. Transport errors are returned.
func (p *Planner) PlanIssue(ctx context.Context, task Task, projectPath string, opts Options) (*Result, error) {
	client, err := p.clients.Client(task.Provider, task.Model)
	if err != nil {
		return nil, &apperr.AgentExecutionError{Agent: "planner", Err: err}
	}

	maxTurns := p.maxTurns
	if opts.MaxTurns > 0 {
		maxTurns = opts.MaxTurns
	}

	res := &Result{Stopped: StopMaxTurns}
	transcript := []llm.Message{llm.UserText(BuildPrompt(task, projectPath))}
	var texts []string

	for turn := 1; turn <= maxTurns; turn++ {
		if ctx.Err() != nil {
			res.Stopped = StopCancelled
			break
		}

		resp, err := p.send(ctx, client, transcript)
		if err != nil {
			return nil, &apperr.AgentExecutionError{Agent: "planner", Err: err}
		}
		res.Turns = turn
		res.Usage.InputTokens += resp.Usage.InputTokens
		res.Usage.OutputTokens += resp.Usage.OutputTokens

		transcript = append(transcript, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		if strings.TrimSpace(resp.Content) != "" {
			texts = append(texts, resp.Content)
		}

		if len(resp.ToolCalls) == 0 {
			res.Stopped = StopCompleted
			break
		}

		results := make([]llm.ToolResult, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			out, err := p.tools.Execute(ctx, projectPath, call)
			isErr := err != nil
			if isErr {
				out = Truncate(strings.TrimSpace(out+"\nerror: "+err.Error()), MaxOutputChars)
				p.logger.Debug(ctx, "planning tool failed",
					zap.String("tool", call.Name),
					zap.Error(err),
				)
			}
			p.logger.Trace(ctx, "planning tool call",
				zap.Int("turn", turn),
				zap.String("tool", call.Name),
				zap.Int("output_chars", len(out)),
			)
			if opts.OnEvent != nil {
				opts.OnEvent(events.PlanningStepData{Turn: turn, Tool: call.Name, Output: out, Error: isErr})
			}
			results = append(results, llm.ToolResult{CallID: call.ID, Content: out, IsError: isErr})
		}
		transcript = append(transcript, llm.Message{Role: llm.RoleUser, ToolResults: results})
	}

	res.Transcript = transcript
	res.Extraction = plan.ExtractLatest(texts)
	if res.Extraction.Degraded() {
		p.logger.Warn(ctx, "plan extraction degraded to fallback",
			zap.Int("turns", res.Turns),
			zap.String("stopped", string(res.Stopped)),
		)
	}
	p.logger.Info(ctx, "planning finished",
		zap.Int("turns", res.Turns),
		zap.String("stopped", string(res.Stopped)),
		zap.String("strategy", string(res.Extraction.Strategy)),
		zap.Int("tokens", res.Usage.Total()),
	)
	return res, nil
}

// BuildPrompt renders the single user instruction that opens the transcript.
func BuildPrompt(task Task, projectPath string) string {
	var b strings.Builder
	b.WriteString("You are planning a code change. Explore the repository with the read-only tools, ")
	b.WriteString("then reply with a plan and no further tool calls.\n\n")
	fmt.Fprintf(&b, "Repository: %s\n", projectPath)
	if task.Number > 0 {
		fmt.Fprintf(&b, "Issue: #%d\n", task.Number)
	}
	if task.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", task.Title)
	}
	if len(task.Labels) > 0 {
		fmt.Fprintf(&b, "Labels: %s\n", strings.Join(task.Labels, ", "))
	}
	if task.Body != "" {
		fmt.Fprintf(&b, "\n%s\n", task.Body)
	}
	if task.Prompt != "" {
		fmt.Fprintf(&b, "\nTask:\n%s\n", task.Prompt)
	}
	b.WriteString(`
Finish with a fenced json block of this shape:
` + "```json" + `
{
  "summary": "one sentence",
  "approach": "how the change will be made",
  "files_to_modify": ["path"],
  "files_to_create": ["path"],
  "estimated_complexity": "small | medium | large",
  "risks": ["risk"],
  "sub_tasks": [{"title": "step", "files": ["path"]}]
}
` + "```\n")
	return b.String()
}

// send makes one model request. It outlives cancellation of ctx and is
// bounded by the turn timeout instead.
func (p *Planner) send(ctx context.Context, client llm.Client, transcript []llm.Message) (*llm.Response, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.turnTime)
	defer cancel()
	resp, err := client.SendMessage(callCtx, transcript, p.tools.Tools())
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return nil, &apperr.TimeoutError{Operation: "model request", Limit: p.turnTime, Err: err}
	}
	return resp, err
}
