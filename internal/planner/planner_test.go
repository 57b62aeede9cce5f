package planner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/shipyard/internal/apperr"
	"github.com/fyrsmithlabs/shipyard/internal/events"
	"github.com/fyrsmithlabs/shipyard/internal/llm"
	"github.com/fyrsmithlabs/shipyard/internal/logging"
	"github.com/fyrsmithlabs/shipyard/internal/plan"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) SendMessage(ctx context.Context, msgs []llm.Message, tools []llm.Tool) (*llm.Response, error) {
	args := m.Called(ctx, msgs, tools)
	resp, _ := args.Get(0).(*llm.Response)
	return resp, args.Error(1)
}

type staticSource struct {
	client llm.Client
	err    error
}

func (s staticSource) Client(_, _ string) (llm.Client, error) {
	return s.client, s.err
}

const planReply = "Here is the plan.\n```json\n" + `{
  "summary": "Add retry to uploader",
  "approach": "Wrap the upload call in a backoff loop",
  "files_to_modify": ["uploader.go"],
  "estimated_complexity": "small",
  "risks": ["duplicate uploads"]
}` + "\n```"

func readCall(id string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: "read_file", Input: map[string]interface{}{"path": "uploader.go"}}
}

func TestPlanIssue_CompletesWhenNoToolCalls(t *testing.T) {
	root := writeTree(t, map[string]string{"uploader.go": "package uploader\n"})
	client := &mockClient{}
	client.On("SendMessage", mock.Anything, mock.Anything, mock.Anything).
		Return(&llm.Response{ToolCalls: []llm.ToolCall{readCall("c1")}, Usage: llm.Usage{InputTokens: 10, OutputTokens: 5}}, nil).Once()
	client.On("SendMessage", mock.Anything, mock.MatchedBy(func(msgs []llm.Message) bool {
		last := msgs[len(msgs)-1]
		return len(last.ToolResults) == 1 && last.ToolResults[0].CallID == "c1" &&
			last.ToolResults[0].Content == "package uploader\n"
	}), mock.Anything).
		Return(&llm.Response{Content: planReply, Usage: llm.Usage{InputTokens: 20, OutputTokens: 50}}, nil).Once()

	var steps []events.PlanningStepData
	p := New(staticSource{client: client}, 5, logging.Nop())
	res, err := p.PlanIssue(context.Background(), Task{Number: 42, Title: "retry uploads"}, root, Options{
		OnEvent: func(d events.PlanningStepData) { steps = append(steps, d) },
	})
	require.NoError(t, err)

	assert.Equal(t, StopCompleted, res.Stopped)
	assert.Equal(t, 2, res.Turns)
	assert.Equal(t, 85, res.Usage.Total())
	assert.Equal(t, plan.StrategyFenced, res.Extraction.Strategy)
	assert.Equal(t, "Add retry to uploader", res.Extraction.Plan.Summary)
	assert.Equal(t, plan.ComplexitySmall, res.Extraction.Plan.EstimatedComplexity)

	require.Len(t, steps, 1)
	assert.Equal(t, "read_file", steps[0].Tool)
	assert.Equal(t, 1, steps[0].Turn)
	assert.False(t, steps[0].Error)

	// user prompt, assistant, tool results, assistant
	assert.Len(t, res.Transcript, 4)
	client.AssertExpectations(t)
}

func TestPlanIssue_StopsAtMaxTurns(t *testing.T) {
	root := writeTree(t, map[string]string{"uploader.go": "package uploader\n"})
	client := &mockClient{}
	client.On("SendMessage", mock.Anything, mock.Anything, mock.Anything).
		Return(&llm.Response{ToolCalls: []llm.ToolCall{readCall("c")}}, nil)

	tl := logging.NewTestLogger()
	p := New(staticSource{client: client}, 3, tl.Logger)
	res, err := p.PlanIssue(context.Background(), Task{Prompt: "explore forever"}, root, Options{})
	require.NoError(t, err)

	assert.Equal(t, StopMaxTurns, res.Stopped)
	assert.Equal(t, 3, res.Turns)
	client.AssertNumberOfCalls(t, "SendMessage", 3)

	assert.True(t, res.Extraction.Degraded())
	assert.Equal(t, plan.FallbackSummary, res.Extraction.Plan.Summary)
	tl.AssertLogged(t, zapcore.WarnLevel, "plan extraction degraded to fallback")
}

func TestPlanIssue_OptionsOverrideMaxTurns(t *testing.T) {
	client := &mockClient{}
	client.On("SendMessage", mock.Anything, mock.Anything, mock.Anything).
		Return(&llm.Response{ToolCalls: []llm.ToolCall{{ID: "x", Name: "glob", Input: map[string]interface{}{"pattern": "*"}}}}, nil)

	p := New(staticSource{client: client}, 10, logging.Nop())
	res, err := p.PlanIssue(context.Background(), Task{Prompt: "p"}, t.TempDir(), Options{MaxTurns: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Turns)
	client.AssertNumberOfCalls(t, "SendMessage", 1)
}

func TestPlanIssue_CancelledBetweenTurns(t *testing.T) {
	root := writeTree(t, map[string]string{"uploader.go": "package uploader\n"})
	ctx, cancel := context.WithCancel(context.Background())
	client := &mockClient{}
	client.On("SendMessage", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(&llm.Response{Content: "looking around", ToolCalls: []llm.ToolCall{readCall("c1")}}, nil).Once()

	p := New(staticSource{client: client}, 10, logging.Nop())
	res, err := p.PlanIssue(ctx, Task{Prompt: "p"}, root, Options{})
	require.NoError(t, err)

	assert.Equal(t, StopCancelled, res.Stopped)
	assert.Equal(t, 1, res.Turns)
	assert.True(t, res.Extraction.Degraded())
	client.AssertExpectations(t)
}

func TestPlanIssue_InFlightRequestOutlivesCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var callErr error
	client := &mockClient{}
	client.On("SendMessage", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			cancel()
			callErr = args.Get(0).(context.Context).Err()
		}).
		Return(&llm.Response{Content: planReply}, nil).Once()

	p := New(staticSource{client: client}, 5, logging.Nop())
	res, err := p.PlanIssue(ctx, Task{Prompt: "p"}, t.TempDir(), Options{})
	require.NoError(t, err)

	assert.NoError(t, callErr)
	assert.Equal(t, StopCompleted, res.Stopped)
	assert.Equal(t, "Add retry to uploader", res.Extraction.Plan.Summary)
}

func TestPlanIssue_TurnTimeout(t *testing.T) {
	client := &mockClient{}
	client.On("SendMessage", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded).Once()

	p := New(staticSource{client: client}, 5, logging.Nop())
	p.turnTime = 50 * time.Millisecond
	_, err := p.PlanIssue(context.Background(), Task{Prompt: "p"}, t.TempDir(), Options{})

	var timeoutErr *apperr.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, 50*time.Millisecond, timeoutErr.Limit)
	assert.Equal(t, apperr.CodeAgentExecution, apperr.CodeOf(err))
}

func TestPlanIssue_ToolErrorsAreFedBack(t *testing.T) {
	client := &mockClient{}
	client.On("SendMessage", mock.Anything, mock.Anything, mock.Anything).
		Return(&llm.Response{ToolCalls: []llm.ToolCall{{ID: "w", Name: "write_file"}}}, nil).Once()
	client.On("SendMessage", mock.Anything, mock.MatchedBy(func(msgs []llm.Message) bool {
		last := msgs[len(msgs)-1]
		return len(last.ToolResults) == 1 && last.ToolResults[0].IsError
	}), mock.Anything).
		Return(&llm.Response{Content: planReply}, nil).Once()

	var steps []events.PlanningStepData
	p := New(staticSource{client: client}, 5, logging.Nop())
	res, err := p.PlanIssue(context.Background(), Task{Prompt: "p"}, t.TempDir(), Options{
		OnEvent: func(d events.PlanningStepData) { steps = append(steps, d) },
	})
	require.NoError(t, err)
	assert.Equal(t, StopCompleted, res.Stopped)
	require.Len(t, steps, 1)
	assert.True(t, steps[0].Error)
	assert.Contains(t, steps[0].Output, "unknown tool")
	client.AssertExpectations(t)
}

func TestPlanIssue_TransportError(t *testing.T) {
	client := &mockClient{}
	client.On("SendMessage", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("connection reset"))

	p := New(staticSource{client: client}, 5, logging.Nop())
	_, err := p.PlanIssue(context.Background(), Task{Prompt: "p"}, t.TempDir(), Options{})
	require.Error(t, err)

	var agentErr *apperr.AgentExecutionError
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, "planner", agentErr.Agent)
	assert.Equal(t, apperr.CodeAgentExecution, apperr.CodeOf(err))
}

func TestPlanIssue_UnknownProvider(t *testing.T) {
	p := New(staticSource{err: llm.ErrUnknownProvider}, 5, logging.Nop())
	_, err := p.PlanIssue(context.Background(), Task{Prompt: "p", Provider: "mystery"}, t.TempDir(), Options{})
	assert.ErrorIs(t, err, llm.ErrUnknownProvider)
}

func TestBuildPrompt(t *testing.T) {
	got := BuildPrompt(Task{Number: 7, Title: "Fix flake", Labels: []string{"bug", "ci"}, Body: "It flakes."}, "/repo")
	assert.Contains(t, got, "Issue: #7")
	assert.Contains(t, got, "Title: Fix flake")
	assert.Contains(t, got, "Labels: bug, ci")
	assert.Contains(t, got, "It flakes.")
	assert.Contains(t, got, `"estimated_complexity"`)
}
