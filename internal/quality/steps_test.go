package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/shipyard/internal/events"
)

type kindStep struct {
	Kind    events.AgentStepKind
	Step    int
	Content string
}

func collect(out *[]kindStep) StepSink {
	return func(d events.AgentStepData) {
		*out = append(*out, kindStep{d.Kind, d.Step, d.Content})
	}
}

func TestStepReporter_BuffersToolResultsUntilAssistant(t *testing.T) {
	var got []kindStep
	s := NewStepReporter("lint", collect(&got), nil)

	s.ToolResult(1, "r1")
	s.ToolResult(1, "r2")
	assert.Empty(t, got)

	s.Assistant(1, "a1")
	s.ToolResult(1, "r3")
	s.Summary("done")

	assert.Equal(t, []kindStep{
		{events.StepAssistant, 1, "a1"},
		{events.StepToolResult, 1, "r1"},
		{events.StepToolResult, 1, "r2"},
		{events.StepToolResult, 1, "r3"},
		{events.StepSummary, 2, "done"},
	}, got)
}

func TestStepReporter_SummaryFlushesOrphans(t *testing.T) {
	var got []kindStep
	s := NewStepReporter("lint", collect(&got), nil)

	s.Assistant(1, "a1")
	s.ToolResult(3, "late")
	s.ToolResult(2, "early")
	s.Summary("done")

	assert.Equal(t, []kindStep{
		{events.StepAssistant, 1, "a1"},
		{events.StepAssistant, 2, ""},
		{events.StepToolResult, 2, "early"},
		{events.StepAssistant, 3, ""},
		{events.StepToolResult, 3, "late"},
		{events.StepSummary, 4, "done"},
	}, got)
}

func TestStepReporter_NothingAfterSummary(t *testing.T) {
	var got []kindStep
	s := NewStepReporter("lint", collect(&got), nil)
	s.Summary("first")
	s.Assistant(1, "ignored")
	s.ToolResult(1, "ignored")
	s.Summary("ignored")

	assert.Equal(t, []kindStep{{events.StepSummary, 1, "first"}}, got)
}

func TestStepReporter_Nil(t *testing.T) {
	var s *StepReporter
	s.Assistant(1, "x")
	s.ToolResult(1, "x")
	s.Summary("x")
}
