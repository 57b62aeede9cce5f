package quality

import (
	"sort"
	"sync"

	"github.com/fyrsmithlabs/shipyard/internal/events"
)

// StepSink receives ordered step updates.
type StepSink func(events.AgentStepData)

// StepReporter orders one agent's progress updates. Tool results for a step
// are held back until that step's assistant update has been delivered, and
// nothing is delivered after the summary. All methods are safe on a nil
// receiver.
type StepReporter struct {
	agent string
	sink  StepSink
	mu    *sync.Mutex

	announced map[int]bool
	pending   map[int][]string
	done      bool
}

// NewStepReporter creates a reporter for agent. Reporters created with the
// same mutex never deliver concurrently.
func NewStepReporter(agent string, sink StepSink, mu *sync.Mutex) *StepReporter {
	if mu == nil {
		mu = &sync.Mutex{}
	}
	return &StepReporter{
		agent:     agent,
		sink:      sink,
		mu:        mu,
		announced: map[int]bool{},
		pending:   map[int][]string{},
	}
}

// Assistant delivers the assistant content for step, then any tool results
// that arrived early.
func (s *StepReporter) Assistant(step int, content string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.announce(step, content)
}

// ToolResult delivers a tool result for step, or buffers it until the
// step's assistant update is delivered.
func (s *StepReporter) ToolResult(step int, content string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	if !s.announced[step] {
		s.pending[step] = append(s.pending[step], content)
		return
	}
	s.deliver(step, events.StepToolResult, content)
}

// Summary flushes buffered tool results, each behind an empty assistant
// update, then delivers the summary. Later calls are ignored.
func (s *StepReporter) Summary(content string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	steps := make([]int, 0, len(s.pending))
	for step := range s.pending {
		steps = append(steps, step)
	}
	sort.Ints(steps)
	last := 0
	for step := range s.announced {
		if step > last {
			last = step
		}
	}
	for _, step := range steps {
		s.announce(step, "")
		if step > last {
			last = step
		}
	}
	s.deliver(last+1, events.StepSummary, content)
	s.done = true
}

func (s *StepReporter) announce(step int, content string) {
	s.deliver(step, events.StepAssistant, content)
	s.announced[step] = true
	for _, c := range s.pending[step] {
		s.deliver(step, events.StepToolResult, c)
	}
	delete(s.pending, step)
}

func (s *StepReporter) deliver(step int, kind events.AgentStepKind, content string) {
	if s.sink == nil {
		return
	}
	s.sink(events.AgentStepData{Agent: s.agent, Step: step, Kind: kind, Content: content})
}
