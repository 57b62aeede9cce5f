// Package plan defines ImplementationPlan and its extraction from model output.
package plan

import (
	"encoding/json"
	"strings"
)

// Complexity is the estimated size of a change.
type Complexity string

const (
	ComplexitySmall  Complexity = "small"
	ComplexityMedium Complexity = "medium"
	ComplexityLarge  Complexity = "large"
)

// Valid reports whether c is one of the three known values.
func (c Complexity) Valid() bool {
	switch c {
	case ComplexitySmall, ComplexityMedium, ComplexityLarge:
		return true
	}
	return false
}

// ImplementationPlan is the structured output of planning. Plans are values:
// re-planning produces a new plan rather than editing an attached one.
type ImplementationPlan struct {
	Summary             string     `json:"summary"`
	Approach            string     `json:"approach"`
	FilesToModify       []string   `json:"files_to_modify"`
	FilesToCreate       []string   `json:"files_to_create"`
	EstimatedComplexity Complexity `json:"estimated_complexity"`
	Risks               []string   `json:"risks"`
	SubTasks            []SubTask  `json:"sub_tasks,omitempty"`
}

// SubTask is one optional step of a plan.
type SubTask struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Files       []string `json:"files,omitempty"`
}

// UnmarshalJSON accepts either an object or a bare string.
func (t *SubTask) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = SubTask{Title: s}
		return nil
	}
	type alias SubTask
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*t = SubTask(a)
	return nil
}

// Clone returns a deep copy.
func (p ImplementationPlan) Clone() ImplementationPlan {
	out := p
	out.FilesToModify = append([]string{}, p.FilesToModify...)
	out.FilesToCreate = append([]string{}, p.FilesToCreate...)
	out.Risks = append([]string{}, p.Risks...)
	if p.SubTasks != nil {
		out.SubTasks = make([]SubTask, len(p.SubTasks))
		for i, st := range p.SubTasks {
			st.Files = append([]string(nil), st.Files...)
			out.SubTasks[i] = st
		}
	}
	return out
}

func (p *ImplementationPlan) normalize() {
	p.Summary = strings.TrimSpace(p.Summary)
	p.Approach = strings.TrimSpace(p.Approach)
	if p.FilesToModify == nil {
		p.FilesToModify = []string{}
	}
	if p.FilesToCreate == nil {
		p.FilesToCreate = []string{}
	}
	if p.Risks == nil {
		p.Risks = []string{}
	}
	p.EstimatedComplexity = Complexity(strings.ToLower(strings.TrimSpace(string(p.EstimatedComplexity))))
	if !p.EstimatedComplexity.Valid() {
		p.EstimatedComplexity = ComplexityMedium
	}
}
