package plan

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// Strategy names how a plan was obtained.
type Strategy string

const (
	StrategyFenced   Strategy = "fenced"
	StrategyBare     Strategy = "bare"
	StrategyFallback Strategy = "fallback"
)

// FallbackSummary is the summary of the plan returned when nothing parses.
const FallbackSummary = "could not parse"

// ErrNoPlan is recorded on a fallback extraction.
var ErrNoPlan = errors.New("no JSON object with summary and approach found")

var fencedBlock = regexp.MustCompile("(?s)```(?:json|JSON)?[ \t]*\n?(.*?)```")

// Extraction is the outcome of parsing model output into a plan.
type Extraction struct {
	Plan     ImplementationPlan
	Strategy Strategy
	Err      error
}

// Degraded reports whether the plan is the fallback rather than parsed output.
func (e Extraction) Degraded() bool {
	return e.Strategy == StrategyFallback
}

// Extract parses a plan from text, trying a fenced JSON block first and a
// bare JSON object second. It never fails: unparseable text yields the
// fallback plan with Strategy StrategyFallback.
func Extract(text string) Extraction {
	if p, ok := fromFenced(text); ok {
		return Extraction{Plan: p, Strategy: StrategyFenced}
	}
	if p, ok := fromBare(text); ok {
		return Extraction{Plan: p, Strategy: StrategyBare}
	}
	return Extraction{Plan: Fallback(), Strategy: StrategyFallback, Err: ErrNoPlan}
}

// ExtractLatest runs Extract over texts from newest to oldest and returns the
// first non-degraded result. texts are ordered oldest first.
func ExtractLatest(texts []string) Extraction {
	for i := len(texts) - 1; i >= 0; i-- {
		if ex := Extract(texts[i]); !ex.Degraded() {
			return ex
		}
	}
	return Extraction{Plan: Fallback(), Strategy: StrategyFallback, Err: ErrNoPlan}
}

// Fallback returns the deterministic plan used when extraction fails.
func Fallback() ImplementationPlan {
	return ImplementationPlan{
		Summary:             FallbackSummary,
		Approach:            "",
		FilesToModify:       []string{},
		FilesToCreate:       []string{},
		EstimatedComplexity: ComplexityMedium,
		Risks:               []string{"Planning output was not valid JSON; the plan must be reviewed manually."},
	}
}

func fromFenced(text string) (ImplementationPlan, bool) {
	for _, m := range fencedBlock.FindAllStringSubmatch(text, -1) {
		if p, ok := decode([]byte(strings.TrimSpace(m[1]))); ok {
			return p, true
		}
	}
	return ImplementationPlan{}, false
}

// fromBare decodes a JSON object starting at each '{' in turn.
func fromBare(text string) (ImplementationPlan, bool) {
	for i := strings.IndexByte(text, '{'); i >= 0; {
		dec := json.NewDecoder(strings.NewReader(text[i:]))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err == nil {
			if p, ok := decode(raw); ok {
				return p, true
			}
		}
		next := strings.IndexByte(text[i+1:], '{')
		if next < 0 {
			break
		}
		i += next + 1
	}
	return ImplementationPlan{}, false
}

func decode(data []byte) (ImplementationPlan, bool) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return ImplementationPlan{}, false
	}
	if _, ok := keys["summary"]; !ok {
		return ImplementationPlan{}, false
	}
	if _, ok := keys["approach"]; !ok {
		return ImplementationPlan{}, false
	}

	var p ImplementationPlan
	if err := json.Unmarshal(data, &p); err != nil {
		p = lenient(keys)
	}
	p.normalize()
	return p, true
}

// lenient salvages what it can when a field has the wrong JSON type.
func lenient(keys map[string]json.RawMessage) ImplementationPlan {
	var p ImplementationPlan
	str := func(k string) string {
		var s string
		_ = json.Unmarshal(keys[k], &s)
		return s
	}
	list := func(k string) []string {
		var l []string
		_ = json.Unmarshal(keys[k], &l)
		return l
	}
	p.Summary = str("summary")
	p.Approach = str("approach")
	p.FilesToModify = list("files_to_modify")
	p.FilesToCreate = list("files_to_create")
	p.Risks = list("risks")
	p.EstimatedComplexity = Complexity(str("estimated_complexity"))
	_ = json.Unmarshal(keys["sub_tasks"], &p.SubTasks)
	return p
}
