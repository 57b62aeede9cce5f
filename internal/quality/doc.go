// Package quality runs independent check agents against a branch.
//
// A run starts every requested agent at once (wave 1). Agents that did not
// pass are then re-run by name, up to a configured number of correction
// cycles, each time seeing every prior result. A broken agent produces an
// error result and never stops its siblings.
//
// Progress flows through a StepReporter, which guarantees that for a given
// step the assistant update is delivered before any tool result, and that
// the per-agent summary is delivered last.
package quality
