// Package orchestrator drives sessions from planning to a registered branch
// and reacts to what happens to the branch afterwards.
//
// # Driving a session
//
// Driver.Launch runs one goroutine per session:
//
//	planning → implementing → quality_check → (registered in the manifest)
//
// A failed quality verdict loops back to implementing with the findings as
// feedback, up to MaxImplementRounds, then escalates. Gates run between a
// passing verdict and registration; a gate violation of error severity
// escalates the session instead of registering it.
//
// # Reactions
//
// Once the branch is registered the Director owns it. Driver implements
// director.Observer so integration and merge move the session through
// pr_created and merged. CI and review outcomes arrive through ReportCI and
// ReportReview; requested changes relaunch implementation on the same
// branch, which is moved back to ready when its new verdict passes.
//
// Cancellation is cooperative: Abort cancels the session's context and the
// driver stops before starting its next phase.
package orchestrator
