// Package secrets redacts credentials from text shipyard records or
// publishes. Session failure reasons and audit entries often carry raw
// command output, so the session service scrubs them before they reach the
// API, the event bus or the logs.
//
// Findings keep the rule ID and position but never the matched value.
package secrets
