// Package logging provides structured, context-aware logging for shipyard.
//
// Logger wraps zap and pulls correlation fields (trace, session, request,
// branch) out of the context on every call:
//
//	ctx = logging.WithSessionID(ctx, sess.ID)
//	logger.Info(ctx, "session started", zap.Int("issue", 42))
//
// Output goes to stdout (JSON or console) and optionally to an
// OpenTelemetry log provider through the otelzap bridge. Sensitive keys
// and values matching redaction patterns are masked by the stdout encoder.
// Below-error levels are sampled; errors never are.
//
// Tests use NewTestLogger, which records entries in memory.
package logging
