package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggerFromContext returns baseLogger enriched with the identifiers found in ctx.
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	if tc.TraceID == "" && tc.UserID == "" && tc.SessionID == "" && tc.AgentID == "" && tc.RunID == "" {
		return baseLogger
	}

	lc := baseLogger.With()
	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.UserID != "" {
		lc = lc.Str("user_id", tc.UserID)
	}
	if tc.SessionID != "" {
		lc = lc.Str("session_id", tc.SessionID)
	}
	if tc.AgentID != "" {
		lc = lc.Str("agent_id", tc.AgentID)
	}
	if tc.RunID != "" {
		lc = lc.Str("run_id", tc.RunID)
	}
	return lc.Logger()
}
