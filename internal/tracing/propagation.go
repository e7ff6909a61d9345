package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToSubAgent derives the context for a nested agent run. The
// trace id is kept, the run id is fresh and the session becomes childSession.
func PropagateToSubAgent(ctx context.Context, agent, childSession string) context.Context {
	traceID := GetTraceID(ctx)
	if traceID == "" {
		traceID = NewTraceID()
	}
	ctx = WithTraceID(ctx, traceID)
	ctx = WithRunID(ctx, NewRunID())
	ctx = WithAgent(ctx, agent)
	if childSession != "" {
		ctx = WithSessionID(ctx, childSession)
	}
	return ctx
}

// LoggerFromContext returns base enriched with the identifiers on ctx.
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	lc := base.With()
	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.RunID != "" {
		lc = lc.Str("run_id", tc.RunID)
	}
	if tc.Agent != "" {
		lc = lc.Str("agent", tc.Agent)
	}
	if tc.SessionID != "" {
		lc = lc.Str("session_id", tc.SessionID)
	}
	return lc.Logger()
}
