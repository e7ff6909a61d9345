package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys owned by this package.
type ContextKey string

const (
	TraceIDKey   ContextKey = "trace_id"
	RunIDKey     ContextKey = "run_id"
	AgentKey     ContextKey = "agent"
	SessionIDKey ContextKey = "session_id"
)

// TraceContext is a snapshot of the identifiers carried on a context.
type TraceContext struct {
	TraceID   string
	RunID     string
	Agent     string
	SessionID string
}

// NewTraceID generates a new trace ID.
func NewTraceID() string {
	return uuid.New().String()
}

// NewRunID generates a new run ID.
func NewRunID() string {
	return uuid.New().String()
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}

func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RunIDKey, id)
}

func WithAgent(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, AgentKey, name)
}

func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, SessionIDKey, id)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

func GetTraceID(ctx context.Context) string   { return stringValue(ctx, TraceIDKey) }
func GetRunID(ctx context.Context) string     { return stringValue(ctx, RunIDKey) }
func GetAgent(ctx context.Context) string     { return stringValue(ctx, AgentKey) }
func GetSessionID(ctx context.Context) string { return stringValue(ctx, SessionIDKey) }

// FromContext extracts all tracing identifiers from ctx.
func FromContext(ctx context.Context) TraceContext {
	return TraceContext{
		TraceID:   GetTraceID(ctx),
		RunID:     GetRunID(ctx),
		Agent:     GetAgent(ctx),
		SessionID: GetSessionID(ctx),
	}
}

// NewRunContext tags ctx for a new pipeline run. A trace ID is created
// when the caller did not bring one.
func NewRunContext(ctx context.Context, sessionID, runID, agent string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	ctx = WithSessionID(ctx, sessionID)
	ctx = WithRunID(ctx, runID)
	if agent != "" {
		ctx = WithAgent(ctx, agent)
	}
	return ctx
}
