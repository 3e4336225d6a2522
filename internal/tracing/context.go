package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	TraceIDKey   ContextKey = "trace_id"
	UserIDKey    ContextKey = "user_id"
	SessionIDKey ContextKey = "session_id"
	AgentIDKey   ContextKey = "agent_id"
	RunIDKey     ContextKey = "run_id"
)

// TraceContext holds the identifiers carried through a request.
type TraceContext struct {
	TraceID   string
	UserID    string
	SessionID string
	AgentID   string
	RunID     string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithSessionID tags the context with the remote conversation session.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, AgentIDKey, agentID)
}

func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

func GetTraceID(ctx context.Context) string {
	return stringValue(ctx, TraceIDKey)
}

func GetUserID(ctx context.Context) string {
	return stringValue(ctx, UserIDKey)
}

func GetSessionID(ctx context.Context) string {
	return stringValue(ctx, SessionIDKey)
}

func GetAgentID(ctx context.Context) string {
	return stringValue(ctx, AgentIDKey)
}

func GetRunID(ctx context.Context) string {
	return stringValue(ctx, RunIDKey)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:   GetTraceID(ctx),
		UserID:    GetUserID(ctx),
		SessionID: GetSessionID(ctx),
		AgentID:   GetAgentID(ctx),
		RunID:     GetRunID(ctx),
	}
}

// NewRequestContext starts a request with a fresh trace ID unless one is present.
func NewRequestContext(ctx context.Context) context.Context {
	if GetTraceID(ctx) != "" {
		return ctx
	}
	return WithTraceID(ctx, NewTraceID())
}
