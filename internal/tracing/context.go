package tracing

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// TenantIDKey is the context key for the tenant a unit of work belongs to
	TenantIDKey ContextKey = "tenant_id"
	// JobIDKey is the context key for job ID
	JobIDKey ContextKey = "job_id"
	// AgentKey is the context key for the "pack.agent" label
	AgentKey ContextKey = "agent"
	// RequestIDKey is the context key for an inbound request ID
	RequestIDKey ContextKey = "request_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID   string
	TenantID  string
	JobID     string
	Agent     string
	RequestID string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithTenantID adds a tenant ID to the context
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// WithJobID adds a job ID to the context
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, JobIDKey, jobID)
}

// WithAgent adds the agent label to the context
func WithAgent(ctx context.Context, agent string) context.Context {
	return context.WithValue(ctx, AgentKey, agent)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func getString(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string { return getString(ctx, TraceIDKey) }

// GetTenantID retrieves the tenant ID from the context
func GetTenantID(ctx context.Context) string { return getString(ctx, TenantIDKey) }

// GetJobID retrieves the job ID from the context
func GetJobID(ctx context.Context) string { return getString(ctx, JobIDKey) }

// GetAgent retrieves the agent label from the context
func GetAgent(ctx context.Context) string { return getString(ctx, AgentKey) }

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string { return getString(ctx, RequestIDKey) }

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:   GetTraceID(ctx),
		TenantID:  GetTenantID(ctx),
		JobID:     GetJobID(ctx),
		Agent:     GetAgent(ctx),
		RequestID: GetRequestID(ctx),
	}
}

// NewJobContext tags ctx with the identity of one job execution, keeping an
// existing trace ID or starting a new one.
func NewJobContext(ctx context.Context, tenantID, jobID, agent string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	ctx = WithTenantID(ctx, tenantID)
	ctx = WithJobID(ctx, jobID)
	if agent != "" {
		ctx = WithAgent(ctx, agent)
	}
	return ctx
}

// LoggerFromContext returns baseLogger enriched with the tracing fields in ctx.
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	lc := baseLogger.With()
	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.TenantID != "" {
		lc = lc.Str("tenant_id", tc.TenantID)
	}
	if tc.JobID != "" {
		lc = lc.Str("job_id", tc.JobID)
	}
	if tc.Agent != "" {
		lc = lc.Str("agent", tc.Agent)
	}
	if tc.RequestID != "" {
		lc = lc.Str("request_id", tc.RequestID)
	}
	return lc.Logger()
}
