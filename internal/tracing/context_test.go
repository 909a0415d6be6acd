package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	if id1 == "" {
		t.Error("NewTraceID returned empty string")
	}

	if id1 == id2 {
		t.Error("NewTraceID returned duplicate IDs")
	}
}

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithTenantID(ctx, "tenant-a")
	ctx = WithJobID(ctx, "job-1")
	ctx = WithAgent(ctx, "research.keyword_researcher")
	ctx = WithRequestID(ctx, "req-9")

	tc := FromContext(ctx)
	if tc.TraceID != "trace-1" || tc.TenantID != "tenant-a" || tc.JobID != "job-1" {
		t.Errorf("unexpected trace context: %+v", tc)
	}
	if tc.Agent != "research.keyword_researcher" {
		t.Errorf("Expected agent label, got %s", tc.Agent)
	}
	if tc.RequestID != "req-9" {
		t.Errorf("Expected request ID req-9, got %s", tc.RequestID)
	}
}

func TestGettersOnEmptyContext(t *testing.T) {
	if GetTenantID(context.Background()) != "" {
		t.Error("expected empty tenant ID")
	}
	if GetJobID(context.Background()) != "" {
		t.Error("expected empty job ID")
	}
}

func TestNewJobContextKeepsTraceID(t *testing.T) {
	ctx := WithTraceID(context.Background(), "trace-keep")
	ctx = NewJobContext(ctx, "tenant-a", "job-2", "")

	if GetTraceID(ctx) != "trace-keep" {
		t.Error("trace ID should be preserved")
	}
	if GetJobID(ctx) != "job-2" {
		t.Error("job ID not set")
	}
	if GetAgent(ctx) != "" {
		t.Error("empty agent should not be stored")
	}
}

func TestNewJobContextStartsTrace(t *testing.T) {
	ctx := NewJobContext(context.Background(), "tenant-a", "job-3", "p.a")
	if GetTraceID(ctx) == "" {
		t.Error("expected a generated trace ID")
	}
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := NewJobContext(WithTraceID(context.Background(), "trace-x"), "tenant-a", "job-4", "p.a")
	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	out := buf.String()
	for _, want := range []string{`"trace_id":"trace-x"`, `"tenant_id":"tenant-a"`, `"job_id":"job-4"`, `"agent":"p.a"`} {
		if !bytes.Contains([]byte(out), []byte(want)) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}
}
