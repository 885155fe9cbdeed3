package middleware_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	mw "github.com/xraph/mailq/middleware"
	"github.com/xraph/mailq/transport"
)

func setupTestTracer() (*tracetest.SpanRecorder, trace.Tracer) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	return sr, tp.Tracer("test")
}

func spanAttrs(kvs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(kvs))
	for _, a := range kvs {
		switch a.Value.Type() {
		case attribute.STRING:
			out[string(a.Key)] = a.Value.AsString()
		case attribute.INT64:
			out[string(a.Key)] = a.Value.AsInt64()
		}
	}
	return out
}

func TestTracing_SpanAttributes(t *testing.T) {
	sr, tracer := setupTestTracer()
	m := mw.TracingWithTracer(tracer)
	j := claimedJob()

	if err := m(context.Background(), j, func(_ context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "mailq.attempt" {
		t.Errorf("span name = %q", spans[0].Name())
	}
	if spans[0].Status().Code != codes.Ok {
		t.Errorf("expected status Ok, got %v", spans[0].Status().Code)
	}

	expected := map[string]any{
		"mailq.job.id":       j.ID.String(),
		"mailq.transport":    "smtp",
		"mailq.attempt":      int64(3),
		"mailq.max_attempts": int64(5),
	}
	got := spanAttrs(spans[0].Attributes())
	for key, want := range expected {
		if got[key] != want {
			t.Errorf("attribute %q = %v, want %v", key, got[key], want)
		}
	}
}

func TestTracing_ErrorStatus(t *testing.T) {
	sr, tracer := setupTestTracer()
	m := mw.TracingWithTracer(tracer)

	handlerErr := transport.Permanent(errors.New("auth rejected"))
	err := m(context.Background(), claimedJob(), func(_ context.Context) error { return handlerErr })
	if !errors.Is(err, handlerErr) {
		t.Fatalf("expected handler error, got %v", err)
	}

	span := sr.Ended()[0]
	if span.Status().Code != codes.Error || span.Status().Description != "auth rejected" {
		t.Errorf("status = %+v", span.Status())
	}
	if spanAttrs(span.Attributes())["mailq.failure_class"] != "permanent" {
		t.Error("expected mailq.failure_class=permanent")
	}

	found := false
	for _, ev := range span.Events() {
		if ev.Name == "exception" {
			found = true
		}
	}
	if !found {
		t.Error("expected 'exception' event to be recorded on span")
	}
}

func TestTracing_PropagatesContext(t *testing.T) {
	sr, tracer := setupTestTracer()
	m := mw.TracingWithTracer(tracer)

	var handlerSpanCtx trace.SpanContext
	_ = m(context.Background(), claimedJob(), func(ctx context.Context) error {
		handlerSpanCtx = trace.SpanFromContext(ctx).SpanContext()
		return nil
	})

	if !handlerSpanCtx.IsValid() {
		t.Fatal("expected valid span context in handler")
	}
	if handlerSpanCtx.TraceID() != sr.Ended()[0].SpanContext().TraceID() {
		t.Error("handler span context trace ID does not match middleware span")
	}
}

func TestTracing_DefaultNoopSafe(t *testing.T) {
	called := false
	err := mw.Tracing()(context.Background(), claimedJob(), func(_ context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Fatalf("err=%v called=%v", err, called)
	}
}
