package emit

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracer(t *testing.T) (*tracetest.InMemoryExporter, *OTelEmitter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter, NewOTelEmitter(otel.Tracer("test"))
}

func attributeMap(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

func TestOTelEmitter_Emit(t *testing.T) {
	exporter, emitter := newTestTracer(t)

	emitter.Emit(Event{
		ExecutionID: "ex-1",
		WorkflowID:  "wf-1",
		NodeID:      "n1",
		NodeType:    "llm",
		Msg:         "node_complete",
		Meta: map[string]any{
			"duration_ms": int64(77),
			"attempts":    2,
		},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	span := spans[0]
	if span.Name != "node_complete" {
		t.Errorf("span name = %q", span.Name)
	}

	attrs := attributeMap(span.Attributes)
	if attrs["flowrun.execution_id"] != "ex-1" {
		t.Errorf("execution_id attr = %v", attrs["flowrun.execution_id"])
	}
	if attrs["flowrun.node_type"] != "llm" {
		t.Errorf("node_type attr = %v", attrs["flowrun.node_type"])
	}
	if attrs["flowrun.duration_ms"] != int64(77) {
		t.Errorf("duration_ms attr = %v", attrs["flowrun.duration_ms"])
	}
	if attrs["flowrun.attempts"] != int64(2) {
		t.Errorf("attempts attr = %v", attrs["flowrun.attempts"])
	}
}

func TestOTelEmitter_ErrorStatus(t *testing.T) {
	exporter, emitter := newTestTracer(t)

	emitter.Emit(Event{
		ExecutionID: "ex-1",
		Msg:         "node_failed",
		Meta:        map[string]any{"error": "node exploded"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("status = %v, want error", spans[0].Status.Code)
	}
	if spans[0].Status.Description != "node exploded" {
		t.Errorf("description = %q", spans[0].Status.Description)
	}
}

func TestOTelEmitter_EmitBatch(t *testing.T) {
	exporter, emitter := newTestTracer(t)

	emitter.EmitBatch(context.Background(), []Event{
		{ExecutionID: "ex-1", Msg: "node_start"},
		{ExecutionID: "ex-1", Msg: "node_complete"},
	})

	if got := len(exporter.GetSpans()); got != 2 {
		t.Errorf("spans = %d, want 2", got)
	}
}

func TestOTelEmitter_FlushWithSDKProvider(t *testing.T) {
	_, emitter := newTestTracer(t)
	if err := emitter.Flush(context.Background()); err != nil {
		t.Errorf("Flush: %v", err)
	}
}
