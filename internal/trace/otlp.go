package trace

import (
	"context"
	"encoding/hex"
	"errors"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// OTLPExporter exports traces to an OTLP endpoint
type OTLPExporter struct {
	provider *sdktrace.TracerProvider
	tracer   oteltrace.Tracer
	enabled  bool
}

// NewOTLPExporter creates an OTLP exporter for the given endpoint. An empty
// endpoint falls back to OTEL_EXPORTER_OTLP_ENDPOINT; if that is unset too,
// export is disabled and nil is returned.
func NewOTLPExporter(ctx context.Context, endpoint string) (*OTLPExporter, error) {
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		return nil, nil // Disabled
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(), // For local dev; make configurable
	)
	if err != nil {
		return nil, err
	}

	serviceName := os.Getenv("OTEL_SERVICE_NAME")
	if serviceName == "" {
		serviceName = "orchard"
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
	)

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	return &OTLPExporter{
		provider: provider,
		tracer:   provider.Tracer("orchard/session"),
		enabled:  true,
	}, nil
}

// ExportTrace exports a completed Trace to OTLP
func (e *OTLPExporter) ExportTrace(ctx context.Context, t *Trace) error {
	if e == nil || !e.enabled {
		return nil
	}

	if t.RootSpan == nil {
		return nil // Nothing to export
	}

	traceID, err := hexToTraceID(t.ID)
	if err != nil {
		return err // Invalid trace ID
	}

	traceCtx := oteltrace.ContextWithSpanContext(ctx, oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
		TraceID:    traceID,
		TraceFlags: oteltrace.FlagsSampled,
	}))

	e.exportSpan(traceCtx, t.RootSpan, oteltrace.SpanContext{})
	return nil
}

// exportSpan recursively exports a span and its children
func (e *OTLPExporter) exportSpan(ctx context.Context, span *Span, parent oteltrace.SpanContext) {
	traceID, err := hexToTraceID(span.TraceID)
	if err != nil {
		return // Skip invalid trace ID
	}

	// The SDK creates fresh span IDs; trace ID and the parent-child
	// structure are preserved via the context.
	spanCtx := oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
		TraceID:    traceID,
		TraceFlags: oteltrace.FlagsSampled,
	})

	parentCtx := oteltrace.ContextWithSpanContext(ctx, spanCtx)
	if parent.IsValid() {
		parentCtx = oteltrace.ContextWithSpanContext(ctx, parent)
	}

	_, otlpSpan := e.tracer.Start(
		parentCtx,
		span.Name,
		oteltrace.WithTimestamp(span.StartTime),
	)

	attrs := make([]attribute.KeyValue, 0, len(span.Attributes))
	for k, v := range span.Attributes {
		// Map known attributes into the orchard.* namespace
		var key string
		switch k {
		case "run_id":
			key = "orchard.run.id"
		case "project_id":
			key = "orchard.project.id"
		case "agent":
			key = "orchard.agent.name"
		case "tool":
			key = "orchard.tool.status"
		case "error":
			key = "orchard.error"
		case "end_reason":
			key = "orchard.end.reason"
		default:
			key = "orchard." + k
		}
		attrs = append(attrs, attribute.String(key, v))
	}
	otlpSpan.SetAttributes(attrs...)

	otlpSpan.End(oteltrace.WithTimestamp(span.StartTime.Add(span.Duration)))

	currentSpanCtx := otlpSpan.SpanContext()
	for _, child := range span.Children {
		e.exportSpan(ctx, child, currentSpanCtx)
	}
}

// hexToTraceID converts a 32-character hex string to trace.TraceID
func hexToTraceID(hexStr string) (oteltrace.TraceID, error) {
	bytes, err := hex.DecodeString(hexStr)
	if err != nil {
		return oteltrace.TraceID{}, err
	}
	if len(bytes) != 16 {
		return oteltrace.TraceID{}, errors.New("trace id must be 16 bytes")
	}
	var traceID oteltrace.TraceID
	copy(traceID[:], bytes)
	return traceID, nil
}

// Shutdown flushes and closes the exporter
func (e *OTLPExporter) Shutdown(ctx context.Context) error {
	if e == nil {
		return nil
	}
	return e.provider.Shutdown(ctx)
}
