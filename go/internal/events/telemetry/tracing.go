package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mcdev12/taskhub/go/internal/events"
)

const tracerName = "taskhub.events"

// Tracer returns the package tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// RemoteSpanContext rebuilds the propagated span context from the Trace-Id and
// Span-Id headers.
func RemoteSpanContext(md events.Metadata) (trace.SpanContext, bool) {
	traceID, err := trace.TraceIDFromHex(md[events.HeaderTraceID])
	if err != nil {
		return trace.SpanContext{}, false
	}
	spanID, err := trace.SpanIDFromHex(md[events.HeaderSpanID])
	if err != nil {
		return trace.SpanContext{}, false
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	return sc, sc.IsValid()
}

// StartMessageSpan starts a span for handling one message, parented on the
// propagated identifiers when present.
func StartMessageSpan(ctx context.Context, tracer trace.Tracer, name string, md events.Metadata, kind trace.SpanKind) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = Tracer()
	}
	if sc, ok := RemoteSpanContext(md); ok {
		ctx = trace.ContextWithRemoteSpanContext(ctx, sc)
	}
	return tracer.Start(ctx, name,
		trace.WithSpanKind(kind),
		trace.WithAttributes(attribute.String("event.name", md.EventName())),
	)
}

// InjectIDs writes the span identifiers of ctx into md. Headers that are
// already set are left alone so identifiers survive every hop unchanged.
func InjectIDs(ctx context.Context, md events.Metadata) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return
	}
	if _, ok := md[events.HeaderTraceID]; !ok {
		md[events.HeaderTraceID] = sc.TraceID().String()
	}
	if _, ok := md[events.HeaderSpanID]; !ok {
		md[events.HeaderSpanID] = sc.SpanID().String()
	}
}

// RecordError marks span as failed.
func RecordError(span trace.Span, msg string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
}
