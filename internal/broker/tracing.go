package broker

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gyaneshwarpardhi/eventcore/internal/event"
)

const tracerName = "github.com/gyaneshwarpardhi/eventcore/internal/broker"

func defaultTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

func (b *Broker) startDispatchSpan(ctx context.Context, ev event.Event) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("event.id", ev.ID),
		attribute.String("event.type", ev.Type.String()),
		attribute.String("event.name", ev.Name),
		attribute.String("event.source", ev.Source),
		attribute.String("event.priority", ev.Priority.String()),
	}
	if ev.CorrelationID != "" {
		attrs = append(attrs, attribute.String("event.correlation_id", ev.CorrelationID))
	}
	if ev.TraceID != "" {
		attrs = append(attrs, attribute.String("event.trace_id", ev.TraceID))
	}
	return b.tracer.Start(ctx, "eventcore.dispatch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attrs...),
	)
}

func (b *Broker) startHandlerSpan(ctx context.Context, sub *subscription, ev event.Event) (context.Context, trace.Span) {
	return b.tracer.Start(ctx, "eventcore.handle",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.Int64("subscription.token", int64(sub.token)),
			attribute.Bool("subscription.async", sub.async),
			attribute.String("event.id", ev.ID),
			attribute.String("event.name", ev.Name),
		),
	)
}

func recordHandlerFailure(span trace.Span, err *HandlerError) {
	span.RecordError(err, trace.WithAttributes(
		attribute.Int64("subscription.token", int64(err.Token)),
	))
	span.SetStatus(codes.Error, err.Error())
}
