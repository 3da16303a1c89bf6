package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/gyaneshwarpardhi/eventcore/internal/event"
	"github.com/gyaneshwarpardhi/eventcore/internal/metrics"
)

// dispatch delivers one event to every matching subscription.
// The registry lock is never held while user code runs.
func (b *Broker) dispatch(ctx context.Context, ev event.Event) {
	ctx, span := b.startDispatchSpan(ctx, ev)
	defer span.End()

	if !b.admit(ev) {
		metrics.EventsFiltered.Inc()
		span.AddEvent("event.filtered")
		return
	}

	direct, filtered := b.registry.candidates(ev)
	for _, sub := range direct {
		b.deliver(ctx, sub, ev)
	}
	for _, sub := range filtered {
		if b.matches(sub, ev) {
			b.deliver(ctx, sub, ev)
		}
	}
}

func (b *Broker) deliver(ctx context.Context, sub *subscription, ev event.Event) {
	if sub.async {
		// The dispatch span may end before the handler does; async
		// invocations record into a child span of their own.
		go func() {
			ctx, span := b.startHandlerSpan(context.WithoutCancel(ctx), sub, ev)
			defer span.End()
			b.invoke(ctx, sub, ev)
		}()
		return
	}
	b.invoke(ctx, sub, ev)
}

// invoke runs one handler, timing it and isolating any failure.
func (b *Broker) invoke(ctx context.Context, sub *subscription, ev event.Event) {
	mode := "sync"
	if sub.async {
		mode = "async"
	}

	start := time.Now()
	err := callHandler(ctx, sub, ev)
	elapsed := time.Since(start)

	if err != nil {
		b.stats.recordFailure()
		b.setLastError(err.Error())
		metrics.HandlerInvocations.WithLabelValues(mode, "error").Inc()
		recordHandlerFailure(trace.SpanFromContext(ctx), err)
		b.logger.Error("event handler failed",
			slog.Uint64("token", uint64(sub.token)),
			slog.String("event_id", ev.ID),
			slog.String("event_name", ev.Name),
			slog.String("mode", mode),
			slog.String("error", err.Err.Error()),
		)
		return
	}

	b.stats.recordSuccess(elapsed)
	metrics.HandlerInvocations.WithLabelValues(mode, "success").Inc()
	metrics.HandlerDuration.Observe(float64(elapsed.Microseconds()) / 1000)

	if sub.timeout > 0 && elapsed > sub.timeout {
		metrics.HandlerTimeouts.Inc()
		b.logger.Warn("event handler exceeded advisory timeout",
			slog.Uint64("token", uint64(sub.token)),
			slog.String("event_name", ev.Name),
			slog.Duration("timeout", sub.timeout),
			slog.Duration("elapsed", elapsed),
		)
	}
}

func callHandler(ctx context.Context, sub *subscription, ev event.Event) (herr *HandlerError) {
	defer func() {
		if r := recover(); r != nil {
			herr = &HandlerError{
				Token:     sub.token,
				EventID:   ev.ID,
				EventName: ev.Name,
				Err:       fmt.Errorf("panic: %v", r),
			}
		}
	}()
	if err := sub.handler(ctx, ev); err != nil {
		return &HandlerError{Token: sub.token, EventID: ev.ID, EventName: ev.Name, Err: err}
	}
	return nil
}

// matches evaluates a filter subscription. A panicking filter does not match.
func (b *Broker) matches(sub *subscription, ev event.Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event filter panicked",
				slog.Uint64("token", uint64(sub.token)),
				slog.String("event_name", ev.Name),
				slog.Any("panic", r),
			)
			ok = false
		}
	}()
	return sub.filter(ev)
}

// admit runs every admission gate registered for the event's type and name.
func (b *Broker) admit(ev event.Event) (ok bool) {
	gates := b.registry.gates(ev)
	if len(gates) == 0 {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("admission filter panicked",
				slog.String("event_name", ev.Name),
				slog.Any("panic", r),
			)
			ok = false
		}
	}()
	for _, g := range gates {
		if !g.pred(ev) {
			return false
		}
	}
	return true
}
