// Package broker implements the in-process event dispatch core: a bounded
// queue drained by a fixed worker pool, a token-based subscription registry,
// and a dispatcher that isolates handler failures.
//
// Producers never block. A full queue rejects the event with ErrQueueFull and
// the producer decides whether to back off and retry. With one worker events
// are processed in publish order; with more workers only the handlers of a
// single event run in a defined order.
package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/gyaneshwarpardhi/eventcore/internal/event"
	"github.com/gyaneshwarpardhi/eventcore/internal/metrics"
)

const defaultSource = "eventcore"

// Broker is an explicitly constructed publish/subscribe broker.
type Broker struct {
	logger        *slog.Logger
	tracer        trace.Tracer
	defaultSource string

	registry *registry
	stats    statsTracker

	lifecycle sync.Mutex
	queue     atomic.Pointer[queue]
	pool      *workerPool

	errMu   sync.Mutex
	lastErr string
}

// Option configures a Broker.
type Option func(*Broker)

func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(b *Broker) { b.tracer = t }
}

// WithStatsEnabled sets the initial stats collection state (default on).
func WithStatsEnabled(on bool) Option {
	return func(b *Broker) { b.stats.enabled = on }
}

// WithDefaultSource sets the source used by PublishEvent.
func WithDefaultSource(s string) Option {
	return func(b *Broker) { b.defaultSource = s }
}

// New creates a broker. Subscriptions may be registered before Initialize.
func New(opts ...Option) *Broker {
	b := &Broker{
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer:        defaultTracer(),
		defaultSource: defaultSource,
		registry:      newRegistry(),
	}
	b.stats.enabled = true
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Initialize allocates the queue and starts numWorkers workers.
func (b *Broker) Initialize(maxQueueSize, numWorkers int) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	if b.queue.Load() != nil {
		return b.fail(ErrAlreadyInitialized)
	}
	if maxQueueSize <= 0 || numWorkers <= 0 {
		return b.fail(fmt.Errorf("%w: max queue size %d, workers %d", ErrInvalidConfig, maxQueueSize, numWorkers))
	}

	q := newQueue(maxQueueSize)
	b.pool = newWorkerPool(q, numWorkers, func(ctx context.Context, ev event.Event) {
		observeQueue(q)
		b.dispatch(ctx, ev)
	})
	b.queue.Store(q)
	metrics.QueueDepth.Set(0)
	metrics.QueueUtilization.Set(0)

	b.logger.Info("event broker initialized",
		slog.Int("workers", numWorkers),
		slog.Int("max_queue_size", maxQueueSize),
	)
	return nil
}

// Shutdown stops the workers and waits for them to exit. Queued events are
// discarded; running handlers and detached async handlers are not cancelled.
// Calling it when not initialized is a no-op. It must not be called from a
// synchronous handler.
func (b *Broker) Shutdown() {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	q := b.queue.Swap(nil)
	if q == nil {
		return
	}
	dropped := q.len()
	b.pool.stop()
	b.pool = nil
	metrics.QueueDepth.Set(0)
	metrics.QueueUtilization.Set(0)

	b.logger.Info("event broker shut down", slog.Int("discarded_events", dropped))
}

// Running reports whether the broker is initialized and accepting events.
func (b *Broker) Running() bool {
	return b.queue.Load() != nil
}

// Publish validates ev and enqueues a copy of it. It never blocks.
// An empty ID or zero timestamp is filled in on the copy.
//
// A Publish racing with Shutdown either fails with ErrNotInitialized or
// succeeds before the queue is closed, in which case the event is discarded
// with the rest of the backlog.
func (b *Broker) Publish(ev *event.Event) error {
	return b.publishTo(b.queue.Load(), ev)
}

func (b *Broker) publishTo(q *queue, ev *event.Event) error {
	if q == nil {
		metrics.EventsRejected.WithLabelValues("not_running").Inc()
		return b.fail(ErrNotInitialized)
	}
	e, err := b.prepare(ev)
	if err != nil {
		metrics.EventsRejected.WithLabelValues("invalid").Inc()
		return b.fail(err)
	}

	if err := q.enqueue(e); err != nil {
		metrics.EventsRejected.WithLabelValues("queue_full").Inc()
		b.logger.Warn("event rejected: queue full",
			slog.String("event_name", e.Name),
			slog.Int("capacity", q.capacity()),
		)
		return b.fail(fmt.Errorf("%w (capacity %d)", err, q.capacity()))
	}
	// Shutdown swapped the queue out while we were enqueueing.
	if b.queue.Load() != q {
		metrics.EventsRejected.WithLabelValues("not_running").Inc()
		return b.fail(ErrNotInitialized)
	}

	b.stats.recordPublished()
	metrics.EventsPublished.WithLabelValues(e.Type.String()).Inc()
	observeQueue(q)

	b.logger.Debug("event published",
		slog.String("event_id", e.ID),
		slog.String("type", e.Type.String()),
		slog.String("name", e.Name),
		slog.String("source", e.Source),
	)
	return nil
}

// PublishAsync is Publish: in both cases only the enqueue happens on the
// caller's goroutine.
func (b *Broker) PublishAsync(ev *event.Event) error {
	return b.Publish(ev)
}

// PublishEvent builds an event from the broker's default source and publishes it.
func (b *Broker) PublishEvent(typ event.Type, name string, data map[string]interface{}, priority event.Priority) error {
	return b.Publish(event.New(typ, name, b.defaultSource, data, event.WithPriority(priority)))
}

// Dispatch delivers ev immediately on the caller's goroutine, bypassing the queue.
func (b *Broker) Dispatch(ctx context.Context, ev *event.Event) error {
	if !b.Running() {
		return b.fail(ErrNotInitialized)
	}
	e, err := b.prepare(ev)
	if err != nil {
		return b.fail(err)
	}
	b.dispatch(ctx, e)
	return nil
}

func observeQueue(q *queue) {
	depth := q.len()
	metrics.QueueDepth.Set(float64(depth))
	metrics.QueueUtilization.Set(float64(depth) / float64(q.capacity()))
}

func (b *Broker) prepare(ev *event.Event) (event.Event, error) {
	if ev == nil {
		return event.Event{}, fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if err := ev.Validate(); err != nil {
		return event.Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	e := *ev
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	return e, nil
}

// Subscribe registers h for every event of the given type.
func (b *Broker) Subscribe(typ event.Type, h Handler, opts ...SubscribeOption) (Token, error) {
	return b.subscribe(&subscription{kind: kindType, evType: typ, handler: h}, opts)
}

// SubscribeName registers h for events with the given name. Matching is by
// name alone; typ is kept for diagnostics only.
func (b *Broker) SubscribeName(typ event.Type, name string, h Handler, opts ...SubscribeOption) (Token, error) {
	return b.subscribe(&subscription{kind: kindName, evType: typ, name: name, handler: h}, opts)
}

// SubscribeFilter registers h for every event accepted by filter.
func (b *Broker) SubscribeFilter(filter Filter, h Handler, opts ...SubscribeOption) (Token, error) {
	if filter == nil {
		return 0, b.fail(errors.New("filter must not be nil"))
	}
	return b.subscribe(&subscription{kind: kindFilter, filter: filter, handler: h}, opts)
}

func (b *Broker) subscribe(sub *subscription, opts []SubscribeOption) (Token, error) {
	if sub.handler == nil {
		return 0, b.fail(ErrNilHandler)
	}
	for _, opt := range opts {
		opt(sub)
	}
	token := b.registry.add(sub)
	b.logger.Debug("subscription created",
		slog.Uint64("token", uint64(token)),
		slog.String("kind", string(sub.kind)),
		slog.String("type", sub.evType.String()),
		slog.String("name", sub.name),
		slog.Bool("async", sub.async),
	)
	return token, nil
}

// Unsubscribe removes exactly the subscription identified by token.
// Invocations already in flight still complete.
func (b *Broker) Unsubscribe(token Token) bool {
	sub, ok := b.registry.remove(token)
	if !ok {
		return false
	}
	b.logger.Debug("subscription removed",
		slog.Uint64("token", uint64(token)),
		slog.String("kind", string(sub.kind)),
	)
	return true
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Broker) SubscriptionCount() int {
	return b.registry.count()
}

// AddTypeFilter adds an admission gate for events of typ. A dequeued event
// is dispatched only when every gate for its type and name accepts it.
func (b *Broker) AddTypeFilter(typ event.Type, pred Filter) (FilterToken, error) {
	if pred == nil {
		return 0, b.fail(errors.New("filter must not be nil"))
	}
	return b.registry.addGate(gateKey{evType: typ}, pred), nil
}

// AddNameFilter adds an admission gate for events named name.
func (b *Broker) AddNameFilter(name string, pred Filter) (FilterToken, error) {
	if pred == nil {
		return 0, b.fail(errors.New("filter must not be nil"))
	}
	return b.registry.addGate(gateKey{byName: true, name: name}, pred), nil
}

// RemoveFilter removes one admission gate.
func (b *Broker) RemoveFilter(token FilterToken) bool {
	return b.registry.removeGate(token)
}

// Stats returns a snapshot of the counters. QueuedEvents is the live backlog.
func (b *Broker) Stats() Stats {
	s := b.stats.snapshot()
	if q := b.queue.Load(); q != nil {
		s.QueuedEvents = uint64(q.len())
	}
	return s
}

func (b *Broker) ResetStats() {
	b.stats.reset()
}

func (b *Broker) EnableStats(on bool) {
	b.stats.setEnabled(on)
}

// WaitForEvents blocks until the queue is non-empty or timeout elapses
// (0 waits until shutdown). It reports whether events became available.
func (b *Broker) WaitForEvents(timeout time.Duration) bool {
	q := b.queue.Load()
	if q == nil {
		return false
	}
	return q.wait(timeout)
}

// QueueLen returns how many events are currently queued.
func (b *Broker) QueueLen() int {
	if q := b.queue.Load(); q != nil {
		return q.len()
	}
	return 0
}

// QueueCap returns the queue capacity, or 0 when not initialized.
func (b *Broker) QueueCap() int {
	if q := b.queue.Load(); q != nil {
		return q.capacity()
	}
	return 0
}

// QueueUtilization returns queue used / capacity (0–1).
func (b *Broker) QueueUtilization() float64 {
	q := b.queue.Load()
	if q == nil || q.capacity() == 0 {
		return 0
	}
	return float64(q.len()) / float64(q.capacity())
}

func (b *Broker) LastError() string {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return b.lastErr
}

func (b *Broker) ClearLastError() {
	b.setLastError("")
}

func (b *Broker) setLastError(msg string) {
	b.errMu.Lock()
	b.lastErr = msg
	b.errMu.Unlock()
}

// fail records err as the last error and returns it.
func (b *Broker) fail(err error) error {
	b.setLastError(err.Error())
	return err
}
