package broker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/gyaneshwarpardhi/eventcore/internal/broker"
	"github.com/gyaneshwarpardhi/eventcore/internal/event"
)

const waitFor = 2 * time.Second

func newBroker(t *testing.T, queueSize, workers int, opts ...broker.Option) *broker.Broker {
	t.Helper()
	b := broker.New(opts...)
	require.NoError(t, b.Initialize(queueSize, workers))
	t.Cleanup(b.Shutdown)
	return b
}

func sysEvent(name string, opts ...event.Option) *event.Event {
	return event.New(event.TypeSystem, name, "test", nil, opts...)
}

func processed(b *broker.Broker, n uint64) func() bool {
	return func() bool { return b.Stats().ProcessedEvents+b.Stats().FailedEvents >= n }
}

func TestInitialize(t *testing.T) {
	b := broker.New()

	assert.ErrorIs(t, b.Initialize(0, 4), broker.ErrInvalidConfig)
	assert.ErrorIs(t, b.Initialize(1000, 0), broker.ErrInvalidConfig)
	assert.NotEmpty(t, b.LastError())

	require.NoError(t, b.Initialize(1000, 4))
	assert.True(t, b.Running())
	assert.Equal(t, 1000, b.QueueCap())

	assert.ErrorIs(t, b.Initialize(1000, 4), broker.ErrAlreadyInitialized)

	b.Shutdown()
	assert.False(t, b.Running())
}

func TestShutdownIsIdempotent(t *testing.T) {
	b := broker.New()
	b.Shutdown() // never initialized

	require.NoError(t, b.Initialize(10, 2))
	b.Shutdown()
	b.Shutdown()
	assert.False(t, b.Running())
	assert.Equal(t, 0, b.QueueCap())

	assert.ErrorIs(t, b.Publish(sysEvent("after")), broker.ErrNotInitialized)

	require.NoError(t, b.Initialize(10, 2), "broker can be restarted")
	b.Shutdown()
}

func TestPublishRejectsInvalidEvents(t *testing.T) {
	b := newBroker(t, 10, 1)

	err := b.Publish(&event.Event{Type: event.TypeSystem, Source: "test"})
	assert.ErrorIs(t, err, broker.ErrInvalidEvent)
	assert.NotEmpty(t, b.LastError())

	err = b.Publish(&event.Event{Type: event.TypeSystem, Name: "x"})
	assert.ErrorIs(t, err, broker.ErrInvalidEvent)

	assert.ErrorIs(t, b.Publish(nil), broker.ErrInvalidEvent)
	assert.EqualValues(t, 0, b.Stats().TotalEvents)

	b.ClearLastError()
	assert.Empty(t, b.LastError())
}

func TestPublishFillsIDAndTimestamp(t *testing.T) {
	b := newBroker(t, 10, 1)
	got := make(chan event.Event, 1)
	_, err := b.Subscribe(event.TypeCache, func(_ context.Context, ev event.Event) error {
		got <- ev
		return nil
	})
	require.NoError(t, err)

	orig := &event.Event{Type: event.TypeCache, Name: "evicted", Source: "cache"}
	require.NoError(t, b.Publish(orig))

	select {
	case ev := <-got:
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(waitFor):
		t.Fatal("event not delivered")
	}
	assert.Empty(t, orig.ID, "caller's event is not modified")
}

func TestBackpressureWithBlockedWorker(t *testing.T) {
	b := newBroker(t, 2, 1)

	started := make(chan struct{})
	release := make(chan struct{})
	_, err := b.Subscribe(event.TypeSystem, func(_ context.Context, ev event.Event) error {
		if ev.Name == "gate" {
			close(started)
			<-release
		}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(sysEvent("gate")))
	<-started

	require.NoError(t, b.Publish(sysEvent("A")))
	require.NoError(t, b.Publish(sysEvent("B")))
	err = b.Publish(sysEvent("C"))
	require.ErrorIs(t, err, broker.ErrQueueFull)
	assert.Contains(t, b.LastError(), "full")
	assert.EqualValues(t, 2, b.Stats().QueuedEvents)

	close(release)
	require.Eventually(t, func() bool {
		return b.Publish(sysEvent("C")) == nil
	}, waitFor, 5*time.Millisecond)

	require.Eventually(t, processed(b, 4), waitFor, 5*time.Millisecond)
	assert.EqualValues(t, 4, b.Stats().TotalEvents)
}

func TestTypeSubscriptionUpdatesStats(t *testing.T) {
	b := newBroker(t, 10, 2)
	var calls atomic.Int32
	_, err := b.Subscribe(event.TypeSystem, func(context.Context, event.Event) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(sysEvent("x")))
	require.Eventually(t, processed(b, 1), waitFor, 5*time.Millisecond)

	s := b.Stats()
	assert.EqualValues(t, 1, s.ProcessedEvents)
	assert.EqualValues(t, 1, s.TotalEvents)
	assert.EqualValues(t, 0, s.QueuedEvents)
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, s.MinProcessingTime, s.MaxProcessingTime)

	b.ResetStats()
	assert.Equal(t, broker.Stats{}, b.Stats())
}

func TestStatsDisabled(t *testing.T) {
	b := newBroker(t, 10, 1, broker.WithStatsEnabled(false))
	var calls atomic.Int32
	_, err := b.Subscribe(event.TypeSystem, func(context.Context, event.Event) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(sysEvent("x")))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, 5*time.Millisecond)
	assert.EqualValues(t, 0, b.Stats().TotalEvents)
	assert.EqualValues(t, 0, b.Stats().ProcessedEvents)

	b.EnableStats(true)
	require.NoError(t, b.Publish(sysEvent("y")))
	require.Eventually(t, processed(b, 1), waitFor, 5*time.Millisecond)
	assert.EqualValues(t, 1, b.Stats().TotalEvents)
}

func TestUnsubscribe(t *testing.T) {
	b := newBroker(t, 10, 1)

	var silenced, witness atomic.Int32
	tokens := make([]broker.Token, 0, 3)
	subscribeAll := func(h broker.Handler) {
		tok, err := b.Subscribe(event.TypeWallet, h)
		require.NoError(t, err)
		tokens = append(tokens, tok)
		tok, err = b.SubscribeName(event.TypeWallet, "locked", h)
		require.NoError(t, err)
		tokens = append(tokens, tok)
		tok, err = b.SubscribeFilter(func(event.Event) bool { return true }, h)
		require.NoError(t, err)
		tokens = append(tokens, tok)
	}
	subscribeAll(func(context.Context, event.Event) error { silenced.Add(1); return nil })
	_, err := b.Subscribe(event.TypeWallet, func(context.Context, event.Event) error { witness.Add(1); return nil })
	require.NoError(t, err)
	assert.Equal(t, 4, b.SubscriptionCount())

	for _, tok := range tokens {
		assert.True(t, b.Unsubscribe(tok))
		assert.False(t, b.Unsubscribe(tok), "second unsubscribe of the same token")
	}
	assert.False(t, b.Unsubscribe(broker.Token(9999)))

	require.NoError(t, b.Publish(event.New(event.TypeWallet, "locked", "wallet", nil)))
	require.Eventually(t, func() bool { return witness.Load() == 1 }, waitFor, 5*time.Millisecond)
	assert.EqualValues(t, 0, silenced.Load())
}

func TestHandlerIsolation(t *testing.T) {
	b := newBroker(t, 10, 1)

	var ok atomic.Int32
	_, err := b.Subscribe(event.TypeSecurity, func(context.Context, event.Event) error {
		return errors.New("boom")
	})
	require.NoError(t, err)
	_, err = b.Subscribe(event.TypeSecurity, func(context.Context, event.Event) error {
		panic("handler exploded")
	})
	require.NoError(t, err)
	_, err = b.Subscribe(event.TypeSecurity, func(context.Context, event.Event) error {
		ok.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(event.New(event.TypeSecurity, "intrusion", "ids", nil)))
	require.Eventually(t, processed(b, 3), waitFor, 5*time.Millisecond)

	assert.EqualValues(t, 1, ok.Load())
	s := b.Stats()
	assert.EqualValues(t, 2, s.FailedEvents)
	assert.EqualValues(t, 1, s.ProcessedEvents)
	assert.Contains(t, b.LastError(), "handler")

	// The worker survived both failures.
	require.NoError(t, b.Publish(event.New(event.TypeSecurity, "intrusion", "ids", nil)))
	require.Eventually(t, func() bool { return ok.Load() == 2 }, waitFor, 5*time.Millisecond)
}

func TestAsyncHandlerIsolation(t *testing.T) {
	b := newBroker(t, 10, 1)

	var ok atomic.Int32
	_, err := b.Subscribe(event.TypeSecurity, func(context.Context, event.Event) error {
		return errors.New("boom")
	}, broker.WithAsync())
	require.NoError(t, err)
	_, err = b.Subscribe(event.TypeSecurity, func(context.Context, event.Event) error {
		panic("async handler exploded")
	}, broker.WithAsync())
	require.NoError(t, err)
	_, err = b.Subscribe(event.TypeSecurity, func(context.Context, event.Event) error {
		ok.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(event.New(event.TypeSecurity, "intrusion", "ids", nil)))
	require.Eventually(t, func() bool { return b.Stats().FailedEvents == 2 }, waitFor, 5*time.Millisecond)
	require.Eventually(t, processed(b, 3), waitFor, 5*time.Millisecond)

	assert.EqualValues(t, 1, ok.Load())
	assert.EqualValues(t, 1, b.Stats().ProcessedEvents)
	assert.Contains(t, b.LastError(), "handler")

	// Neither failure took the worker or the process down.
	require.NoError(t, b.Publish(event.New(event.TypeSecurity, "intrusion", "ids", nil)))
	require.Eventually(t, func() bool { return ok.Load() == 2 }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return b.Stats().FailedEvents == 4 }, waitFor, 5*time.Millisecond)
}

func TestFilterSubscriptionByPriority(t *testing.T) {
	b := newBroker(t, 10, 1)

	var high atomic.Int32
	_, err := b.SubscribeFilter(func(ev event.Event) bool {
		return ev.Priority == event.PriorityHigh
	}, func(context.Context, event.Event) error {
		high.Add(1)
		return nil
	})
	require.NoError(t, err)
	_, err = b.Subscribe(event.TypeNetwork, func(context.Context, event.Event) error { return nil })
	require.NoError(t, err)

	require.NoError(t, b.Publish(event.New(event.TypeNetwork, "peer", "net", nil, event.WithPriority(event.PriorityHigh))))
	require.NoError(t, b.Publish(event.New(event.TypeNetwork, "peer", "net", nil, event.WithPriority(event.PriorityLow))))

	require.Eventually(t, processed(b, 3), waitFor, 5*time.Millisecond)
	assert.EqualValues(t, 1, high.Load())
}

func TestPanickingFilterDoesNotMatch(t *testing.T) {
	b := newBroker(t, 10, 1)

	var hits atomic.Int32
	_, err := b.SubscribeFilter(func(event.Event) bool { panic("bad filter") },
		func(context.Context, event.Event) error { hits.Add(1); return nil })
	require.NoError(t, err)
	_, err = b.Subscribe(event.TypeSystem, func(context.Context, event.Event) error { return nil })
	require.NoError(t, err)

	require.NoError(t, b.Publish(sysEvent("x")))
	require.Eventually(t, processed(b, 1), waitFor, 5*time.Millisecond)
	assert.EqualValues(t, 0, hits.Load())
	assert.EqualValues(t, 0, b.Stats().FailedEvents)
}

func TestNameSubscriptionIgnoresType(t *testing.T) {
	b := newBroker(t, 10, 1)

	var hits atomic.Int32
	_, err := b.SubscribeName(event.TypeAsset, "created", func(context.Context, event.Event) error {
		hits.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(event.New(event.TypeAsset, "created", "asset", nil)))
	require.NoError(t, b.Publish(event.New(event.TypeNFT, "created", "nft", nil)))
	require.NoError(t, b.Publish(event.New(event.TypeAsset, "burned", "asset", nil)))

	require.Eventually(t, processed(b, 2), waitFor, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 2, hits.Load())
}

func TestSubscriptionInSeveralIndicesFiresPerIndex(t *testing.T) {
	b := newBroker(t, 10, 1)

	var hits atomic.Int32
	h := func(context.Context, event.Event) error { hits.Add(1); return nil }
	_, err := b.Subscribe(event.TypeBlockchain, h)
	require.NoError(t, err)
	_, err = b.SubscribeName(event.TypeBlockchain, "block", h)
	require.NoError(t, err)
	_, err = b.SubscribeFilter(func(ev event.Event) bool { return ev.Type == event.TypeBlockchain }, h)
	require.NoError(t, err)

	require.NoError(t, b.Publish(event.New(event.TypeBlockchain, "block", "chain", nil)))
	require.Eventually(t, func() bool { return hits.Load() == 3 }, waitFor, 5*time.Millisecond)
}

func TestSynchronousHandlerBlocksWorker(t *testing.T) {
	b := newBroker(t, 10, 1)

	// Both timestamps are written by the single worker before done is closed.
	var slowDone, fastStart time.Time
	done := make(chan struct{})
	_, err := b.Subscribe(event.TypeSystem, func(_ context.Context, ev event.Event) error {
		if ev.Name == "slow" {
			time.Sleep(50 * time.Millisecond)
			slowDone = time.Now()
			return nil
		}
		fastStart = time.Now()
		close(done)
		return nil
	})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, b.Publish(sysEvent("slow")))
	require.NoError(t, b.Publish(sysEvent("fast")))

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("second event never processed")
	}
	assert.False(t, fastStart.Before(slowDone), "second event ran before the slow handler finished")
	assert.GreaterOrEqual(t, fastStart.Sub(start), 50*time.Millisecond)
}

func TestAsyncHandlerDoesNotBlockWorker(t *testing.T) {
	b := newBroker(t, 10, 1)

	release := make(chan struct{})
	asyncDone := make(chan struct{})
	syncSeen := make(chan string, 2)

	_, err := b.SubscribeName(event.TypeSystem, "slow", func(context.Context, event.Event) error {
		<-release
		close(asyncDone)
		return nil
	}, broker.WithAsync())
	require.NoError(t, err)
	_, err = b.Subscribe(event.TypeSystem, func(_ context.Context, ev event.Event) error {
		syncSeen <- ev.Name
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(sysEvent("slow")))
	require.NoError(t, b.Publish(sysEvent("next")))

	for _, want := range []string{"slow", "next"} {
		select {
		case got := <-syncSeen:
			assert.Equal(t, want, got)
		case <-time.After(waitFor):
			t.Fatalf("worker blocked by async handler, waiting for %q", want)
		}
	}

	close(release)
	select {
	case <-asyncDone:
	case <-time.After(waitFor):
		t.Fatal("async handler never finished")
	}
	require.Eventually(t, processed(b, 3), waitFor, 5*time.Millisecond)
}

func TestAdvisoryTimeoutDoesNotCancel(t *testing.T) {
	b := newBroker(t, 10, 1)

	var finished atomic.Bool
	_, err := b.Subscribe(event.TypeSystem, func(ctx context.Context, _ event.Event) error {
		time.Sleep(20 * time.Millisecond)
		if ctx.Err() == nil {
			finished.Store(true)
		}
		return nil
	}, broker.WithTimeout(time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, b.Publish(sysEvent("slow")))
	require.Eventually(t, processed(b, 1), waitFor, 5*time.Millisecond)
	assert.True(t, finished.Load())
	assert.EqualValues(t, 0, b.Stats().FailedEvents)
}

func TestHandlerMayPublishAndSubscribe(t *testing.T) {
	b := newBroker(t, 10, 1)

	derived := make(chan event.Event, 1)
	_, err := b.Subscribe(event.TypeTransaction, func(_ context.Context, ev event.Event) error {
		if _, err := b.SubscribeName(event.TypeCustom, "noop", func(context.Context, event.Event) error { return nil }); err != nil {
			return err
		}
		return b.Publish(event.New(event.TypeWallet, "balance_changed", "wallet", nil,
			event.WithCorrelationID(ev.ID)))
	})
	require.NoError(t, err)
	_, err = b.Subscribe(event.TypeWallet, func(_ context.Context, ev event.Event) error {
		derived <- ev
		return nil
	})
	require.NoError(t, err)

	tx := event.New(event.TypeTransaction, "confirmed", "tx", nil)
	require.NoError(t, b.Publish(tx))

	select {
	case ev := <-derived:
		assert.Equal(t, tx.ID, ev.CorrelationID)
	case <-time.After(waitFor):
		t.Fatal("derived event not delivered")
	}
}

func TestAdmissionFilters(t *testing.T) {
	b := newBroker(t, 10, 1)

	var hits atomic.Int32
	_, err := b.Subscribe(event.TypeConfig, func(context.Context, event.Event) error {
		hits.Add(1)
		return nil
	})
	require.NoError(t, err)

	onlyCritical, err := b.AddTypeFilter(event.TypeConfig, func(ev event.Event) bool {
		return ev.Priority == event.PriorityCritical
	})
	require.NoError(t, err)
	_, err = b.AddNameFilter("reloaded", func(ev event.Event) bool { return ev.Source == "loader" })
	require.NoError(t, err)

	publish := func(name, source string, p event.Priority) {
		require.NoError(t, b.Publish(event.New(event.TypeConfig, name, source, nil, event.WithPriority(p))))
	}
	// Only the second and fourth pass both the type gate and the name gate.
	publish("changed", "cli", event.PriorityLow)
	publish("changed", "cli", event.PriorityCritical)
	publish("reloaded", "cli", event.PriorityCritical)
	publish("reloaded", "loader", event.PriorityCritical)

	require.Eventually(t, func() bool { return hits.Load() == 2 }, waitFor, 5*time.Millisecond)

	assert.True(t, b.RemoveFilter(onlyCritical))
	assert.False(t, b.RemoveFilter(onlyCritical))
	publish("changed", "cli", event.PriorityLow)
	require.Eventually(t, func() bool { return hits.Load() == 3 }, waitFor, 5*time.Millisecond)
}

func TestShutdownDiscardsQueuedEvents(t *testing.T) {
	b := broker.New()
	require.NoError(t, b.Initialize(10, 1))

	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	_, err := b.Subscribe(event.TypeSystem, func(_ context.Context, ev event.Event) error {
		calls.Add(1)
		if ev.Name == "gate" {
			close(started)
			<-release
		}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(sysEvent("gate")))
	<-started
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(sysEvent("pending")))
	}

	stopped := make(chan struct{})
	go func() {
		b.Shutdown()
		close(stopped)
	}()
	// Let Shutdown close the queue before the in-flight handler returns.
	require.Eventually(t, func() bool { return !b.Running() }, waitFor, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case <-stopped:
	case <-time.After(waitFor):
		t.Fatal("shutdown did not return")
	}
	assert.EqualValues(t, 1, calls.Load(), "queued events must be discarded")
}

func TestWaitForEvents(t *testing.T) {
	b := broker.New()
	assert.False(t, b.WaitForEvents(time.Millisecond), "not initialized")

	require.NoError(t, b.Initialize(10, 1))
	defer b.Shutdown()

	started := make(chan struct{})
	release := make(chan struct{})
	_, err := b.SubscribeName(event.TypeSystem, "gate", func(context.Context, event.Event) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)
	defer close(release)

	require.NoError(t, b.Publish(sysEvent("gate")))
	<-started

	assert.False(t, b.WaitForEvents(10*time.Millisecond))
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = b.Publish(sysEvent("later"))
	}()
	assert.True(t, b.WaitForEvents(waitFor))
	assert.Equal(t, 1, b.QueueLen())
	assert.InDelta(t, 0.1, b.QueueUtilization(), 1e-9)
}

func TestPublishEventUsesDefaultSource(t *testing.T) {
	b := newBroker(t, 10, 1, broker.WithDefaultSource("core"))
	got := make(chan event.Event, 1)
	_, err := b.Subscribe(event.TypeIPFS, func(_ context.Context, ev event.Event) error {
		got <- ev
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.PublishEvent(event.TypeIPFS, "pinned", map[string]interface{}{"cid": "Qm1"}, event.PriorityHigh))
	select {
	case ev := <-got:
		assert.Equal(t, "core", ev.Source)
		assert.Equal(t, event.PriorityHigh, ev.Priority)
		assert.Equal(t, "Qm1", ev.Data["cid"])
	case <-time.After(waitFor):
		t.Fatal("event not delivered")
	}
}

func TestSubscribeValidation(t *testing.T) {
	b := broker.New()

	_, err := b.Subscribe(event.TypeSystem, nil)
	assert.ErrorIs(t, err, broker.ErrNilHandler)
	_, err = b.SubscribeFilter(nil, func(context.Context, event.Event) error { return nil })
	assert.Error(t, err)

	// Subscribing before Initialize is allowed.
	tok, err := b.Subscribe(event.TypeSystem, func(context.Context, event.Event) error { return nil })
	require.NoError(t, err)
	assert.NotZero(t, tok)
}

func TestDispatchTracing(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	b := newBroker(t, 10, 1, broker.WithTracer(tp.Tracer("test")))
	_, err := b.Subscribe(event.TypeDatabase, func(context.Context, event.Event) error {
		return errors.New("write failed")
	})
	require.NoError(t, err)

	ev := event.New(event.TypeDatabase, "write", "db", nil, event.WithCorrelationID("corr-1"))
	require.NoError(t, b.Dispatch(context.Background(), ev))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	s := spans[0]
	assert.Equal(t, "eventcore.dispatch", s.Name)
	assert.Equal(t, codes.Error, s.Status.Code)

	attrs := map[string]string{}
	for _, kv := range s.Attributes {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	assert.Equal(t, "DATABASE", attrs["event.type"])
	assert.Equal(t, "write", attrs["event.name"])
	assert.Equal(t, "corr-1", attrs["event.correlation_id"])
	assert.EqualValues(t, 1, b.Stats().FailedEvents)
}

func TestAsyncHandlerTracing(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	b := newBroker(t, 10, 1, broker.WithTracer(tp.Tracer("test")))
	_, err := b.Subscribe(event.TypeDatabase, func(context.Context, event.Event) error {
		return errors.New("write failed")
	}, broker.WithAsync())
	require.NoError(t, err)

	require.NoError(t, b.Dispatch(context.Background(), event.New(event.TypeDatabase, "write", "db", nil)))
	require.Eventually(t, func() bool { return len(exporter.GetSpans()) == 2 }, waitFor, 5*time.Millisecond)

	byName := map[string]tracetest.SpanStub{}
	for _, s := range exporter.GetSpans() {
		byName[s.Name] = s
	}
	dispatch, ok := byName["eventcore.dispatch"]
	require.True(t, ok)
	handle, ok := byName["eventcore.handle"]
	require.True(t, ok)

	assert.NotEqual(t, codes.Error, dispatch.Status.Code, "dispatch ended before the handler ran")
	assert.Equal(t, codes.Error, handle.Status.Code)
	assert.Equal(t, dispatch.SpanContext.SpanID(), handle.Parent.SpanID())
	assert.Equal(t, dispatch.SpanContext.TraceID(), handle.SpanContext.TraceID())
	assert.EqualValues(t, 1, b.Stats().FailedEvents)
}

func TestConcurrentPublishers(t *testing.T) {
	b := newBroker(t, 1000, 4)
	var calls atomic.Int32
	_, err := b.Subscribe(event.TypeSystem, func(context.Context, event.Event) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for p := 0; p < 10; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				assert.NoError(t, b.Publish(sysEvent("load")))
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return calls.Load() == 100 }, waitFor, 5*time.Millisecond)
	assert.EqualValues(t, 100, b.Stats().TotalEvents)
}
