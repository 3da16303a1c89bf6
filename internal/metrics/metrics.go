package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventcore_events_published_total",
		Help: "Total number of events accepted into the queue, labelled by event type.",
	}, []string{"type"})

	EventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventcore_events_rejected_total",
		Help: "Total number of events refused at publish, labelled by reason (queue_full, invalid, not_running).",
	}, []string{"reason"})

	EventsFiltered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventcore_events_filtered_total",
		Help: "Total number of dequeued events dropped by an admission filter.",
	})

	HandlerInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventcore_handler_invocations_total",
		Help: "Total number of handler invocations, labelled by mode and status.",
	}, []string{"mode", "status"})

	HandlerDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "eventcore_handler_duration_ms",
		Help:    "Handler invocation latency in milliseconds.",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 25, 50, 100, 250, 1000},
	})

	HandlerTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventcore_handler_timeouts_total",
		Help: "Total number of handler invocations that ran past their advisory timeout.",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eventcore_queue_depth",
		Help: "Number of events waiting in the queue.",
	})

	QueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eventcore_queue_utilization_ratio",
		Help: "Current event queue utilization (0–1).",
	})

	ScheduledEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventcore_scheduled_events_total",
		Help: "Total number of cron-produced events, labelled by schedule and status.",
	}, []string{"schedule_id", "status"})
)
