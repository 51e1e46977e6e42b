// Package metrics exposes Prometheus instrumentation for the run
// orchestrator, the event kernel, and the notification outbox.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Orchestrator

	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pybt_runs_total",
		Help: "Completed runs by terminal status.",
	}, []string{"status"})

	RunsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pybt_runs_active",
		Help: "Runs currently executing.",
	})

	RunsQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pybt_runs_queued",
		Help: "Runs waiting for an execution slot.",
	})

	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pybt_run_duration_seconds",
		Help:    "Wall time of a run from start to terminal status.",
		Buckets: prometheus.ExponentialBuckets(0.1, 3, 10),
	})

	// Kernel

	EventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pybt_events_dispatched_total",
		Help: "Kernel events dispatched, by kind.",
	}, []string{"kind"})

	SignalsGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pybt_signals_total",
		Help: "Strategy signals, by strategy and direction.",
	}, []string{"strategy", "direction"})

	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pybt_fills_total",
		Help: "Order fills, by symbol and side.",
	}, []string{"symbol", "side"})

	RejectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pybt_risk_rejects_total",
		Help: "Risk chain rejections, by reason.",
	}, []string{"reason"})

	// Outbox

	OutboxMessages = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pybt_outbox_messages",
		Help: "Outbox messages by status.",
	}, []string{"status"})

	NotificationsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pybt_notifications_delivered_total",
		Help: "Notification delivery attempts, by channel and outcome.",
	}, []string{"channel", "outcome"})

	DeliveryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pybt_notification_delivery_seconds",
		Help:    "Channel send latency.",
		Buckets: prometheus.ExponentialBuckets(0.01, 3, 8),
	}, []string{"channel"})
)
