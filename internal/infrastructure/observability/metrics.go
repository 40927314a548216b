package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RepositoryCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repository_calls_total",
			Help: "Total number of repository method calls",
		},
		[]string{"method", "status"},
	)

	RepositoryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "repository_duration_seconds",
			Help:    "Duration of repository method calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	GatewayCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_calls_total",
			Help: "Total number of payment gateway API calls",
		},
		[]string{"operation", "status"},
	)

	GatewayDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_duration_seconds",
			Help:    "Duration of payment gateway API calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	ReconcileDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_decisions_total",
			Help: "Reconciliation decisions by action and entry point",
		},
		[]string{"source", "action"},
	)

	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Inbound webhook calls by outcome",
		},
		[]string{"outcome"},
	)

	SweepItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweep_items_total",
			Help: "Sweep items processed by outcome",
		},
		[]string{"outcome"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(
		RepositoryCalls,
		RepositoryDuration,
		GatewayCalls,
		GatewayDuration,
		ReconcileDecisions,
		WebhookEvents,
		SweepItems,
	)
}
