// Package metrics declares the Prometheus collectors of the audit subsystem.
// Collectors register with the default registry; the dashboard serves them
// on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clinaudit_events_appended_total",
		Help: "Audit events appended to the chain, by event type.",
	}, []string{"event_type"})

	AppendConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clinaudit_append_conflicts_total",
		Help: "Append attempts that lost a race for the chain head and were retried.",
	})

	CaptureFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clinaudit_capture_failures_total",
		Help: "Audit events that could not be recorded, by reason.",
	}, []string{"reason"})

	AlertsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clinaudit_alerts_total",
		Help: "Alerts dispatched, by kind and severity.",
	}, []string{"kind", "severity"})

	EventsArchived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clinaudit_events_archived_total",
		Help: "Events marked archived, by retention policy.",
	}, []string{"policy"})

	EventsPurged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clinaudit_events_purged_total",
		Help: "Events purged after their retention period, by retention policy.",
	}, []string{"policy"})

	ChainValid = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clinaudit_chain_valid",
		Help: "1 if the last integrity verification found an intact chain, 0 otherwise.",
	})

	LastValidIndex = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clinaudit_chain_last_valid_index",
		Help: "Chain index up to which the last verification found the chain intact.",
	})

	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clinaudit_nightly_step_duration_seconds",
		Help:    "Duration of nightly maintenance steps.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	}, []string{"step", "status"})
)
