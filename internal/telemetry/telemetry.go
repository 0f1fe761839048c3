// Package telemetry provides Prometheus metrics for the sync engine.
// Collectors are package-level so components can record without plumbing;
// they are only exported once Register is called.
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ChangeLogAppends counts entries written by the change log writer.
	ChangeLogAppends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homestock_changelog_appends_total",
			Help: "Change log entries appended, by entity type and action.",
		},
		[]string{"entity_type", "action"},
	)

	// FeedRequests counts change feed requests by result.
	FeedRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homestock_feed_requests_total",
			Help: "Change feed requests, by result (ok, expired, error).",
		},
		[]string{"result"},
	)

	// FeedEntriesServed counts entries returned by the change feed.
	FeedEntriesServed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "homestock_feed_entries_served_total",
			Help: "Change log entries returned to clients.",
		},
	)

	// DispatcherOutcomes counts pending mutation replay outcomes.
	DispatcherOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homestock_dispatcher_outcomes_total",
			Help: "Pending mutation replay outcomes, by classification.",
		},
		[]string{"outcome"},
	)

	// ReconcileRuns counts reconciliation passes by mode and result.
	ReconcileRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homestock_reconcile_runs_total",
			Help: "Reconciliation runs, by mode (full, incremental) and result.",
		},
		[]string{"mode", "result"},
	)

	// ReconcileDuration observes reconciliation latency.
	ReconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "homestock_reconcile_duration_seconds",
			Help:    "Reconciliation duration in seconds, by mode.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)
)

var registerOnce sync.Once

// Collectors returns every collector in this package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		ChangeLogAppends,
		FeedRequests,
		FeedEntriesServed,
		DispatcherOutcomes,
		ReconcileRuns,
		ReconcileDuration,
	}
}

// Register registers the collectors with reg. Only the first call has effect.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(Collectors()...)
	})
}
