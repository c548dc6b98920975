// Package metrics exposes Prometheus collectors for notification ingestion
// and reconciliation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// NotificationsTotal counts processed notifications by platform and outcome.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subledger",
		Subsystem: "ingest",
		Name:      "notifications_total",
		Help:      "Total payment notifications by platform and outcome.",
	}, []string{"platform", "outcome"})

	// NotificationDuration tracks end-to-end processing latency.
	NotificationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "subledger",
		Subsystem: "ingest",
		Name:      "notification_duration_seconds",
		Help:      "Notification processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"platform"})

	// RejectedTotal counts authenticity, malformed and unresolvable failures.
	// Sustained growth indicates platform contract drift.
	RejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subledger",
		Subsystem: "ingest",
		Name:      "rejected_total",
		Help:      "Notifications rejected by platform and error kind.",
	}, []string{"platform", "kind"})

	// LedgerEventsTotal counts appended ledger events by kind.
	LedgerEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subledger",
		Subsystem: "ledger",
		Name:      "events_total",
		Help:      "Ledger events appended by kind.",
	}, []string{"kind"})

	// DeferredPending tracks notifications waiting for an earlier one.
	DeferredPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "subledger",
		Subsystem: "reconcile",
		Name:      "deferred_pending",
		Help:      "Out-of-order notifications waiting to be retried.",
	})

	// DeferredExpiredTotal counts deferred notifications that were given up on.
	DeferredExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "subledger",
		Subsystem: "reconcile",
		Name:      "deferred_expired_total",
		Help:      "Deferred notifications dropped after exhausting retries.",
	})

	// ActiveActors tracks live per-user reconcilers.
	ActiveActors = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "subledger",
		Subsystem: "reconcile",
		Name:      "active_actors",
		Help:      "Number of per-user reconcilers currently resident.",
	})

	// SideEffectsTotal counts collaborator calls by target and result.
	SideEffectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subledger",
		Subsystem: "reconcile",
		Name:      "side_effects_total",
		Help:      "External side-effect calls by target and result.",
	}, []string{"target", "result"})

	// SupersededTotal counts subscriptions cancelled because a newer one replaced them.
	SupersededTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subledger",
		Subsystem: "reconcile",
		Name:      "superseded_total",
		Help:      "Subscriptions scheduled for cancel-at-period-end by platform and result.",
	}, []string{"platform", "result"})

	// AuditDriftTotal counts audits that found entitlement state diverging from the ledger.
	AuditDriftTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subledger",
		Subsystem: "audit",
		Name:      "drift_total",
		Help:      "Entitlement drift detected by family.",
	}, []string{"family"})

	// HTTPRequestsTotal counts API requests by route pattern and status code.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subledger",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route and status.",
	}, []string{"route", "status"})

	// HTTPRequestDuration tracks API latency by route pattern.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "subledger",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})
)
