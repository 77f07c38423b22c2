// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ledger
	CreditsDebited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genstudio_credits_debited_total",
			Help: "Credits debited, by pool the units were drawn from",
		},
		[]string{"pool"}, // "subscription", "extra"
	)

	CreditsRefunded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genstudio_credits_refunded_total",
			Help: "Credits returned to accounts, by pool and reason",
		},
		[]string{"pool", "reason"},
	)

	InsufficientCredits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "genstudio_debit_insufficient_total",
			Help: "Debits rejected because the balance was too low",
		},
	)

	AuditFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "genstudio_audit_failures_total",
			Help: "Audit log writes that failed and were skipped",
		},
	)

	// Generations
	GenerationTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genstudio_generation_transitions_total",
			Help: "Generation status transitions, by tool and target status",
		},
		[]string{"tool", "status"},
	)

	OrphansSwept = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genstudio_orphans_swept_total",
			Help: "Generations failed by the orphan sweeper",
		},
		[]string{"tool"},
	)

	StorageFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genstudio_storage_fallbacks_total",
			Help: "Completed generations whose artifact could not be persisted",
		},
		[]string{"tool"},
	)

	// Providers
	ProviderRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "genstudio_provider_request_duration_seconds",
			Help:    "Latency of provider API calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool", "op", "outcome"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "genstudio_circuit_breaker_state",
			Help: "Provider circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Background reconciler
	ReconcileRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genstudio_reconcile_runs_total",
			Help: "Background reconcile passes, by outcome",
		},
		[]string{"outcome"},
	)

	// HTTP
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genstudio_rate_limit_rejections_total",
			Help: "Requests rejected by a per-account rate limit",
		},
		[]string{"budget"},
	)

	StripeEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genstudio_stripe_events_total",
			Help: "Stripe webhook deliveries, by event type and outcome",
		},
		[]string{"type", "outcome"},
	)
)
