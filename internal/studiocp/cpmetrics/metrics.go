package cpmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TenantsByStatus tracks the number of tenants in each subscription status.
	TenantsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "studio",
		Subsystem: "cp",
		Name:      "tenants_by_status",
		Help:      "Number of tenants by subscription status.",
	}, []string{"status"})

	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "studio",
		Subsystem: "cp",
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks Stripe webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "studio",
		Subsystem: "cp",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// WebhookEventsTotal counts processed billing events by type and outcome
	// (processed, duplicate, stale, unresolvable, ignored, error).
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "studio",
		Subsystem: "cp",
		Name:      "webhook_events_total",
		Help:      "Billing events by type and processing outcome.",
	}, []string{"type", "outcome"})

	// ProvisioningTotal counts tenant resolve-or-create attempts.
	ProvisioningTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "studio",
		Subsystem: "cp",
		Name:      "provisioning_total",
		Help:      "Tenant provisioning attempts by source and outcome.",
	}, []string{"source", "outcome"})

	// ProviderRequestsTotal counts billing provider calls.
	ProviderRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "studio",
		Subsystem: "cp",
		Name:      "provider_requests_total",
		Help:      "Billing provider API calls by operation and outcome.",
	}, []string{"op", "outcome"})

	// BillingWritesTotal counts guarded billing writes.
	BillingWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "studio",
		Subsystem: "cp",
		Name:      "billing_writes_total",
		Help:      "Guarded billing snapshot writes by outcome (applied, stale, stale_filled, cas_retry).",
	}, []string{"outcome"})
)
