package studiocp

import (
	"net/http"
	"time"

	"github.com/inkdesk/studiocp/internal/studiocp/admin"
	"github.com/inkdesk/studiocp/internal/studiocp/api"
	"github.com/inkdesk/studiocp/internal/studiocp/auth"
	"github.com/inkdesk/studiocp/internal/studiocp/ledger"
	"github.com/inkdesk/studiocp/internal/studiocp/provisioning"
	"github.com/inkdesk/studiocp/internal/studiocp/registry"
	cpstripe "github.com/inkdesk/studiocp/internal/studiocp/stripe"
	"github.com/inkdesk/studiocp/internal/studiocp/tiers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config    *Config
	Registry  *registry.TenantRegistry
	Ledger    ledger.Ledger
	Catalog   *tiers.Catalog
	Service   *provisioning.Service
	Processor *provisioning.Processor
	Verifier  *auth.Verifier
	Version   string

	// Optional; defaults are built when nil.
	WebhookLimiter *RateLimiter
	APILimiter     *RateLimiter
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	adminAuth := func(next http.Handler) http.Handler {
		return admin.AdminKeyMiddleware(deps.Config.AdminKey, next)
	}
	if deps.WebhookLimiter == nil {
		deps.WebhookLimiter = NewRateLimiter(120, time.Minute)
	}
	if deps.APILimiter == nil {
		deps.APILimiter = NewRateLimiter(30, time.Minute)
	}
	userAuth := func(h http.HandlerFunc) http.Handler {
		return deps.APILimiter.Middleware(deps.Verifier.RequireAuth(h))
	}

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("/healthz", admin.HandleHealthz)
	mux.HandleFunc("/readyz", admin.HandleReadyz(deps.Registry, deps.Ledger))

	// Status and metrics are private by default.
	statusHandler := http.HandlerFunc(admin.HandleStatus(deps.Registry, deps.Version))
	if deps.Config.PublicStatus {
		mux.Handle("/status", statusHandler)
	} else {
		mux.Handle("/status", adminAuth(statusHandler))
	}

	metricsHandler := promhttp.Handler()
	if deps.Config.PublicMetrics {
		mux.Handle("/metrics", metricsHandler)
	} else {
		mux.Handle("/metrics", adminAuth(metricsHandler))
	}

	// Stripe webhook (signature-authenticated)
	webhookHandler := cpstripe.NewWebhookHandler(deps.Config.StripeWebhookSecret, deps.Processor, deps.Catalog, deps.Config.WebhookTimeout)
	mux.Handle("/api/stripe/webhook", deps.WebhookLimiter.Middleware(webhookHandler))

	// Billing API (bearer-authenticated)
	mux.Handle("POST /api/billing/checkout", userAuth(api.HandleCheckout(deps.Service)))
	mux.Handle("POST /api/billing/portal", userAuth(api.HandlePortal(deps.Service)))
	mux.Handle("POST /api/billing/restore", userAuth(api.HandleRestore(deps.Service)))
	mux.Handle("POST /api/billing/provision", userAuth(api.HandleProvision(deps.Service)))

	// Admin API (key-authenticated)
	mux.Handle("/admin/tenants", adminAuth(admin.HandleListTenants(deps.Registry)))
	mux.Handle("/admin/reconcile", adminAuth(admin.HandleReconcile(deps.Service)))
}
