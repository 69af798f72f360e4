// Package provisioning keeps tenant billing state consistent with the billing
// provider. Every writer (checkout, webhook events, restore, the provisioning
// safeguard and the pending sweeper) resolves tenants through one Resolver and
// writes billing fields through one generation-guarded apply.
package provisioning

import (
	"context"
	"time"

	"github.com/inkdesk/studiocp/internal/studiocp/billing"
	"github.com/inkdesk/studiocp/internal/studiocp/registry"
)

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Email  string
}

// EventType is the provider-neutral kind of a billing event.
type EventType string

const (
	EventCheckoutCompleted    EventType = "checkout_completed"
	EventInvoicePaid          EventType = "invoice_paid"
	EventSubscriptionUpdated  EventType = "subscription_updated"
	EventSubscriptionCanceled EventType = "subscription_canceled"
)

// BillingEvent is an inbound provider notification carrying a snapshot of the
// affected object.
type BillingEvent struct {
	ID   string
	Type EventType
	// Created is the provider's creation time of the event; it is the
	// generation marker of the snapshot.
	Created time.Time

	ClientReferenceID string
	Metadata          map[string]string

	CustomerRef     string
	SubscriptionRef string
	CustomerEmail   string

	// Subscription snapshot fields.
	Status           string // raw provider status
	PriceID          string
	ExtraSeats       int
	CurrentPeriodEnd *time.Time
}

// Outcome reports what Process did with an event.
type Outcome string

const (
	OutcomeProcessed    Outcome = "processed"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeStale        Outcome = "stale"
	OutcomeUnresolvable Outcome = "unresolvable"
	OutcomeIgnored      Outcome = "ignored"
)

// TenantStore is the persistence the provisioning flows need.
type TenantStore interface {
	Create(ctx context.Context, t *registry.Tenant) error
	Get(ctx context.Context, id string) (*registry.Tenant, error)
	GetByOwner(ctx context.Context, ownerID string) (*registry.Tenant, error)
	GetByCustomerRef(ctx context.Context, customerRef string) (*registry.Tenant, error)
	GetBySubscriptionRef(ctx context.Context, subscriptionRef string) (*registry.Tenant, error)
	ApplyBilling(ctx context.Context, t *registry.Tenant, expectedBilling, expectedStatus int64) error
	SetCustomerRefIfEmpty(ctx context.Context, tenantID, customerRef string) (bool, error)
	ListPendingForSweep(ctx context.Context, q registry.PendingQuery) ([]*registry.Tenant, error)
	MarkSwept(ctx context.Context, tenantID string, at time.Time) error

	EnsureMembership(ctx context.Context, tenantID, userID string, role registry.Role) error
	UpsertUser(ctx context.Context, userID, email string) error
	MarkUserActive(ctx context.Context, userID, email string) error
	GetUser(ctx context.Context, userID string) (*registry.User, error)
}

// Gateway is the billing provider.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, req billing.CheckoutRequest) (string, error)
	CreatePortalSession(ctx context.Context, customerRef, returnURL string) (string, error)
	CreateCustomer(ctx context.Context, email, name string, metadata map[string]string) (string, error)
	FindActiveSubscription(ctx context.Context, email string) (*billing.Subscription, error)
}

// EventLedger remembers applied event ids.
type EventLedger interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	MarkApplied(ctx context.Context, eventID, eventType string) error
}
