package provisioning

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	cperrors "github.com/inkdesk/studiocp/internal/errors"
	"github.com/inkdesk/studiocp/internal/studiocp/billing"
	"github.com/inkdesk/studiocp/internal/studiocp/cpmetrics"
	"github.com/inkdesk/studiocp/internal/studiocp/registry"
	"github.com/inkdesk/studiocp/internal/studiocp/tiers"
	"github.com/rs/zerolog/log"
)

// Processor applies billing events to tenants exactly once per event id.
type Processor struct {
	store    TenantStore
	ledger   EventLedger
	resolver *Resolver
	catalog  *tiers.Catalog
}

func NewProcessor(store TenantStore, ledger EventLedger, catalog *tiers.Catalog) *Processor {
	return &Processor{
		store:    store,
		ledger:   ledger,
		resolver: NewResolver(store),
		catalog:  catalog,
	}
}

// Process applies ev. A nil error means the event may be acknowledged; a
// non-nil error means the provider should redeliver it.
func (p *Processor) Process(ctx context.Context, ev BillingEvent) (Outcome, error) {
	outcome, err := p.process(ctx, ev)
	label := string(outcome)
	if err != nil {
		label = "error"
	}
	cpmetrics.WebhookEventsTotal.WithLabelValues(string(ev.Type), label).Inc()
	return outcome, err
}

func (p *Processor) process(ctx context.Context, ev BillingEvent) (Outcome, error) {
	if strings.TrimSpace(ev.ID) == "" {
		return "", cperrors.Validation("webhook", "event id is required", nil)
	}
	switch ev.Type {
	case EventCheckoutCompleted, EventInvoicePaid, EventSubscriptionUpdated, EventSubscriptionCanceled:
	default:
		return OutcomeIgnored, nil
	}

	seen, err := p.ledger.Seen(ctx, ev.ID)
	if err != nil {
		return "", fmt.Errorf("check event ledger: %w", err)
	}
	if seen {
		log.Debug().Str("event_id", ev.ID).Str("type", string(ev.Type)).Msg("Billing event already applied")
		return OutcomeDuplicate, nil
	}

	res, err := p.resolver.Resolve(ctx, p.resolveRequest(ev))
	if err != nil {
		if cperrors.KindOf(err) == cperrors.KindTenantResolution {
			// Not recorded in the ledger: a later redelivery may carry enough
			// to resolve.
			log.Warn().
				Str("event_id", ev.ID).
				Str("type", string(ev.Type)).
				Str("customer_id", ev.CustomerRef).
				Str("subscription_id", ev.SubscriptionRef).
				Msg("TenantResolutionFailure: billing event matches no tenant")
			return OutcomeUnresolvable, nil
		}
		return "", err
	}
	tenant := res.Tenant

	applied, err := applySnapshot(ctx, p.store, tenant.ID, p.snapshot(ev))
	if err != nil {
		return "", err
	}

	if err := p.store.EnsureMembership(ctx, tenant.ID, tenant.OwnerID, registry.RoleOwner); err != nil {
		return "", fmt.Errorf("ensure owner membership for %s: %w", tenant.ID, err)
	}
	if ev.Type == EventCheckoutCompleted {
		if err := p.store.MarkUserActive(ctx, tenant.OwnerID, ev.CustomerEmail); err != nil {
			return "", fmt.Errorf("activate owner %s: %w", tenant.OwnerID, err)
		}
	}

	if err := p.ledger.MarkApplied(ctx, ev.ID, string(ev.Type)); err != nil {
		return "", fmt.Errorf("record applied event %s: %w", ev.ID, err)
	}

	outcome := OutcomeProcessed
	if !applied.Applied {
		outcome = OutcomeStale
	}
	log.Info().
		Str("event_id", ev.ID).
		Str("type", string(ev.Type)).
		Str("tenant_id", tenant.ID).
		Bool("tenant_created", res.Created).
		Str("outcome", string(outcome)).
		Msg("Billing event processed")
	return outcome, nil
}

func (p *Processor) resolveRequest(ev BillingEvent) ResolveRequest {
	meta := ev.Metadata
	tenantID := strings.TrimSpace(meta[billing.MetaTenantID])
	if tenantID == "" {
		tenantID = strings.TrimSpace(ev.ClientReferenceID)
	}
	return ResolveRequest{
		TenantID:        tenantID,
		OwnerID:         meta[billing.MetaOwnerID],
		CustomerRef:     ev.CustomerRef,
		SubscriptionRef: ev.SubscriptionRef,
		TenantName:      meta[billing.MetaTenantName],
		CreateStatus:    registry.StatusPending,
		Source:          "webhook",
	}
}

// snapshot converts an event into the billing write it implies.
func (p *Processor) snapshot(ev BillingEvent) Snapshot {
	snap := Snapshot{
		Generation: ev.Created.Unix(),
		Source:     ev.ID,
	}

	switch ev.Type {
	case EventInvoicePaid:
		snap.Status = registry.StatusActive
		snap.StatusOnly = true
		return snap
	case EventCheckoutCompleted:
		snap.Status = registry.StatusActive
	case EventSubscriptionUpdated:
		snap.Status = billing.MapStatus(ev.Status)
	case EventSubscriptionCanceled:
		snap.Status = registry.StatusCanceled
	}

	snap.CustomerRef = ev.CustomerRef
	snap.SubscriptionRef = ev.SubscriptionRef
	snap.CurrentPeriodEnd = ev.CurrentPeriodEnd
	snap.Tier = p.deriveTier(ev.PriceID, ev.Metadata)
	snap.ExtraSeats = ev.ExtraSeats
	if ev.PriceID == "" {
		// Checkout sessions carry no line items; seats come from metadata.
		snap.ExtraSeats = metadataSeats(ev.Metadata)
	}
	return snap
}

func (p *Processor) deriveTier(priceID string, metadata map[string]string) tiers.Name {
	if p.catalog == nil {
		return tiers.NewCatalog(nil, "").Derive(priceID, metadata)
	}
	return p.catalog.Derive(priceID, metadata)
}

func metadataSeats(metadata map[string]string) int {
	raw := strings.TrimSpace(metadata[billing.MetaExtraSeats])
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// IsRetryable reports whether a Process error should be surfaced to the
// provider as a redelivery request.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, cperrors.ErrInvalidInput)
}
