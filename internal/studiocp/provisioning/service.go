package provisioning

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	cperrors "github.com/inkdesk/studiocp/internal/errors"
	"github.com/inkdesk/studiocp/internal/studiocp/billing"
	"github.com/inkdesk/studiocp/internal/studiocp/registry"
	"github.com/inkdesk/studiocp/internal/studiocp/tiers"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

// pullGenerationSkew is subtracted from the local clock when stamping pulled
// snapshots, which are ordered against provider event timestamps.
const pullGenerationSkew = 2 * time.Second

// DefaultTenantName names tenants created from provider data when neither the
// caller nor the subscription supplies a name.
const DefaultTenantName = "My Studio"

// ServiceConfig configures a Service.
type ServiceConfig struct {
	// BaseURL is where the customer portal returns to.
	BaseURL string
	// Now overrides the clock used for pull generation markers.
	Now func() time.Time
	// PendingMaxAge bounds how long after its last billing change a pending
	// tenant is still swept. Zero uses DefaultPendingMaxAge.
	PendingMaxAge time.Duration
}

// Service implements the interactive provisioning flows: checkout, portal,
// restore and the provisioning safeguard.
type Service struct {
	store    TenantStore
	gateway  Gateway
	resolver *Resolver
	catalog  *tiers.Catalog
	baseURL  string
	now      func() time.Time

	pendingMaxAge time.Duration
}

func NewService(store TenantStore, gateway Gateway, catalog *tiers.Catalog, cfg ServiceConfig) *Service {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if catalog == nil {
		catalog = tiers.NewCatalog(nil, "")
	}
	maxAge := cfg.PendingMaxAge
	if maxAge <= 0 {
		maxAge = DefaultPendingMaxAge
	}
	return &Service{
		store:    store,
		gateway:  gateway,
		resolver: NewResolver(store),
		catalog:  catalog,
		baseURL:  strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		now:      now,

		pendingMaxAge: maxAge,
	}
}

// CheckoutParams is the caller input for StartCheckout.
type CheckoutParams struct {
	Tier       string
	ExtraSeats int
	TenantName string
	SuccessURL string
	CancelURL  string
}

// StartCheckout pre-provisions the caller's tenant when needed and returns a
// hosted checkout URL.
func (s *Service) StartCheckout(ctx context.Context, id Identity, params CheckoutParams) (string, error) {
	const op = "checkout"
	if err := requireIdentity(op, id); err != nil {
		return "", err
	}
	tier, err := tiers.Lookup(params.Tier)
	if err != nil {
		return "", cperrors.Validation(op, "Unknown tier", err)
	}
	if _, err := tier.Limits(params.ExtraSeats); err != nil {
		return "", cperrors.Validation(op, fmt.Sprintf("Tier %s does not offer %d extra seats", tier.Name, params.ExtraSeats), err)
	}
	if _, err := s.catalog.PriceFor(tier.Name); err != nil {
		return "", cperrors.Validation(op, fmt.Sprintf("Tier %s is not available for purchase", tier.Name), err)
	}
	if params.ExtraSeats > 0 && s.catalog.SeatPrice() == "" {
		return "", cperrors.Validation(op, "Extra seats are not available for purchase", cperrors.ErrInvalidTier)
	}
	if err := validateRedirectURL(params.SuccessURL); err != nil {
		return "", cperrors.Validation(op, "success_url must be an absolute http(s) URL", err)
	}
	if err := validateRedirectURL(params.CancelURL); err != nil {
		return "", cperrors.Validation(op, "cancel_url must be an absolute http(s) URL", err)
	}

	if err := s.store.UpsertUser(ctx, id.UserID, id.Email); err != nil {
		return "", fmt.Errorf("record user %s: %w", id.UserID, err)
	}

	tenant, err := s.store.GetByOwner(ctx, id.UserID)
	if err != nil {
		return "", fmt.Errorf("lookup tenant by owner: %w", err)
	}
	if tenant == nil {
		name := strings.TrimSpace(params.TenantName)
		if name == "" {
			return "", cperrors.TenantRequired(op)
		}
		res, err := s.resolver.Resolve(ctx, ResolveRequest{
			OwnerID:      id.UserID,
			TenantName:   name,
			CreateStatus: registry.StatusPending,
			Source:       op,
		})
		if err != nil {
			return "", err
		}
		tenant = res.Tenant
	}
	if err := s.store.EnsureMembership(ctx, tenant.ID, id.UserID, registry.RoleOwner); err != nil {
		log.Warn().Err(err).
			Str("tenant_id", tenant.ID).
			Str("owner_id", id.UserID).
			Msg("Failed to ensure owner membership during checkout")
	}

	checkoutURL, err := s.gateway.CreateCheckoutSession(ctx, billing.CheckoutRequest{
		TenantID:      tenant.ID,
		OwnerID:       id.UserID,
		TenantName:    tenant.Name,
		Tier:          tier.Name,
		ExtraSeats:    params.ExtraSeats,
		CustomerRef:   tenant.BillingCustomerRef,
		CustomerEmail: id.Email,
		SuccessURL:    params.SuccessURL,
		CancelURL:     params.CancelURL,
	})
	if err != nil {
		return "", err
	}
	return checkoutURL, nil
}

// Portal returns a hosted billing portal URL for the caller's tenant, creating
// the provider customer on first use.
func (s *Service) Portal(ctx context.Context, id Identity) (string, error) {
	const op = "portal"
	if err := requireIdentity(op, id); err != nil {
		return "", err
	}
	tenant, err := s.store.GetByOwner(ctx, id.UserID)
	if err != nil {
		return "", fmt.Errorf("lookup tenant by owner: %w", err)
	}
	if tenant == nil {
		return "", cperrors.TenantRequired(op)
	}

	customerRef := tenant.BillingCustomerRef
	if customerRef == "" {
		created, err := s.gateway.CreateCustomer(ctx, id.Email, tenant.Name, map[string]string{
			billing.MetaTenantID: tenant.ID,
			billing.MetaOwnerID:  tenant.OwnerID,
		})
		if err != nil {
			return "", err
		}
		won, err := s.store.SetCustomerRefIfEmpty(ctx, tenant.ID, created)
		if err != nil {
			return "", err
		}
		customerRef = created
		if !won {
			reloaded, err := s.store.Get(ctx, tenant.ID)
			if err != nil {
				return "", fmt.Errorf("reload tenant %s: %w", tenant.ID, err)
			}
			if reloaded != nil && reloaded.BillingCustomerRef != "" {
				customerRef = reloaded.BillingCustomerRef
			}
			log.Info().
				Str("tenant_id", tenant.ID).
				Str("customer_id", customerRef).
				Str("discarded_customer_id", created).
				Msg("Customer created concurrently; using stored customer")
		}
	}

	return s.gateway.CreatePortalSession(ctx, customerRef, s.baseURL)
}

// RestoreResult is returned by Restore and ReconcileOwner.
type RestoreResult struct {
	Success  bool   `json:"success"`
	Tier     string `json:"tier"`
	TenantID string `json:"tenant_id,omitempty"`
}

// Restore pulls the caller's subscription from the provider and rebuilds the
// local tenant from it.
func (s *Service) Restore(ctx context.Context, id Identity) (RestoreResult, error) {
	const op = "restore"
	if err := requireIdentity(op, id); err != nil {
		return RestoreResult{}, err
	}
	if err := s.store.UpsertUser(ctx, id.UserID, id.Email); err != nil {
		return RestoreResult{}, fmt.Errorf("record user %s: %w", id.UserID, err)
	}
	return s.reconcileOwner(ctx, op, id.UserID, id.Email, "")
}

// ReconcileOwner runs the restore flow for an arbitrary owner on behalf of an
// operator.
func (s *Service) ReconcileOwner(ctx context.Context, ownerID, email string) (RestoreResult, error) {
	const op = "admin_reconcile"
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return RestoreResult{}, cperrors.Validation(op, "owner_id is required", nil)
	}
	return s.reconcileOwner(ctx, op, ownerID, email, "")
}

// ProvisionResult is returned by EnsureProvisioned.
type ProvisionResult struct {
	Success  bool   `json:"success"`
	TenantID string `json:"tenant_id"`
}

// EnsureProvisioned makes sure the caller has a tenant when the provider holds
// a qualifying subscription. Existing tenants are returned without a provider
// call.
func (s *Service) EnsureProvisioned(ctx context.Context, id Identity, tenantName string) (ProvisionResult, error) {
	const op = "provision"
	if err := requireIdentity(op, id); err != nil {
		return ProvisionResult{}, err
	}
	tenantName = strings.TrimSpace(tenantName)
	if tenantName == "" {
		return ProvisionResult{}, cperrors.Validation(op, "tenant_name is required", nil)
	}

	existing, err := s.store.GetByOwner(ctx, id.UserID)
	if err != nil {
		return ProvisionResult{}, fmt.Errorf("lookup tenant by owner: %w", err)
	}
	if existing != nil {
		if err := s.store.EnsureMembership(ctx, existing.ID, id.UserID, registry.RoleOwner); err != nil {
			return ProvisionResult{}, fmt.Errorf("ensure owner membership for %s: %w", existing.ID, err)
		}
		return ProvisionResult{Success: true, TenantID: existing.ID}, nil
	}

	if err := s.store.UpsertUser(ctx, id.UserID, id.Email); err != nil {
		return ProvisionResult{}, fmt.Errorf("record user %s: %w", id.UserID, err)
	}
	res, err := s.reconcileOwner(ctx, op, id.UserID, id.Email, tenantName)
	if err != nil {
		return ProvisionResult{}, err
	}
	return ProvisionResult{Success: true, TenantID: res.TenantID}, nil
}

// reconcileOwner is the shared pull path: find the owner's qualifying
// subscription, resolve-or-create the tenant as active and overwrite its
// billing fields with the fetched snapshot.
func (s *Service) reconcileOwner(ctx context.Context, op, ownerID, email, tenantName string) (RestoreResult, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return RestoreResult{}, cperrors.Validation(op, "A verified email is required", nil)
	}

	// Stamped before the read: events applied while it is in flight are newer
	// than what it returns.
	fetchedAt := s.now().Add(-pullGenerationSkew)
	sub, err := s.gateway.FindActiveSubscription(ctx, email)
	if err != nil {
		return RestoreResult{}, err
	}
	if sub == nil {
		return RestoreResult{}, cperrors.NoActiveSubscription(op)
	}
	pullID := op + ":" + ulid.Make().String()

	name := tenantName
	if name == "" {
		name = strings.TrimSpace(sub.Metadata[billing.MetaTenantName])
	}
	if name == "" {
		name = DefaultTenantName
	}

	res, err := s.resolver.Resolve(ctx, ResolveRequest{
		OwnerID:      ownerID,
		TenantName:   name,
		CreateStatus: registry.StatusActive,
		Source:       op,
	})
	if err != nil {
		return RestoreResult{}, err
	}

	tier := s.catalog.Derive(sub.PriceID, sub.Metadata)
	out, err := applySnapshot(ctx, s.store, res.Tenant.ID, Snapshot{
		Generation:       fetchedAt.Unix(),
		Source:           pullID,
		Status:           billing.MapStatus(sub.Status),
		CustomerRef:      sub.CustomerRef,
		SubscriptionRef:  sub.ID,
		Tier:             tier,
		ExtraSeats:       sub.ExtraSeats,
		CurrentPeriodEnd: sub.CurrentPeriodEnd,
	})
	if err != nil {
		return RestoreResult{}, err
	}
	if err := s.store.EnsureMembership(ctx, res.Tenant.ID, ownerID, registry.RoleOwner); err != nil {
		return RestoreResult{}, fmt.Errorf("ensure owner membership for %s: %w", res.Tenant.ID, err)
	}

	resultTier := string(tier)
	if resultTier == "" && out.Tenant != nil {
		resultTier = out.Tenant.Tier
	}
	log.Info().
		Str("op", op).
		Str("pull_id", pullID).
		Str("tenant_id", res.Tenant.ID).
		Str("owner_id", ownerID).
		Str("subscription_id", sub.ID).
		Str("tier", resultTier).
		Bool("tenant_created", res.Created).
		Bool("applied", out.Applied).
		Msg("Tenant reconciled from billing provider")
	return RestoreResult{Success: true, Tier: resultTier, TenantID: res.Tenant.ID}, nil
}

func requireIdentity(op string, id Identity) error {
	if strings.TrimSpace(id.UserID) == "" {
		return cperrors.New(cperrors.KindAuthentication, op, "Authentication required", cperrors.ErrUnauthenticated)
	}
	return nil
}

func validateRedirectURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("url is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url has no host")
	}
	return nil
}
