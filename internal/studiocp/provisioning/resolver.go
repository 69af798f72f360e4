package provisioning

import (
	"context"
	"errors"
	"fmt"
	"strings"

	cperrors "github.com/inkdesk/studiocp/internal/errors"
	"github.com/inkdesk/studiocp/internal/studiocp/cpmetrics"
	"github.com/inkdesk/studiocp/internal/studiocp/registry"
	"github.com/rs/zerolog/log"
)

// ResolveRequest describes how to find, or create, the tenant a writer targets.
// Lookups run in field order; empty fields are skipped.
type ResolveRequest struct {
	// TenantID is the correlation token carried through checkout.
	TenantID        string
	OwnerID         string
	CustomerRef     string
	SubscriptionRef string

	// TenantName enables creation when no tenant is found.
	TenantName string
	// CreateStatus is the status a newly created tenant starts in.
	CreateStatus registry.SubscriptionStatus
	// Source labels metrics and logs (checkout, webhook, restore, ...).
	Source string
}

// Resolution is the result of Resolve.
type Resolution struct {
	Tenant  *registry.Tenant
	Created bool
}

// Resolver is the one resolve-or-create routine shared by every writer.
// Uniqueness on owner_id, not locking, prevents duplicate tenants.
type Resolver struct {
	store TenantStore
}

func NewResolver(store TenantStore) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the tenant for req, creating it when req allows. It returns
// a tenant_resolution error when nothing matches and creation is impossible.
func (r *Resolver) Resolve(ctx context.Context, req ResolveRequest) (Resolution, error) {
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	req.TenantName = strings.TrimSpace(req.TenantName)
	source := req.Source
	if source == "" {
		source = "unknown"
	}

	if t, err := r.lookup(ctx, req); err != nil || t != nil {
		if t != nil {
			cpmetrics.ProvisioningTotal.WithLabelValues(source, "found").Inc()
		}
		return Resolution{Tenant: t}, err
	}

	if req.OwnerID == "" || req.TenantName == "" {
		cpmetrics.ProvisioningTotal.WithLabelValues(source, "unresolvable").Inc()
		return Resolution{}, cperrors.TenantUnresolvable(source, nil)
	}

	id := req.TenantID
	if !registry.ValidTenantID(id) {
		generated, err := registry.GenerateTenantID()
		if err != nil {
			return Resolution{}, err
		}
		id = generated
	}
	status := req.CreateStatus
	if status == "" {
		status = registry.StatusPending
	}

	tenant := &registry.Tenant{
		ID:      id,
		OwnerID: req.OwnerID,
		Name:    req.TenantName,
		Status:  status,
	}
	err := r.store.Create(ctx, tenant)
	switch {
	case err == nil:
		cpmetrics.ProvisioningTotal.WithLabelValues(source, "created").Inc()
		log.Info().
			Str("tenant_id", tenant.ID).
			Str("owner_id", tenant.OwnerID).
			Str("status", string(tenant.Status)).
			Str("source", source).
			Msg("Tenant created")
		return Resolution{Tenant: tenant, Created: true}, nil
	case errors.Is(err, registry.ErrConflict):
		existing, ferr := r.afterConflict(ctx, id, req.OwnerID)
		if ferr != nil {
			return Resolution{}, ferr
		}
		cpmetrics.ProvisioningTotal.WithLabelValues(source, "conflict_resolved").Inc()
		log.Info().
			Str("tenant_id", existing.ID).
			Str("owner_id", req.OwnerID).
			Str("source", source).
			Msg("Tenant create raced with another writer; reusing existing tenant")
		return Resolution{Tenant: existing}, nil
	default:
		return Resolution{}, fmt.Errorf("create tenant for owner %s: %w", req.OwnerID, err)
	}
}

func (r *Resolver) lookup(ctx context.Context, req ResolveRequest) (*registry.Tenant, error) {
	if req.TenantID != "" {
		t, err := r.store.Get(ctx, req.TenantID)
		if err != nil || t != nil {
			return t, wrapLookup("id", err)
		}
	}
	if req.OwnerID != "" {
		t, err := r.store.GetByOwner(ctx, req.OwnerID)
		if err != nil || t != nil {
			return t, wrapLookup("owner", err)
		}
	}
	if req.SubscriptionRef != "" {
		t, err := r.store.GetBySubscriptionRef(ctx, req.SubscriptionRef)
		if err != nil || t != nil {
			return t, wrapLookup("subscription", err)
		}
	}
	if req.CustomerRef != "" {
		t, err := r.store.GetByCustomerRef(ctx, req.CustomerRef)
		if err != nil || t != nil {
			return t, wrapLookup("customer", err)
		}
	}
	return nil, nil
}

// afterConflict re-fetches the row that beat our insert: by owner first, then
// by the id we tried to use.
func (r *Resolver) afterConflict(ctx context.Context, id, ownerID string) (*registry.Tenant, error) {
	existing, err := r.store.GetByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("reload tenant after conflict: %w", err)
	}
	if existing != nil {
		return existing, nil
	}
	existing, err = r.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reload tenant after conflict: %w", err)
	}
	if existing == nil {
		return nil, fmt.Errorf("tenant create conflict for owner %s but no row found", ownerID)
	}
	return existing, nil
}

func wrapLookup(by string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("lookup tenant by %s: %w", by, err)
}
