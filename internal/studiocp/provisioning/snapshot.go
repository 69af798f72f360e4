package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/inkdesk/studiocp/internal/studiocp/cpmetrics"
	"github.com/inkdesk/studiocp/internal/studiocp/registry"
	"github.com/inkdesk/studiocp/internal/studiocp/tiers"
	"github.com/rs/zerolog/log"
)

// maxApplyAttempts bounds compare-and-swap retries for one snapshot.
const maxApplyAttempts = 5

// Snapshot is a point-in-time view of a tenant's billing state as reported by
// the provider. Zero-valued optional fields leave the stored value untouched.
type Snapshot struct {
	// Generation orders snapshots. Older snapshots never overwrite newer ones.
	Generation int64
	// Source is the event id or pull label that produced the snapshot.
	Source string

	Status registry.SubscriptionStatus
	// StatusOnly restricts the write to the status field. Status-only writes
	// are ordered against the status generation and leave the billing
	// generation alone, so an older full snapshot can still fill in refs and
	// limits afterwards.
	StatusOnly bool

	CustomerRef      string
	SubscriptionRef  string
	Tier             tiers.Name
	ExtraSeats       int
	CurrentPeriodEnd *time.Time
}

// applyResult reports what applySnapshot did.
type applyResult struct {
	Tenant  *registry.Tenant
	Applied bool
}

// applySnapshot writes snap onto the tenant with a compare-and-swap on the
// stored generations. The billing generation orders full snapshots and the
// status generation orders every status write. A snapshot strictly older than
// the marker it is checked against is discarded; equal generations are
// applied.
func applySnapshot(ctx context.Context, store TenantStore, tenantID string, snap Snapshot) (applyResult, error) {
	for attempt := 1; attempt <= maxApplyAttempts; attempt++ {
		current, err := store.Get(ctx, tenantID)
		if err != nil {
			return applyResult{}, fmt.Errorf("load tenant %s: %w", tenantID, err)
		}
		if current == nil {
			return applyResult{}, fmt.Errorf("tenant %s disappeared during billing write", tenantID)
		}

		next := *current
		applied := mergeSnapshot(&next, snap)
		if !applied {
			if !fillMissing(&next, snap) {
				cpmetrics.BillingWritesTotal.WithLabelValues("stale").Inc()
				log.Info().
					Str("tenant_id", tenantID).
					Str("source", snap.Source).
					Int64("incoming_generation", snap.Generation).
					Int64("stored_generation", current.BillingGeneration).
					Int64("stored_status_generation", current.StatusGeneration).
					Msg("Discarding stale billing snapshot")
				return applyResult{Tenant: current, Applied: false}, nil
			}
		}

		err = store.ApplyBilling(ctx, &next, current.BillingGeneration, current.StatusGeneration)
		if errors.Is(err, registry.ErrGenerationMismatch) {
			cpmetrics.BillingWritesTotal.WithLabelValues("cas_retry").Inc()
			log.Debug().
				Str("tenant_id", tenantID).
				Int("attempt", attempt).
				Msg("Billing generation moved, retrying")
			continue
		}
		if err != nil {
			return applyResult{}, fmt.Errorf("apply billing to %s: %w", tenantID, err)
		}
		if !applied {
			cpmetrics.BillingWritesTotal.WithLabelValues("stale_filled").Inc()
			log.Info().
				Str("tenant_id", tenantID).
				Str("source", snap.Source).
				Int64("incoming_generation", snap.Generation).
				Msg("Filled missing billing fields from stale snapshot")
			return applyResult{Tenant: &next, Applied: false}, nil
		}
		cpmetrics.BillingWritesTotal.WithLabelValues("applied").Inc()
		return applyResult{Tenant: &next, Applied: true}, nil
	}
	return applyResult{}, fmt.Errorf("apply billing to %s: generation kept changing after %d attempts", tenantID, maxApplyAttempts)
}

// mergeSnapshot applies snap onto t and reports whether it was new enough to
// change anything.
func mergeSnapshot(t *registry.Tenant, snap Snapshot) bool {
	statusFresh := snap.Generation >= t.StatusGeneration
	if snap.StatusOnly {
		if !statusFresh {
			return false
		}
		if snap.Status != "" {
			t.Status = snap.Status
		}
		t.StatusGeneration = snap.Generation
		t.BillingEventID = snap.Source
		return true
	}

	if snap.Generation < t.BillingGeneration {
		return false
	}
	t.BillingGeneration = snap.Generation
	t.BillingEventID = snap.Source
	if statusFresh {
		if snap.Status != "" {
			t.Status = snap.Status
		}
		t.StatusGeneration = snap.Generation
	}
	if snap.CustomerRef != "" {
		t.BillingCustomerRef = snap.CustomerRef
	}
	if snap.SubscriptionRef != "" {
		t.BillingSubscriptionRef = snap.SubscriptionRef
	}
	if snap.CurrentPeriodEnd != nil {
		end := snap.CurrentPeriodEnd.UTC()
		t.CurrentPeriodEnd = &end
	}
	if snap.Tier != "" {
		setTier(t, snap.Tier, snap.ExtraSeats)
	}
	return true
}

// fillMissing copies refs and tier from a stale full snapshot into fields the
// tenant has never had. Generations and status are left alone.
func fillMissing(t *registry.Tenant, snap Snapshot) bool {
	if snap.StatusOnly {
		return false
	}
	filled := false
	if t.BillingCustomerRef == "" && snap.CustomerRef != "" {
		t.BillingCustomerRef = snap.CustomerRef
		filled = true
	}
	if t.BillingSubscriptionRef == "" && snap.SubscriptionRef != "" {
		t.BillingSubscriptionRef = snap.SubscriptionRef
		filled = true
	}
	if t.Tier == "" && snap.Tier != "" && setTier(t, snap.Tier, snap.ExtraSeats) {
		filled = true
	}
	return filled
}

func setTier(t *registry.Tenant, name tiers.Name, extraSeats int) bool {
	limits, ok := providerLimits(name, extraSeats)
	if !ok {
		return false
	}
	t.Tier = string(name)
	t.MaxArtists = limits.MaxArtists
	t.MaxManagers = limits.MaxManagers
	t.ExtraSlots = limits.ExtraSlots
	return true
}

// providerLimits derives limits from provider-reported data. Unlike checkout
// input, provider data is never rejected: seat counts a tier does not offer
// are clamped.
func providerLimits(name tiers.Name, extraSeats int) (tiers.Limits, bool) {
	tier, err := tiers.Lookup(string(name))
	if err != nil {
		return tiers.Limits{}, false
	}
	if extraSeats < 0 || !tier.AllowsExtraSeats {
		extraSeats = 0
	}
	if extraSeats > tiers.MaxExtraSeats {
		extraSeats = tiers.MaxExtraSeats
	}
	limits, err := tier.Limits(extraSeats)
	if err != nil {
		return tiers.Limits{}, false
	}
	return limits, true
}
