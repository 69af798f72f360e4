package billing

import (
	"strings"
	"time"

	"github.com/inkdesk/studiocp/internal/studiocp/registry"
	"github.com/inkdesk/studiocp/internal/studiocp/tiers"
)

// Subscription is the provider-neutral view of a provider subscription.
type Subscription struct {
	ID               string
	CustomerRef      string
	Status           string // raw provider status
	Created          time.Time
	PriceID          string // plan price; the extra seat price is excluded
	ExtraSeats       int
	CurrentPeriodEnd *time.Time
	Metadata         map[string]string
}

// Item is one priced line of a subscription.
type Item struct {
	PriceID          string
	Quantity         int64
	CurrentPeriodEnd int64
}

// ItemSummary is what the control plane reads from a subscription's items.
type ItemSummary struct {
	PriceID          string
	ExtraSeats       int
	CurrentPeriodEnd *time.Time
}

// SummarizeItems separates the plan price from the extra seat line and picks
// the latest item period end.
func SummarizeItems(catalog *tiers.Catalog, items []Item) ItemSummary {
	var out ItemSummary
	var periodEnd int64
	for _, it := range items {
		if it.CurrentPeriodEnd > periodEnd {
			periodEnd = it.CurrentPeriodEnd
		}
		if catalog != nil && catalog.IsSeatPrice(it.PriceID) {
			out.ExtraSeats += int(it.Quantity)
			continue
		}
		if out.PriceID == "" {
			out.PriceID = it.PriceID
		}
	}
	if periodEnd > 0 {
		ts := time.Unix(periodEnd, 0).UTC()
		out.CurrentPeriodEnd = &ts
	}
	return out
}

func (s *Subscription) applyItems(catalog *tiers.Catalog, items []Item) {
	sum := SummarizeItems(catalog, items)
	s.PriceID = sum.PriceID
	s.ExtraSeats = sum.ExtraSeats
	s.CurrentPeriodEnd = sum.CurrentPeriodEnd
}

// MapStatus converts a Stripe subscription status to the local status.
// Unknown statuses fail closed (past_due).
func MapStatus(status string) registry.SubscriptionStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active":
		return registry.StatusActive
	case "trialing":
		return registry.StatusTrialing
	case "past_due", "unpaid", "paused":
		return registry.StatusPastDue
	case "canceled", "incomplete_expired":
		return registry.StatusCanceled
	case "incomplete":
		return registry.StatusPending
	default:
		return registry.StatusPastDue
	}
}

// IsActiveLike reports whether a raw provider status qualifies a subscription
// for restore and the provisioning safeguard.
func IsActiveLike(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active", "trialing":
		return true
	default:
		return false
	}
}

// IsSafeStripeID validates that a Stripe ID (cus_..., sub_...) is safe for
// use as a lookup key.
func IsSafeStripeID(stripeID string) bool {
	if len(stripeID) < 5 || len(stripeID) > 128 {
		return false
	}
	for i := 0; i < len(stripeID); i++ {
		c := stripeID[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-' {
			continue
		}
		return false
	}
	return true
}
