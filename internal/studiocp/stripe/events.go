package stripe

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/inkdesk/studiocp/internal/studiocp/billing"
	"github.com/inkdesk/studiocp/internal/studiocp/provisioning"
	"github.com/inkdesk/studiocp/internal/studiocp/tiers"
	stripelib "github.com/stripe/stripe-go/v82"
)

// CheckoutSession is a minimal representation of a Stripe checkout.session event.
type CheckoutSession struct {
	ID                string `json:"id"`
	Mode              string `json:"mode"`
	Customer          string `json:"customer"`
	Subscription      string `json:"subscription"`
	ClientReferenceID string `json:"client_reference_id"`
	CustomerEmail     string `json:"customer_email"`
	CustomerDetails   struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	Metadata map[string]string `json:"metadata"`
}

// Subscription is a minimal representation of a Stripe subscription event.
type Subscription struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Status   string `json:"status"`
	// Older API versions report the period end on the subscription itself.
	CurrentPeriodEnd int64 `json:"current_period_end"`
	Items            struct {
		Data []struct {
			Quantity         int64 `json:"quantity"`
			CurrentPeriodEnd int64 `json:"current_period_end"`
			Price            struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

// Invoice is a minimal representation of a Stripe invoice event. Newer API
// versions move the subscription under parent.subscription_details.
type Invoice struct {
	ID            string `json:"id"`
	Customer      string `json:"customer"`
	CustomerEmail string `json:"customer_email"`
	Subscription  string `json:"subscription"`
	Parent        struct {
		SubscriptionDetails struct {
			Subscription string            `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (inv *Invoice) subscriptionRef() string {
	if s := strings.TrimSpace(inv.Parent.SubscriptionDetails.Subscription); s != "" {
		return s
	}
	return strings.TrimSpace(inv.Subscription)
}

// toBillingEvent translates a verified Stripe event into a provider-neutral
// billing event. ok is false for event types the control plane ignores.
func toBillingEvent(event *stripelib.Event, catalog *tiers.Catalog) (ev provisioning.BillingEvent, ok bool, err error) {
	ev = provisioning.BillingEvent{
		ID:      event.ID,
		Created: time.Unix(event.Created, 0).UTC(),
	}

	switch event.Type {
	case "checkout.session.completed":
		var session CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return ev, false, fmt.Errorf("decode checkout.session: %w", err)
		}
		if session.Mode != "" && session.Mode != "subscription" {
			return ev, false, nil
		}
		ev.Type = provisioning.EventCheckoutCompleted
		ev.ClientReferenceID = strings.TrimSpace(session.ClientReferenceID)
		ev.Metadata = session.Metadata
		ev.CustomerRef = safeRef(session.Customer)
		ev.SubscriptionRef = safeRef(session.Subscription)
		ev.CustomerEmail = strings.TrimSpace(session.CustomerDetails.Email)
		if ev.CustomerEmail == "" {
			ev.CustomerEmail = strings.TrimSpace(session.CustomerEmail)
		}
		return ev, true, nil

	case "invoice.paid":
		var inv Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return ev, false, fmt.Errorf("decode invoice: %w", err)
		}
		if inv.subscriptionRef() == "" {
			// One-off invoices do not affect subscription state.
			return ev, false, nil
		}
		ev.Type = provisioning.EventInvoicePaid
		ev.Metadata = inv.Parent.SubscriptionDetails.Metadata
		ev.CustomerRef = safeRef(inv.Customer)
		ev.SubscriptionRef = safeRef(inv.subscriptionRef())
		ev.CustomerEmail = strings.TrimSpace(inv.CustomerEmail)
		return ev, true, nil

	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return ev, false, fmt.Errorf("decode subscription: %w", err)
		}
		ev.Type = provisioning.EventSubscriptionUpdated
		if event.Type == "customer.subscription.deleted" {
			ev.Type = provisioning.EventSubscriptionCanceled
		}
		ev.Metadata = sub.Metadata
		ev.CustomerRef = safeRef(sub.Customer)
		ev.SubscriptionRef = safeRef(sub.ID)
		ev.Status = sub.Status

		items := make([]billing.Item, 0, len(sub.Items.Data))
		for _, it := range sub.Items.Data {
			items = append(items, billing.Item{
				PriceID:          it.Price.ID,
				Quantity:         it.Quantity,
				CurrentPeriodEnd: it.CurrentPeriodEnd,
			})
		}
		summary := billing.SummarizeItems(catalog, items)
		ev.PriceID = summary.PriceID
		ev.ExtraSeats = summary.ExtraSeats
		ev.CurrentPeriodEnd = summary.CurrentPeriodEnd
		if ev.CurrentPeriodEnd == nil && sub.CurrentPeriodEnd > 0 {
			end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
			ev.CurrentPeriodEnd = &end
		}
		return ev, true, nil

	default:
		return ev, false, nil
	}
}

func safeRef(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !billing.IsSafeStripeID(id) {
		return ""
	}
	return id
}
