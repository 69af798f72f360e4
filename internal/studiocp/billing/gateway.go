// Package billing wraps the Stripe API behind the small set of calls the
// control plane needs: hosted checkout and portal sessions, customer creation
// and subscription lookup by email.
package billing

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	cperrors "github.com/inkdesk/studiocp/internal/errors"
	"github.com/inkdesk/studiocp/internal/studiocp/tiers"
	"github.com/rs/zerolog/log"
	stripe "github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/subscription"
)

// Checkout metadata keys. They are attached to the session and copied onto the
// subscription so every later event can be correlated with the tenant.
const (
	MetaTenantID   = "tenant_id"
	MetaOwnerID    = "owner_id"
	MetaTier       = "tier"
	MetaExtraSeats = "extra_seats"
	MetaTenantName = "tenant_name"
)

// maxCustomersPerLookup bounds how many customers sharing one email are
// inspected when looking for a subscription.
const maxCustomersPerLookup = 10

// Config configures a StripeGateway.
type Config struct {
	APIKey string
	// APIURL overrides the Stripe API base URL (tests, stripe-mock).
	APIURL string
	// Timeout bounds each provider call.
	Timeout time.Duration
	// ReadRetries is the number of retries for idempotent reads.
	ReadRetries int
	// RetryInitialInterval seeds the exponential backoff between read retries.
	RetryInitialInterval time.Duration
	HTTPClient           *http.Client
}

// CheckoutRequest carries everything needed to open a hosted checkout session.
type CheckoutRequest struct {
	TenantID      string
	OwnerID       string
	TenantName    string
	Tier          tiers.Name
	ExtraSeats    int
	CustomerRef   string
	CustomerEmail string
	SuccessURL    string
	CancelURL     string
}

// StripeGateway talks to Stripe with its own backend and key. Nothing here
// touches the stripe package globals.
type StripeGateway struct {
	catalog   *tiers.Catalog
	cfg       Config
	customers customer.Client
	subs      subscription.Client
	checkout  checkoutsession.Client
	portal    portalsession.Client
}

// NewStripeGateway builds a gateway. Session and customer creation are never
// retried by the client library; reads are retried by the gateway itself.
func NewStripeGateway(cfg Config, catalog *tiers.Catalog) (*StripeGateway, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, fmt.Errorf("stripe api key is required")
	}
	if catalog == nil {
		return nil, fmt.Errorf("tier catalog is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ReadRetries < 0 {
		cfg.ReadRetries = 0
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = 250 * time.Millisecond
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	backendCfg := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     newLeveledLogger(),
	}
	if u := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/"); u != "" {
		backendCfg.URL = stripe.String(u)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)

	return &StripeGateway{
		catalog:   catalog,
		cfg:       cfg,
		customers: customer.Client{B: backend, Key: key},
		subs:      subscription.Client{B: backend, Key: key},
		checkout:  checkoutsession.Client{B: backend, Key: key},
		portal:    portalsession.Client{B: backend, Key: key},
	}, nil
}

// CreateCheckoutSession opens a subscription-mode hosted checkout and returns
// its URL.
func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (string, error) {
	tierPrice, err := g.catalog.PriceFor(req.Tier)
	if err != nil {
		return "", err
	}
	lineItems := []*stripe.CheckoutSessionLineItemParams{
		{Price: stripe.String(tierPrice), Quantity: stripe.Int64(1)},
	}
	if req.ExtraSeats > 0 {
		seatPrice := g.catalog.SeatPrice()
		if seatPrice == "" {
			return "", cperrors.Validation("checkout", "Extra seats are not available for purchase", cperrors.ErrInvalidTier)
		}
		lineItems = append(lineItems, &stripe.CheckoutSessionLineItemParams{
			Price:    stripe.String(seatPrice),
			Quantity: stripe.Int64(int64(req.ExtraSeats)),
		})
	}

	metadata := map[string]string{
		MetaTenantID:   req.TenantID,
		MetaOwnerID:    req.OwnerID,
		MetaTier:       string(req.Tier),
		MetaExtraSeats: strconv.Itoa(req.ExtraSeats),
		MetaTenantName: req.TenantName,
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.TenantID),
		LineItems:         lineItems,
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: copyMetadata(metadata),
		},
		Metadata: metadata,
	}
	params.Context = ctx
	if req.CustomerRef != "" {
		params.Customer = stripe.String(req.CustomerRef)
	} else if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}

	sess, err := g.checkout.New(params)
	recordProviderCall("checkout_session", err)
	if err != nil {
		return "", classify("create checkout session", err)
	}
	if sess == nil || strings.TrimSpace(sess.URL) == "" {
		return "", fmt.Errorf("stripe returned empty checkout URL")
	}

	log.Info().
		Str("tenant_id", req.TenantID).
		Str("owner_id", req.OwnerID).
		Str("tier", string(req.Tier)).
		Int("extra_seats", req.ExtraSeats).
		Str("session_id", sess.ID).
		Msg("Stripe checkout session created")
	return strings.TrimSpace(sess.URL), nil
}

// CreatePortalSession returns a hosted customer portal URL.
func (g *StripeGateway) CreatePortalSession(ctx context.Context, customerRef, returnURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerRef),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx

	sess, err := g.portal.New(params)
	recordProviderCall("portal_session", err)
	if err != nil {
		return "", classify("create portal session", err)
	}
	if sess == nil || strings.TrimSpace(sess.URL) == "" {
		return "", fmt.Errorf("stripe returned empty portal URL")
	}
	return strings.TrimSpace(sess.URL), nil
}

// CreateCustomer creates a provider customer and returns its reference.
func (g *StripeGateway) CreateCustomer(ctx context.Context, email, name string, metadata map[string]string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	params := &stripe.CustomerParams{
		Email:    stripe.String(email),
		Metadata: copyMetadata(metadata),
	}
	if name != "" {
		params.Name = stripe.String(name)
	}
	params.Context = ctx

	c, err := g.customers.New(params)
	recordProviderCall("create_customer", err)
	if err != nil {
		return "", classify("create customer", err)
	}
	return c.ID, nil
}

// FindActiveSubscription searches customers by email and returns the most
// recently created active or trialing subscription across them. It returns
// (nil, nil) when none exists.
func (g *StripeGateway) FindActiveSubscription(ctx context.Context, email string) (*Subscription, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, nil
	}

	var best *Subscription
	err := g.retryRead(ctx, "find_subscription", func(ctx context.Context) error {
		best = nil
		customerIDs, err := g.searchCustomers(ctx, email)
		if err != nil {
			return err
		}
		for _, id := range customerIDs {
			found, err := g.latestActiveSubscription(ctx, id)
			if err != nil {
				return err
			}
			if found != nil && (best == nil || found.Created.After(best.Created)) {
				best = found
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return best, nil
}

func (g *StripeGateway) searchCustomers(ctx context.Context, email string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	params := &stripe.CustomerSearchParams{
		SearchParams: stripe.SearchParams{
			Query:   fmt.Sprintf("email:'%s'", escapeSearchValue(email)),
			Context: ctx,
		},
	}
	params.Limit = stripe.Int64(maxCustomersPerLookup)

	var ids []string
	iter := g.customers.Search(params)
	for iter.Next() && len(ids) < maxCustomersPerLookup {
		if c := iter.Customer(); c != nil && c.ID != "" {
			ids = append(ids, c.ID)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("search customers: %w", err)
	}
	return ids, nil
}

func (g *StripeGateway) latestActiveSubscription(ctx context.Context, customerID string) (*Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	params.Context = ctx

	var best *stripe.Subscription
	iter := g.subs.List(params)
	for iter.Next() {
		s := iter.Subscription()
		if s == nil || !IsActiveLike(string(s.Status)) {
			continue
		}
		if best == nil || s.Created > best.Created {
			best = s
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list subscriptions for %s: %w", customerID, err)
	}
	if best == nil {
		return nil, nil
	}
	return g.fromStripe(best, customerID), nil
}

func (g *StripeGateway) fromStripe(s *stripe.Subscription, customerID string) *Subscription {
	out := &Subscription{
		ID:          s.ID,
		CustomerRef: customerID,
		Status:      string(s.Status),
		Created:     time.Unix(s.Created, 0).UTC(),
		Metadata:    copyMetadata(s.Metadata),
	}
	if s.Customer != nil && s.Customer.ID != "" {
		out.CustomerRef = s.Customer.ID
	}
	if s.Items != nil {
		var items []Item
		for _, it := range s.Items.Data {
			if it == nil {
				continue
			}
			item := Item{Quantity: it.Quantity, CurrentPeriodEnd: it.CurrentPeriodEnd}
			if it.Price != nil {
				item.PriceID = it.Price.ID
			}
			items = append(items, item)
		}
		out.applyItems(g.catalog, items)
	}
	return out
}

func escapeSearchValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	return strings.ReplaceAll(v, `'`, `\'`)
}

func copyMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
