package provisioning

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/inkdesk/studiocp/internal/studiocp/billing"
	"github.com/inkdesk/studiocp/internal/studiocp/ledger"
	"github.com/inkdesk/studiocp/internal/studiocp/registry"
	"github.com/inkdesk/studiocp/internal/studiocp/tiers"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testCatalog() *tiers.Catalog {
	return tiers.NewCatalog(map[tiers.Name]string{
		tiers.Basic:  "price_basic",
		tiers.Pro:    "price_pro",
		tiers.Studio: "price_studio",
	}, "price_seat")
}

type fakeGateway struct {
	mu sync.Mutex

	sub     *billing.Subscription
	findErr error

	checkoutErr error
	onCheckout  func(req billing.CheckoutRequest)

	findCalls     int
	checkoutReqs  []billing.CheckoutRequest
	customerCalls int
	portalRefs    []string
}

func (g *fakeGateway) CreateCheckoutSession(_ context.Context, req billing.CheckoutRequest) (string, error) {
	g.mu.Lock()
	hook := g.onCheckout
	g.checkoutReqs = append(g.checkoutReqs, req)
	err := g.checkoutErr
	g.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	if err != nil {
		return "", err
	}
	return "https://checkout.test/session/" + req.TenantID, nil
}

func (g *fakeGateway) CreatePortalSession(_ context.Context, customerRef, returnURL string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.portalRefs = append(g.portalRefs, customerRef)
	return "https://portal.test/" + customerRef, nil
}

func (g *fakeGateway) CreateCustomer(_ context.Context, email, name string, metadata map[string]string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.customerCalls++
	if g.customerCalls == 1 {
		return "cus_first", nil
	}
	return "cus_later", nil
}

func (g *fakeGateway) FindActiveSubscription(_ context.Context, email string) (*billing.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.findCalls++
	if g.findErr != nil {
		return nil, g.findErr
	}
	if g.sub == nil {
		return nil, nil
	}
	cp := *g.sub
	return &cp, nil
}

func (g *fakeGateway) calls() (find, checkout int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.findCalls, len(g.checkoutReqs)
}

// flakyLedger fails MarkApplied while failMark is set, simulating a crash
// between the tenant write and the ledger write.
type flakyLedger struct {
	EventLedger
	mu       sync.Mutex
	failMark bool
}

func (l *flakyLedger) MarkApplied(ctx context.Context, eventID, eventType string) error {
	l.mu.Lock()
	fail := l.failMark
	l.mu.Unlock()
	if fail {
		return errors.New("ledger unavailable")
	}
	return l.EventLedger.MarkApplied(ctx, eventID, eventType)
}

type testEnv struct {
	reg       *registry.TenantRegistry
	ledger    *flakyLedger
	gateway   *fakeGateway
	service   *Service
	processor *Processor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg, err := registry.NewTenantRegistry(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	sqlLedger, err := ledger.NewSQLLedger(context.Background(), reg.DB())
	require.NoError(t, err)

	fl := &flakyLedger{EventLedger: sqlLedger}
	gw := &fakeGateway{}
	return &testEnv{
		reg:       reg,
		ledger:    fl,
		gateway:   gw,
		service:   NewService(reg, gw, testCatalog(), ServiceConfig{BaseURL: "https://app.test/", Now: func() time.Time { return testNow }}),
		processor: NewProcessor(reg, fl, testCatalog()),
	}
}

func (e *testEnv) tenantFor(t *testing.T, ownerID string) *registry.Tenant {
	t.Helper()
	tenant, err := e.reg.GetByOwner(context.Background(), ownerID)
	require.NoError(t, err)
	require.NotNil(t, tenant, "expected tenant for owner %s", ownerID)
	return tenant
}

func (e *testEnv) tenantCount(t *testing.T) int {
	t.Helper()
	all, err := e.reg.List(context.Background())
	require.NoError(t, err)
	return len(all)
}

func (e *testEnv) memberships(t *testing.T, tenantID string) []*registry.Membership {
	t.Helper()
	ms, err := e.reg.ListMemberships(context.Background(), tenantID)
	require.NoError(t, err)
	return ms
}

func activeSubscription(priceID string, seats int) *billing.Subscription {
	end := testNow.Add(30 * 24 * time.Hour)
	return &billing.Subscription{
		ID:               "sub_123",
		CustomerRef:      "cus_123",
		Status:           "active",
		Created:          testNow.Add(-time.Hour),
		PriceID:          priceID,
		ExtraSeats:       seats,
		CurrentPeriodEnd: &end,
		Metadata:         map[string]string{billing.MetaTenantName: "From Stripe"},
	}
}

func checkoutEvent(id, tenantID, ownerID, name string, created time.Time) BillingEvent {
	return BillingEvent{
		ID:                id,
		Type:              EventCheckoutCompleted,
		Created:           created,
		ClientReferenceID: tenantID,
		Metadata: map[string]string{
			billing.MetaTenantID:   tenantID,
			billing.MetaOwnerID:    ownerID,
			billing.MetaTier:       "pro",
			billing.MetaExtraSeats: "2",
			billing.MetaTenantName: name,
		},
		CustomerRef:     "cus_123",
		SubscriptionRef: "sub_123",
		CustomerEmail:   "owner@example.com",
	}
}

func subscriptionEvent(id string, typ EventType, status string, created time.Time, periodEnd time.Time) BillingEvent {
	end := periodEnd
	return BillingEvent{
		ID:               id,
		Type:             typ,
		Created:          created,
		CustomerRef:      "cus_123",
		SubscriptionRef:  "sub_123",
		Status:           status,
		PriceID:          "price_pro",
		ExtraSeats:       1,
		CurrentPeriodEnd: &end,
	}
}
