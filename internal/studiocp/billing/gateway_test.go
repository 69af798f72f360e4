package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	cperrors "github.com/inkdesk/studiocp/internal/errors"
	"github.com/inkdesk/studiocp/internal/studiocp/tiers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCatalog() *tiers.Catalog {
	return tiers.NewCatalog(map[tiers.Name]string{
		tiers.Basic:  "price_basic",
		tiers.Pro:    "price_pro",
		tiers.Studio: "price_studio",
	}, "price_seat")
}

func newTestGateway(t *testing.T, handler http.HandlerFunc) *StripeGateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	gw, err := NewStripeGateway(Config{
		APIKey:               "sk_test_123",
		APIURL:               srv.URL,
		Timeout:              2 * time.Second,
		ReadRetries:          2,
		RetryInitialInterval: time.Millisecond,
	}, testCatalog())
	require.NoError(t, err)
	return gw
}

func writeStripeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func stripeError(w http.ResponseWriter, status int, typ string) {
	writeStripeJSON(w, status, map[string]any{
		"error": map[string]any{"type": typ, "message": "test failure"},
	})
}

func TestNewStripeGatewayRequiresKey(t *testing.T) {
	_, err := NewStripeGateway(Config{}, testCatalog())
	assert.Error(t, err)
	_, err = NewStripeGateway(Config{APIKey: "sk_test"}, nil)
	assert.Error(t, err)
}

func TestCreateCheckoutSession(t *testing.T) {
	var form map[string]string
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer sk_test_123", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseForm())
		form = map[string]string{}
		for k, v := range r.PostForm {
			form[k] = v[0]
		}
		writeStripeJSON(w, http.StatusOK, map[string]any{
			"id":     "cs_test_1",
			"object": "checkout.session",
			"url":    "https://checkout.stripe.com/c/cs_test_1",
		})
	})

	url, err := gw.CreateCheckoutSession(context.Background(), CheckoutRequest{
		TenantID:      "s-ABCDEFGHJK",
		OwnerID:       "user-1",
		TenantName:    "Studio X",
		Tier:          tiers.Pro,
		ExtraSeats:    2,
		CustomerEmail: "ink@example.com",
		SuccessURL:    "https://app.example.com/billing/success",
		CancelURL:     "https://app.example.com/billing/cancel",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.stripe.com/c/cs_test_1", url)

	assert.Equal(t, "subscription", form["mode"])
	assert.Equal(t, "s-ABCDEFGHJK", form["client_reference_id"])
	assert.Equal(t, "ink@example.com", form["customer_email"])
	assert.Equal(t, "s-ABCDEFGHJK", form["metadata[tenant_id]"])
	assert.Equal(t, "user-1", form["metadata[owner_id]"])
	assert.Equal(t, "pro", form["metadata[tier]"])
	assert.Equal(t, "2", form["metadata[extra_seats]"])
	assert.Equal(t, "Studio X", form["metadata[tenant_name]"])
	assert.Equal(t, "s-ABCDEFGHJK", form["subscription_data[metadata][tenant_id]"])
	assert.Equal(t, "user-1", form["subscription_data[metadata][owner_id]"])
	assert.Equal(t, "price_pro", form["line_items[0][price]"])
	assert.Equal(t, "1", form["line_items[0][quantity]"])
	assert.Equal(t, "price_seat", form["line_items[1][price]"])
	assert.Equal(t, "2", form["line_items[1][quantity]"])
}

func TestCreateCheckoutSessionReusesCustomer(t *testing.T) {
	var form url.Values
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		writeStripeJSON(w, http.StatusOK, map[string]any{"id": "cs_2", "url": "https://checkout.stripe.com/c/cs_2"})
	})

	_, err := gw.CreateCheckoutSession(context.Background(), CheckoutRequest{
		TenantID: "s-ABCDEFGHJK", OwnerID: "user-1", Tier: tiers.Basic,
		CustomerRef: "cus_existing", CustomerEmail: "ink@example.com",
		SuccessURL: "https://a/s", CancelURL: "https://a/c",
	})
	require.NoError(t, err)
	assert.Equal(t, "cus_existing", form.Get("customer"))
	assert.Empty(t, form.Get("customer_email"))
	assert.Empty(t, form.Get("line_items[1][price]"))
}

func TestCreateCheckoutSessionProviderDownIsNotRetried(t *testing.T) {
	var calls int32
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		stripeError(w, http.StatusServiceUnavailable, "api_error")
	})

	_, err := gw.CreateCheckoutSession(context.Background(), CheckoutRequest{
		TenantID: "s-ABCDEFGHJK", OwnerID: "user-1", Tier: tiers.Basic,
		SuccessURL: "https://a/s", CancelURL: "https://a/c",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, cperrors.ErrProviderUnavailable)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCreateCheckoutSessionUnknownTier(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no provider call expected")
	})
	_, err := gw.CreateCheckoutSession(context.Background(), CheckoutRequest{Tier: "gold"})
	assert.ErrorIs(t, err, cperrors.ErrInvalidTier)
}

func TestCreateCheckoutSessionSeatsWithoutSeatPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no provider call expected")
	}))
	t.Cleanup(srv.Close)
	gw, err := NewStripeGateway(Config{APIKey: "sk_test_123", APIURL: srv.URL, Timeout: time.Second},
		tiers.NewCatalog(map[tiers.Name]string{tiers.Pro: "price_pro"}, ""))
	require.NoError(t, err)

	_, err = gw.CreateCheckoutSession(context.Background(), CheckoutRequest{Tier: tiers.Pro, ExtraSeats: 2})
	assert.ErrorIs(t, err, cperrors.ErrInvalidTier)
	assert.Equal(t, cperrors.KindValidation, cperrors.KindOf(err))
}

func subscriptionFixture(id string, status string, created int64) map[string]any {
	return map[string]any{
		"id":       id,
		"object":   "subscription",
		"status":   status,
		"created":  created,
		"customer": "cus_1",
		"metadata": map[string]string{"tier": "pro"},
		"items": map[string]any{
			"object": "list",
			"data": []map[string]any{
				{
					"id": "si_" + id, "object": "subscription_item", "quantity": 1,
					"current_period_end": 1_900_000_000,
					"price":              map[string]any{"id": "price_pro", "object": "price"},
				},
				{
					"id": "si_seat_" + id, "object": "subscription_item", "quantity": 3,
					"current_period_end": 1_900_000_000,
					"price":              map[string]any{"id": "price_seat", "object": "price"},
				},
			},
		},
	}
}

func fakeLookupServer(t *testing.T, searchFailures int32, subs []map[string]any) (http.HandlerFunc, *int32) {
	t.Helper()
	var searchCalls int32
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/customers/search":
			n := atomic.AddInt32(&searchCalls, 1)
			if n <= searchFailures {
				stripeError(w, http.StatusInternalServerError, "api_error")
				return
			}
			assert.Equal(t, "email:'ink@example.com'", r.URL.Query().Get("query"))
			writeStripeJSON(w, http.StatusOK, map[string]any{
				"object":   "search_result",
				"url":      "/v1/customers/search",
				"has_more": false,
				"data":     []map[string]any{{"id": "cus_1", "object": "customer", "email": "ink@example.com"}},
			})
		case "/v1/subscriptions":
			assert.Equal(t, "cus_1", r.URL.Query().Get("customer"))
			assert.Equal(t, "all", r.URL.Query().Get("status"))
			writeStripeJSON(w, http.StatusOK, map[string]any{
				"object":   "list",
				"url":      "/v1/subscriptions",
				"has_more": false,
				"data":     subs,
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}, &searchCalls
}

func TestFindActiveSubscriptionPicksMostRecentActiveLike(t *testing.T) {
	handler, _ := fakeLookupServer(t, 0, []map[string]any{
		subscriptionFixture("sub_old", "active", 1_700_000_000),
		subscriptionFixture("sub_new", "trialing", 1_700_100_000),
		subscriptionFixture("sub_canceled", "canceled", 1_700_200_000),
	})
	gw := newTestGateway(t, handler)

	sub, err := gw.FindActiveSubscription(context.Background(), "ink@example.com")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "sub_new", sub.ID)
	assert.Equal(t, "cus_1", sub.CustomerRef)
	assert.Equal(t, "trialing", sub.Status)
	assert.Equal(t, "price_pro", sub.PriceID)
	assert.Equal(t, 3, sub.ExtraSeats)
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.Equal(t, int64(1_900_000_000), sub.CurrentPeriodEnd.Unix())
	assert.Equal(t, "pro", sub.Metadata["tier"])
}

func TestFindActiveSubscriptionNone(t *testing.T) {
	handler, _ := fakeLookupServer(t, 0, []map[string]any{
		subscriptionFixture("sub_gone", "canceled", 1_700_000_000),
	})
	gw := newTestGateway(t, handler)

	sub, err := gw.FindActiveSubscription(context.Background(), "ink@example.com")
	require.NoError(t, err)
	assert.Nil(t, sub)

	sub, err = gw.FindActiveSubscription(context.Background(), "  ")
	require.NoError(t, err)
	assert.Nil(t, sub)
}

func TestFindActiveSubscriptionRetriesTransientFailures(t *testing.T) {
	handler, calls := fakeLookupServer(t, 2, []map[string]any{
		subscriptionFixture("sub_1", "active", 1_700_000_000),
	})
	gw := newTestGateway(t, handler)

	sub, err := gw.FindActiveSubscription(context.Background(), "ink@example.com")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
}

func TestFindActiveSubscriptionGivesUpAsProviderUnavailable(t *testing.T) {
	handler, calls := fakeLookupServer(t, 100, nil)
	gw := newTestGateway(t, handler)

	_, err := gw.FindActiveSubscription(context.Background(), "ink@example.com")
	require.Error(t, err)
	assert.ErrorIs(t, err, cperrors.ErrProviderUnavailable)
	assert.Equal(t, int32(3), atomic.LoadInt32(calls), "one attempt plus two retries")
}

func TestFindActiveSubscriptionDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		stripeError(w, http.StatusBadRequest, "invalid_request_error")
	})

	_, err := gw.FindActiveSubscription(context.Background(), "ink@example.com")
	require.Error(t, err)
	assert.NotErrorIs(t, err, cperrors.ErrProviderUnavailable)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCreateCustomerAndPortal(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		switch r.URL.Path {
		case "/v1/customers":
			assert.Equal(t, "ink@example.com", r.PostForm.Get("email"))
			assert.Equal(t, "Studio X", r.PostForm.Get("name"))
			assert.Equal(t, "s-ABCDEFGHJK", r.PostForm.Get("metadata[tenant_id]"))
			writeStripeJSON(w, http.StatusOK, map[string]any{"id": "cus_new", "object": "customer"})
		case "/v1/billing_portal/sessions":
			assert.Equal(t, "cus_new", r.PostForm.Get("customer"))
			assert.True(t, strings.HasPrefix(r.PostForm.Get("return_url"), "https://app.example.com"))
			writeStripeJSON(w, http.StatusOK, map[string]any{"id": "bps_1", "url": "https://billing.stripe.com/p/bps_1"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	id, err := gw.CreateCustomer(context.Background(), "ink@example.com", "Studio X", map[string]string{"tenant_id": "s-ABCDEFGHJK"})
	require.NoError(t, err)
	assert.Equal(t, "cus_new", id)

	url, err := gw.CreatePortalSession(context.Background(), id, "https://app.example.com/settings")
	require.NoError(t, err)
	assert.Equal(t, "https://billing.stripe.com/p/bps_1", url)
}
