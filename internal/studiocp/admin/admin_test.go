package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	cperrors "github.com/inkdesk/studiocp/internal/errors"
	"github.com/inkdesk/studiocp/internal/studiocp/provisioning"
	"github.com/inkdesk/studiocp/internal/studiocp/registry"
)

func newTestRegistry(t *testing.T) *registry.TenantRegistry {
	t.Helper()
	dir := t.TempDir()
	reg, err := registry.NewTenantRegistry(dir)
	if err != nil {
		t.Fatalf("NewTenantRegistry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func seed(t *testing.T, reg *registry.TenantRegistry, id, owner string, status registry.SubscriptionStatus) {
	t.Helper()
	if err := reg.Create(context.Background(), &registry.Tenant{ID: id, OwnerID: owner, Name: "S", Status: status}); err != nil {
		t.Fatal(err)
	}
}

func TestHandleHealthz(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	HandleHealthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "ok")
	}
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("down") }

func TestHandleReadyz(t *testing.T) {
	reg := newTestRegistry(t)

	tests := []struct {
		name   string
		deps   []Pinger
		status int
		body   string
	}{
		{"registry ok", []Pinger{reg}, http.StatusOK, "ready"},
		{"no deps", nil, http.StatusServiceUnavailable, "not ready"},
		{"one failing", []Pinger{reg, failingPinger{}}, http.StatusServiceUnavailable, "not ready"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			HandleReadyz(tt.deps...)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			if rec.Body.String() != tt.body {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.body)
			}
		})
	}
}

func TestHandleStatus(t *testing.T) {
	reg := newTestRegistry(t)
	seed(t, reg, "s-0000000001", "u1", registry.StatusActive)
	seed(t, reg, "s-0000000002", "u2", registry.StatusActive)
	seed(t, reg, "s-0000000003", "u3", registry.StatusPending)

	rec := httptest.NewRecorder()
	HandleStatus(reg, "test-version")(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Version != "test-version" || resp.TotalTenants != 3 {
		t.Errorf("resp = %+v", resp)
	}
	if resp.ByStatus[registry.StatusActive] != 2 || resp.ByStatus[registry.StatusPending] != 1 {
		t.Errorf("by_status = %v", resp.ByStatus)
	}
}

func TestHandleListTenants(t *testing.T) {
	reg := newTestRegistry(t)
	seed(t, reg, "s-0000000001", "u1", registry.StatusActive)
	seed(t, reg, "s-0000000002", "u2", registry.StatusPending)
	h := HandleListTenants(reg)

	list := func(query string) (int, map[string]any) {
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, "/admin/tenants"+query, nil))
		var body map[string]any
		_ = json.Unmarshal(rec.Body.Bytes(), &body)
		return rec.Code, body
	}

	code, body := list("")
	if code != http.StatusOK || body["count"] != float64(2) {
		t.Errorf("all: code=%d body=%v", code, body)
	}
	code, body = list("?status=pending")
	if code != http.StatusOK || body["count"] != float64(1) {
		t.Errorf("pending: code=%d body=%v", code, body)
	}
	code, body = list("?status=canceled")
	if code != http.StatusOK || body["count"] != float64(0) {
		t.Errorf("canceled: code=%d body=%v", code, body)
	}
	if code, _ = list("?status=bogus"); code != http.StatusBadRequest {
		t.Errorf("bogus status code = %d", code)
	}

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/admin/tenants", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST code = %d", rec.Code)
	}
}

type stubReconciler struct {
	owner, email string
	err          error
}

func (s *stubReconciler) ReconcileOwner(_ context.Context, ownerID, email string) (provisioning.RestoreResult, error) {
	s.owner, s.email = ownerID, email
	if s.err != nil {
		return provisioning.RestoreResult{}, s.err
	}
	return provisioning.RestoreResult{Success: true, Tier: "studio", TenantID: "s-0000000001"}, nil
}

func TestHandleReconcile(t *testing.T) {
	svc := &stubReconciler{}
	rec := httptest.NewRecorder()
	HandleReconcile(svc)(rec, httptest.NewRequest(http.MethodPost, "/admin/reconcile",
		strings.NewReader(`{"owner_id":"u1","email":"u1@example.com"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d body=%s", rec.Code, rec.Body.String())
	}
	if svc.owner != "u1" || svc.email != "u1@example.com" {
		t.Errorf("reconciler got %q %q", svc.owner, svc.email)
	}
	if !strings.Contains(rec.Body.String(), `"tier":"studio"`) {
		t.Errorf("body = %s", rec.Body.String())
	}

	svc.err = cperrors.NoActiveSubscription("admin_reconcile")
	rec = httptest.NewRecorder()
	HandleReconcile(svc)(rec, httptest.NewRequest(http.MethodPost, "/admin/reconcile",
		strings.NewReader(`{"owner_id":"u1","email":"u1@example.com"}`)))
	if rec.Code != http.StatusNotFound {
		t.Errorf("no subscription code = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	HandleReconcile(svc)(rec, httptest.NewRequest(http.MethodPost, "/admin/reconcile", strings.NewReader("{")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad body code = %d", rec.Code)
	}
}

func TestAdminKeyMiddleware(t *testing.T) {
	h := AdminKeyMiddleware("secret-key", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"admin header", "X-Admin-Key", "secret-key", http.StatusNoContent},
		{"bearer", "Authorization", "Bearer secret-key", http.StatusNoContent},
		{"wrong key", "X-Admin-Key", "nope", http.StatusUnauthorized},
		{"missing", "", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/tenants", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("code = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	empty := AdminKeyMiddleware("", http.NotFoundHandler())
	req := httptest.NewRequest(http.MethodGet, "/admin/tenants", nil)
	req.Header.Set("X-Admin-Key", "")
	rec := httptest.NewRecorder()
	empty.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("empty admin key code = %d", rec.Code)
	}
}
