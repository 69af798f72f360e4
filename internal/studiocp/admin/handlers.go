package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/inkdesk/studiocp/internal/studiocp/api"
	"github.com/inkdesk/studiocp/internal/studiocp/provisioning"
	"github.com/inkdesk/studiocp/internal/studiocp/registry"
)

// TenantLister is the read side of the tenant store used by the admin API.
type TenantLister interface {
	List(ctx context.Context) ([]*registry.Tenant, error)
	ListByStatus(ctx context.Context, status registry.SubscriptionStatus) ([]*registry.Tenant, error)
}

// Reconciler runs the restore flow for an arbitrary owner.
type Reconciler interface {
	ReconcileOwner(ctx context.Context, ownerID, email string) (provisioning.RestoreResult, error)
}

type reconcileRequest struct {
	OwnerID string `json:"owner_id"`
	Email   string `json:"email"`
}

// HandleListTenants returns a handler that lists tenants, optionally filtered
// by ?status=.
func HandleListTenants(reg TenantLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		statusFilter := strings.TrimSpace(r.URL.Query().Get("status"))

		var tenants []*registry.Tenant
		var err error

		if statusFilter != "" {
			status, ok := registry.ParseStatus(statusFilter)
			if !ok {
				http.Error(w, "unknown status", http.StatusBadRequest)
				return
			}
			tenants, err = reg.ListByStatus(r.Context(), status)
		} else {
			tenants, err = reg.List(r.Context())
		}
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		if tenants == nil {
			tenants = []*registry.Tenant{}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"tenants": tenants,
			"count":   len(tenants),
		})
	}
}

// HandleReconcile returns a handler that pulls an owner's subscription from
// the billing provider and repairs the local tenant.
func HandleReconcile(svc Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req reconcileRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16*1024)).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		res, err := svc.ReconcileOwner(r.Context(), req.OwnerID, req.Email)
		if err != nil {
			api.WriteError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(res)
	}
}

// AdminKeyMiddleware returns middleware that requires a valid admin API key.
func AdminKeyMiddleware(adminKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
		if key == "" {
			// Also check Authorization: Bearer <key>
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}

		if key == "" || adminKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(adminKey)) != 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error": "unauthorized",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}
