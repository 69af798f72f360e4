package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	cperrors "github.com/inkdesk/studiocp/internal/errors"
	"github.com/inkdesk/studiocp/internal/studiocp/auth"
	"github.com/inkdesk/studiocp/internal/studiocp/provisioning"
)

const requestBodyLimit = 64 * 1024

// BillingService is the provisioning surface the handlers call.
type BillingService interface {
	StartCheckout(ctx context.Context, id provisioning.Identity, params provisioning.CheckoutParams) (string, error)
	Portal(ctx context.Context, id provisioning.Identity) (string, error)
	Restore(ctx context.Context, id provisioning.Identity) (provisioning.RestoreResult, error)
	EnsureProvisioned(ctx context.Context, id provisioning.Identity, tenantName string) (provisioning.ProvisionResult, error)
}

type checkoutRequest struct {
	Tier       string `json:"tier"`
	ExtraSeats int    `json:"extra_seats"`
	TenantName string `json:"tenant_name"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

type checkoutResponse struct {
	CheckoutURL string `json:"checkout_url"`
}

type portalResponse struct {
	PortalURL string `json:"portal_url"`
}

type restoreResponse struct {
	Success bool   `json:"success"`
	Tier    string `json:"tier"`
}

type provisionRequest struct {
	TenantName string `json:"tenant_name"`
}

type provisionResponse struct {
	Success  bool   `json:"success"`
	TenantID string `json:"tenant_id"`
}

// HandleCheckout handles POST /api/billing/checkout.
func HandleCheckout(svc BillingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		var req checkoutRequest
		if err := decodeBody(r, &req); err != nil {
			WriteError(w, r, err)
			return
		}
		url, err := svc.StartCheckout(r.Context(), id, provisioning.CheckoutParams{
			Tier:       req.Tier,
			ExtraSeats: req.ExtraSeats,
			TenantName: req.TenantName,
			SuccessURL: req.SuccessURL,
			CancelURL:  req.CancelURL,
		})
		if err != nil {
			WriteError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, checkoutResponse{CheckoutURL: url})
	}
}

// HandlePortal handles POST /api/billing/portal.
func HandlePortal(svc BillingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		url, err := svc.Portal(r.Context(), id)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, portalResponse{PortalURL: url})
	}
}

// HandleRestore handles POST /api/billing/restore.
func HandleRestore(svc BillingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		res, err := svc.Restore(r.Context(), id)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, restoreResponse{Success: res.Success, Tier: res.Tier})
	}
}

// HandleProvision handles POST /api/billing/provision.
func HandleProvision(svc BillingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		var req provisionRequest
		if err := decodeBody(r, &req); err != nil {
			WriteError(w, r, err)
			return
		}
		res, err := svc.EnsureProvisioned(r.Context(), id, req.TenantName)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, provisionResponse{Success: res.Success, TenantID: res.TenantID})
	}
}

func identity(w http.ResponseWriter, r *http.Request) (provisioning.Identity, bool) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		WriteError(w, r, cperrors.New(cperrors.KindAuthentication, "api", "Authentication required", cperrors.ErrUnauthenticated))
		return provisioning.Identity{}, false
	}
	return id, true
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, requestBodyLimit))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return cperrors.Validation("api", "Request body is required", err)
		}
		return cperrors.Validation("api", "Request body must be a JSON object", err)
	}
	return nil
}
