// Package api serves the authenticated billing endpoints used by the studio
// application: checkout, customer portal, restore and provisioning.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	cperrors "github.com/inkdesk/studiocp/internal/errors"
	"github.com/inkdesk/studiocp/internal/logging"
	"github.com/rs/zerolog/log"
)

// retryAfterSeconds is advertised when the billing provider is unavailable.
const retryAfterSeconds = 5

type errorBody struct {
	Kind      cperrors.Kind `json:"kind"`
	Message   string        `json:"message"`
	Retryable bool          `json:"retryable"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind cperrors.Kind) int {
	switch kind {
	case cperrors.KindValidation:
		return http.StatusBadRequest
	case cperrors.KindAuthentication:
		return http.StatusUnauthorized
	case cperrors.KindNoActiveSubscription:
		return http.StatusNotFound
	case cperrors.KindTenantRequired, cperrors.KindTenantResolution:
		return http.StatusConflict
	case cperrors.KindProviderUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteError renders err as a typed error body.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	kind := cperrors.KindOf(err)
	status := StatusFor(kind)

	logger := logging.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Str("kind", string(kind)).Str("path", r.URL.Path).Msg("Billing request failed")
	} else {
		logger.Info().Err(err).Str("kind", string(kind)).Str("path", r.URL.Path).Msg("Billing request rejected")
	}

	if kind == cperrors.KindProviderUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	writeJSON(w, status, errorResponse{Error: errorBody{
		Kind:      kind,
		Message:   cperrors.MessageOf(err),
		Retryable: cperrors.IsRetryableError(err),
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("studiocp.api: encode response")
	}
}
