// Package stripe is the HTTP front for Stripe webhooks. It verifies the
// signature, translates the payload and hands the event to the provisioning
// processor.
package stripe

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/inkdesk/studiocp/internal/logging"
	"github.com/inkdesk/studiocp/internal/studiocp/cpmetrics"
	"github.com/inkdesk/studiocp/internal/studiocp/provisioning"
	"github.com/inkdesk/studiocp/internal/studiocp/tiers"
	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v82/webhook"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

const defaultWebhookTimeout = 15 * time.Second

// EventProcessor applies translated billing events.
type EventProcessor interface {
	Process(ctx context.Context, ev provisioning.BillingEvent) (provisioning.Outcome, error)
}

// WebhookHandler handles incoming Stripe webhook events.
type WebhookHandler struct {
	secret    string
	processor EventProcessor
	catalog   *tiers.Catalog
	timeout   time.Duration
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome,omitempty"`
}

// NewWebhookHandler creates a Stripe webhook HTTP handler. timeout bounds the
// processing of one event.
func NewWebhookHandler(secret string, processor EventProcessor, catalog *tiers.Catalog, timeout time.Duration) *WebhookHandler {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	if catalog == nil {
		catalog = tiers.NewCatalog(nil, "")
	}
	return &WebhookHandler{
		secret:    secret,
		processor: processor,
		catalog:   catalog,
		timeout:   timeout,
	}
}

// ServeHTTP verifies the Stripe signature and dispatches the event.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		cpmetrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		cpmetrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if strings.TrimSpace(h.secret) == "" {
		status = http.StatusServiceUnavailable
		writeJSON(w, status, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "missing Stripe signature"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "invalid Stripe signature"})
		return
	}
	eventType = string(event.Type)
	logger := logging.FromContext(r.Context())

	ev, handled, err := toBillingEvent(&event, h.catalog)
	if err != nil {
		logger.Warn().Err(err).
			Str("event_id", event.ID).
			Str("type", eventType).
			Msg("Stripe webhook payload could not be decoded")
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "malformed event payload"})
		return
	}
	if !handled {
		log.Info().
			Str("type", eventType).
			Str("event_id", event.ID).
			Msg("Stripe webhook ignored (unhandled type)")
		writeJSON(w, status, webhookReceivedResponse{Received: true, Outcome: string(provisioning.OutcomeIgnored)})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	outcome, err := h.processor.Process(ctx, ev)
	if err != nil {
		status = http.StatusInternalServerError
		if !provisioning.IsRetryable(err) {
			status = http.StatusBadRequest
		}
		logger.Error().Err(err).
			Str("event_id", event.ID).
			Str("type", eventType).
			Int("status", status).
			Msg("Stripe webhook processing failed")
		writeJSON(w, status, webhookErrorResponse{Error: "processing failed"})
		return
	}

	writeJSON(w, status, webhookReceivedResponse{Received: true, Outcome: string(outcome)})
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("studiocp.stripe: encode webhook response")
	}
}
