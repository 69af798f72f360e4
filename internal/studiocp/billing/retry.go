package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/cenkalti/backoff/v4"
	cperrors "github.com/inkdesk/studiocp/internal/errors"
	"github.com/inkdesk/studiocp/internal/studiocp/cpmetrics"
	"github.com/rs/zerolog/log"
	stripe "github.com/stripe/stripe-go/v82"
)

// retryRead runs an idempotent read with exponential backoff. Only transient
// provider failures are retried.
func (g *StripeGateway) retryRead(ctx context.Context, op string, fn func(context.Context) error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = g.cfg.RetryInitialInterval
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(g.cfg.ReadRetries)), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("Stripe read failed; retrying")
		return err
	}, policy)

	recordProviderCall(op, err)
	if err != nil {
		return classify(op, err)
	}
	return nil
}

// classify maps a provider error to the control plane taxonomy. Transient
// failures become ProviderUnavailable; the rest are wrapped unchanged.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if isTransient(err) {
		return cperrors.ProviderUnavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isTransient reports whether err is worth retrying: timeouts, network
// failures, rate limiting and provider 5xx responses.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *stripe.Error
	if errors.As(err, &se) {
		switch {
		case se.HTTPStatusCode == 0:
			return true
		case se.HTTPStatusCode == http.StatusTooManyRequests:
			return true
		case se.HTTPStatusCode >= 500:
			return true
		default:
			return false
		}
	}
	// Anything that never produced a Stripe API error is a transport failure.
	return true
}

func recordProviderCall(op string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case isTransient(err):
		outcome = "unavailable"
	default:
		outcome = "error"
	}
	cpmetrics.ProviderRequestsTotal.WithLabelValues(op, outcome).Inc()
}
