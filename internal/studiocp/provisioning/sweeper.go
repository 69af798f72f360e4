package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	cperrors "github.com/inkdesk/studiocp/internal/errors"
	"github.com/inkdesk/studiocp/internal/studiocp/registry"
	"github.com/rs/zerolog/log"
)

// DefaultPendingMaxAge is how long an abandoned checkout keeps being swept.
const DefaultPendingMaxAge = 7 * 24 * time.Hour

// SweepResult summarises one pass of SweepPending.
type SweepResult struct {
	Checked      int
	Reconciled   int
	StillPending int
	Failed       int
}

// SweepPending reconciles tenants that have stayed pending for longer than
// olderThan. Tenants without a qualifying subscription are left pending and
// are not checked again until olderThan has passed. Tenants pending for longer
// than the service's maximum age are no longer checked.
func (s *Service) SweepPending(ctx context.Context, olderThan time.Duration) (SweepResult, error) {
	const op = "sweeper"
	var result SweepResult

	now := s.now()
	pending, err := s.store.ListPendingForSweep(ctx, registry.PendingQuery{
		UpdatedBefore: now.Add(-olderThan),
		UpdatedAfter:  now.Add(-s.pendingMaxAge),
		SweptBefore:   now.Add(-olderThan),
	})
	if err != nil {
		return result, fmt.Errorf("list pending tenants: %w", err)
	}

	for _, t := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Checked++

		user, err := s.store.GetUser(ctx, t.OwnerID)
		if err != nil {
			result.Failed++
			log.Warn().Err(err).Str("tenant_id", t.ID).Msg("Pending sweep: failed to load owner")
			continue
		}
		if user == nil || user.Email == "" {
			result.StillPending++
			s.markSwept(ctx, t.ID, now)
			continue
		}

		_, err = s.reconcileOwner(ctx, op, t.OwnerID, user.Email, t.Name)
		switch {
		case err == nil:
			result.Reconciled++
		case errors.Is(err, cperrors.ErrNoActiveSubscription):
			result.StillPending++
			s.markSwept(ctx, t.ID, now)
		default:
			result.Failed++
			log.Warn().Err(err).
				Str("tenant_id", t.ID).
				Str("owner_id", t.OwnerID).
				Msg("Pending sweep: reconciliation failed")
		}
	}

	if result.Checked > 0 {
		log.Info().
			Int("checked", result.Checked).
			Int("reconciled", result.Reconciled).
			Int("still_pending", result.StillPending).
			Int("failed", result.Failed).
			Msg("Pending tenant sweep complete")
	}
	return result, nil
}

func (s *Service) markSwept(ctx context.Context, tenantID string, at time.Time) {
	if err := s.store.MarkSwept(ctx, tenantID, at); err != nil {
		log.Warn().Err(err).Str("tenant_id", tenantID).Msg("Pending sweep: failed to record check")
	}
}
