package studiocp

import (
	"context"
	"time"

	"github.com/inkdesk/studiocp/internal/studiocp/cpmetrics"
	"github.com/inkdesk/studiocp/internal/studiocp/provisioning"
	"github.com/inkdesk/studiocp/internal/studiocp/registry"
	"github.com/rs/zerolog/log"
)

const (
	tenantStatusMetricsInterval = 30 * time.Second
	ledgerPruneInterval         = time.Hour
	pendingSweepInterval        = 10 * time.Minute
)

type statusCounter interface {
	CountByStatus(ctx context.Context) (map[registry.SubscriptionStatus]int, error)
}

type pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

type pendingSweeper interface {
	SweepPending(ctx context.Context, olderThan time.Duration) (provisioning.SweepResult, error)
}

// every runs fn once immediately and then on each tick until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fn(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func runTenantStatusMetrics(ctx context.Context, reg statusCounter) {
	every(ctx, tenantStatusMetricsInterval, func(ctx context.Context) {
		updateTenantStatusGauges(ctx, reg)
	})
}

func updateTenantStatusGauges(ctx context.Context, reg statusCounter) {
	counts, err := reg.CountByStatus(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to update tenant status metrics")
		return
	}

	seen := make(map[registry.SubscriptionStatus]struct{}, len(registry.AllStatuses))
	for _, status := range registry.AllStatuses {
		seen[status] = struct{}{}
		cpmetrics.TenantsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
	// Rows written by older builds may carry other values.
	for status, c := range counts {
		if _, ok := seen[status]; ok {
			continue
		}
		cpmetrics.TenantsByStatus.WithLabelValues(string(status)).Set(float64(c))
	}
}

func runLedgerPrune(ctx context.Context, led pruner, retention time.Duration) {
	every(ctx, ledgerPruneInterval, func(ctx context.Context) {
		pruneLedger(ctx, led, time.Now().Add(-retention))
	})
}

func pruneLedger(ctx context.Context, led pruner, cutoff time.Time) {
	removed, err := led.Prune(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("Failed to prune event ledger")
		return
	}
	if removed > 0 {
		log.Info().Int64("removed", removed).Time("cutoff", cutoff).Msg("Pruned event ledger")
	}
}

func runPendingSweeper(ctx context.Context, svc pendingSweeper, olderThan time.Duration) {
	every(ctx, pendingSweepInterval, func(ctx context.Context) {
		sweepPending(ctx, svc, olderThan)
	})
}

func sweepPending(ctx context.Context, svc pendingSweeper, olderThan time.Duration) {
	if _, err := svc.SweepPending(ctx, olderThan); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("Pending tenant sweep failed")
	}
}
