package studiocp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/inkdesk/studiocp/internal/studiocp/cpmetrics"
	"github.com/inkdesk/studiocp/internal/studiocp/ledger"
	"github.com/inkdesk/studiocp/internal/studiocp/provisioning"
	"github.com/inkdesk/studiocp/internal/studiocp/registry"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestRegistry(t *testing.T) *registry.TenantRegistry {
	t.Helper()
	reg, err := registry.NewTenantRegistry(t.TempDir())
	if err != nil {
		t.Fatalf("NewTenantRegistry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func createTestTenant(t *testing.T, reg *registry.TenantRegistry, id string, status registry.SubscriptionStatus) {
	t.Helper()
	if err := reg.Create(context.Background(), &registry.Tenant{
		ID:      id,
		OwnerID: "owner-" + id,
		Name:    id,
		Status:  status,
	}); err != nil {
		t.Fatalf("Create(%s): %v", id, err)
	}
}

func statusGauge(status registry.SubscriptionStatus) float64 {
	return testutil.ToFloat64(cpmetrics.TenantsByStatus.WithLabelValues(string(status)))
}

func TestUpdateTenantStatusGauges(t *testing.T) {
	reg := newTestRegistry(t)
	createTestTenant(t, reg, "s-0000000001", registry.StatusActive)
	createTestTenant(t, reg, "s-0000000002", registry.StatusActive)
	createTestTenant(t, reg, "s-0000000003", registry.StatusPending)

	// Stale values must be overwritten.
	cpmetrics.TenantsByStatus.WithLabelValues(string(registry.StatusCanceled)).Set(42)

	updateTenantStatusGauges(context.Background(), reg)

	want := map[registry.SubscriptionStatus]float64{
		registry.StatusNone:     0,
		registry.StatusPending:  1,
		registry.StatusActive:   2,
		registry.StatusTrialing: 0,
		registry.StatusPastDue:  0,
		registry.StatusCanceled: 0,
	}
	for status, w := range want {
		if got := statusGauge(status); got != w {
			t.Errorf("status %q gauge = %v, want %v", status, got, w)
		}
	}
}

func TestUpdateTenantStatusGauges_ErrorKeepsGauges(t *testing.T) {
	reg := newTestRegistry(t)
	cpmetrics.TenantsByStatus.WithLabelValues(string(registry.StatusActive)).Set(7)
	if err := reg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	updateTenantStatusGauges(context.Background(), reg)

	if got := statusGauge(registry.StatusActive); got != 7 {
		t.Fatalf("active gauge after error = %v, want 7", got)
	}
}

func TestRunTenantStatusMetrics_PrimesBeforeExit(t *testing.T) {
	reg := newTestRegistry(t)
	createTestTenant(t, reg, "s-0000000011", registry.StatusTrialing)
	cpmetrics.TenantsByStatus.WithLabelValues(string(registry.StatusTrialing)).Set(0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	runTenantStatusMetrics(ctx, reg)

	if got := statusGauge(registry.StatusTrialing); got != 1 {
		t.Fatalf("trialing gauge = %v, want 1", got)
	}
}

func TestPruneLedger(t *testing.T) {
	reg := newTestRegistry(t)
	led, err := ledger.NewSQLLedger(context.Background(), reg.DB())
	if err != nil {
		t.Fatalf("NewSQLLedger: %v", err)
	}
	ctx := context.Background()
	if err := led.MarkApplied(ctx, "evt_old", "invoice.paid"); err != nil {
		t.Fatalf("MarkApplied: %v", err)
	}

	// A cutoff in the future removes everything recorded so far.
	pruneLedger(ctx, led, time.Now().Add(time.Minute))

	seen, err := led.Seen(ctx, "evt_old")
	if err != nil {
		t.Fatalf("Seen: %v", err)
	}
	if seen {
		t.Fatal("evt_old should have been pruned")
	}
}

type stubPruner struct {
	calls int
	err   error
}

func (p *stubPruner) Prune(context.Context, time.Time) (int64, error) {
	p.calls++
	return 0, p.err
}

func TestRunLedgerPrune_RunsOnceOnStartup(t *testing.T) {
	p := &stubPruner{err: errors.New("locked")}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runLedgerPrune(ctx, p, time.Hour)

	if p.calls != 1 {
		t.Fatalf("Prune calls = %d, want 1", p.calls)
	}
}

type stubSweeper struct {
	olderThan time.Duration
	calls     int
}

func (s *stubSweeper) SweepPending(_ context.Context, olderThan time.Duration) (provisioning.SweepResult, error) {
	s.calls++
	s.olderThan = olderThan
	return provisioning.SweepResult{Checked: 2, Reconciled: 1, StillPending: 1}, nil
}

func TestRunPendingSweeper_UsesConfiguredAge(t *testing.T) {
	s := &stubSweeper{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runPendingSweeper(ctx, s, 45*time.Minute)

	if s.calls != 1 || s.olderThan != 45*time.Minute {
		t.Fatalf("calls=%d olderThan=%s", s.calls, s.olderThan)
	}
}
