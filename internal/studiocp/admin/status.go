// Package admin serves operator endpoints: probes, status, tenant listing and
// manual reconciliation.
package admin

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/inkdesk/studiocp/internal/studiocp/cpmetrics"
	"github.com/inkdesk/studiocp/internal/studiocp/registry"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusCounter counts tenants by subscription status.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[registry.SubscriptionStatus]int, error)
}

type statusResponse struct {
	Version      string                              `json:"version"`
	TotalTenants int                                 `json:"total_tenants"`
	ByStatus     map[registry.SubscriptionStatus]int `json:"by_status"`
}

// HandleHealthz returns 200 "ok" unconditionally (liveness probe).
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz returns a handler that checks every dependency (readiness probe).
func HandleReadyz(deps ...Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ready := len(deps) > 0
		for _, d := range deps {
			if d == nil || d.Ping(r.Context()) != nil {
				ready = false
				break
			}
		}
		w.Header().Set("Content-Type", "text/plain")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// HandleStatus returns a handler that reports aggregate tenant status.
func HandleStatus(reg StatusCounter, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := reg.CountByStatus(r.Context())
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		// Opportunistically sync gauges on status calls (in addition to the background updater).
		for status, c := range counts {
			cpmetrics.TenantsByStatus.WithLabelValues(string(status)).Set(float64(c))
		}

		total := 0
		for _, c := range counts {
			total += c
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(statusResponse{
			Version:      version,
			TotalTenants: total,
			ByStatus:     counts,
		})
	}
}
