// Package ledger records which billing provider events have already been
// applied so redelivered events are acknowledged without being reapplied.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"
)

// DefaultRetention is how long applied event ids are remembered. It must
// exceed the provider's redelivery window.
const DefaultRetention = 30 * 24 * time.Hour

// ErrEmptyEventID is returned for blank event ids.
var ErrEmptyEventID = errors.New("event id is required")

// Ledger is the applied-event record. MarkApplied must only be called after
// the event's effects were durably written.
type Ledger interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	MarkApplied(ctx context.Context, eventID, eventType string) error
	// Prune forgets events applied before cutoff and reports how many were removed.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

func normalizeID(eventID string) (string, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return "", ErrEmptyEventID
	}
	return eventID, nil
}
