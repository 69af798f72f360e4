package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLLedger keeps applied events in an applied_events table. It shares the
// registry's database handle.
type SQLLedger struct {
	db *sql.DB
}

// NewSQLLedger creates the applied_events table if needed.
func NewSQLLedger(ctx context.Context, db *sql.DB) (*SQLLedger, error) {
	if db == nil {
		return nil, fmt.Errorf("sql ledger: db is nil")
	}
	l := &SQLLedger{db: db}
	if _, err := db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS applied_events (
		event_id   TEXT PRIMARY KEY,
		event_type TEXT NOT NULL DEFAULT '',
		applied_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_applied_events_applied_at ON applied_events(applied_at);
	`); err != nil {
		return nil, fmt.Errorf("init applied_events schema: %w", err)
	}
	return l, nil
}

func (l *SQLLedger) Seen(ctx context.Context, eventID string) (bool, error) {
	id, err := normalizeID(eventID)
	if err != nil {
		return false, err
	}
	var one int
	err = l.db.QueryRowContext(ctx, `SELECT 1 FROM applied_events WHERE event_id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup applied event: %w", err)
	}
	return true, nil
}

func (l *SQLLedger) MarkApplied(ctx context.Context, eventID, eventType string) error {
	id, err := normalizeID(eventID)
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO applied_events (event_id, event_type, applied_at)
		VALUES (?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING`,
		id, eventType, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("record applied event: %w", err)
	}
	return nil
}

func (l *SQLLedger) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM applied_events WHERE applied_at < ?`, cutoff.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("prune applied events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rows affected: %w", err)
	}
	return n, nil
}

func (l *SQLLedger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Close is a no-op; the registry owns the shared handle.
func (l *SQLLedger) Close() error {
	return nil
}
