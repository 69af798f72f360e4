package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrConflict is returned by Create when the tenant id or owner already exists.
	ErrConflict = errors.New("tenant already exists")
	// ErrGenerationMismatch is returned by ApplyBilling when another writer
	// changed the tenant's billing or status generation since it was read.
	ErrGenerationMismatch = errors.New("billing generation changed")
)

// TenantRegistry stores tenants, memberships and users in SQLite.
type TenantRegistry struct {
	db *sql.DB
}

// NewTenantRegistry opens (or creates) the registry database in dir.
func NewTenantRegistry(dir string) (*TenantRegistry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}

	dbPath := filepath.Join(dir, "studiocp.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	r := &TenantRegistry{db: db}
	if err := r.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *TenantRegistry) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tenants (
		id                       TEXT PRIMARY KEY,
		owner_id                 TEXT NOT NULL UNIQUE,
		name                     TEXT NOT NULL DEFAULT '',
		billing_customer_ref     TEXT NOT NULL DEFAULT '',
		billing_subscription_ref TEXT NOT NULL DEFAULT '',
		subscription_status      TEXT NOT NULL DEFAULT 'none',
		tier                     TEXT NOT NULL DEFAULT '',
		max_artists              INTEGER NOT NULL DEFAULT 0,
		max_managers             INTEGER NOT NULL DEFAULT 0,
		extra_slots              INTEGER NOT NULL DEFAULT 0,
		current_period_end       INTEGER,
		billing_generation       INTEGER NOT NULL DEFAULT 0,
		status_generation        INTEGER NOT NULL DEFAULT 0,
		billing_event_id         TEXT NOT NULL DEFAULT '',
		last_swept_at            INTEGER NOT NULL DEFAULT 0,
		created_at               INTEGER NOT NULL,
		updated_at               INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tenants_status ON tenants(subscription_status);
	CREATE INDEX IF NOT EXISTS idx_tenants_customer_ref ON tenants(billing_customer_ref);
	CREATE INDEX IF NOT EXISTS idx_tenants_subscription_ref ON tenants(billing_subscription_ref);

	CREATE TABLE IF NOT EXISTS users (
		id         TEXT PRIMARY KEY,
		email      TEXT NOT NULL DEFAULT '',
		active     INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS memberships (
		tenant_id  TEXT NOT NULL REFERENCES tenants(id),
		user_id    TEXT NOT NULL,
		role       TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, user_id)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_memberships_one_owner ON memberships(tenant_id) WHERE role = 'owner';
	CREATE INDEX IF NOT EXISTS idx_memberships_user ON memberships(user_id);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("init registry schema: %w", err)
	}
	return nil
}

// DB exposes the underlying handle so the applied-event ledger can share it.
func (r *TenantRegistry) DB() *sql.DB {
	return r.db
}

// Ping checks database connectivity (used for readiness probes).
func (r *TenantRegistry) Ping(ctx context.Context) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("registry not initialised")
	}
	return r.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (r *TenantRegistry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

const tenantColumns = `id, owner_id, name,
		billing_customer_ref, billing_subscription_ref, subscription_status,
		tier, max_artists, max_managers, extra_slots, current_period_end,
		billing_generation, status_generation, billing_event_id, last_swept_at,
		created_at, updated_at`

// Create inserts a new tenant. It returns ErrConflict, leaving the stored row
// untouched, when the id or owner is already taken.
func (r *TenantRegistry) Create(ctx context.Context, t *Tenant) error {
	if t == nil {
		return fmt.Errorf("tenant is nil")
	}
	if t.OwnerID == "" {
		return fmt.Errorf("create tenant: owner id is required")
	}
	if t.Status == "" {
		t.Status = StatusNone
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO tenants (`+tenantColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		t.ID, t.OwnerID, t.Name,
		t.BillingCustomerRef, t.BillingSubscriptionRef, string(t.Status),
		t.Tier, t.MaxArtists, t.MaxManagers, t.ExtraSlots, nullableTimeUnix(t.CurrentPeriodEnd),
		t.BillingGeneration, t.StatusGeneration, t.BillingEventID, unixOrZero(t.LastSweptAt),
		t.CreatedAt.Unix(), t.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create tenant: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create tenant rows affected: %w", err)
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

// Get retrieves a tenant by ID. A missing tenant yields (nil, nil).
func (r *TenantRegistry) Get(ctx context.Context, id string) (*Tenant, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = ?`, id)
	return scanTenant(row)
}

// GetByOwner retrieves the tenant owned by ownerID.
func (r *TenantRegistry) GetByOwner(ctx context.Context, ownerID string) (*Tenant, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE owner_id = ?`, ownerID)
	return scanTenant(row)
}

// GetByCustomerRef retrieves a tenant by billing customer reference.
func (r *TenantRegistry) GetByCustomerRef(ctx context.Context, customerRef string) (*Tenant, error) {
	if customerRef == "" {
		return nil, nil
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants
		WHERE billing_customer_ref = ? ORDER BY created_at LIMIT 1`, customerRef)
	return scanTenant(row)
}

// GetBySubscriptionRef retrieves a tenant by billing subscription reference.
func (r *TenantRegistry) GetBySubscriptionRef(ctx context.Context, subscriptionRef string) (*Tenant, error) {
	if subscriptionRef == "" {
		return nil, nil
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants
		WHERE billing_subscription_ref = ? ORDER BY created_at LIMIT 1`, subscriptionRef)
	return scanTenant(row)
}

// ApplyBilling overwrites the billing fields of t if the stored billing and
// status generations still equal the expected ones. It returns
// ErrGenerationMismatch otherwise.
func (r *TenantRegistry) ApplyBilling(ctx context.Context, t *Tenant, expectedBilling, expectedStatus int64) error {
	if t == nil {
		return fmt.Errorf("tenant is nil")
	}
	t.UpdatedAt = time.Now().UTC()

	res, err := r.db.ExecContext(ctx, `
		UPDATE tenants SET
			billing_customer_ref = ?, billing_subscription_ref = ?, subscription_status = ?,
			tier = ?, max_artists = ?, max_managers = ?, extra_slots = ?,
			current_period_end = ?, billing_generation = ?, status_generation = ?,
			billing_event_id = ?, updated_at = ?
		WHERE id = ? AND billing_generation = ? AND status_generation = ?`,
		t.BillingCustomerRef, t.BillingSubscriptionRef, string(t.Status),
		t.Tier, t.MaxArtists, t.MaxManagers, t.ExtraSlots,
		nullableTimeUnix(t.CurrentPeriodEnd), t.BillingGeneration, t.StatusGeneration,
		t.BillingEventID, t.UpdatedAt.Unix(),
		t.ID, expectedBilling, expectedStatus,
	)
	if err != nil {
		return fmt.Errorf("apply billing: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("apply billing rows affected: %w", err)
	}
	if affected == 0 {
		return ErrGenerationMismatch
	}
	return nil
}

// SetCustomerRefIfEmpty stores customerRef when the tenant has none yet and
// reports whether this call won.
func (r *TenantRegistry) SetCustomerRefIfEmpty(ctx context.Context, tenantID, customerRef string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tenants SET billing_customer_ref = ?, updated_at = ?
		WHERE id = ? AND billing_customer_ref = ''`,
		customerRef, time.Now().UTC().Unix(), tenantID)
	if err != nil {
		return false, fmt.Errorf("set customer ref: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set customer ref rows affected: %w", err)
	}
	return affected == 1, nil
}

// List returns all tenants, newest first.
func (r *TenantRegistry) List(ctx context.Context) ([]*Tenant, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()
	return scanTenants(rows)
}

// ListByStatus returns all tenants with the given subscription status.
func (r *TenantRegistry) ListByStatus(ctx context.Context, status SubscriptionStatus) ([]*Tenant, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+tenantColumns+` FROM tenants
		WHERE subscription_status = ? ORDER BY created_at DESC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list tenants by status: %w", err)
	}
	defer rows.Close()
	return scanTenants(rows)
}

// PendingQuery selects pending tenants for the sweeper.
type PendingQuery struct {
	// UpdatedBefore and UpdatedAfter bound the last billing change.
	UpdatedBefore time.Time
	UpdatedAfter  time.Time
	// SweptBefore excludes tenants checked at or after this time.
	SweptBefore time.Time
}

// ListPendingForSweep returns pending tenants matching q, least recently
// swept first.
func (r *TenantRegistry) ListPendingForSweep(ctx context.Context, q PendingQuery) ([]*Tenant, error) {
	sweptBefore := int64(math.MaxInt64)
	if !q.SweptBefore.IsZero() {
		sweptBefore = q.SweptBefore.UTC().Unix()
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+tenantColumns+` FROM tenants
		WHERE subscription_status = ? AND updated_at < ? AND updated_at >= ? AND last_swept_at < ?
		ORDER BY last_swept_at, updated_at`,
		string(StatusPending), q.UpdatedBefore.UTC().Unix(), unixOrZero(q.UpdatedAfter), sweptBefore)
	if err != nil {
		return nil, fmt.Errorf("list pending tenants: %w", err)
	}
	defer rows.Close()
	return scanTenants(rows)
}

// MarkSwept records that the sweeper checked the tenant at the given time.
// It does not touch updated_at.
func (r *TenantRegistry) MarkSwept(ctx context.Context, tenantID string, at time.Time) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE tenants SET last_swept_at = ? WHERE id = ?`,
		at.UTC().Unix(), tenantID); err != nil {
		return fmt.Errorf("mark tenant %s swept: %w", tenantID, err)
	}
	return nil
}

// CountByStatus returns a map of status -> count.
func (r *TenantRegistry) CountByStatus(ctx context.Context) (map[SubscriptionStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT subscription_status, COUNT(*) FROM tenants GROUP BY subscription_status`)
	if err != nil {
		return nil, fmt.Errorf("count tenants by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[SubscriptionStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[SubscriptionStatus(status)] = count
	}
	return counts, rows.Err()
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTenant(s scanner) (*Tenant, error) {
	var t Tenant
	var status string
	var createdAt, updatedAt, lastSwept int64
	var periodEnd sql.NullInt64

	err := s.Scan(
		&t.ID, &t.OwnerID, &t.Name,
		&t.BillingCustomerRef, &t.BillingSubscriptionRef, &status,
		&t.Tier, &t.MaxArtists, &t.MaxManagers, &t.ExtraSlots, &periodEnd,
		&t.BillingGeneration, &t.StatusGeneration, &t.BillingEventID, &lastSwept,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan tenant: %w", err)
	}

	t.Status = SubscriptionStatus(status)
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if lastSwept > 0 {
		t.LastSweptAt = time.Unix(lastSwept, 0).UTC()
	}
	if periodEnd.Valid {
		ts := time.Unix(periodEnd.Int64, 0).UTC()
		t.CurrentPeriodEnd = &ts
	}
	return &t, nil
}

func scanTenants(rows *sql.Rows) ([]*Tenant, error) {
	var tenants []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().Unix()
}
