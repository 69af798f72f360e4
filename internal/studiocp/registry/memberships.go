package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// EnsureMembership creates the membership if it does not exist yet. Calling it
// again for the same tenant and user is a no-op.
func (r *TenantRegistry) EnsureMembership(ctx context.Context, tenantID, userID string, role Role) error {
	if tenantID == "" || userID == "" {
		return fmt.Errorf("ensure membership: tenant and user ids are required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO memberships (tenant_id, user_id, role, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		tenantID, userID, string(role), time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("ensure membership: %w", err)
	}
	return nil
}

// ListMemberships returns the memberships of a tenant.
func (r *TenantRegistry) ListMemberships(ctx context.Context, tenantID string) ([]*Membership, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT tenant_id, user_id, role, created_at
		FROM memberships WHERE tenant_id = ? ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	var out []*Membership
	for rows.Next() {
		var m Membership
		var role string
		var createdAt int64
		if err := rows.Scan(&m.TenantID, &m.UserID, &role, &createdAt); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		m.Role = Role(role)
		m.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, &m)
	}
	return out, rows.Err()
}

// UpsertUser records the user's email, creating the row on first sight.
// An empty email never overwrites a stored one.
func (r *TenantRegistry) UpsertUser(ctx context.Context, userID, email string) error {
	if userID == "" {
		return fmt.Errorf("upsert user: id is required")
	}
	now := time.Now().UTC().Unix()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, email, active, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email = CASE WHEN excluded.email != '' THEN excluded.email ELSE users.email END,
			updated_at = excluded.updated_at`,
		userID, email, now, now)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// MarkUserActive flags the user account active, creating the row if needed.
func (r *TenantRegistry) MarkUserActive(ctx context.Context, userID, email string) error {
	if userID == "" {
		return fmt.Errorf("mark user active: id is required")
	}
	now := time.Now().UTC().Unix()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, email, active, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			active = 1,
			email = CASE WHEN excluded.email != '' THEN excluded.email ELSE users.email END,
			updated_at = excluded.updated_at`,
		userID, email, now, now)
	if err != nil {
		return fmt.Errorf("mark user active: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID. A missing user yields (nil, nil).
func (r *TenantRegistry) GetUser(ctx context.Context, userID string) (*User, error) {
	var u User
	var active int
	var createdAt, updatedAt int64
	err := r.db.QueryRowContext(ctx, `SELECT id, email, active, created_at, updated_at
		FROM users WHERE id = ?`, userID).Scan(&u.ID, &u.Email, &active, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Active = active != 0
	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	u.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &u, nil
}
