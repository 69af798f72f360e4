package registry

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"
)

// SubscriptionStatus is the locally persisted billing status of a tenant.
type SubscriptionStatus string

const (
	StatusNone     SubscriptionStatus = "none"
	StatusPending  SubscriptionStatus = "pending"
	StatusActive   SubscriptionStatus = "active"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCanceled SubscriptionStatus = "canceled"
	StatusTrialing SubscriptionStatus = "trialing"
)

// AllStatuses lists every status in display order.
var AllStatuses = []SubscriptionStatus{
	StatusNone, StatusPending, StatusActive, StatusTrialing, StatusPastDue, StatusCanceled,
}

// ParseStatus validates a status string.
func ParseStatus(s string) (SubscriptionStatus, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// Tenant represents a studio record in the registry.
type Tenant struct {
	ID                     string             `json:"id"`
	OwnerID                string             `json:"owner_id"`
	Name                   string             `json:"name"`
	BillingCustomerRef     string             `json:"billing_customer_ref"`
	BillingSubscriptionRef string             `json:"billing_subscription_ref"`
	Status                 SubscriptionStatus `json:"subscription_status"`
	Tier                   string             `json:"tier"`
	MaxArtists             int                `json:"max_artists"`
	MaxManagers            int                `json:"max_managers"`
	ExtraSlots             int                `json:"extra_slots"`
	CurrentPeriodEnd       *time.Time         `json:"current_period_end,omitempty"`
	BillingGeneration      int64              `json:"billing_generation"`
	StatusGeneration       int64              `json:"status_generation"`
	BillingEventID         string             `json:"billing_event_id,omitempty"`
	LastSweptAt            time.Time          `json:"last_swept_at,omitzero"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// Role is a membership role within a tenant.
type Role string

const (
	RoleOwner   Role = "owner"
	RoleManager Role = "manager"
	RoleArtist  Role = "artist"
)

// Membership links a user to a tenant.
type Membership struct {
	TenantID  string    `json:"tenant_id"`
	UserID    string    `json:"user_id"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// User is the local account record keyed by the auth subject.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// crockfordBase32 is the Crockford base32 alphabet (excludes I, L, O, U).
const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// GenerateTenantID returns a tenant ID of the form "s-" followed by 10 random
// Crockford base32 characters.
func GenerateTenantID() (string, error) {
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate tenant id: %w", err)
	}
	var sb strings.Builder
	sb.WriteString("s-")
	for _, v := range b {
		sb.WriteByte(crockfordBase32[int(v)%len(crockfordBase32)])
	}
	return sb.String(), nil
}

// ValidTenantID reports whether id has the shape produced by GenerateTenantID.
func ValidTenantID(id string) bool {
	if len(id) != 12 || !strings.HasPrefix(id, "s-") {
		return false
	}
	for _, c := range id[2:] {
		if !strings.ContainsRune(crockfordBase32, c) {
			return false
		}
	}
	return true
}
