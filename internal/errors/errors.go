package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrInvalidTier          = errors.New("invalid tier")
	ErrTenantRequired       = errors.New("tenant name required")
	ErrTenantUnresolvable   = errors.New("tenant cannot be resolved")
	ErrNoActiveSubscription = errors.New("no active subscription")
	ErrProviderUnavailable  = errors.New("billing provider unavailable")
	ErrUnauthenticated      = errors.New("unauthenticated")
	ErrInvalidInput         = errors.New("invalid input")
)

// Kind is the machine-readable category of a BillingError.
type Kind string

const (
	KindValidation           Kind = "validation"
	KindAuthentication       Kind = "authentication"
	KindTenantRequired       Kind = "tenant_required"
	KindTenantResolution     Kind = "tenant_resolution"
	KindProviderUnavailable  Kind = "provider_unavailable"
	KindNoActiveSubscription Kind = "no_active_subscription"
	KindInternal             Kind = "internal"
)

// BillingError is a structured error for provisioning and reconciliation operations.
type BillingError struct {
	Kind      Kind
	Op        string // e.g. "checkout", "restore", "webhook"
	Message   string // safe to show to the caller
	Err       error
	Timestamp time.Time
	Retryable bool
}

func (e *BillingError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s failed: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *BillingError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *BillingError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrTenantRequired:
		return e.Kind == KindTenantRequired
	case ErrTenantUnresolvable:
		return e.Kind == KindTenantResolution
	case ErrNoActiveSubscription:
		return e.Kind == KindNoActiveSubscription
	case ErrProviderUnavailable:
		return e.Kind == KindProviderUnavailable
	case ErrUnauthenticated:
		return e.Kind == KindAuthentication
	}

	return errors.Is(e.Err, target)
}

// New creates a BillingError with retryability derived from its kind.
func New(kind Kind, op, message string, err error) *BillingError {
	return &BillingError{
		Kind:      kind,
		Op:        op,
		Message:   message,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(kind),
	}
}

func isRetryable(kind Kind) bool {
	switch kind {
	case KindProviderUnavailable, KindInternal:
		return true
	default:
		return false
	}
}

// Validation wraps a caller input problem.
func Validation(op, message string, err error) error {
	if err == nil {
		err = ErrInvalidInput
	}
	return New(KindValidation, op, message, err)
}

// ProviderUnavailable wraps a transient billing provider failure.
func ProviderUnavailable(op string, err error) error {
	return New(KindProviderUnavailable, op, "Billing provider is temporarily unavailable; try again", err)
}

// NoActiveSubscription reports that the provider holds no qualifying subscription.
func NoActiveSubscription(op string) error {
	return New(KindNoActiveSubscription, op, "No active subscription found; start a new purchase", ErrNoActiveSubscription)
}

// TenantRequired reports that a tenant name is needed to pre-provision.
func TenantRequired(op string) error {
	return New(KindTenantRequired, op, "A studio name is required to create a new studio", ErrTenantRequired)
}

// TenantUnresolvable reports an event or request that cannot be tied to any tenant.
func TenantUnresolvable(op string, err error) error {
	if err == nil {
		err = ErrTenantUnresolvable
	}
	return New(KindTenantResolution, op, "Tenant could not be resolved", err)
}

// KindOf returns the Kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	var be *BillingError
	if errors.As(err, &be) {
		return be.Kind
	}
	switch {
	case errors.Is(err, ErrInvalidTier), errors.Is(err, ErrInvalidInput):
		return KindValidation
	case errors.Is(err, ErrTenantRequired):
		return KindTenantRequired
	case errors.Is(err, ErrNoActiveSubscription):
		return KindNoActiveSubscription
	case errors.Is(err, ErrProviderUnavailable):
		return KindProviderUnavailable
	case errors.Is(err, ErrUnauthenticated):
		return KindAuthentication
	case errors.Is(err, ErrTenantUnresolvable):
		return KindTenantResolution
	}
	return KindInternal
}

// MessageOf returns the caller-safe message carried by err.
func MessageOf(err error) string {
	var be *BillingError
	if errors.As(err, &be) && be.Message != "" {
		return be.Message
	}
	switch KindOf(err) {
	case KindValidation:
		return "Invalid request"
	case KindAuthentication:
		return "Authentication required"
	default:
		return "Internal error"
	}
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	var be *BillingError
	if errors.As(err, &be) {
		return be.Retryable
	}
	return isRetryable(KindOf(err))
}
