package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrProviderNotConfigured is returned when no billing secret is configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrProviderAPIError is returned when the provider's API fails or is unreachable
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrProviderAuth is returned when the provider rejects our API key
	ErrProviderAuth = errors.New("billing provider rejected credentials")

	// ErrPriceNotFound is returned when the requested price does not exist upstream
	ErrPriceNotFound = errors.New("price not found in billing provider")

	// ErrCustomerNotFound is returned when a user has no billing customer yet
	ErrCustomerNotFound = errors.New("customer not found in billing provider")

	// ErrEmailRequired is returned when checkout is attempted for a user without email
	ErrEmailRequired = errors.New("user email is required for checkout")

	// ErrAuthenticationRequired is returned when a checkout or portal action has no identity
	ErrAuthenticationRequired = errors.New("authentication required")
)

// UserError carries a message that is safe to show to the person waiting on a
// checkout or portal action.
type UserError struct {
	Message string
	Err     error
}

func (e *UserError) Error() string {
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *UserError) Unwrap() error {
	return e.Err
}

const (
	msgCheckoutFailed = "Failed to create checkout session. Please try again or contact support."
	msgPortalFailed   = "Failed to create customer portal session. Please try again or contact support."
)

// userError wraps err with the message matching its cause; fallback is used
// for causes without a dedicated message.
func userError(err error, fallback string) error {
	msg := fallback
	switch {
	case errors.Is(err, ErrAuthenticationRequired):
		msg = "Not authenticated - please sign in again"
	case errors.Is(err, ErrProviderNotConfigured):
		msg = "Payment system not configured. Please contact support."
	case errors.Is(err, ErrProviderAuth):
		msg = "Payment system authentication error. Please contact support."
	case errors.Is(err, ErrPriceNotFound):
		msg = "Selected plan is not available. Please refresh and try again."
	case errors.Is(err, ErrEmailRequired):
		msg = "User email is required for subscription. Please update your profile."
	case errors.Is(err, ErrCustomerNotFound):
		msg = "No billing account found. Subscribe to a plan first."
	}
	return &UserError{Message: msg, Err: err}
}
