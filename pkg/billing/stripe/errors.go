package stripe

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subsync/pkg/billing"
)

// classifyError maps a Stripe API failure onto the billing sentinels. The
// original error stays in the chain.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return fmt.Errorf("%w: %w", billing.ErrProviderAPIError, err)
	}

	switch {
	case stripeErr.HTTPStatusCode == http.StatusUnauthorized || stripeErr.HTTPStatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %w", billing.ErrProviderAuth, err)
	case stripeErr.Code == stripe.ErrorCodeResourceMissing && stripeErr.Param == "customer":
		return fmt.Errorf("%w: %w", billing.ErrCustomerNotFound, err)
	case stripeErr.Code == stripe.ErrorCodeResourceMissing:
		return fmt.Errorf("%w: %w", billing.ErrPriceNotFound, err)
	default:
		return fmt.Errorf("%w: %w", billing.ErrProviderAPIError, err)
	}
}

// errorStatus is the api_calls_total status label for err.
func errorStatus(err error) string {
	switch err := classifyError(err); {
	case errors.Is(err, billing.ErrProviderAuth):
		return "auth_error"
	case errors.Is(err, billing.ErrPriceNotFound), errors.Is(err, billing.ErrCustomerNotFound):
		return "not_found"
	default:
		return "error"
	}
}
