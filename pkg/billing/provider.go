package billing

import (
	"context"
	"net/http"
)

// Provider is the outbound surface of a billing backend.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// ListPlans returns the purchasable plans with their prices.
	ListPlans(ctx context.Context) ([]Plan, error)

	// CreateCheckoutSession starts a hosted checkout and returns its URL.
	CreateCheckoutSession(ctx context.Context, req *CheckoutRequest) (string, error)

	// CreatePortalSession opens the hosted customer portal and returns its URL.
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}

// CheckoutRequest describes a subscription checkout.
type CheckoutRequest struct {
	PriceID string

	// UserID is the owner's token identifier. It is copied into the
	// subscription metadata so webhook events can be attributed.
	UserID string

	Email string

	// CustomerID reuses an existing billing customer when set.
	CustomerID string

	SuccessURL string
	CancelURL  string
}

// Verifier authenticates an inbound webhook delivery. Implementations must
// check a cryptographic signature over the raw body and return an error
// wrapping ErrInvalidWebhookSignature when it is missing or wrong.
type Verifier interface {
	Verify(payload []byte, header http.Header) error
}

// HeaderChecker is implemented by verifiers that can reject a delivery from
// its headers alone. The webhook endpoint calls it before reading the body.
type HeaderChecker interface {
	CheckHeader(header http.Header) error
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(payload []byte, header http.Header) error

// Verify calls f.
func (f VerifierFunc) Verify(payload []byte, header http.Header) error {
	return f(payload, header)
}
