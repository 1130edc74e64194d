package stripe

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/subsync/pkg/billing"
)

// SignatureHeader carries the Stripe webhook signature.
const SignatureHeader = "Stripe-Signature"

// Verifier checks Stripe-Signature headers against a webhook secret.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier returns a verifier for secret using Stripe's default
// timestamp tolerance.
func NewVerifier(secret string) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("stripe webhook secret is required")
	}
	return &Verifier{secret: secret, tolerance: webhook.DefaultTolerance}, nil
}

// CheckHeader implements billing.HeaderChecker.
func (v *Verifier) CheckHeader(header http.Header) error {
	if header.Get(SignatureHeader) == "" {
		return fmt.Errorf("%w: missing %s header", billing.ErrInvalidWebhookSignature, SignatureHeader)
	}
	return nil
}

// Verify implements billing.Verifier.
func (v *Verifier) Verify(payload []byte, header http.Header) error {
	if err := v.CheckHeader(header); err != nil {
		return err
	}
	sig := header.Get(SignatureHeader)
	// Event API versions are not pinned; the payload is decoded by the
	// reconciler, not by stripe-go.
	if err := webhook.ValidatePayloadWithTolerance(payload, sig, v.secret, v.tolerance); err != nil {
		return fmt.Errorf("%w: %w", billing.ErrInvalidWebhookSignature, err)
	}
	return nil
}
