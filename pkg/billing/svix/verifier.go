// Package svix verifies webhook deliveries signed with the Svix scheme
// (svix-id, svix-timestamp and svix-signature headers).
package svix

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	svix "github.com/svix/svix-webhooks/go"

	"github.com/mihaimyh/subsync/pkg/billing"
)

// Header names carried by Svix deliveries.
const (
	HeaderID        = "svix-id"
	HeaderTimestamp = "svix-timestamp"
	HeaderSignature = "svix-signature"
)

// Verifier implements billing.Verifier for Svix-signed webhooks.
type Verifier struct {
	wh *svix.Webhook
}

// NewVerifier returns a verifier for a "whsec_" prefixed secret.
func NewVerifier(secret string) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("svix webhook secret is required")
	}
	wh, err := svix.NewWebhook(secret)
	if err != nil {
		return nil, fmt.Errorf("invalid svix webhook secret: %w", err)
	}
	return &Verifier{wh: wh}, nil
}

// CheckHeader implements billing.HeaderChecker.
func (v *Verifier) CheckHeader(header http.Header) error {
	for _, name := range []string{HeaderID, HeaderTimestamp, HeaderSignature} {
		if header.Get(name) == "" {
			return fmt.Errorf("%w: missing %s header", billing.ErrInvalidWebhookSignature, name)
		}
	}
	return nil
}

// Verify implements billing.Verifier.
func (v *Verifier) Verify(payload []byte, header http.Header) error {
	if err := v.CheckHeader(header); err != nil {
		return err
	}
	if err := v.wh.Verify(payload, header); err != nil {
		return fmt.Errorf("%w: %w", billing.ErrInvalidWebhookSignature, err)
	}
	return nil
}
