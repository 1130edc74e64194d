package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// CheckoutConfig holds configuration for the Checkout service.
type CheckoutConfig struct {
	// Provider creates the hosted sessions. Nil means billing is not configured.
	Provider Provider

	// Identity resolves and upserts the purchasing user (required).
	Identity *subsync.IdentityResolver

	// Status finds the user's billing customer for the portal (required).
	Status *subsync.StatusService

	// FrontendURL is the public origin that success, cancel and return
	// paths are appended to.
	// Default: "http://localhost:5173"
	FrontendURL string

	// SuccessPath, CancelPath and PortalReturnPath default to "/success",
	// "/pricing" and "/dashboard/settings".
	SuccessPath      string
	CancelPath       string
	PortalReturnPath string

	Logger subsync.Logger
}

// Checkout starts hosted checkout and customer portal sessions. Every error
// it returns is a *UserError.
type Checkout struct {
	provider Provider
	identity *subsync.IdentityResolver
	status   *subsync.StatusService
	config   CheckoutConfig
	logger   subsync.Logger
}

// NewCheckout creates a checkout service.
func NewCheckout(cfg CheckoutConfig) (*Checkout, error) {
	if cfg.Identity == nil {
		return nil, errors.New("identity resolver is required")
	}
	if cfg.Status == nil {
		return nil, errors.New("status service is required")
	}
	if cfg.FrontendURL == "" {
		cfg.FrontendURL = "http://localhost:5173"
	}
	cfg.FrontendURL = strings.TrimRight(cfg.FrontendURL, "/")
	if cfg.SuccessPath == "" {
		cfg.SuccessPath = "/success"
	}
	if cfg.CancelPath == "" {
		cfg.CancelPath = "/pricing"
	}
	if cfg.PortalReturnPath == "" {
		cfg.PortalReturnPath = "/dashboard/settings"
	}
	c := &Checkout{
		provider: cfg.Provider,
		identity: cfg.Identity,
		status:   cfg.Status,
		config:   cfg,
		logger:   cfg.Logger,
	}
	if c.logger == nil {
		c.logger = &subsync.NoopLogger{}
	}
	return c, nil
}

// CreateCheckoutSession returns the hosted checkout URL for priceID.
func (c *Checkout) CreateCheckoutSession(ctx context.Context, id subsync.Identity, priceID string) (string, error) {
	url, err := c.createCheckoutSession(ctx, id, priceID)
	if err != nil {
		c.logger.Error("Checkout session failed",
			subsync.Field{Key: "subject", Value: id.Subject},
			subsync.Field{Key: "price_id", Value: priceID},
			subsync.Field{Key: "error", Value: err.Error()},
		)
		return "", userError(err, msgCheckoutFailed)
	}
	return url, nil
}

func (c *Checkout) createCheckoutSession(ctx context.Context, id subsync.Identity, priceID string) (string, error) {
	if id.Subject == "" {
		return "", ErrAuthenticationRequired
	}
	if c.provider == nil {
		return "", ErrProviderNotConfigured
	}
	if priceID == "" {
		return "", fmt.Errorf("%w: empty price id", ErrPriceNotFound)
	}

	user, err := c.identity.Upsert(ctx, id)
	if err != nil {
		return "", fmt.Errorf("failed to resolve user: %w", err)
	}
	if user.Email == "" {
		return "", ErrEmailRequired
	}

	req := &CheckoutRequest{
		PriceID:    priceID,
		UserID:     user.TokenIdentifier,
		Email:      user.Email,
		SuccessURL: c.config.FrontendURL + c.config.SuccessPath,
		CancelURL:  c.config.FrontendURL + c.config.CancelPath,
	}
	// Reuse the billing customer of an earlier subscription.
	if sub, err := c.status.CurrentSubscription(ctx, user.TokenIdentifier); err == nil && sub != nil {
		req.CustomerID = sub.CustomerID
	}

	url, err := c.provider.CreateCheckoutSession(ctx, req)
	if err != nil {
		return "", err
	}
	if url == "" {
		return "", fmt.Errorf("%w: no checkout URL returned", ErrProviderAPIError)
	}
	return url, nil
}

// CreatePortalSession returns the customer portal URL for subject.
func (c *Checkout) CreatePortalSession(ctx context.Context, subject string) (string, error) {
	url, err := c.createPortalSession(ctx, subject)
	if err != nil {
		c.logger.Error("Portal session failed",
			subsync.Field{Key: "subject", Value: subject},
			subsync.Field{Key: "error", Value: err.Error()},
		)
		return "", userError(err, msgPortalFailed)
	}
	return url, nil
}

func (c *Checkout) createPortalSession(ctx context.Context, subject string) (string, error) {
	if subject == "" {
		return "", ErrAuthenticationRequired
	}
	if c.provider == nil {
		return "", ErrProviderNotConfigured
	}
	sub, err := c.status.CurrentSubscription(ctx, subject)
	if err != nil {
		return "", fmt.Errorf("failed to load subscription: %w", err)
	}
	if sub == nil || sub.CustomerID == "" {
		return "", ErrCustomerNotFound
	}
	url, err := c.provider.CreatePortalSession(ctx, sub.CustomerID, c.config.FrontendURL+c.config.PortalReturnPath)
	if err != nil {
		return "", err
	}
	if url == "" {
		return "", fmt.Errorf("%w: no portal URL returned", ErrProviderAPIError)
	}
	return url, nil
}
