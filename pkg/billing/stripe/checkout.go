package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subsync/pkg/billing"
)

// CreateCheckoutSession creates a subscription Checkout Session and returns
// its URL.
func (p *Provider) CreateCheckoutSession(ctx context.Context, req *billing.CheckoutRequest) (string, error) {
	startTime := time.Now()

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
	}

	// Webhooks attribute the subscription through this metadata.
	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata("userId", req.UserID)
	params.AddMetadata("userId", req.UserID)

	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	} else {
		params.ClientReferenceID = stripe.String(req.UserID)
		if req.Email != "" {
			params.CustomerEmail = stripe.String(req.Email)
		}
	}

	session, err := p.stripeClient.V1CheckoutSessions.Create(ctx, params)
	p.recordAPICall("/checkout/sessions", startTime, err)
	if err != nil {
		return "", fmt.Errorf("failed to create checkout session: %w", classifyError(err))
	}
	return session.URL, nil
}

// CreatePortalSession creates a Customer Portal session and returns its URL.
func (p *Provider) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	startTime := time.Now()

	params := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}

	session, err := p.stripeClient.V1BillingPortalSessions.Create(ctx, params)
	p.recordAPICall("/billing_portal/sessions", startTime, err)
	if err != nil {
		return "", fmt.Errorf("failed to create portal session: %w", classifyError(err))
	}
	return session.URL, nil
}
