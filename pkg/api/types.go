package api

import "github.com/mihaimyh/subsync/pkg/subsync"

// StatusResponse answers GET /api/subscription/status.
type StatusResponse struct {
	HasActiveSubscription bool `json:"hasActiveSubscription"`
}

// SubscriptionResponse answers GET /api/subscription. Subscription is null
// when the caller has none.
type SubscriptionResponse struct {
	Subscription *subsync.Subscription `json:"subscription"`
}

// CheckoutRequest is the body of POST /api/checkout.
type CheckoutRequest struct {
	PriceID string `json:"priceId" validate:"required,max=255,printascii"`
}

// URLResponse carries a hosted checkout or portal URL.
type URLResponse struct {
	URL string `json:"url"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
}
