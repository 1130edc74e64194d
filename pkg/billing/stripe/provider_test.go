package stripe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mihaimyh/subsync/pkg/billing"
)

const pricesResponse = `{
	"object": "list",
	"url": "/v1/prices",
	"has_more": false,
	"data": [
		{
			"id": "price_team",
			"object": "price",
			"active": true,
			"currency": "USD",
			"unit_amount": 5000,
			"recurring": {"interval": "month"},
			"product": {"id": "prod_team", "object": "product", "active": true, "name": "Team", "description": "For teams"}
		},
		{
			"id": "price_pro_year",
			"object": "price",
			"active": true,
			"currency": "usd",
			"unit_amount": 19000,
			"recurring": {"interval": "year"},
			"product": {"id": "prod_pro", "object": "product", "active": true, "name": "Pro", "description": "For pros"}
		},
		{
			"id": "price_pro",
			"object": "price",
			"active": true,
			"currency": "usd",
			"unit_amount": 1900,
			"recurring": {"interval": "month"},
			"product": {"id": "prod_pro", "object": "product", "active": true, "name": "Pro", "description": "For pros"}
		},
		{
			"id": "price_archived",
			"object": "price",
			"active": true,
			"currency": "usd",
			"unit_amount": 100,
			"recurring": {"interval": "month"},
			"product": {"id": "prod_old", "object": "product", "active": false, "name": "Old"}
		}
	]
}`

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := NewProvider(Config{
		Config:     billing.Config{APIKey: "sk_test_123"},
		BackendURL: srv.URL,
	})
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	return p
}

func writeStripeJSON(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}

func TestNewProvider_RequiresAPIKey(t *testing.T) {
	_, err := NewProvider(Config{})
	if !errors.Is(err, billing.ErrProviderNotConfigured) {
		t.Errorf("Expected ErrProviderNotConfigured, got %v", err)
	}
}

func TestProvider_ListPlans(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/prices" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("expand[0]"); got != "data.product" {
			t.Errorf("Expected product expansion, got %q", got)
		}
		writeStripeJSON(w, http.StatusOK, pricesResponse)
	})

	plans, err := p.ListPlans(context.Background())
	if err != nil {
		t.Fatalf("ListPlans failed: %v", err)
	}
	if len(plans) != 2 {
		t.Fatalf("Expected 2 active products, got %d: %+v", len(plans), plans)
	}

	pro := plans[0]
	if pro.ID != "prod_pro" || pro.Name != "Pro" || !pro.IsRecurring {
		t.Errorf("Expected Pro plan first, got %+v", pro)
	}
	if len(pro.Prices) != 2 || pro.Prices[0].ID != "price_pro" || pro.Prices[1].Interval != "year" {
		t.Errorf("Expected prices ordered by amount, got %+v", pro.Prices)
	}
	if plans[1].Prices[0].Currency != "usd" {
		t.Errorf("Expected lowercased currency, got %q", plans[1].Prices[0].Currency)
	}
}

func TestProvider_ListPlansAuthError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		writeStripeJSON(w, http.StatusUnauthorized,
			`{"error":{"type":"invalid_request_error","message":"Invalid API Key provided"}}`)
	})

	_, err := p.ListPlans(context.Background())
	if !errors.Is(err, billing.ErrProviderAuth) {
		t.Errorf("Expected ErrProviderAuth, got %v", err)
	}
}

func TestProvider_CreateCheckoutSession(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/checkout/sessions" {
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm failed: %v", err)
		}
		want := map[string]string{
			"mode":                                "subscription",
			"line_items[0][price]":                "price_pro",
			"subscription_data[metadata][userId]": "user_abc",
			"client_reference_id":                 "user_abc",
			"customer_email":                      "abc@example.com",
			"success_url":                         "https://app.example.com/success",
		}
		for k, v := range want {
			if got := r.PostForm.Get(k); got != v {
				t.Errorf("Form %s: expected %q, got %q", k, v, got)
			}
		}
		writeStripeJSON(w, http.StatusOK,
			`{"id":"cs_1","object":"checkout.session","url":"https://checkout.stripe.com/c/pay/cs_1"}`)
	})

	url, err := p.CreateCheckoutSession(context.Background(), &billing.CheckoutRequest{
		PriceID:    "price_pro",
		UserID:     "user_abc",
		Email:      "abc@example.com",
		SuccessURL: "https://app.example.com/success",
		CancelURL:  "https://app.example.com/pricing",
	})
	if err != nil {
		t.Fatalf("CreateCheckoutSession failed: %v", err)
	}
	if url != "https://checkout.stripe.com/c/pay/cs_1" {
		t.Errorf("Unexpected URL %q", url)
	}
}

func TestProvider_CreateCheckoutSessionUnknownPrice(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		writeStripeJSON(w, http.StatusBadRequest,
			`{"error":{"type":"invalid_request_error","code":"resource_missing","param":"line_items[0][price]","message":"No such price: 'price_gone'"}}`)
	})

	_, err := p.CreateCheckoutSession(context.Background(), &billing.CheckoutRequest{PriceID: "price_gone", UserID: "user_abc"})
	if !errors.Is(err, billing.ErrPriceNotFound) {
		t.Errorf("Expected ErrPriceNotFound, got %v", err)
	}
}

func TestProvider_CreatePortalSession(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/billing_portal/sessions" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm failed: %v", err)
		}
		if got := r.PostForm.Get("customer"); got != "cus_1" {
			t.Errorf("Expected customer cus_1, got %q", got)
		}
		writeStripeJSON(w, http.StatusOK,
			`{"id":"bps_1","object":"billing_portal.session","url":"https://billing.stripe.com/p/session/bps_1"}`)
	})

	url, err := p.CreatePortalSession(context.Background(), "cus_1", "https://app.example.com/dashboard/settings")
	if err != nil {
		t.Fatalf("CreatePortalSession failed: %v", err)
	}
	if url != "https://billing.stripe.com/p/session/bps_1" {
		t.Errorf("Unexpected URL %q", url)
	}
}

func TestClassifyError(t *testing.T) {
	if err := classifyError(errors.New("dial tcp: refused")); !errors.Is(err, billing.ErrProviderAPIError) {
		t.Errorf("Expected transport errors to be ErrProviderAPIError, got %v", err)
	}
	if classifyError(nil) != nil {
		t.Error("Expected nil for nil")
	}
}
