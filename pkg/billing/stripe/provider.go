package stripe

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

const (
	providerName       = "stripe"
	defaultHTTPTimeout = 10 * time.Second
	defaultMaxPrices   = 100
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config

	// BackendURL overrides the Stripe API base URL (tests, stripe-mock).
	BackendURL string

	// MaxPrices caps how many active prices ListPlans reads.
	// Default: 100
	MaxPrices int
}

// Provider implements billing.Provider for Stripe.
type Provider struct {
	stripeClient *stripe.Client
	maxPrices    int
	logger       subsync.Logger
	metrics      billing.Metrics
}

// NewProvider creates a new Stripe billing provider. It returns
// billing.ErrProviderNotConfigured when no API key is set.
func NewProvider(config Config) (*Provider, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: defaultHTTPTimeout,
		}
	}

	backendConfig := &stripe.BackendConfig{
		HTTPClient: httpClient,
	}
	if config.BackendURL != "" {
		backendConfig.URL = stripe.String(strings.TrimRight(config.BackendURL, "/"))
		backendConfig.MaxNetworkRetries = stripe.Int64(0)
	}
	stripeClient := stripe.NewClient(apiKey, stripe.WithBackends(stripe.NewBackendsWithConfig(backendConfig)))

	maxPrices := config.MaxPrices
	if maxPrices <= 0 {
		maxPrices = defaultMaxPrices
	}

	logger := config.Logger
	if logger == nil {
		logger = &subsync.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	return &Provider{
		stripeClient: stripeClient,
		maxPrices:    maxPrices,
		logger:       logger,
		metrics:      metrics,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// ListPlans returns active recurring prices grouped by product. Plans are
// ordered by their cheapest price.
func (p *Provider) ListPlans(ctx context.Context) ([]billing.Plan, error) {
	startTime := time.Now()

	params := &stripe.PriceListParams{
		Active: stripe.Bool(true),
	}
	params.AddExpand("data.product")
	params.Limit = stripe.Int64(int64(min(p.maxPrices, 100)))

	byProduct := make(map[string]*billing.Plan)
	var order []string
	read := 0
	for price, err := range p.stripeClient.V1Prices.List(ctx, params) {
		if err != nil {
			p.recordAPICall("/prices", startTime, err)
			return nil, classifyError(err)
		}
		read++
		if read > p.maxPrices {
			break
		}
		if price.Product == nil || price.Product.ID == "" {
			continue
		}
		if price.Product.Deleted || !price.Product.Active {
			continue
		}

		plan, ok := byProduct[price.Product.ID]
		if !ok {
			plan = &billing.Plan{
				ID:          price.Product.ID,
				Name:        price.Product.Name,
				Description: price.Product.Description,
			}
			byProduct[price.Product.ID] = plan
			order = append(order, price.Product.ID)
		}
		plan.Prices = append(plan.Prices, priceFromStripe(price))
		if price.Recurring != nil {
			plan.IsRecurring = true
		}
	}
	p.recordAPICall("/prices", startTime, nil)

	plans := make([]billing.Plan, 0, len(order))
	for _, id := range order {
		plan := byProduct[id]
		sort.SliceStable(plan.Prices, func(i, j int) bool {
			return plan.Prices[i].Amount < plan.Prices[j].Amount
		})
		plans = append(plans, *plan)
	}
	sort.SliceStable(plans, func(i, j int) bool {
		return plans[i].Prices[0].Amount < plans[j].Prices[0].Amount
	})
	return plans, nil
}

func priceFromStripe(price *stripe.Price) billing.Price {
	out := billing.Price{
		ID:       price.ID,
		Amount:   price.UnitAmount,
		Currency: strings.ToLower(string(price.Currency)),
	}
	if price.Product != nil {
		out.ProductID = price.Product.ID
	}
	if price.Recurring != nil {
		out.Interval = string(price.Recurring.Interval)
	}
	return out
}

func (p *Provider) recordAPICall(endpoint string, startTime time.Time, err error) {
	status := "success"
	if err != nil {
		status = errorStatus(err)
	}
	p.metrics.RecordAPICall(providerName, endpoint, status)
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(startTime))
}
