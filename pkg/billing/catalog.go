package billing

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// CatalogConfig holds configuration for the plan Catalog.
type CatalogConfig struct {
	// Provider lists plans upstream. Nil means billing is not configured and
	// the fallback is always served.
	Provider Provider

	// Fallback is served whenever the provider cannot answer.
	// Default: DefaultFallbackPlans()
	Fallback []Plan

	// CircuitBreaker guards provider calls.
	// Default: opens after 5 consecutive failures, probes after 30s
	CircuitBreaker CircuitBreaker

	// Timeout bounds a single upstream listing.
	// Default: 10s
	Timeout time.Duration

	Logger  subsync.Logger
	Metrics Metrics
}

// Catalog serves the plan list for the pricing page. It never fails: any
// provider problem degrades to the fallback plans.
type Catalog struct {
	provider Provider
	fallback []Plan
	breaker  CircuitBreaker
	timeout  time.Duration
	logger   subsync.Logger
	metrics  Metrics
	group    singleflight.Group
}

// NewCatalog creates a plan catalog.
func NewCatalog(cfg CatalogConfig) *Catalog {
	c := &Catalog{
		provider: cfg.Provider,
		fallback: cfg.Fallback,
		breaker:  cfg.CircuitBreaker,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
	if c.fallback == nil {
		c.fallback = DefaultFallbackPlans()
	}
	if c.logger == nil {
		c.logger = &subsync.NoopLogger{}
	}
	if c.metrics == nil {
		c.metrics = &NoopMetrics{}
	}
	if c.breaker == nil {
		c.breaker = NewDefaultCircuitBreaker(5, 30*time.Second, func(state CircuitBreakerState) {
			c.metrics.RecordCircuitBreakerStateChange(string(state))
			c.logger.Warn("Billing circuit breaker state changed", subsync.Field{Key: "state", Value: string(state)})
		})
	}
	if c.timeout <= 0 {
		c.timeout = 10 * time.Second
	}
	return c
}

// ListPlans returns the provider's plans, or the fallback plans.
func (c *Catalog) ListPlans(ctx context.Context) *PlanList {
	if c.provider == nil {
		c.metrics.RecordPlanFallback("not_configured")
		return NewPlanList(c.fallback, true)
	}

	// Concurrent page loads share one upstream call, detached from the caller
	// that started it. Each caller stops waiting when its own context ends.
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan("plans", func() (interface{}, error) {
		var plans []Plan
		err := c.breaker.Execute(shared, func(ctx context.Context) error {
			callCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			var err error
			plans, err = c.provider.ListPlans(callCtx)
			return err
		})
		return plans, err
	})

	var (
		v   interface{}
		err error
	)
	select {
	case res := <-ch:
		v, err = res.Val, res.Err
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		reason := "upstream_error"
		switch {
		case errors.Is(err, ErrCircuitOpen):
			reason = "circuit_open"
		case ctx.Err() != nil:
			reason = "canceled"
		}
		c.metrics.RecordPlanFallback(reason)
		c.logger.Warn("Serving fallback plans",
			subsync.Field{Key: "provider", Value: c.provider.Name()},
			subsync.Field{Key: "reason", Value: reason},
			subsync.Field{Key: "error", Value: err.Error()},
		)
		return NewPlanList(c.fallback, true)
	}
	return NewPlanList(v.([]Plan), false)
}

// Configured reports whether an upstream provider is attached.
func (c *Catalog) Configured() bool {
	return c.provider != nil
}
