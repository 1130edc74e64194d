package billing_test

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/mihaimyh/subsync/pkg/billing"
)

// fakeProvider is an in-process billing.Provider.
type fakeProvider struct {
	mu sync.Mutex

	plans      []billing.Plan
	listErr    error
	listCalls  atomic.Int32
	listBlock  chan struct{}
	checkout   *billing.CheckoutRequest
	sessionURL string
	sessionErr error
	portalFor  string
	portalURL  string
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) ListPlans(ctx context.Context) ([]billing.Plan, error) {
	p.listCalls.Add(1)
	if p.listBlock != nil {
		select {
		case <-p.listBlock:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return p.plans, p.listErr
}

func (p *fakeProvider) CreateCheckoutSession(_ context.Context, req *billing.CheckoutRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := *req
	p.checkout = &c
	return p.sessionURL, p.sessionErr
}

func (p *fakeProvider) CreatePortalSession(_ context.Context, customerID, returnURL string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.portalFor = customerID
	return p.portalURL + "?return=" + returnURL, p.sessionErr
}

// recordingMetrics counts plan fallbacks and webhook outcomes.
type recordingMetrics struct {
	billing.NoopMetrics

	mu             sync.Mutex
	fallbacks      []string
	webhookErrors  []string
	webhookResults []string
}

func (m *recordingMetrics) RecordPlanFallback(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallbacks = append(m.fallbacks, reason)
}

func (m *recordingMetrics) RecordWebhookError(_, errorType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhookErrors = append(m.webhookErrors, errorType)
}

func (m *recordingMetrics) RecordWebhookEvent(_, _, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhookResults = append(m.webhookResults, status)
}
