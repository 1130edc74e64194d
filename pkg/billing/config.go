package billing

import (
	"net/http"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Config defines the configuration every provider accepts. Webhook secrets
// are not part of it; they belong to the Verifier of the endpoint.
type Config struct {
	// APIKey is the provider secret used for outbound API calls. An empty
	// key means the provider is not configured.
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// Logger is optional; nil discards.
	Logger subsync.Logger

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics
}
