package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/subsync/pkg/auth"
	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Config holds configuration for the API handler
type Config struct {
	// Identity resolves and upserts users (required)
	Identity *subsync.IdentityResolver

	// Status answers entitlement questions (required)
	Status *subsync.StatusService

	// Catalog lists plans (required)
	Catalog *billing.Catalog

	// Checkout starts checkout and portal sessions (required)
	Checkout *billing.Checkout

	// GetIdentity extracts the caller from the request.
	// Default: auth.IdentityFromContext
	GetIdentity func(*http.Request) (subsync.Identity, bool)

	// OnError handles errors (auth, validation, internal).
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is optional; nil discards.
	Logger subsync.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Identity == nil {
		return fmt.Errorf("identity resolver is required")
	}
	if c.Status == nil {
		return fmt.Errorf("status service is required")
	}
	if c.Catalog == nil {
		return fmt.Errorf("plan catalog is required")
	}
	if c.Checkout == nil {
		return fmt.Errorf("checkout service is required")
	}
	return nil
}

// NewHandler creates a new API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.GetIdentity == nil {
		config.GetIdentity = func(r *http.Request) (subsync.Identity, bool) {
			return auth.IdentityFromContext(r.Context())
		}
	}
	if config.Logger == nil {
		config.Logger = &subsync.NoopLogger{}
	}
	return &Handler{
		config:   config,
		validate: newValidator(),
	}, nil
}
