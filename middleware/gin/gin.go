// Package gin provides Gin middleware that gates routes on an active
// subscription.
package gin

import (
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/subsync/pkg/auth"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

// UserIDExtractor extracts the caller's subject from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Status answers entitlement checks (required)
	Status *subsync.StatusService

	// GetUserID extracts the subject from context.
	// Default: FromIdentity()
	GetUserID UserIDExtractor

	// SignInURL and PricingURL, when set, turn the 401 and 402 answers into
	// redirects.
	SignInURL  string
	PricingURL string

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized (or redirects to SignInURL)
	OnUnauthorized func(c *gongin.Context)

	// OnNotEntitled is called when user has no active subscription
	// If nil, returns 402 Payment Required (or redirects to PricingURL)
	OnNotEntitled func(c *gongin.Context)
}

// RequireEntitlement creates a Gin middleware that only lets callers with an
// active subscription through.
func RequireEntitlement(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Status == nil {
		panic("subsync/gin: Config.Status is required")
	}
	if cfg.GetUserID == nil {
		cfg.GetUserID = FromIdentity()
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			switch {
			case cfg.OnUnauthorized != nil:
				cfg.OnUnauthorized(c)
			case cfg.SignInURL != "":
				c.Redirect(http.StatusFound, cfg.SignInURL)
			default:
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		if !cfg.Status.HasActiveEntitlement(c.Request.Context(), userID) {
			switch {
			case cfg.OnNotEntitled != nil:
				cfg.OnNotEntitled(c)
			case cfg.PricingURL != "":
				c.Redirect(http.StatusFound, cfg.PricingURL)
			default:
				c.JSON(http.StatusPaymentRequired, gongin.H{"error": "Active subscription required"})
			}
			c.Abort()
			return
		}

		c.Next()
	}
}

// Convenience extractors for User ID

// FromIdentity reads the subject stored by auth.Middleware on the request.
func FromIdentity() UserIDExtractor {
	return func(c *gongin.Context) string {
		return auth.SubjectFromContext(c.Request.Context())
	}
}

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// set by an auth middleware via c.Set(key, userID).
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}
