// Package fiber provides Fiber middleware that gates routes on an active
// subscription.
package fiber

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// UserIDExtractor extracts the caller's subject from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// Config holds middleware configuration
type Config struct {
	// Status answers entitlement checks (required)
	Status *subsync.StatusService

	// GetUserID extracts the subject from context (required)
	GetUserID UserIDExtractor

	// SignInURL and PricingURL, when set, turn the 401 and 402 answers into
	// redirects.
	SignInURL  string
	PricingURL string

	// OnUnauthorized is called when user is not authenticated
	OnUnauthorized func(c *fiber.Ctx) error

	// OnNotEntitled is called when user has no active subscription
	OnNotEntitled func(c *fiber.Ctx) error
}

// RequireEntitlement creates a Fiber middleware that only lets callers with
// an active subscription through.
func RequireEntitlement(cfg Config) fiber.Handler {
	if cfg.Status == nil {
		panic("subsync/fiber: Config.Status is required")
	}
	if cfg.GetUserID == nil {
		panic("subsync/fiber: Config.GetUserID is required")
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			switch {
			case cfg.OnUnauthorized != nil:
				return cfg.OnUnauthorized(c)
			case cfg.SignInURL != "":
				return c.Redirect(cfg.SignInURL, fiber.StatusFound)
			default:
				return defaultUnauthorized(c)
			}
		}

		if !cfg.Status.HasActiveEntitlement(c.UserContext(), userID) {
			switch {
			case cfg.OnNotEntitled != nil:
				return cfg.OnNotEntitled(c)
			case cfg.PricingURL != "":
				return c.Redirect(cfg.PricingURL, fiber.StatusFound)
			default:
				return defaultNotEntitled(c)
			}
		}

		return c.Next()
	}
}

// Default error handlers

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}

func defaultNotEntitled(c *fiber.Ctx) error {
	return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"error": "Active subscription required"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Fiber locals
// set by an auth middleware via c.Locals(key, userID).
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
// Fiber v2 uses c.Get() for headers (not c.GetHeader())
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}
