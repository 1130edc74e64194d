// Package echo provides Echo middleware that gates routes on an active
// subscription.
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/subsync/pkg/auth"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

// UserIDExtractor extracts the caller's subject from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

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
	OnUnauthorized func(c echo.Context) error

	// OnNotEntitled is called when user has no active subscription
	OnNotEntitled func(c echo.Context) error
}

// RequireEntitlement creates an Echo middleware that only lets callers with
// an active subscription through.
func RequireEntitlement(cfg Config) echo.MiddlewareFunc {
	if cfg.Status == nil {
		panic("subsync/echo: Config.Status is required")
	}
	if cfg.GetUserID == nil {
		cfg.GetUserID = FromIdentity()
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				switch {
				case cfg.OnUnauthorized != nil:
					return cfg.OnUnauthorized(c)
				case cfg.SignInURL != "":
					return c.Redirect(http.StatusFound, cfg.SignInURL)
				default:
					return defaultUnauthorized(c)
				}
			}

			if !cfg.Status.HasActiveEntitlement(c.Request().Context(), userID) {
				switch {
				case cfg.OnNotEntitled != nil:
					return cfg.OnNotEntitled(c)
				case cfg.PricingURL != "":
					return c.Redirect(http.StatusFound, cfg.PricingURL)
				default:
					return defaultNotEntitled(c)
				}
			}

			return next(c)
		}
	}
}

// Default error handlers

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func defaultNotEntitled(c echo.Context) error {
	return c.JSON(http.StatusPaymentRequired, map[string]string{"error": "Active subscription required"})
}

// Convenience extractors for User ID

// FromIdentity reads the subject stored by auth.Middleware on the request.
func FromIdentity() UserIDExtractor {
	return func(c echo.Context) string {
		return auth.SubjectFromContext(c.Request().Context())
	}
}

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
// set by an auth middleware via c.Set(key, userID).
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}
