// Package http provides net/http middleware that gates routes on an active
// subscription.
package http

import (
	"encoding/json"
	"net/http"

	"github.com/mihaimyh/subsync/pkg/auth"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

// UserIDExtractor extracts the caller's subject from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Status answers entitlement checks (required)
	Status *subsync.StatusService

	// GetUserID extracts the subject from the request.
	// Default: FromIdentity()
	GetUserID UserIDExtractor

	// SignInURL, when set, redirects anonymous callers there instead of
	// answering 401.
	SignInURL string

	// PricingURL, when set, redirects callers without an active
	// subscription there instead of answering 402.
	PricingURL string

	// OnUnauthorized overrides the anonymous-caller response
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnNotEntitled overrides the no-subscription response
	OnNotEntitled func(w http.ResponseWriter, r *http.Request)
}

// RequireEntitlement creates an HTTP middleware that only lets callers with
// an active subscription through.
func RequireEntitlement(config Config) func(http.Handler) http.Handler {
	if config.Status == nil {
		panic("subsync/http: Config.Status is required")
	}
	if config.GetUserID == nil {
		config.GetUserID = FromIdentity()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				switch {
				case config.OnUnauthorized != nil:
					config.OnUnauthorized(w, r)
				case config.SignInURL != "":
					http.Redirect(w, r, config.SignInURL, http.StatusFound)
				default:
					writeError(w, http.StatusUnauthorized, "Unauthorized")
				}
				return
			}

			if !config.Status.HasActiveEntitlement(r.Context(), userID) {
				switch {
				case config.OnNotEntitled != nil:
					config.OnNotEntitled(w, r)
				case config.PricingURL != "":
					http.Redirect(w, r, config.PricingURL, http.StatusFound)
				default:
					writeError(w, http.StatusPaymentRequired, "Active subscription required")
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// HandlerFunc is RequireEntitlement for http.HandlerFunc chains.
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := RequireEntitlement(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// FromIdentity reads the subject stored by auth.Middleware.
func FromIdentity() UserIDExtractor {
	return func(r *http.Request) string {
		return auth.SubjectFromContext(r.Context())
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a UserIDExtractor that gets user ID from a string
// context value
func FromContext(key interface{}) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
