package subsync

import (
	"context"
	"errors"
	"time"
)

// Routes are the redirect targets used after authentication.
type Routes struct {
	SignIn    string
	Dashboard string
	Pricing   string
}

// DefaultRoutes returns the standard redirect targets.
func DefaultRoutes() Routes {
	return Routes{SignIn: "/sign-in", Dashboard: "/dashboard", Pricing: "/pricing"}
}

// StatusServiceConfig holds configuration for the StatusService.
type StatusServiceConfig struct {
	// Routes for RedirectAfterAuth. Empty fields take DefaultRoutes values.
	Routes Routes

	// Logger for lookup failures (optional)
	Logger Logger

	// Metrics for entitlement decisions (optional)
	Metrics Metrics
}

// StatusService answers entitlement questions. It never writes.
type StatusService struct {
	identity *IdentityResolver
	subs     *SubscriptionStore
	routes   Routes
	logger   Logger
	metrics  Metrics
}

// NewStatusService creates a status service.
func NewStatusService(identity *IdentityResolver, storage Storage, cfg *StatusServiceConfig) (*StatusService, error) {
	if identity == nil {
		return nil, errors.New("identity resolver is required")
	}
	if storage == nil {
		return nil, errors.New("storage is required")
	}
	if cfg == nil {
		cfg = &StatusServiceConfig{}
	}
	s := &StatusService{
		identity: identity,
		routes:   cfg.Routes,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
	if s.logger == nil {
		s.logger = &NoopLogger{}
	}
	if s.metrics == nil {
		s.metrics = &NoopMetrics{}
	}
	s.subs = NewSubscriptionStore(storage, s.metrics)

	defaults := DefaultRoutes()
	if s.routes.SignIn == "" {
		s.routes.SignIn = defaults.SignIn
	}
	if s.routes.Dashboard == "" {
		s.routes.Dashboard = defaults.Dashboard
	}
	if s.routes.Pricing == "" {
		s.routes.Pricing = defaults.Pricing
	}
	return s, nil
}

// HasActiveEntitlement reports whether subject owns an active subscription.
// Unknown subjects, missing subscriptions and lookup failures all yield false.
func (s *StatusService) HasActiveEntitlement(ctx context.Context, subject string) bool {
	start := time.Now()
	if subject == "" {
		s.metrics.RecordEntitlementCheck("denied", time.Since(start))
		return false
	}
	user, err := s.identity.Lookup(ctx, subject)
	return s.decide(ctx, user, err, start)
}

// HasActiveEntitlementByLegacyID is HasActiveEntitlement for a raw provider
// user ID whose stored format is not known.
func (s *StatusService) HasActiveEntitlementByLegacyID(ctx context.Context, rawID string) bool {
	start := time.Now()
	user, err := s.identity.ResolveByLegacyFormats(ctx, rawID)
	return s.decide(ctx, user, err, start)
}

func (s *StatusService) decide(ctx context.Context, user *User, err error, start time.Time) bool {
	if err != nil {
		s.logger.Error("Entitlement user lookup failed", Field{"error", err.Error()})
		s.metrics.RecordEntitlementCheck("error", time.Since(start))
		return false
	}
	if user == nil {
		s.metrics.RecordEntitlementCheck("denied", time.Since(start))
		return false
	}
	sub, err := s.subs.FindByUser(ctx, user.TokenIdentifier)
	if err != nil {
		s.logger.Error("Entitlement subscription lookup failed",
			Field{"token_identifier", user.TokenIdentifier},
			Field{"error", err.Error()},
		)
		s.metrics.RecordEntitlementCheck("error", time.Since(start))
		return false
	}
	if sub == nil || sub.Status != StatusActive {
		s.metrics.RecordEntitlementCheck("denied", time.Since(start))
		return false
	}
	s.metrics.RecordEntitlementCheck("granted", time.Since(start))
	return true
}

// CurrentSubscription returns the authoritative subscription of subject, or
// nil when the subject is unknown or has none.
func (s *StatusService) CurrentSubscription(ctx context.Context, subject string) (*Subscription, error) {
	user, err := s.identity.Lookup(ctx, subject)
	if err != nil || user == nil {
		return nil, err
	}
	return s.subs.FindByUser(ctx, user.TokenIdentifier)
}

// RedirectAfterAuth picks where to send a user once sign-in completes. The
// subject is matched against every identifier format, so users stored under a
// legacy layout still reach the dashboard.
func (s *StatusService) RedirectAfterAuth(ctx context.Context, subject string) string {
	if subject == "" {
		return s.routes.SignIn
	}
	if s.HasActiveEntitlementByLegacyID(ctx, subject) {
		return s.routes.Dashboard
	}
	return s.routes.Pricing
}
