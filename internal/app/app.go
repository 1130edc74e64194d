// Package app assembles the subsync service from configuration: storage,
// the reconciliation core, billing, authentication and the HTTP router.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/subsync/internal/config"
	"github.com/mihaimyh/subsync/pkg/auth"
	"github.com/mihaimyh/subsync/pkg/billing"
	billingmetrics "github.com/mihaimyh/subsync/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/subsync/pkg/billing/stripe"
	"github.com/mihaimyh/subsync/pkg/billing/svix"
	"github.com/mihaimyh/subsync/pkg/subsync"
	zlog "github.com/mihaimyh/subsync/pkg/subsync/logger/zerolog"
	subsyncmetrics "github.com/mihaimyh/subsync/pkg/subsync/metrics/prometheus"
)

// App holds every long-lived component of the service.
type App struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Registry *prometheus.Registry

	Storage    subsync.Storage
	Identity   *subsync.IdentityResolver
	Status     *subsync.StatusService
	Reconciler *subsync.Reconciler

	Catalog  *billing.Catalog
	Checkout *billing.Checkout
	Verifier billing.Verifier

	Authenticator auth.Authenticator

	storage *openedStorage
}

// Options override parts of the assembly, mainly for tests.
type Options struct {
	// Storage replaces the configured driver.
	Storage subsync.Storage

	// Authenticator replaces the one selected by AUTH_MODE.
	Authenticator auth.Authenticator

	// BillingBackendURL points the Stripe client elsewhere (stripe-mock).
	BillingBackendURL string
}

// New builds the application. The caller owns the result and must Close it.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts Options) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
	}
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if opts.Storage != nil {
		a.storage = &openedStorage{Storage: opts.Storage}
	} else {
		opened, err := openStorage(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		a.storage = opened
	}
	a.Storage = a.storage

	if err := a.buildCore(); err != nil {
		_ = a.Close()
		return nil, err
	}
	if err := a.buildBilling(opts.BillingBackendURL); err != nil {
		_ = a.Close()
		return nil, err
	}

	a.Authenticator = opts.Authenticator
	if a.Authenticator == nil {
		authn, err := newAuthenticator(ctx, cfg)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.Authenticator = authn
	}
	return a, nil
}

func (a *App) buildCore() error {
	logger := zlog.NewLogger(a.Logger.With().Str("component", "subsync").Logger())
	metrics := subsyncmetrics.NewMetrics(a.Registry, a.Config.MetricsNamespace)

	var err error
	a.Identity, err = subsync.NewIdentityResolver(a.Storage, &subsync.IdentityConfig{
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create identity resolver: %w", err)
	}
	a.Status, err = subsync.NewStatusService(a.Identity, a.Storage, &subsync.StatusServiceConfig{
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create status service: %w", err)
	}
	a.Reconciler, err = subsync.NewReconciler(a.Storage, &subsync.ReconcilerConfig{
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create reconciler: %w", err)
	}
	return nil
}

func (a *App) buildBilling(backendURL string) error {
	logger := zlog.NewLogger(a.Logger.With().Str("component", "billing").Logger())
	metrics := billingmetrics.NewMetrics(a.Registry, a.Config.MetricsNamespace)

	// A nil provider keeps the catalog on fallback plans and makes checkout
	// answer "not configured".
	var provider billing.Provider
	if a.Config.BillingConfigured() {
		p, err := stripe.NewProvider(stripe.Config{
			Config: billing.Config{
				APIKey:  a.Config.BillingSecretKey,
				Logger:  logger,
				Metrics: metrics,
			},
			BackendURL: backendURL,
		})
		if err != nil {
			return fmt.Errorf("failed to create billing provider: %w", err)
		}
		provider = p
	} else {
		a.Logger.Warn().Msg("BILLING_SECRET_KEY not set, serving fallback plans and refusing checkout")
	}

	a.Catalog = billing.NewCatalog(billing.CatalogConfig{
		Provider: provider,
		Logger:   logger,
		Metrics:  metrics,
	})

	var err error
	a.Checkout, err = billing.NewCheckout(billing.CheckoutConfig{
		Provider:    provider,
		Identity:    a.Identity,
		Status:      a.Status,
		FrontendURL: a.Config.FrontendURL,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create checkout: %w", err)
	}

	if !a.Config.WebhookConfigured() {
		a.Logger.Warn().Msg("WEBHOOK_SECRET not set, webhook endpoint will answer 503")
		return nil
	}
	switch a.Config.WebhookScheme {
	case config.SchemeSvix:
		a.Verifier, err = svix.NewVerifier(a.Config.WebhookSecret)
	default:
		a.Verifier, err = stripe.NewVerifier(a.Config.WebhookSecret)
	}
	if err != nil {
		return fmt.Errorf("failed to create webhook verifier: %w", err)
	}
	return nil
}

func newAuthenticator(ctx context.Context, cfg *config.Config) (auth.Authenticator, error) {
	switch cfg.AuthMode {
	case config.AuthJWT:
		return auth.NewJWTAuthenticator(cfg.JWTSecret, cfg.JWTIssuer)
	case config.AuthHeader:
		return auth.HeaderAuthenticator{}, nil
	default:
		discoverCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return auth.NewOIDCAuthenticator(discoverCtx, cfg.OIDCIssuer, cfg.OIDCClientID)
	}
}

// Ping checks every storage backend that supports it.
func (a *App) Ping(ctx context.Context) error {
	return a.storage.Ping(ctx)
}

// Close releases storage connections.
func (a *App) Close() error {
	if a.storage == nil {
		return nil
	}
	return a.storage.Close()
}

// Serve runs the HTTP server until ctx is canceled, then shuts down
// gracefully.
func (a *App) Serve(ctx context.Context) error {
	handler, err := a.Handler()
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.Config.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().Int("port", a.Config.Port).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.Logger.Info().Msg("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	return <-errCh
}
