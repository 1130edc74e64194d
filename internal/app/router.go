package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"

	guard "github.com/mihaimyh/subsync/middleware/http"
	"github.com/mihaimyh/subsync/pkg/api"
	"github.com/mihaimyh/subsync/pkg/auth"
	"github.com/mihaimyh/subsync/pkg/billing"
	zlog "github.com/mihaimyh/subsync/pkg/subsync/logger/zerolog"
)

// Handler returns the full HTTP surface of the service.
func (a *App) Handler() (http.Handler, error) {
	apiHandler, err := api.NewHandler(api.Config{
		Identity: a.Identity,
		Status:   a.Status,
		Catalog:  a.Catalog,
		Checkout: a.Checkout,
		Logger:   zlog.NewLogger(a.Logger.With().Str("component", "api").Logger()),
	})
	if err != nil {
		return nil, err
	}

	webhookLogger := zlog.NewLogger(a.Logger.With().Str("component", "webhook").Logger())
	webhook, err := billing.NewWebhookHandler(billing.WebhookConfig{
		Provider:  a.Config.BillingProvider,
		Verifier:  a.Verifier,
		Handler:   a.Reconciler,
		RateLimit: a.Config.WebhookRateLimit,
		Logger:    webhookLogger,
	})
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(a.Logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request handled")
	}))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.healthz)
	r.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))

	// Webhook deliveries authenticate by signature, not by session.
	r.Method(http.MethodPost, "/webhooks/billing", webhook)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(a.Authenticator, zlog.NewLogger(a.Logger.With().Str("component", "auth").Logger())))

		r.Mount("/api", apiHandler.Routes())
		r.Get("/auth/redirect", apiHandler.RedirectAfterAuth)

		r.With(guard.RequireEntitlement(guard.Config{
			Status:     a.Status,
			SignInURL:  a.Config.FrontendURL + "/sign-in",
			PricingURL: a.Config.FrontendURL + "/pricing",
		})).Get("/dashboard", a.dashboard)
	})

	return r, nil
}

func (a *App) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.Ping(ctx); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// dashboard is the entitled landing route. The page itself is rendered by the
// frontend; this answers with the subscription it should show.
func (a *App) dashboard(w http.ResponseWriter, r *http.Request) {
	sub, err := a.Status.CurrentSubscription(r.Context(), auth.SubjectFromContext(r.Context()))
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Failed to load dashboard subscription")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscription": sub})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
