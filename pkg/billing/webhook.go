package billing

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mihaimyh/subsync/pkg/billing/internal"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

// DefaultMaxWebhookBodyBytes caps the size of an inbound webhook body.
const DefaultMaxWebhookBodyBytes = 256 * 1024

// EventHandler consumes a verified webhook payload. *subsync.Reconciler
// implements it.
type EventHandler interface {
	Handle(ctx context.Context, provider string, payload []byte) (*subsync.Outcome, error)
}

// WebhookConfig holds configuration for the webhook endpoint.
type WebhookConfig struct {
	// Provider is recorded on every audit entry (e.g., "stripe").
	Provider string

	// Verifier authenticates deliveries. Nil means the endpoint is not
	// configured and answers 503.
	Verifier Verifier

	// Handler applies verified payloads (required).
	Handler EventHandler

	// MaxBodyBytes caps the request body.
	// Default: DefaultMaxWebhookBodyBytes
	MaxBodyBytes int64

	// RateLimit is the number of deliveries accepted per IP per
	// RateLimitWindow. Zero disables limiting.
	RateLimit       int
	RateLimitWindow time.Duration

	Logger  subsync.Logger
	Metrics Metrics
}

type webhookHandler struct {
	provider string
	verifier Verifier
	handler  EventHandler
	maxBody  int64
	logger   subsync.Logger
	metrics  Metrics
}

type webhookResponse struct {
	Message string `json:"message"`
}

// NewWebhookHandler returns the HTTP endpoint that receives billing events.
func NewWebhookHandler(cfg WebhookConfig) (http.Handler, error) {
	if cfg.Handler == nil {
		return nil, errors.New("webhook event handler is required")
	}
	if cfg.Provider == "" {
		return nil, errors.New("webhook provider name is required")
	}
	h := &webhookHandler{
		provider: cfg.Provider,
		verifier: cfg.Verifier,
		handler:  cfg.Handler,
		maxBody:  cfg.MaxBodyBytes,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
	if h.maxBody <= 0 {
		h.maxBody = DefaultMaxWebhookBodyBytes
	}
	if h.logger == nil {
		h.logger = &subsync.NoopLogger{}
	}
	if h.metrics == nil {
		h.metrics = &NoopMetrics{}
	}

	if cfg.RateLimit > 0 {
		window := cfg.RateLimitWindow
		if window <= 0 {
			window = time.Minute
		}
		return internal.NewRateLimiter(cfg.RateLimit, window).Middleware(h), nil
	}
	return h, nil
}

func (h *webhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.verifier == nil {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	if hc, ok := h.verifier.(HeaderChecker); ok {
		if err := hc.CheckHeader(r.Header); err != nil {
			h.rejectSignature(w, r, err)
			return
		}
	}

	body, err := internal.ReadBodyStrict(w, r, h.maxBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			h.metrics.RecordWebhookError(h.provider, "payload_too_large")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			h.metrics.RecordWebhookError(h.provider, "invalid_payload")
		}
		return
	}

	if err := h.verifier.Verify(body, r.Header); err != nil {
		h.rejectSignature(w, r, err)
		return
	}

	out, err := h.handler.Handle(r.Context(), h.provider, body)
	eventType := "unknown"
	if out != nil && out.Kind != "" {
		eventType = string(out.Kind)
	}
	if err != nil {
		errorType := "processing_error"
		if errors.Is(err, subsync.ErrInvalidPayload) {
			errorType = "invalid_payload"
		}
		h.metrics.RecordWebhookEvent(h.provider, eventType, "error")
		h.metrics.RecordWebhookError(h.provider, errorType)
		h.metrics.RecordWebhookProcessingDuration(h.provider, eventType, time.Since(startTime))
		h.logger.Error("Webhook processing failed",
			subsync.Field{Key: "provider", Value: h.provider},
			subsync.Field{Key: "error", Value: err.Error()},
		)
		_ = internal.WriteJSON(w, http.StatusBadRequest, webhookResponse{Message: "Webhook failed"})
		return
	}

	_ = internal.WriteJSON(w, http.StatusOK, webhookResponse{Message: "Webhook received!"})
	h.metrics.RecordWebhookEvent(h.provider, eventType, "success")
	h.metrics.RecordWebhookProcessingDuration(h.provider, eventType, time.Since(startTime))
}

func (h *webhookHandler) rejectSignature(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Warn("Webhook verification failed",
		subsync.Field{Key: "provider", Value: h.provider},
		subsync.Field{Key: "remote_ip", Value: internal.GetClientIP(r)},
		subsync.Field{Key: "error", Value: err.Error()},
	)
	h.metrics.RecordWebhookError(h.provider, "auth_failed")
	_ = internal.WriteJSON(w, http.StatusForbidden, webhookResponse{Message: "Webhook verification failed"})
}
