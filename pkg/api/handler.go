package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

const maxBodyBytes = 16 * 1024

var errNotAuthenticated = errors.New("not authenticated")

// Handler provides the JSON endpoints behind the pricing page and dashboard.
type Handler struct {
	config   Config
	validate *validator.Validate
}

func newValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}

// ListPlans serves GET /api/plans. It always answers 200; the body says
// whether the fallback catalog was used.
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.config.Catalog.ListPlans(r.Context()))
}

// GetStatus serves GET /api/subscription/status. Anonymous callers are not
// entitled.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id, _ := h.config.GetIdentity(r)
	writeJSON(w, http.StatusOK, StatusResponse{
		HasActiveSubscription: h.config.Status.HasActiveEntitlement(r.Context(), id.Subject),
	})
}

// GetSubscription serves GET /api/subscription.
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := h.config.GetIdentity(r)
	if !ok {
		writeJSON(w, http.StatusOK, SubscriptionResponse{})
		return
	}
	sub, err := h.config.Status.CurrentSubscription(r.Context(), id.Subject)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to load subscription: %w", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, SubscriptionResponse{Subscription: sub})
}

// UpsertMe serves POST /api/users/me: the caller's user record is created or
// its profile refreshed from the identity token.
func (h *Handler) UpsertMe(w http.ResponseWriter, r *http.Request) {
	id, ok := h.config.GetIdentity(r)
	if !ok {
		h.handleError(w, r, errNotAuthenticated, http.StatusUnauthorized)
		return
	}
	user, err := h.config.Identity.Upsert(r.Context(), id)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to upsert user: %w", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// CreateCheckout serves POST /api/checkout.
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	id, ok := h.config.GetIdentity(r)
	if !ok {
		h.handleError(w, r, errNotAuthenticated, http.StatusUnauthorized)
		return
	}

	var req CheckoutRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.handleError(w, r, validationError(err), http.StatusBadRequest)
		return
	}

	url, err := h.config.Checkout.CreateCheckoutSession(r.Context(), id, req.PriceID)
	if err != nil {
		h.handleError(w, r, err, checkoutStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, URLResponse{URL: url})
}

// CreatePortal serves POST /api/portal.
func (h *Handler) CreatePortal(w http.ResponseWriter, r *http.Request) {
	id, ok := h.config.GetIdentity(r)
	if !ok {
		h.handleError(w, r, errNotAuthenticated, http.StatusUnauthorized)
		return
	}
	url, err := h.config.Checkout.CreatePortalSession(r.Context(), id.Subject)
	if err != nil {
		h.handleError(w, r, err, checkoutStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, URLResponse{URL: url})
}

// RedirectAfterAuth serves GET /auth/redirect.
func (h *Handler) RedirectAfterAuth(w http.ResponseWriter, r *http.Request) {
	id, _ := h.config.GetIdentity(r)
	http.Redirect(w, r, h.config.Status.RedirectAfterAuth(r.Context(), id.Subject), http.StatusFound)
}

// checkoutStatus maps a checkout failure onto an HTTP status.
func checkoutStatus(err error) int {
	switch {
	case errors.Is(err, billing.ErrAuthenticationRequired):
		return http.StatusUnauthorized
	case errors.Is(err, billing.ErrPriceNotFound), errors.Is(err, billing.ErrEmailRequired):
		return http.StatusUnprocessableEntity
	case errors.Is(err, billing.ErrCustomerNotFound):
		return http.StatusNotFound
	case errors.Is(err, billing.ErrProviderNotConfigured):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("invalid %s: failed %q", fe.Field(), fe.Tag())
	}
	return err
}

// handleError writes err as JSON. A *billing.UserError contributes only its
// user-facing message.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if statusCode >= http.StatusInternalServerError {
		h.config.Logger.Error("API request failed",
			subsync.Field{Key: "path", Value: r.URL.Path},
			subsync.Field{Key: "status", Value: statusCode},
			subsync.Field{Key: "error", Value: err.Error()},
		)
	}
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	msg := err.Error()
	var ue *billing.UserError
	if errors.As(err, &ue) {
		msg = ue.Message
	} else if statusCode >= http.StatusInternalServerError {
		msg = http.StatusText(statusCode)
	}
	writeJSON(w, statusCode, ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Response already sent
		_ = err
	}
}
