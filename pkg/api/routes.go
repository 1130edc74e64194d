package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes mounts the handler on a chi router. Authentication middleware is
// expected to run before it.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/plans", h.ListPlans)
	r.Get("/subscription", h.GetSubscription)
	r.Get("/subscription/status", h.GetStatus)
	r.Post("/users/me", h.UpsertMe)
	r.Post("/checkout", h.CreateCheckout)
	r.Post("/portal", h.CreatePortal)
	return r
}
