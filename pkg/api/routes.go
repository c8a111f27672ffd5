package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter mounts the entitlement API on a chi router.
// notifications, when not nil, is served at POST /iap/notifications.
func NewRouter(h *Handler, notifications http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/entitlements", h.GetEntitlement)
	r.Get("/products", h.GetProducts)
	r.Post("/iap/verify", h.Verify)
	if notifications != nil {
		r.Method(http.MethodPost, "/iap/notifications", notifications)
	}
	return r
}
