package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/smolentsov/logmarket/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса logmarket.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/user", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/balance", h.GetBalance)
			r.Post("/deposits", h.SubmitDeposit)
			r.Get("/transactions", h.GetTransactions)
			r.Post("/purchase", h.Purchase)
			r.Get("/orders", h.GetOrders)
		})
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Get("/transactions", h.AdminGetTransactions)
		r.Post("/transactions/{id}/status", h.AdminSetEntryStatus)
		r.Post("/adjustments", h.AdminAdjustBalance)
		r.Post("/orders/{id}/status", h.AdminSetOrderStatus)
		r.Get("/actions", h.AdminGetActions)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
