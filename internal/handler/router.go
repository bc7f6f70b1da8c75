package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/smartlaundry/pos-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware POS-сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", h.Register)
		r.Post("/auth/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/orders", h.CreateOrder)
			r.Get("/orders", h.GetOrders)
			r.Get("/orders/ready", h.GetOrdersReady)
			r.Get("/orders/unpaid", h.GetUnpaidOrders)
			r.Get("/orders/{id}", h.GetOrder)
			r.Post("/orders/{id}/status", h.UpdateStatus)
			r.Post("/orders/{id}/payment", h.ApplyPayment)

			r.Get("/customers", h.SearchCustomers)
			r.Get("/customers/{id}/orders", h.GetCustomerOrders)
			r.Get("/customers/{id}/points", h.GetPointsBalance)
			r.Get("/customers/{id}/points/history", h.GetPointsHistory)

			r.Get("/services", h.ListServices)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}

func chiURLParam(r *http.Request, key string) string {
	return chi.URLParam(r, key)
}
