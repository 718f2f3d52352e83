package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/example/ec-order-placement/internal/api/middleware"
)

func NewRouter(handlers *Handlers, logger *zap.Logger, requestTimeout time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Tracing)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chimw.Recoverer)
	if requestTimeout > 0 {
		r.Use(chimw.Timeout(requestTimeout))
	}

	r.Get("/health", handlers.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/orders", func(r chi.Router) {
			r.Post("/", handlers.PlaceOrder)
			r.Get("/", handlers.GetOrders)
			r.Get("/{id}", handlers.GetOrder)
			r.Get("/{id}/status", handlers.GetOrderStatus)
		})
		r.Route("/products", func(r chi.Router) {
			r.Post("/", handlers.CreateProduct)
			r.Get("/", handlers.GetProducts)
			r.Get("/{id}", handlers.GetProduct)
			r.Put("/{id}", handlers.UpdateProduct)
			r.Delete("/{id}", handlers.DeleteProduct)
		})
	})

	return r
}
