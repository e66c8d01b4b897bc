package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"imagen/internal/http/handlers"
)

// NewRouter wires the REST surface and the websocket event stream.
func NewRouter(app *handlers.App, stream *handlers.EventStream) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Logger,
	)

	r.Get("/v1/healthz", app.Health)

	r.Route("/v1/orders", func(r chi.Router) {
		r.Post("/", app.OrdersCreate)
		r.Get("/{order_id}", app.OrdersGet)
		r.Post("/{order_id}/cancel", app.OrdersCancel)
		r.Post("/{order_id}/generations", app.OrdersAddGeneration)
	})

	r.Get("/v1/generations/{generation_id}/products", app.GenerationProducts)

	if stream != nil {
		r.Get("/v1/events", stream.Serve)
	}

	return r
}
