package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes builds the relay router
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/", s.Health)
	r.Get("/ws", s.HandleWebSocket)
	r.Get("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}).ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		if s.ipLimit > 0 {
			r.Use(httprate.LimitByIP(s.ipLimit, time.Minute))
		}
		r.Post("/location", s.SubmitLocation)
		r.Post("/stops", s.SubmitStop)
		r.Get("/vehicles", s.ListVehicles)
	})

	return r
}
