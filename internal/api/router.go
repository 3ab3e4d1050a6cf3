// Package api wires the HTTP surface: routes, middleware, and the error
// envelope contract.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matrixhub/matrixhub/internal/api/handlers"
	"github.com/matrixhub/matrixhub/internal/api/middleware"
	"github.com/matrixhub/matrixhub/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "If-None-Match", "X-Request-Id"},
		ExposedHeaders: []string{"ETag", "X-Request-Id"},
		MaxAge:         300,
	}))

	// Health & info
	r.Get("/health", h.Health)
	r.Get("/version", h.Version)
	r.Handle("/metrics", promhttp.Handler())

	// Public catalog surface
	r.Route("/catalog", func(r chi.Router) {
		r.Get("/search", h.CatalogSearch)
		r.Get("/entities/{uid}", h.GetEntity)
		r.Post("/install", h.Install)
	})

	// Admin surface
	r.Group(func(r chi.Router) {
		r.Use(middleware.AdminAuth(cfg.AdminToken))
		r.Get("/remotes", h.ListRemotes)
		r.Post("/remotes", h.AddRemote)
		r.Delete("/remotes", h.DeleteRemote)
		r.Post("/remotes/sync", h.SyncRemotes)
		r.Post("/ingest", h.IngestOne)
	})

	return r
}
