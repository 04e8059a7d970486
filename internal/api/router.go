// Package api wires the HTTP surface: router, middleware stack, and
// route registration for the pipeline control API.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/squorworks/pipeline/internal/api/handlers"
	"github.com/squorworks/pipeline/internal/api/middleware"
	"github.com/squorworks/pipeline/internal/config"
)

// NewRouter builds the full HTTP handler with middleware and routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	if cfg.Telemetry.Enabled {
		r.Use(middleware.Telemetry)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Actor"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(chimw.Timeout(60 * time.Second))

	auth := middleware.NewAPIKeyAuth(cfg.API.Keys)
	r.Use(auth.Middleware)

	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/listings", h.IngestListings)

		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", h.ListWorkflows)
			r.Get("/metrics", h.WorkflowMetrics)
			r.Post("/resume-batch", h.ResumeQuotaBatch)
			r.Route("/{workflowID}", func(r chi.Router) {
				r.Get("/", h.GetWorkflow)
				r.Get("/history", h.WorkflowHistory)
				r.Get("/quota-usage", h.WorkflowQuotaUsage)
				r.Post("/retry", h.RetryWorkflow)
				r.Post("/cancel", h.CancelWorkflow)
				r.Post("/suspend", h.SuspendWorkflow)
				r.Post("/resume", h.ResumeWorkflow)
			})
		})

		r.Route("/products/{productID}", func(r chi.Router) {
			r.Get("/", h.GetProduct)
			r.Get("/facts", h.GetProductFacts)
			r.Get("/score", h.GetProductScore)
			r.Get("/version", h.GetProductVersions)
		})

		r.Route("/channels", func(r chi.Router) {
			r.Get("/", h.ListChannels)
			r.Post("/", h.CreateChannel)
			r.Delete("/{channelID}", h.DeleteChannel)
		})

		r.Get("/quota", h.QuotaStatus)
	})

	return r
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"version":"` + cfg.Version + `"}`))
	}
}
