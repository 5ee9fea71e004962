package api

import (
	"encoding/json"
	"net/http"

	"github.com/agentoven/agentoven/playground/internal/api/handlers"
	"github.com/agentoven/agentoven/playground/internal/api/middleware"
	"github.com/agentoven/agentoven/playground/internal/config"
	"github.com/agentoven/agentoven/playground/internal/metrics"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler(h))
	r.Get("/version", versionHandler(cfg))
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/playground", func(r chi.Router) {
			r.Get("/state", h.GetState)
			r.Post("/load", h.Load)
			r.Put("/selection", h.SetSelection)
			r.Get("/subscribe", h.Subscribe)
			r.Delete("/notifications", h.ClearNotifications)

			r.Route("/variants/{variantID}", func(r chi.Router) {
				r.Get("/", h.GetEntity)
				r.Delete("/", h.DeleteVariant)
				r.Patch("/parameters", h.UpdateParameter)
				r.Put("/parameters", h.ReplaceParameters)
				r.Post("/commit", h.CommitVariant)
			})

			r.Route("/rows", func(r chi.Router) {
				r.Post("/", h.AddRow)
				r.Route("/{rowID}", func(r chi.Router) {
					r.Delete("/", h.DeleteRow)
					r.Put("/inputs/{key}", h.SetInput)
					r.Post("/turns", h.AddTurn)
					r.Put("/turns/{turnID}", h.SetTurnContent)
					r.Delete("/turns/{turnID}", h.DeleteTurn)
				})
			})

			r.Post("/run", h.Run)
			r.Post("/cancel", h.Cancel)
			r.Get("/results/{ref}", h.GetResult)
		})

		// Embedded configuration backend. Speaks the remote.Client protocol
		// so another playground can point PLAYGROUND_REMOTE_URL here.
		if h.Repo != nil {
			r.Route("/backend", func(r chi.Router) {
				r.Post("/variants", h.CreateVariant)
				r.Post("/variants/query", h.QueryVariants)
				r.Post("/variants/{id}/commit", h.BackendCommit)
				r.Delete("/variants/{id}", h.BackendDelete)
				r.Get("/variants/{id}/revisions", h.ListRevisions)
				r.Get("/revisions/{id}", h.GetRevision)
				r.Get("/schema", h.BackendSchema)
				r.Put("/schema", h.PutSchema)
				r.Put("/routing", h.SetRouting)
				r.Get("/selection", h.GetSelection)
			})
		}
	})

	return r
}

func healthHandler(h *handlers.Handlers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "healthy", http.StatusOK
		if h.Repo != nil {
			if err := h.Repo.Ping(r.Context()); err != nil {
				status, code = "degraded", http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{
			"status":  status,
			"service": "playground",
		})
	}
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "playground",
		})
	}
}
