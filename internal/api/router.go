// Package api assembles the HTTP router for the CogniGraph server.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/abhi9avx/cognigraph-ai/internal/api/handlers"
	"github.com/abhi9avx/cognigraph-ai/internal/api/middleware"
	"github.com/abhi9avx/cognigraph-ai/internal/config"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

const serviceName = "cognigraph-ai"

// NewRouter creates the HTTP router with all API routes. rh may be nil when
// retrieval is disabled.
func NewRouter(cfg *config.Config, h *handlers.Handlers, rh *handlers.RAGHandlers) http.Handler {
	if rh == nil {
		rh = &handlers.RAGHandlers{}
	}
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.InvocationExtractor)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.API.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type", "X-Request-Id", "X-API-Key",
			middleware.HeaderUserID, middleware.HeaderThreadID,
		},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.NewAPIKeyAuth(cfg.API.Keys).Middleware)

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/agents", func(r chi.Router) {
			r.Get("/", h.ListAgents)
			r.Route("/{agentName}", func(r chi.Router) {
				r.Post("/invoke", h.Invoke)
				r.Get("/threads", h.ListThreads)
				r.Get("/threads/{threadID}", h.GetThread)
				r.Get("/tools", h.ListTools)
			})
		})

		// Model Router
		r.Route("/models", func(r chi.Router) {
			r.Get("/usage", h.GetUsage)
			r.Get("/providers", h.ListProviders)
			r.Get("/health", h.ProviderHealth)
		})

		// Retrieval
		r.Route("/rag", func(r chi.Router) {
			r.Post("/query", rh.RAGQuery)
			r.Post("/ingest", rh.RAGIngest)
		})

		r.Route("/embeddings", func(r chi.Router) {
			r.Get("/", rh.ListEmbeddingDrivers)
			r.Get("/health", rh.EmbeddingHealth)
			r.Post("/{driver}/embed", rh.EmbedText)
		})

		r.Route("/vectorstores", func(r chi.Router) {
			r.Get("/", rh.ListVectorStoreDrivers)
			r.Get("/health", rh.VectorStoreHealth)
			r.Get("/{driver}/collections/{collection}", rh.CountVectors)
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": serviceName,
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": serviceName,
		})
	}
}
