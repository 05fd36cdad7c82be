package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/xpertai/control-plane/internal/api/handlers"
	"github.com/xpertai/control-plane/internal/api/middleware"
	"github.com/xpertai/control-plane/internal/config"
)

// NewRouter creates the HTTP router with all API routes. kh may be nil when
// no knowledge store is wired. metrics serves the Prometheus scrape
// endpoint; nil leaves /metrics unrouted.
func NewRouter(cfg *config.Config, h *handlers.Handlers, kh *handlers.KnowledgeHandlers, metrics http.Handler) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.WorkspaceExtractor)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Workspace", "X-User-Id", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", handlers.Health)
	r.Get("/version", handlers.Version(cfg.Version))
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/xperts", func(r chi.Router) {
			r.Get("/", h.ListXperts)
			r.Post("/", h.CreateXpert)
			r.Route("/{xpertId}", func(r chi.Router) {
				r.Get("/", h.GetXpert)
				r.Delete("/", h.DeleteXpert)
				r.Put("/draft", h.SaveDraft)
				r.Get("/versions", h.ListVersions)
				r.Get("/graph", h.GetGraph)
				r.Post("/publish", h.PublishXpert)
				r.Get("/conversations", h.ListXpertConversations)
			})
		})

		r.Route("/chat", func(r chi.Router) {
			r.Post("/", h.StreamChat)
			r.Post("/conversations/{conversationId}/cancel", h.CancelChat)
		})

		r.Get("/conversations/{conversationId}", h.GetConversation)
		r.Get("/executions/{executionId}", h.GetExecution)
		r.Get("/toolsets/builtin", h.ListBuiltinToolsets)

		if kh != nil {
			r.Route("/knowledgebases/{knowledgebaseId}", func(r chi.Router) {
				r.Post("/documents", kh.IngestDocuments)
				r.Post("/search", kh.SearchKnowledge)
			})
		}
	})

	return r
}
