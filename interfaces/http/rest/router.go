package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"m365rag-backend/application/ports"
	"m365rag-backend/infrastructure/config"
	"m365rag-backend/interfaces/http/rest/handlers"
	"m365rag-backend/interfaces/http/rest/middleware"
)

// Router creates and configures the HTTP router.
type Router struct {
	queryService  handlers.QueryExecutor
	conversations ports.ConversationRepository
	cfg           *config.Config
	logger        *zap.Logger
}

// NewRouter creates a new router instance.
func NewRouter(
	queryService handlers.QueryExecutor,
	conversations ports.ConversationRepository,
	cfg *config.Config,
	logger *zap.Logger,
) *Router {
	return &Router{
		queryService:  queryService,
		conversations: conversations,
		cfg:           cfg,
		logger:        logger,
	}
}

// Setup configures all routes and middleware.
func (rt *Router) Setup() http.Handler {
	router := chi.NewRouter()

	// Global middleware
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Use(middleware.Logger(rt.logger))
	if rt.cfg.EnableMetrics {
		router.Use(middleware.Metrics())
	}

	// CORS: the chat front-end is served from a separate origin.
	if rt.cfg.EnableCORS {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	// Health checks
	router.Get("/health", rt.healthCheck)
	router.Get("/ready", rt.readinessCheck)

	if rt.cfg.EnableMetrics {
		router.Handle("/metrics", promhttp.Handler())
	}

	// API routes
	router.Route("/api", func(r chi.Router) {
		queryHandler := handlers.NewQueryHandler(rt.queryService, rt.logger)
		r.Post("/query", queryHandler.Query)

		conversationHandler := handlers.NewConversationHandler(rt.conversations, rt.logger)
		r.Route("/conversations", func(r chi.Router) {
			r.Get("/{userID}", conversationHandler.List)
			r.Get("/{userID}/{conversationID}", conversationHandler.Get)
		})
	})

	return router
}

// healthCheck handles health check requests.
func (rt *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}

// readinessCheck handles readiness check requests.
func (rt *Router) readinessCheck(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}
