package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/chat-relay/internal/middleware"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
)

// RouterConfig holds the HTTP surface settings.
type RouterConfig struct {
	JWTSecret         string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	CORSOrigins       []string
}

// Handlers groups the endpoint handlers mounted by NewRouter.
type Handlers struct {
	Health        *HealthHandler
	Conversations *ConversationHandler
	Messages      *MessageHandler
	Retries       *RetryHandler
}

// NewRouter builds the operator API.
func NewRouter(h Handlers, cfg RouterConfig, log *logger.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", h.Health.Health)
	r.Get("/ready", h.Health.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		if cfg.RateLimitRequests > 0 {
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireScope(middleware.ScopeRead))
			r.Get("/conversations/{id}", h.Conversations.Get)
			r.Get("/request-tasks/{id}", h.Messages.GetRequestTask)
			r.Get("/failed-messages", h.Retries.ListFailed)
			r.Get("/failed-messages/{id}", h.Retries.GetFailed)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireScope(middleware.ScopeWrite))
			r.Post("/conversations", h.Conversations.Create)
			r.Put("/conversations/{id}", h.Conversations.Update)
			r.Delete("/conversations/{id}", h.Conversations.Close)
			r.Post("/conversations/{id}/messages", h.Messages.Send)
			r.Post("/conversations/{id}/flush", h.Messages.Flush)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireScope(middleware.ScopeRetry))
			r.Post("/retries", h.Retries.Retry)
			r.Post("/failed-messages/{id}/retry", h.Retries.RetryOne)
			r.Post("/request-tasks/{id}/retry", h.Retries.RetryRequestTask)
		})
	})

	return r
}
