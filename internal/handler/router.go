package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/conversation-engine/internal/events"
	"github.com/capitalize-ai/conversation-engine/internal/middleware"
	"github.com/capitalize-ai/conversation-engine/internal/service"
	"github.com/capitalize-ai/conversation-engine/pkg/logger"
)

// ipLimitFactor scales the per-user limit into the per-IP limit; several
// users may share one address.
const ipLimitFactor = 4

// RouterConfig holds the HTTP settings of the API.
type RouterConfig struct {
	JWTSecret         string
	CORSOrigins       []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// Dependencies are the components the API is served from.
type Dependencies struct {
	Conversations *service.ConversationService
	Messages      *service.MessageService
	Bus           *events.Bus
	Health        *HealthHandler
	Logger        *logger.Logger
}

// NewRouter builds the API router.
func NewRouter(cfg RouterConfig, deps Dependencies) http.Handler {
	log := deps.Logger
	conversationHandler := NewConversationHandler(deps.Conversations)
	messageHandler := NewMessageHandler(deps.Messages, deps.Conversations)
	streamHandler := NewStreamHandler(deps.Conversations, deps.Bus)

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log.Named("http")))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Health endpoints (no auth required)
	if deps.Health != nil {
		r.Get("/health", deps.Health.Health)
		r.Get("/ready", deps.Health.Ready)
	}

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.RateLimitRequests > 0 {
			// Per-IP ceiling ahead of auth, so rejected tokens are limited too.
			r.Use(middleware.RateLimit(cfg.RateLimitRequests*ipLimitFactor, cfg.RateLimitWindow))
		}
		r.Use(middleware.OptionalAuth(cfg.JWTSecret))
		if cfg.RateLimitRequests > 0 {
			r.Use(middleware.UserRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		}

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", conversationHandler.Create)
			r.Get("/", conversationHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", conversationHandler.Get)
				r.Delete("/", conversationHandler.Delete)
				r.Get("/sync", conversationHandler.Sync)
				r.Post("/close", conversationHandler.Close)
				r.Get("/events", streamHandler.Events)
				r.Post("/stop", messageHandler.Stop)

				r.Post("/messages", messageHandler.Send)
				r.Route("/messages/{messageID}", func(r chi.Router) {
					r.Post("/edit", messageHandler.Edit)
					r.Post("/retry", messageHandler.Retry)
					r.Post("/navigate", messageHandler.Navigate)
				})
			})
		})
	})

	return r
}
