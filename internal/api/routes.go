package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/ledgerdesk/internal/auth"
	"github.com/lalithlochan/ledgerdesk/internal/redis"
)

// RouteConfig carries the cross-cutting services of the /v1 routes. Nil
// services disable their middleware.
type RouteConfig struct {
	Authenticator auth.Authenticator
	RateLimiter   *redis.RateLimiter
	Idempotency   *redis.IdempotencyService
}

// Routes returns the /v1 API. Every route requires an identity and is rate
// limited per company.
func (h *Handler) Routes(cfg RouteConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(auth.Middleware(cfg.Authenticator, Unauthorized))
	r.Use(RateLimitMiddleware(cfg.RateLimiter, h.logger.With(zap.String("component", "ratelimit")), CompanyKeyFunc))

	idempotent := IdempotencyMiddleware(cfg.Idempotency, h.logger)

	r.Route("/notifications", func(r chi.Router) {
		r.Get("/", h.ListNotifications)
		r.With(idempotent).Post("/", h.CreateNotification)
		r.Patch("/read", h.MarkNotificationsRead)
		r.Get("/unread-count", h.UnreadCount)
	})

	r.Get("/preferences", h.ListPreferences)
	r.Put("/preferences", h.UpdatePreferences)

	r.Route("/channels", func(r chi.Router) {
		r.Get("/", h.ListChannels)
		r.Post("/", h.CreateChannel)
		r.Post("/{id}/read", h.MarkChannelRead)
	})

	r.Get("/messages", h.ListMessages)
	r.With(idempotent).Post("/messages", h.SendMessage)

	r.Route("/admin", func(r chi.Router) {
		r.Get("/queues/{queue}/counts", h.QueueCounts)
		r.Get("/queues/{queue}/failed", h.ListFailedJobs)
		r.Post("/queues/{queue}/failed/{id}/retry", h.RetryFailedJob)
		r.Get("/breakers", h.CircuitBreakers)
	})

	return r
}
