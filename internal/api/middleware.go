package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/ledgerdesk/internal/auth"
	"github.com/lalithlochan/ledgerdesk/internal/metrics"
	"github.com/lalithlochan/ledgerdesk/internal/redis"
)

// RateLimitMiddleware creates an HTTP middleware that enforces rate limits.
// The keyFunc extracts the rate limit key from the request (e.g., company ID, IP).
func RateLimitMiddleware(limiter *redis.RateLimiter, logger *zap.Logger, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limit check failed", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				metrics.RecordRateLimitRejection(key)
				retryAfter := max(int(time.Until(result.ResetAt).Seconds()), 1)
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeProblem(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too Many Requests",
					"Rate limit exceeded. Please retry after the specified time.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// CompanyKeyFunc rate limits per company of the authenticated caller.
func CompanyKeyFunc(r *http.Request) string {
	if id, ok := auth.FromContext(r.Context()); ok {
		return "company:" + id.CompanyID.String()
	}
	return ""
}

// IPKeyFunc extracts the client IP for rate limiting.
func IPKeyFunc(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return "ip:" + ip
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return "ip:" + ip
	}
	return "ip:" + r.RemoteAddr
}

// IdempotencyMiddleware replays the stored response for a repeated
// Idempotency-Key of the same caller. Keys are scoped to company and user.
// Responses with a 5xx status are not stored, so the client may retry.
func IdempotencyMiddleware(svc *redis.IdempotencyService, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			id, ok := auth.FromContext(r.Context())
			if svc == nil || key == "" || !ok {
				next.ServeHTTP(w, r)
				return
			}
			company, user := id.CompanyID.String(), id.UserID.String()

			cached, err := svc.CheckOrReserve(r.Context(), company, user, key)
			if err != nil {
				if errors.Is(err, redis.ErrDuplicateRequest) {
					writeProblem(w, http.StatusConflict, "duplicate_request",
						"Request is already being processed",
						"Another request with this idempotency key is in progress")
					return
				}
				logger.Warn("idempotency check failed, proceeding",
					zap.Error(err),
					zap.String("idempotency_key", key),
				)
				next.ServeHTTP(w, r)
				return
			}
			if cached != nil {
				metrics.RecordIdempotencyHit()
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Idempotency-Replayed", "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			rec := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status >= http.StatusInternalServerError {
				if err := svc.Release(r.Context(), company, user, key); err != nil {
					logger.Warn("failed to release idempotency key", zap.Error(err))
				}
				return
			}

			body := bytes.TrimSpace(rec.body.Bytes())
			if !json.Valid(body) {
				body = []byte("null")
			}
			if err := svc.Store(r.Context(), company, user, key, &redis.IdempotencyResult{
				StatusCode: rec.status,
				Body:       body,
			}); err != nil {
				logger.Warn("failed to store idempotency result",
					zap.Error(err),
					zap.String("idempotency_key", key),
				)
			}
		})
	}
}

// recordingWriter passes the response through while keeping a copy.
type recordingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *recordingWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	w.body.Write(p)
	return w.ResponseWriter.Write(p)
}
