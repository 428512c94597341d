package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerdesk_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledgerdesk_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	jobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerdesk_jobs_enqueued_total",
			Help: "Jobs accepted by the durable queue",
		},
		[]string{"queue"},
	)

	jobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerdesk_jobs_processed_total",
			Help: "Job attempts by outcome (completed, retried, failed)",
		},
		[]string{"queue", "outcome"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledgerdesk_job_duration_seconds",
			Help:    "Time spent running one job attempt",
			Buckets: []float64{.01, .05, .1, .5, 1, 2, 5, 10, 30},
		},
		[]string{"queue"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledgerdesk_queue_jobs",
			Help: "Jobs currently held by the queue, by state",
		},
		[]string{"queue", "state"},
	)

	deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerdesk_deliveries_total",
			Help: "Channel deliveries by channel and status",
		},
		[]string{"channel", "status"},
	)

	cacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerdesk_cache_results_total",
			Help: "Cache reads by result (hit, miss, unavailable)",
		},
		[]string{"result"},
	)

	eventsHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerdesk_events_handled_total",
			Help: "Bus handler invocations by event and result (ok, error, panic)",
		},
		[]string{"event", "result"},
	)

	realtimeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledgerdesk_realtime_connections",
			Help: "Open real-time connections on this process",
		},
	)

	broadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerdesk_broadcasts_total",
			Help: "Room broadcasts by outcome (published, local_fallback)",
		},
		[]string{"outcome"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledgerdesk_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerdesk_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"company_id"},
	)

	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledgerdesk_circuit_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledgerdesk_db_connections_active",
			Help: "Acquired database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledgerdesk_redis_connections_active",
			Help: "Open Redis connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordJobEnqueued counts a job accepted by a queue.
func RecordJobEnqueued(queue string) {
	jobsEnqueued.WithLabelValues(queue).Inc()
}

// RecordJobProcessed counts one attempt and its duration.
func RecordJobProcessed(queue, outcome string, duration time.Duration) {
	jobsProcessed.WithLabelValues(queue, outcome).Inc()
	jobDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

// SetQueueDepth sets the number of jobs in a queue state.
func SetQueueDepth(queue, state string, n int64) {
	queueDepth.WithLabelValues(queue, state).Set(float64(n))
}

// RecordDelivery counts a channel delivery result.
func RecordDelivery(channel, status string) {
	deliveries.WithLabelValues(channel, status).Inc()
}

// RecordCacheResult counts a cache read by result.
func RecordCacheResult(result string) {
	cacheResults.WithLabelValues(result).Inc()
}

// RecordEventHandled counts one bus handler invocation.
func RecordEventHandled(event, result string) {
	eventsHandled.WithLabelValues(event, result).Inc()
}

// RealtimeConnected and RealtimeDisconnected track open sockets.
func RealtimeConnected()    { realtimeConnections.Inc() }
func RealtimeDisconnected() { realtimeConnections.Dec() }

// RecordBroadcast counts a room broadcast.
func RecordBroadcast(outcome string) {
	broadcasts.WithLabelValues(outcome).Inc()
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(companyID string) {
	rateLimitRejections.WithLabelValues(companyID).Inc()
}

// SetCircuitState publishes a breaker's state.
func SetCircuitState(name string, state int) {
	circuitState.WithLabelValues(name).Set(float64(state))
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// SetRedisConnections sets active Redis connection count
func SetRedisConnections(count int) {
	redisConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Middleware records request metrics labelled by the matched chi route
// pattern, so path parameters do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, routePattern(r), wrapped.status, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
