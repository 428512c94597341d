package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/ledgerdesk/internal/circuitbreaker"
)

// QueueCounts handles GET /v1/admin/queues/{queue}/counts
func (h *Handler) QueueCounts(w http.ResponseWriter, r *http.Request) {
	if !h.inspectable(w) {
		return
	}
	name := chi.URLParam(r, "queue")

	counts, err := h.inspector.Counts(r.Context(), name)
	if err != nil {
		h.writeServiceError(w, "count jobs", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"queue":  name,
		"counts": counts,
	})
}

// ListFailedJobs handles GET /v1/admin/queues/{queue}/failed?limit=20
func (h *Handler) ListFailedJobs(w http.ResponseWriter, r *http.Request) {
	if !h.inspectable(w) {
		return
	}
	name := chi.URLParam(r, "queue")

	limit := parseLimit(r)
	if limit == 0 || limit > 100 {
		limit = 20
	}

	jobs, err := h.inspector.ListFailed(r.Context(), name, limit)
	if err != nil {
		h.writeServiceError(w, "list failed jobs", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":  jobs,
		"limit": limit,
		"count": len(jobs),
	})
}

// RetryFailedJob handles POST /v1/admin/queues/{queue}/failed/{id}/retry
func (h *Handler) RetryFailedJob(w http.ResponseWriter, r *http.Request) {
	if !h.inspectable(w) {
		return
	}
	name, id := chi.URLParam(r, "queue"), chi.URLParam(r, "id")

	if err := h.inspector.RetryFailed(r.Context(), name, id); err != nil {
		h.writeServiceError(w, "retry failed job", err)
		return
	}

	h.logger.Info("failed job retried",
		zap.String("queue", name),
		zap.String("job_id", id),
	)
	h.writeJSON(w, http.StatusOK, map[string]string{
		"id":     id,
		"status": "requeued",
	})
}

// CircuitBreakers handles GET /v1/admin/breakers
func (h *Handler) CircuitBreakers(w http.ResponseWriter, r *http.Request) {
	stats := make([]circuitbreaker.Stats, 0, len(h.breakers))
	for _, cb := range h.breakers {
		stats = append(stats, cb.Stats())
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"data": stats})
}

func (h *Handler) inspectable(w http.ResponseWriter) bool {
	if h.inspector == nil {
		h.writeError(w, http.StatusNotImplemented, "not_supported",
			"Queue inspection unavailable", "the configured queue backend does not keep job state")
		return false
	}
	return true
}
