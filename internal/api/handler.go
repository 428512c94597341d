package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/ledgerdesk/internal/auth"
	"github.com/lalithlochan/ledgerdesk/internal/chat"
	"github.com/lalithlochan/ledgerdesk/internal/circuitbreaker"
	"github.com/lalithlochan/ledgerdesk/internal/db"
	"github.com/lalithlochan/ledgerdesk/internal/notify"
	"github.com/lalithlochan/ledgerdesk/internal/queue"
)

// NotificationService is the notification read and submit surface.
type NotificationService interface {
	List(ctx context.Context, companyID, userID uuid.UUID, limit int) ([]db.Notification, error)
	UnreadCount(ctx context.Context, companyID, userID uuid.UUID) (int, error)
	MarkAsRead(ctx context.Context, companyID, userID uuid.UUID, ids []uuid.UUID) (*notify.ReadResult, error)
	Create(ctx context.Context, p notify.Payload, workflowID string) (string, error)
}

// ChatService is the chat surface.
type ChatService interface {
	ListChannels(ctx context.Context, companyID, userID uuid.UUID) ([]db.ChannelSummary, error)
	UpsertDirectMessageChannel(ctx context.Context, companyID, userID, targetID uuid.UUID) (*db.Channel, bool, error)
	MarkRead(ctx context.Context, companyID, userID, channelID uuid.UUID) (*chat.ChannelRead, error)
	GetChannelMessages(ctx context.Context, companyID, userID, channelID uuid.UUID, limit int) ([]db.Message, error)
	CreateMessage(ctx context.Context, companyID, senderID uuid.UUID, in chat.SendInput) (*db.Message, error)
}

// PreferenceStore persists per-user channel preferences.
type PreferenceStore interface {
	ListPreferences(ctx context.Context, companyID, userID uuid.UUID) ([]db.Preference, error)
	UpsertPreference(ctx context.Context, companyID, userID uuid.UUID, p *db.Preference) error
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger        *zap.Logger
	notifications NotificationService
	chat          ChatService
	preferences   PreferenceStore
	inspector     queue.Inspector // nil when the queue backend cannot be inspected
	breakers      []*circuitbreaker.CircuitBreaker
	validate      *validator.Validate
}

// Deps are the services behind the API.
type Deps struct {
	Notifications NotificationService
	Chat          ChatService
	Preferences   PreferenceStore
	Inspector     queue.Inspector
	Breakers      []*circuitbreaker.CircuitBreaker
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, deps Deps) *Handler {
	return &Handler{
		logger:        logger,
		notifications: deps.Notifications,
		chat:          deps.Chat,
		preferences:   deps.Preferences,
		inspector:     deps.Inspector,
		breakers:      deps.Breakers,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
	}
}

// decode reads a JSON body into v and validates it. It writes the error
// response itself and reports whether the handler may continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Validation failed", err.Error())
		return false
	}
	return true
}

// identity returns the caller set by the auth middleware.
func (h *Handler) identity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized", "missing identity")
	}
	return id, ok
}

func parseLimit(r *http.Request) int {
	if s := r.URL.Query().Get("limit"); s != "" {
		if l, err := strconv.Atoi(s); err == nil && l > 0 {
			return l
		}
	}
	return 0
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	writeProblem(w, status, errType, title, detail)
}

func writeProblem(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// Unauthorized is the auth middleware's error writer.
func Unauthorized(w http.ResponseWriter, _ *http.Request, err error) {
	writeProblem(w, http.StatusUnauthorized, "unauthorized", "Unauthorized", err.Error())
}

// writeServiceError maps domain errors to responses. Unknown errors are
// logged and hidden behind a 500.
func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, chat.ErrChannelNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Channel not found", "")
	case errors.Is(err, chat.ErrUserNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "User not found", "")
	case errors.Is(err, queue.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Job not found", "")
	case errors.Is(err, chat.ErrForbidden):
		h.writeError(w, http.StatusForbidden, "forbidden", "Forbidden", err.Error())
	case errors.Is(err, chat.ErrInvalidMessage), errors.Is(err, chat.ErrSelfDM), errors.Is(err, notify.ErrInvalidPayload):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request", err.Error())
	default:
		h.logger.Error(op+" failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error", "")
	}
}
