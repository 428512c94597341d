package api

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/ledgerdesk/internal/db"
	"github.com/lalithlochan/ledgerdesk/internal/notify"
)

// MarkReadRequest is the body of PATCH /v1/notifications/read
type MarkReadRequest struct {
	IDs []uuid.UUID `json:"ids" validate:"required,min=1,max=100"`
}

// CreateNotificationRequest is the body of POST /v1/notifications. The
// company is always the caller's.
type CreateNotificationRequest struct {
	UserID           uuid.UUID       `json:"userId" validate:"required"`
	NotificationType string          `json:"notificationType" validate:"required,max=64"`
	Title            string          `json:"title" validate:"required,max=200"`
	Message          string          `json:"message" validate:"required,max=2000"`
	Link             *string         `json:"link,omitempty" validate:"omitempty,max=2048"`
	Metadata         map[string]any  `json:"metadata,omitempty"`
	Channels         notify.Channels `json:"channels"`
	Fallback         bool            `json:"fallback"`
	WorkflowID       string          `json:"workflowId,omitempty" validate:"max=200"`
}

// NotificationResponse is returned after accepting a notification
type NotificationResponse struct {
	ID string `json:"id"`
}

// ListNotifications handles GET /v1/notifications?limit=20
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	limit := notify.ClampLimit(parseLimit(r))
	items, err := h.notifications.List(r.Context(), id.CompanyID, id.UserID, limit)
	if err != nil {
		h.writeServiceError(w, "list notifications", err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":  items,
		"limit": limit,
		"count": len(items),
	})
}

// UnreadCount handles GET /v1/notifications/unread-count
func (h *Handler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	n, err := h.notifications.UnreadCount(r.Context(), id.CompanyID, id.UserID)
	if err != nil {
		h.writeServiceError(w, "count unread notifications", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"unreadCount": n})
}

// MarkNotificationsRead handles PATCH /v1/notifications/read
func (h *Handler) MarkNotificationsRead(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req MarkReadRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.notifications.MarkAsRead(r.Context(), id.CompanyID, id.UserID, req.IDs)
	if err != nil {
		h.writeServiceError(w, "mark notifications read", err)
		return
	}

	h.logger.Info("notifications marked read",
		zap.String("user_id", id.UserID.String()),
		zap.Int("updated", len(result.UpdatedIDs)),
	)
	h.writeJSON(w, http.StatusOK, result)
}

// CreateNotification handles POST /v1/notifications. The notification is
// queued; delivery happens asynchronously.
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req CreateNotificationRequest
	if !h.decode(w, r, &req) {
		return
	}

	payload := notify.Payload{
		UserID:           req.UserID,
		CompanyID:        id.CompanyID,
		NotificationType: req.NotificationType,
		Title:            req.Title,
		Message:          req.Message,
		Link:             req.Link,
		Metadata:         req.Metadata,
		Channels:         req.Channels,
		Fallback:         req.Fallback,
	}
	if payload.Metadata == nil {
		payload.Metadata = map[string]any{}
	}
	payload.Metadata["createdBy"] = id.UserID.String()

	jobID, err := h.notifications.Create(r.Context(), payload, req.WorkflowID)
	if err != nil {
		h.writeServiceError(w, "create notification", err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, NotificationResponse{ID: jobID})
}

// PreferencesRequest is the body of PUT /v1/preferences
type PreferencesRequest struct {
	Preferences []PreferenceInput `json:"preferences" validate:"required,min=1,max=50,dive"`
}

// PreferenceInput is one channel setting.
type PreferenceInput struct {
	NotificationType string `json:"notificationType" validate:"required,max=64"`
	Channel          string `json:"channel" validate:"required,oneof=in_app email sms"`
	Enabled          *bool  `json:"enabled" validate:"required"`
}

// ListPreferences handles GET /v1/preferences
func (h *Handler) ListPreferences(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	prefs, err := h.preferences.ListPreferences(r.Context(), id.CompanyID, id.UserID)
	if err != nil {
		h.writeServiceError(w, "list preferences", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"data": prefs})
}

// UpdatePreferences handles PUT /v1/preferences
func (h *Handler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req PreferencesRequest
	if !h.decode(w, r, &req) {
		return
	}

	for _, in := range req.Preferences {
		p := toPreference(in)
		if err := h.preferences.UpsertPreference(r.Context(), id.CompanyID, id.UserID, &p); err != nil {
			h.writeServiceError(w, "update preferences", err)
			return
		}
	}

	h.ListPreferences(w, r)
}

func toPreference(in PreferenceInput) db.Preference {
	return db.Preference{
		NotificationType: in.NotificationType,
		Channel:          in.Channel,
		Enabled:          *in.Enabled,
	}
}
