package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/ledgerdesk/internal/chat"
)

// CreateChannelRequest is the body of POST /v1/channels
type CreateChannelRequest struct {
	TargetUserID uuid.UUID `json:"targetUserId" validate:"required"`
}

// SendMessageRequest is the body of POST /v1/messages. Length limits are
// enforced by the chat service so every entry point shares them.
type SendMessageRequest struct {
	ChannelID uuid.UUID `json:"channelId" validate:"required"`
	Content   *string   `json:"content,omitempty"`
	FileURL   *string   `json:"fileUrl,omitempty" validate:"omitempty,url"`
}

// ListChannels handles GET /v1/channels
func (h *Handler) ListChannels(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	channels, err := h.chat.ListChannels(r.Context(), id.CompanyID, id.UserID)
	if err != nil {
		h.writeServiceError(w, "list channels", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":  channels,
		"count": len(channels),
	})
}

// CreateChannel handles POST /v1/channels. It opens the direct-message
// channel with the target user, returning the existing one when present.
func (h *Handler) CreateChannel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req CreateChannelRequest
	if !h.decode(w, r, &req) {
		return
	}

	ch, created, err := h.chat.UpsertDirectMessageChannel(r.Context(), id.CompanyID, id.UserID, req.TargetUserID)
	if err != nil {
		h.writeServiceError(w, "create channel", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, ch)
}

// MarkChannelRead handles POST /v1/channels/{id}/read
func (h *Handler) MarkChannelRead(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	channelID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel ID", "ID must be a valid UUID")
		return
	}

	result, err := h.chat.MarkRead(r.Context(), id.CompanyID, id.UserID, channelID)
	if err != nil {
		h.writeServiceError(w, "mark channel read", err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// ListMessages handles GET /v1/messages?channelId=...&limit=50
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	channelIDStr := r.URL.Query().Get("channelId")
	if channelIDStr == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing channelId", "channelId query parameter is required")
		return
	}
	channelID, err := uuid.Parse(channelIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channelId", "channelId must be a valid UUID")
		return
	}

	limit := chat.ClampMessageLimit(parseLimit(r))
	messages, err := h.chat.GetChannelMessages(r.Context(), id.CompanyID, id.UserID, channelID, limit)
	if err != nil {
		h.writeServiceError(w, "list messages", err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":  messages,
		"limit": limit,
		"count": len(messages),
	})
}

// SendMessage handles POST /v1/messages
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req SendMessageRequest
	if !h.decode(w, r, &req) {
		return
	}

	msg, err := h.chat.CreateMessage(r.Context(), id.CompanyID, id.UserID, chat.SendInput{
		ChannelID: req.ChannelID,
		Content:   req.Content,
		FileURL:   req.FileURL,
	})
	if err != nil {
		h.writeServiceError(w, "send message", err)
		return
	}

	h.logger.Debug("message sent",
		zap.String("channel_id", req.ChannelID.String()),
		zap.String("message_id", msg.ID.String()),
	)
	h.writeJSON(w, http.StatusCreated, msg)
}
