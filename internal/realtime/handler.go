package realtime

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lalithlochan/ledgerdesk/internal/auth"
	"github.com/lalithlochan/ledgerdesk/internal/metrics"
)

// EventUserStatus announces presence changes to the company room.
const EventUserStatus = "user:status:update"

// Presence statuses
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// UserRoom holds every connection of one user.
func UserRoom(userID uuid.UUID) string { return "user:" + userID.String() }

// CompanyRoom holds every connection of one company.
func CompanyRoom(companyID uuid.UUID) string { return "company:" + companyID.String() }

// StatusUpdate is the payload of user:status:update.
type StatusUpdate struct {
	UserID    uuid.UUID `json:"userId"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Presence counts connections per user across processes.
type Presence interface {
	Connect(ctx context.Context, companyID, userID string) (bool, error)
	Disconnect(ctx context.Context, companyID, userID string) (bool, error)
	Refresh(ctx context.Context, companyID, userID string) error
}

type HandlerConfig struct {
	// AllowedOrigins are the browser origins allowed to connect; "*" allows
	// any. Requests without an Origin header are not from a browser and are
	// accepted.
	AllowedOrigins []string
}

// Handler upgrades requests to WebSocket connections and registers them.
type Handler struct {
	hub         *Hub
	broadcaster *Broadcaster
	authn       auth.Authenticator
	membership  MembershipChecker
	presence    Presence
	upgrader    websocket.Upgrader
	logger      *zap.Logger
}

func NewHandler(hub *Hub, broadcaster *Broadcaster, authn auth.Authenticator, membership MembershipChecker, presence Presence, cfg HandlerConfig, logger *zap.Logger) *Handler {
	h := &Handler{
		hub:         hub,
		broadcaster: broadcaster,
		authn:       authn,
		membership:  membership,
		presence:    presence,
		logger:      logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(cfg.AllowedOrigins, "*") || slices.Contains(cfg.AllowedOrigins, origin)
		},
	}
	return h
}

// ServeHTTP serves one connection for its whole lifetime.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authn.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx := context.WithoutCancel(r.Context())
	client := newClient(h.hub, conn, identity, h.membership, h.heartbeat(identity), h.logger)

	h.hub.Register(client)
	h.hub.Join(client, UserRoom(identity.UserID))
	h.hub.Join(client, CompanyRoom(identity.CompanyID))
	metrics.RealtimeConnected()
	h.logger.Info("websocket connected",
		zap.String("user_id", identity.UserID.String()),
		zap.String("company_id", identity.CompanyID.String()),
		zap.Int("connections", h.hub.Connections()),
	)
	h.connected(ctx, identity)

	go client.writePump()
	client.readPump(ctx)

	h.hub.Unregister(client)
	metrics.RealtimeDisconnected()
	h.disconnected(ctx, identity)
	h.logger.Info("websocket disconnected", zap.String("user_id", identity.UserID.String()))
}

func (h *Handler) connected(ctx context.Context, id auth.Identity) {
	if h.presence == nil {
		return
	}
	first, err := h.presence.Connect(ctx, id.CompanyID.String(), id.UserID.String())
	if err != nil {
		h.logger.Warn("presence connect failed", zap.Error(err))
		return
	}
	if first {
		h.announce(ctx, id, StatusOnline)
	}
}

func (h *Handler) disconnected(ctx context.Context, id auth.Identity) {
	if h.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	last, err := h.presence.Disconnect(ctx, id.CompanyID.String(), id.UserID.String())
	if err != nil {
		h.logger.Warn("presence disconnect failed", zap.Error(err))
		return
	}
	if last {
		h.announce(ctx, id, StatusOffline)
	}
}

func (h *Handler) announce(ctx context.Context, id auth.Identity, status string) {
	h.broadcaster.Broadcast(ctx, CompanyRoom(id.CompanyID), EventUserStatus, StatusUpdate{
		UserID:    id.UserID,
		Status:    status,
		Timestamp: time.Now().UTC(),
	})
}

func (h *Handler) heartbeat(id auth.Identity) func() {
	if h.presence == nil {
		return nil
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.presence.Refresh(ctx, id.CompanyID.String(), id.UserID.String()); err != nil {
			h.logger.Debug("presence refresh failed", zap.Error(err))
		}
	}
}

// CloseAll disconnects every client. Hijacked connections are not closed by
// http.Server.Shutdown, so the gateway calls this on shutdown.
func (h *Handler) CloseAll() {
	h.hub.closeAll()
}
