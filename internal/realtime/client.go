package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lalithlochan/ledgerdesk/internal/auth"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	sendBuffer     = 256
)

// Frames a client may send.
const (
	ClientJoin  = "join"
	ClientLeave = "leave"
	ClientPing  = "ping"
)

// Frames only the server sends.
const (
	EventJoined = "joined"
	EventLeft   = "left"
	EventPong   = "pong"
	EventError  = "error"
)

// ClientFrame is a control frame from the client.
type ClientFrame struct {
	Type string `json:"type"`
	Room string `json:"room,omitempty"`
}

// MembershipChecker authorizes joins of channel rooms.
type MembershipChecker interface {
	IsMember(ctx context.Context, companyID, userID, channelID uuid.UUID) (bool, error)
}

// Client is one WebSocket connection.
type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	identity   auth.Identity
	membership MembershipChecker
	heartbeat  func()
	logger     *zap.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, identity auth.Identity, membership MembershipChecker, heartbeat func(), logger *zap.Logger) *Client {
	if heartbeat == nil {
		heartbeat = func() {}
	}
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
		identity:   identity,
		membership: membership,
		heartbeat:  heartbeat,
		logger: logger.With(
			zap.String("user_id", identity.UserID.String()),
			zap.String("company_id", identity.CompanyID.String()),
		),
	}
}

// readPump handles control frames until the connection closes.
func (c *Client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.heartbeat()
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame ClientFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket closed unexpectedly", zap.Error(err))
			}
			return
		}

		switch frame.Type {
		case ClientPing:
			c.heartbeat()
			c.reply(EventPong, "", nil)
		case ClientJoin:
			c.join(ctx, frame.Room)
		case ClientLeave:
			if strings.HasPrefix(frame.Room, "channel:") {
				c.hub.Leave(c, frame.Room)
			}
			c.reply(EventLeft, frame.Room, nil)
		default:
			c.reply(EventError, "", map[string]string{"message": "unknown frame type"})
		}
	}
}

// join admits the client to a channel room it is a member of. The user and
// company rooms are joined by the server on connect and cannot be requested.
func (c *Client) join(ctx context.Context, room string) {
	id, ok := strings.CutPrefix(room, "channel:")
	channelID, err := uuid.Parse(id)
	if !ok || err != nil {
		c.reply(EventError, room, map[string]string{"message": "unknown room"})
		return
	}

	member, err := c.membership.IsMember(ctx, c.identity.CompanyID, c.identity.UserID, channelID)
	if err != nil {
		c.logger.Warn("membership check failed", zap.String("room", room), zap.Error(err))
		c.reply(EventError, room, map[string]string{"message": "join failed"})
		return
	}
	if !member {
		c.reply(EventError, room, map[string]string{"message": "forbidden"})
		return
	}

	c.hub.Join(c, room)
	c.reply(EventJoined, room, nil)
}

func (c *Client) reply(event, room string, data any) {
	frame := Frame{Event: event, Room: room}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return
		}
		frame.Data = raw
	}
	encoded, err := json.Marshal(frame)
	if err != nil {
		return
	}
	c.hub.send(c, encoded)
}

// writePump writes queued frames and keeps the connection alive with pings.
// It returns when the hub closes the send buffer or a write fails.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
