package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/ledgerdesk/internal/metrics"
)

// Subject is the Redis channel and NATS subject broadcasts travel on.
const Subject = "ledgerdesk.realtime"

// Envelope is one broadcast on the wire between processes.
type Envelope struct {
	Room    string          `json:"room"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Transport carries envelopes to every process, including the sender.
type Transport interface {
	Publish(ctx context.Context, data []byte) error
	// Subscribe calls handle for every message until ctx is done.
	Subscribe(ctx context.Context, handle func([]byte)) error
	Close() error
}

// RedisTransport uses Redis pub/sub.
type RedisTransport struct {
	rdb     *goredis.Client
	channel string
}

func NewRedisTransport(rdb *goredis.Client) *RedisTransport {
	return &RedisTransport{rdb: rdb, channel: Subject}
}

func (t *RedisTransport) Publish(ctx context.Context, data []byte) error {
	if err := t.rdb.Publish(ctx, t.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (t *RedisTransport) Subscribe(ctx context.Context, handle func([]byte)) error {
	sub := t.rdb.Subscribe(ctx, t.channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed so nothing published after
	// Subscribe returns is missed.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis subscription closed")
			}
			handle([]byte(msg.Payload))
		}
	}
}

// Close is a no-op; the Redis client is owned by the caller.
func (t *RedisTransport) Close() error { return nil }

// NATSTransport uses core NATS publish/subscribe.
type NATSTransport struct {
	conn    *nats.Conn
	subject string
}

// NewNATSTransport connects to the NATS server at url.
func NewNATSTransport(url string, logger *zap.Logger) (*NATSTransport, error) {
	conn, err := nats.Connect(url,
		nats.Name("ledgerdesk-realtime"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATSTransport{conn: conn, subject: Subject}, nil
}

func (t *NATSTransport) Publish(_ context.Context, data []byte) error {
	if err := t.conn.Publish(t.subject, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

func (t *NATSTransport) Subscribe(ctx context.Context, handle func([]byte)) error {
	sub, err := t.conn.Subscribe(t.subject, func(msg *nats.Msg) {
		handle(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	if err := t.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	<-ctx.Done()
	return nil
}

func (t *NATSTransport) Close() error {
	t.conn.Close()
	return nil
}

// Broadcaster sends events to rooms on every process. When the transport
// fails the event still reaches local connections.
type Broadcaster struct {
	hub       *Hub
	transport Transport
	logger    *zap.Logger
}

// NewBroadcaster creates a broadcaster. A nil transport keeps everything in
// this process.
func NewBroadcaster(hub *Hub, transport Transport, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{hub: hub, transport: transport, logger: logger}
}

// Broadcast never fails the caller; problems are logged and counted.
func (b *Broadcaster) Broadcast(ctx context.Context, room, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("failed to encode broadcast payload", zap.String("event", event), zap.Error(err))
		metrics.RecordBroadcast("error")
		return
	}
	env := Envelope{Room: room, Event: event, Payload: data}

	if b.transport == nil {
		b.deliver(env)
		metrics.RecordBroadcast("local")
		return
	}

	wire, err := json.Marshal(env)
	if err == nil {
		err = b.transport.Publish(ctx, wire)
	}
	if err != nil {
		b.logger.Warn("broadcast transport unavailable, delivering locally",
			zap.String("room", room),
			zap.String("event", event),
			zap.Error(err),
		)
		b.deliver(env)
		metrics.RecordBroadcast("fallback")
		return
	}
	metrics.RecordBroadcast("published")
}

// Run delivers envelopes from the transport to local connections until ctx
// is done.
func (b *Broadcaster) Run(ctx context.Context) error {
	if b.transport == nil {
		<-ctx.Done()
		return nil
	}

	b.logger.Info("broadcast subscriber started")
	err := b.transport.Subscribe(ctx, func(data []byte) {
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			b.logger.Warn("dropping malformed broadcast", zap.Error(err))
			return
		}
		b.deliver(env)
	})
	if err != nil {
		return fmt.Errorf("broadcast subscriber: %w", err)
	}
	return nil
}

func (b *Broadcaster) deliver(env Envelope) {
	frame, err := json.Marshal(Frame{Event: env.Event, Room: env.Room, Data: env.Payload})
	if err != nil {
		b.logger.Error("failed to encode frame", zap.Error(err))
		return
	}
	b.hub.Deliver(env.Room, frame)
}
