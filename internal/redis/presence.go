package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// PresenceTTL bounds how long a counter outlives a process that died without
// closing its sockets. Live connections refresh it on every heartbeat.
const PresenceTTL = 2 * time.Minute

var presenceLeave = redis.NewScript(`
local n = redis.call('DECR', KEYS[1])
if n <= 0 then
	redis.call('DEL', KEYS[1])
	return 0
end
return n
`)

// Presence counts open real-time connections per user across all processes.
// A user is online while the count is positive.
type Presence struct {
	client *Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewPresence creates a presence tracker.
func NewPresence(client *Client, logger *zap.Logger) *Presence {
	return &Presence{client: client, logger: logger, ttl: PresenceTTL}
}

func presenceKey(companyID, userID string) string {
	return fmt.Sprintf("presence:%s:%s", companyID, userID)
}

// Connect records a new connection and reports whether the user just came
// online.
func (p *Presence) Connect(ctx context.Context, companyID, userID string) (bool, error) {
	key := presenceKey(companyID, userID)

	pipe := p.client.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("presence connect: %w", err)
	}
	return incr.Val() == 1, nil
}

// Disconnect drops a connection and reports whether it was the user's last.
func (p *Presence) Disconnect(ctx context.Context, companyID, userID string) (bool, error) {
	n, err := presenceLeave.Run(ctx, p.client.rdb, []string{presenceKey(companyID, userID)}).Int64()
	if err != nil {
		return false, fmt.Errorf("presence disconnect: %w", err)
	}
	return n == 0, nil
}

// Refresh extends the counter's lifetime while a connection is alive.
func (p *Presence) Refresh(ctx context.Context, companyID, userID string) error {
	if err := p.client.rdb.Expire(ctx, presenceKey(companyID, userID), p.ttl).Err(); err != nil {
		return fmt.Errorf("presence refresh: %w", err)
	}
	return nil
}

// Online reports which of userIDs currently hold at least one connection.
func (p *Presence) Online(ctx context.Context, companyID string, userIDs []string) (map[string]bool, error) {
	online := make(map[string]bool, len(userIDs))
	if len(userIDs) == 0 {
		return online, nil
	}

	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = presenceKey(companyID, id)
	}

	vals, err := p.client.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("presence lookup: %w", err)
	}
	for i, v := range vals {
		online[userIDs[i]] = v != nil
	}
	return online, nil
}
