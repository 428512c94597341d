package redis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/ledgerdesk/internal/metrics"
)

// Status distinguishes "definitely absent" from "could not ask".
type Status int

const (
	Miss Status = iota
	Hit
	Unavailable
)

func (s Status) String() string {
	switch s {
	case Hit:
		return "hit"
	case Miss:
		return "miss"
	default:
		return "unavailable"
	}
}

// Result of a cache read. Value is only set on Hit.
type Result struct {
	Status Status
	Value  []byte
}

const (
	cachePrefix      = "cache:"
	generationPrefix = "cachegen:"
	generationTTL    = 24 * time.Hour
	scanBatchSize    = 100
)

// setIfGeneration writes the entry only while the scope's generation still
// matches the one read before the source was queried.
var setIfGeneration = redis.NewScript(`
local current = redis.call('GET', KEYS[1]) or '0'
if current ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
return 1
`)

// Cache is a best-effort JSON cache. Store failures are logged and reported
// through Status or a false return, never as errors.
type Cache struct {
	client *Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewCache creates a cache whose entries default to ttl. A nil client yields a
// cache that reports every read as Unavailable.
func NewCache(client *Client, logger *zap.Logger, ttl time.Duration) *Cache {
	return &Cache{client: client, logger: logger, ttl: ttl}
}

// Key builds the deterministic key for a cached query. Params are encoded in
// sorted order so equal queries always map to the same key.
func Key(namespace, userID, companyID string, params url.Values) string {
	var b strings.Builder
	b.WriteString(UserPrefix(namespace, userID, companyID))
	if encoded := params.Encode(); encoded != "" {
		b.WriteByte('?')
		b.WriteString(encoded)
	}
	return b.String()
}

// UserPrefix is the part of Key shared by every query of one user in a
// namespace. Append "*" to get the invalidation pattern.
func UserPrefix(namespace, userID, companyID string) string {
	return cachePrefix + namespace + ":" + companyID + ":" + userID
}

func (c *Cache) available() bool {
	return c != nil && c.client != nil
}

func (c *Cache) degrade(op, key string, err error) {
	c.logger.Warn("cache unavailable, falling through",
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(err),
	)
}

// Get reads the raw JSON stored under key.
func (c *Cache) Get(ctx context.Context, key string) Result {
	res := c.get(ctx, key)
	metrics.RecordCacheResult(res.Status.String())
	return res
}

func (c *Cache) get(ctx context.Context, key string) Result {
	if !c.available() {
		return Result{Status: Unavailable}
	}

	val, err := c.client.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Result{Status: Miss}
	}
	if err != nil {
		c.degrade("get", key, err)
		return Result{Status: Unavailable}
	}
	return Result{Status: Hit, Value: val}
}

// Set stores value as JSON. A zero ttl uses the cache default.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) bool {
	if !c.available() {
		return false
	}
	if ttl <= 0 {
		ttl = c.ttl
	}

	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Error("cache value not serializable", zap.String("key", key), zap.Error(err))
		return false
	}

	if err := c.client.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		c.degrade("set", key, err)
		return false
	}
	return true
}

// Delete removes keys.
func (c *Cache) Delete(ctx context.Context, keys ...string) bool {
	if !c.available() || len(keys) == 0 {
		return false
	}
	if err := c.client.rdb.Unlink(ctx, keys...).Err(); err != nil {
		c.degrade("delete", strings.Join(keys, ","), err)
		return false
	}
	return true
}

// DeletePattern removes every key matching the glob pattern. It walks the
// keyspace with SCAN, never KEYS, and unlinks once the walk is complete so the
// cursor is not disturbed by its own deletes.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) (int, bool) {
	if !c.available() {
		return 0, false
	}

	var (
		cursor uint64
		keys   []string
	)
	seen := make(map[string]struct{})
	for {
		page, next, err := c.client.rdb.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			c.degrade("scan", pattern, err)
			return 0, false
		}
		for _, k := range page {
			if _, dup := seen[k]; !dup {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	deleted := 0
	for start := 0; start < len(keys); start += scanBatchSize {
		end := min(start+scanBatchSize, len(keys))
		n, err := c.client.rdb.Unlink(ctx, keys[start:end]...).Result()
		if err != nil {
			c.degrade("unlink", pattern, err)
			return deleted, false
		}
		deleted += int(n)
	}
	return deleted, true
}

// generationKey maps a cache key to the counter of its scope, the key without
// its query params. Keys built by Key share a scope per user and namespace.
func generationKey(key string) string {
	scope, _, _ := strings.Cut(strings.TrimPrefix(key, cachePrefix), "?")
	return generationPrefix + scope
}

func (c *Cache) generation(ctx context.Context, key string) (string, bool) {
	gen, err := c.client.rdb.Get(ctx, generationKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "0", true
	}
	if err != nil {
		c.degrade("generation", key, err)
		return "", false
	}
	return gen, true
}

// bumpGeneration invalidates in-flight fills of the scope of key.
func (c *Cache) bumpGeneration(ctx context.Context, key string) bool {
	gk := generationKey(key)
	pipe := c.client.rdb.TxPipeline()
	pipe.Incr(ctx, gk)
	pipe.Expire(ctx, gk, generationTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		c.degrade("bump generation", gk, err)
		return false
	}
	return true
}

func (c *Cache) setAtGeneration(ctx context.Context, key, gen string, value any, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = c.ttl
	}
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Error("cache value not serializable", zap.String("key", key), zap.Error(err))
		return false
	}

	stored, err := setIfGeneration.Run(ctx, c.client.rdb,
		[]string{generationKey(key), key},
		gen, data, ttl.Milliseconds(),
	).Int()
	if err != nil {
		c.degrade("set", key, err)
		return false
	}
	if stored == 0 {
		c.logger.Debug("skipping cache fill, scope invalidated during fetch", zap.String("key", key))
	}
	return stored == 1
}

// InvalidateUser drops every cached query of one user in the given
// namespaces. It reports false if any namespace could not be cleared.
func (c *Cache) InvalidateUser(ctx context.Context, userID, companyID string, namespaces ...string) bool {
	ok := true
	for _, ns := range namespaces {
		prefix := UserPrefix(ns, userID, companyID)
		if !c.available() || !c.bumpGeneration(ctx, prefix) {
			ok = false
		}
		if _, cleared := c.DeletePattern(ctx, prefix+"*"); !cleared {
			ok = false
		}
	}
	return ok
}

// GetOrSet implements cache-aside: a hit is decoded into T, anything else
// calls fetch and stores its result unless it encodes to JSON null. The store
// is skipped when InvalidateUser ran for the key's scope while fetch was in
// flight. Errors come only from fetch.
func GetOrSet[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, fetch func(context.Context) (T, error)) (T, Status, error) {
	res := c.Get(ctx, key)
	if res.Status == Hit {
		var cached T
		if err := json.Unmarshal(res.Value, &cached); err == nil {
			return cached, Hit, nil
		}
		c.logger.Warn("discarding undecodable cache entry", zap.String("key", key))
		c.Delete(ctx, key)
		res.Status = Miss
	}

	var (
		gen      string
		fillable bool
	)
	if res.Status != Unavailable {
		gen, fillable = c.generation(ctx, key)
	}

	value, err := fetch(ctx)
	if err != nil {
		var zero T
		return zero, res.Status, err
	}

	if fillable && !isNull(value) {
		c.setAtGeneration(ctx, key, gen, value, ttl)
	}
	return value, res.Status, nil
}

func isNull(v any) bool {
	if v == nil {
		return true
	}
	data, err := json.Marshal(v)
	return err != nil || bytes.Equal(data, []byte("null"))
}
