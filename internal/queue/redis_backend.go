package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/ledgerdesk/internal/metrics"
)

// Key layout for queue q, all sharing the {q} hash tag:
//
//	q:{q}:job:<id>  hash   data, opts, attempts_made, max_attempts, state, timestamps
//	q:{q}:waiting   list   ids ready to run, LPUSH in / RPOP out
//	q:{q}:delayed   zset   ids by ready-at ms
//	q:{q}:active    zset   ids by lease expiry ms
//	q:{q}:completed zset   ids by finish ms
//	q:{q}:failed    zset   ids by finish ms
type redisKeys struct {
	prefix    string
	waiting   string
	delayed   string
	active    string
	completed string
	failed    string
}

func keysFor(queue string) redisKeys {
	base := "q:{" + queue + "}:"
	return redisKeys{
		prefix:    base + "job:",
		waiting:   base + "waiting",
		delayed:   base + "delayed",
		active:    base + "active",
		completed: base + "completed",
		failed:    base + "failed",
	}
}

const luaTrim = `
local function trim(set, prefix, now, age, count)
	if age > 0 then
		local old = redis.call('ZRANGEBYSCORE', set, '-inf', now - age)
		for _, id in ipairs(old) do
			redis.call('DEL', prefix .. id)
		end
		if #old > 0 then
			redis.call('ZREMRANGEBYSCORE', set, '-inf', now - age)
		end
	end
	if count > 0 then
		local n = redis.call('ZCARD', set)
		if n > count then
			local extra = redis.call('ZRANGE', set, 0, n - count - 1)
			for _, id in ipairs(extra) do
				redis.call('DEL', prefix .. id)
			end
			redis.call('ZREMRANGEBYRANK', set, 0, n - count - 1)
		end
	end
end
`

// KEYS: job, waiting, delayed
// ARGV: id, data, opts, max_attempts, now, delay
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1],
	'data', ARGV[2], 'opts', ARGV[3], 'attempts_made', 0,
	'max_attempts', ARGV[4], 'created_at', ARGV[5])
local delay = tonumber(ARGV[6])
if delay > 0 then
	redis.call('HSET', KEYS[1], 'state', 'delayed')
	redis.call('ZADD', KEYS[3], tonumber(ARGV[5]) + delay, ARGV[1])
else
	redis.call('HSET', KEYS[1], 'state', 'waiting')
	redis.call('LPUSH', KEYS[2], ARGV[1])
end
return 1
`)

// KEYS: waiting, active, delayed
// ARGV: prefix, now, lease, token
var reserveScript = redis.NewScript(`
local now = tonumber(ARGV[2])
local due = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', now, 'LIMIT', 0, 100)
for _, id in ipairs(due) do
	redis.call('ZREM', KEYS[3], id)
	redis.call('LPUSH', KEYS[1], id)
	redis.call('HSET', ARGV[1] .. id, 'state', 'waiting')
end

while true do
	local id = redis.call('RPOP', KEYS[1])
	if not id then
		return false
	end
	local key = ARGV[1] .. id
	if redis.call('EXISTS', key) == 1 then
		redis.call('ZADD', KEYS[2], now + tonumber(ARGV[3]), id)
		redis.call('HINCRBY', key, 'attempts_made', 1)
		redis.call('HSET', key, 'state', 'active', 'processed_at', ARGV[2], 'lease', ARGV[4])
		return {id, redis.call('HGETALL', key)}
	end
end
`)

// KEYS: active, completed, job
// ARGV: id, now, prefix, keep_age, keep_count, token
var completeScript = redis.NewScript(luaTrim + `
if redis.call('HGET', KEYS[3], 'lease') ~= ARGV[6] or redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('HDEL', KEYS[3], 'lease')
redis.call('HSET', KEYS[3], 'state', 'completed', 'finished_at', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
trim(KEYS[2], ARGV[3], tonumber(ARGV[2]), tonumber(ARGV[4]), tonumber(ARGV[5]))
return 1
`)

// KEYS: active, waiting, delayed, failed, job
// ARGV: id, now, error, retry, backoff, prefix, keep_age, keep_count, token
var failScript = redis.NewScript(luaTrim + `
if redis.call('HGET', KEYS[5], 'lease') ~= ARGV[9] or redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return false
end
local now = tonumber(ARGV[2])
redis.call('HDEL', KEYS[5], 'lease')
redis.call('HSET', KEYS[5], 'last_error', ARGV[3])

local made = tonumber(redis.call('HGET', KEYS[5], 'attempts_made') or '0')
local max = tonumber(redis.call('HGET', KEYS[5], 'max_attempts') or '1')
if ARGV[4] == '1' and made < max then
	local backoff = tonumber(ARGV[5])
	if backoff > 0 then
		redis.call('HSET', KEYS[5], 'state', 'delayed')
		redis.call('ZADD', KEYS[3], now + backoff, ARGV[1])
		return 'delayed'
	end
	redis.call('HSET', KEYS[5], 'state', 'waiting')
	redis.call('LPUSH', KEYS[2], ARGV[1])
	return 'waiting'
end

redis.call('HSET', KEYS[5], 'state', 'failed', 'finished_at', ARGV[2])
redis.call('ZADD', KEYS[4], ARGV[2], ARGV[1])
trim(KEYS[4], ARGV[6], now, tonumber(ARGV[7]), tonumber(ARGV[8]))
return 'failed'
`)

// KEYS: active, waiting, failed
// ARGV: now, prefix, keep_age, keep_count
var recoverScript = redis.NewScript(luaTrim + `
local now = tonumber(ARGV[1])
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now)
local requeued, failed = 0, 0
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[1], id)
	local key = ARGV[2] .. id
	if redis.call('EXISTS', key) == 1 then
		redis.call('HDEL', key, 'lease')
		local made = tonumber(redis.call('HGET', key, 'attempts_made') or '0')
		local max = tonumber(redis.call('HGET', key, 'max_attempts') or '1')
		if made >= max then
			redis.call('HSET', key, 'state', 'failed', 'finished_at', ARGV[1], 'last_error', 'job stalled')
			redis.call('ZADD', KEYS[3], ARGV[1], id)
			failed = failed + 1
		else
			redis.call('HSET', key, 'state', 'waiting')
			redis.call('LPUSH', KEYS[2], id)
			requeued = requeued + 1
		end
	end
end
if failed > 0 then
	trim(KEYS[3], ARGV[2], now, tonumber(ARGV[3]), tonumber(ARGV[4]))
end
return {requeued, failed}
`)

// KEYS: failed, waiting, job
// ARGV: id
var retryFailedScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[3], 'state', 'waiting', 'attempts_made', 0)
redis.call('HDEL', KEYS[3], 'finished_at', 'processed_at')
redis.call('LPUSH', KEYS[2], ARGV[1])
return 1
`)

// RedisConfig tunes the Redis backend.
type RedisConfig struct {
	// Lease is how long a reserved job may run before it counts as stalled.
	Lease    time.Duration
	Defaults Options
}

// RedisBackend keeps jobs in Redis. Every state change is a single Lua script,
// so concurrent workers on any number of processes never see a job twice
// within one lease. Each reservation carries a token; a worker whose lease was
// reclaimed cannot complete or fail the job afterwards.
type RedisBackend struct {
	rdb      *redis.Client
	logger   *zap.Logger
	lease    time.Duration
	defaults Options
	now      func() time.Time
}

// NewRedisBackend creates a queue backend on rdb.
func NewRedisBackend(rdb *redis.Client, cfg RedisConfig, logger *zap.Logger) *RedisBackend {
	if cfg.Lease <= 0 {
		cfg.Lease = time.Minute
	}
	return &RedisBackend{
		rdb:      rdb,
		logger:   logger,
		lease:    cfg.Lease,
		defaults: cfg.Defaults.withDefaults(DefaultOptions()),
		now:      time.Now,
	}
}

// Enqueue implements Backend.
func (b *RedisBackend) Enqueue(ctx context.Context, queue string, data any, opts Options) (string, error) {
	opts = opts.withDefaults(b.defaults)

	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal job data: %w", err)
	}
	encodedOpts, err := json.Marshal(opts)
	if err != nil {
		return "", fmt.Errorf("marshal job options: %w", err)
	}

	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}

	k := keysFor(queue)
	added, err := enqueueScript.Run(ctx, b.rdb,
		[]string{k.prefix + id, k.waiting, k.delayed},
		id, payload, encodedOpts, opts.Attempts, b.now().UnixMilli(), opts.Delay.Milliseconds(),
	).Int()
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}

	if added == 0 {
		b.logger.Debug("duplicate job ignored",
			zap.String("queue", queue),
			zap.String("job_id", id),
		)
		return id, nil
	}

	metrics.RecordJobEnqueued(queue)
	b.logger.Debug("job enqueued",
		zap.String("queue", queue),
		zap.String("job_id", id),
		zap.Int("max_attempts", opts.Attempts),
	)
	return id, nil
}

// Reserve implements Backend.
func (b *RedisBackend) Reserve(ctx context.Context, queue string) (*Job, error) {
	k := keysFor(queue)
	token := uuid.NewString()
	res, err := reserveScript.Run(ctx, b.rdb,
		[]string{k.waiting, k.active, k.delayed},
		k.prefix, b.now().UnixMilli(), b.lease.Milliseconds(), token,
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("reserve job: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("reserve job: unexpected reply of length %d", len(res))
	}

	id, _ := res[0].(string)
	fields, _ := res[1].([]interface{})
	job, err := parseJob(queue, id, pairs(fields))
	if err != nil {
		return nil, err
	}
	job.receipt = token
	return job, nil
}

// Complete implements Backend.
func (b *RedisBackend) Complete(ctx context.Context, job *Job) error {
	k := keysFor(job.Queue)
	keep := job.Options.RemoveOnComplete
	now := b.now()

	ok, err := completeScript.Run(ctx, b.rdb,
		[]string{k.active, k.completed, k.prefix + job.ID},
		job.ID, now.UnixMilli(), k.prefix, keep.Age.Milliseconds(), keep.Count, job.receipt,
	).Int()
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if ok == 0 {
		return ErrLeaseLost
	}

	job.State = StateCompleted
	job.FinishedAt = &now
	return nil
}

// Fail implements Backend.
func (b *RedisBackend) Fail(ctx context.Context, job *Job, cause error, retry bool) (State, error) {
	k := keysFor(job.Queue)
	keep := job.Options.RemoveOnFail
	now := b.now()

	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	retryFlag := "0"
	if canRetry(job, retry) {
		retryFlag = "1"
	}

	state, err := failScript.Run(ctx, b.rdb,
		[]string{k.active, k.waiting, k.delayed, k.failed, k.prefix + job.ID},
		job.ID, now.UnixMilli(), msg, retryFlag,
		job.Options.Backoff.Next(job.AttemptsMade).Milliseconds(),
		k.prefix, keep.Age.Milliseconds(), keep.Count, job.receipt,
	).Text()
	if errors.Is(err, redis.Nil) {
		return "", ErrLeaseLost
	}
	if err != nil {
		return "", fmt.Errorf("fail job: %w", err)
	}

	job.State = State(state)
	job.LastError = msg
	if job.State == StateFailed {
		job.FinishedAt = &now
	}
	return job.State, nil
}

// Maintain reclaims jobs whose lease expired and refreshes depth gauges.
func (b *RedisBackend) Maintain(ctx context.Context, queue string) error {
	requeued, failed, err := b.RecoverStalled(ctx, queue)
	if err != nil {
		return err
	}
	if requeued > 0 || failed > 0 {
		b.logger.Warn("recovered stalled jobs",
			zap.String("queue", queue),
			zap.Int("requeued", requeued),
			zap.Int("failed", failed),
		)
	}

	counts, err := b.Counts(ctx, queue)
	if err != nil {
		return err
	}
	for state, n := range counts {
		metrics.SetQueueDepth(queue, string(state), n)
	}
	return nil
}

// RecoverStalled returns expired leases to waiting, or to failed when the
// job has no attempts left.
func (b *RedisBackend) RecoverStalled(ctx context.Context, queue string) (requeued, failed int, err error) {
	k := keysFor(queue)
	keep := b.defaults.RemoveOnFail

	res, err := recoverScript.Run(ctx, b.rdb,
		[]string{k.active, k.waiting, k.failed},
		b.now().UnixMilli(), k.prefix, keep.Age.Milliseconds(), keep.Count,
	).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("recover stalled jobs: %w", err)
	}
	return int(res[0]), int(res[1]), nil
}

// Counts implements Inspector.
func (b *RedisBackend) Counts(ctx context.Context, queue string) (map[State]int64, error) {
	k := keysFor(queue)

	pipe := b.rdb.Pipeline()
	waiting := pipe.LLen(ctx, k.waiting)
	delayed := pipe.ZCard(ctx, k.delayed)
	active := pipe.ZCard(ctx, k.active)
	completed := pipe.ZCard(ctx, k.completed)
	failed := pipe.ZCard(ctx, k.failed)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}

	return map[State]int64{
		StateWaiting:   waiting.Val(),
		StateDelayed:   delayed.Val(),
		StateActive:    active.Val(),
		StateCompleted: completed.Val(),
		StateFailed:    failed.Val(),
	}, nil
}

// ListFailed implements Inspector, newest first.
func (b *RedisBackend) ListFailed(ctx context.Context, queue string, limit int) ([]*Job, error) {
	k := keysFor(queue)

	ids, err := b.rdb.ZRevRange(ctx, k.failed, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}

	pipe := b.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, k.prefix+id)
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("load failed jobs: %w", err)
		}
	}

	jobs := make([]*Job, 0, len(ids))
	for i, id := range ids {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue
		}
		job, err := parseJob(queue, id, fields)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// RetryFailed implements Inspector: the job gets a fresh attempt budget.
func (b *RedisBackend) RetryFailed(ctx context.Context, queue, id string) error {
	k := keysFor(queue)
	ok, err := retryFailedScript.Run(ctx, b.rdb,
		[]string{k.failed, k.waiting, k.prefix + id},
		id,
	).Int()
	if err != nil {
		return fmt.Errorf("retry failed job: %w", err)
	}
	if ok == 0 {
		return ErrNotFound
	}

	b.logger.Info("failed job requeued", zap.String("queue", queue), zap.String("job_id", id))
	return nil
}

// Get implements Inspector.
func (b *RedisBackend) Get(ctx context.Context, queue, id string) (*Job, error) {
	fields, err := b.rdb.HGetAll(ctx, keysFor(queue).prefix+id).Result()
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return parseJob(queue, id, fields)
}

// Close is a no-op; the client is owned by the caller.
func (b *RedisBackend) Close() error {
	return nil
}

func pairs(flat []interface{}) map[string]string {
	m := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		m[k] = v
	}
	return m
}

func parseJob(queue, id string, f map[string]string) (*Job, error) {
	job := &Job{
		ID:        id,
		Queue:     queue,
		Data:      json.RawMessage(f["data"]),
		State:     State(f["state"]),
		LastError: f["last_error"],
	}
	if err := json.Unmarshal([]byte(f["opts"]), &job.Options); err != nil {
		return nil, fmt.Errorf("decode options of job %s: %w", id, err)
	}

	job.AttemptsMade, _ = strconv.Atoi(f["attempts_made"])
	if ms, err := strconv.ParseInt(f["created_at"], 10, 64); err == nil {
		job.CreatedAt = time.UnixMilli(ms)
	}
	job.ProcessedAt = parseMillis(f["processed_at"])
	job.FinishedAt = parseMillis(f["finished_at"])
	return job, nil
}

func parseMillis(s string) *time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	t := time.UnixMilli(ms)
	return &t
}
