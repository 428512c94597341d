package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setupTestBackend(t *testing.T, lease time.Duration) (*RedisBackend, *testClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	clock := &testClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	backend := NewRedisBackend(rdb, RedisConfig{Lease: lease}, zap.NewNop())
	backend.now = clock.Now
	return backend, clock
}

type payload struct {
	UserID string `json:"userId"`
}

func mustReserve(t *testing.T, b *RedisBackend) *Job {
	t.Helper()
	job, err := b.Reserve(context.Background(), "test")
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	return job
}

func expectEmpty(t *testing.T, b *RedisBackend) {
	t.Helper()
	if _, err := b.Reserve(context.Background(), "test"); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestRedisBackend_Lifecycle(t *testing.T) {
	b, _ := setupTestBackend(t, time.Minute)
	ctx := context.Background()

	expectEmpty(t, b)

	id, err := b.Enqueue(ctx, "test", payload{UserID: "u1"}, Options{})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	job := mustReserve(t, b)
	if job.ID != id || job.State != StateActive || job.AttemptsMade != 1 {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.Options.Attempts != 3 || job.Options.Backoff.Delay != 2*time.Second {
		t.Errorf("default options not applied: %+v", job.Options)
	}

	var p payload
	if err := job.Decode(&p); err != nil || p.UserID != "u1" {
		t.Fatalf("payload round trip failed: %+v, %v", p, err)
	}

	expectEmpty(t, b)

	if err := b.Complete(ctx, job); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	stored, err := b.Get(ctx, "test", id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.State != StateCompleted || stored.FinishedAt == nil {
		t.Errorf("expected completed job, got %+v", stored)
	}

	counts, _ := b.Counts(ctx, "test")
	if counts[StateCompleted] != 1 || counts[StateActive] != 0 || counts[StateWaiting] != 0 {
		t.Errorf("unexpected counts %v", counts)
	}
}

func TestRedisBackend_FIFO(t *testing.T) {
	b, _ := setupTestBackend(t, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Enqueue(ctx, "test", i, Options{JobID: fmt.Sprintf("job-%d", i)})
	}
	for i := 0; i < 3; i++ {
		if job := mustReserve(t, b); job.ID != fmt.Sprintf("job-%d", i) {
			t.Fatalf("expected job-%d, got %s", i, job.ID)
		}
	}
}

// A handler that fails retryably twice and then succeeds ends completed.
func TestRedisBackend_RetryThenSucceed(t *testing.T) {
	b, clock := setupTestBackend(t, time.Minute)
	ctx := context.Background()

	id, _ := b.Enqueue(ctx, "test", payload{UserID: "u1"}, Options{})

	wantBackoff := []time.Duration{2 * time.Second, 4 * time.Second}
	for attempt := 1; attempt <= 2; attempt++ {
		job := mustReserve(t, b)
		if job.AttemptsMade != attempt {
			t.Fatalf("expected attempt %d, got %d", attempt, job.AttemptsMade)
		}

		state, err := b.Fail(ctx, job, errors.New("gateway timeout"), true)
		if err != nil {
			t.Fatalf("fail returned error: %v", err)
		}
		if state != StateDelayed {
			t.Fatalf("attempt %d: expected delayed, got %s", attempt, state)
		}

		clock.Advance(wantBackoff[attempt-1] - time.Millisecond)
		expectEmpty(t, b)
		clock.Advance(time.Millisecond)
	}

	job := mustReserve(t, b)
	if job.AttemptsMade != 3 {
		t.Fatalf("expected third attempt, got %d", job.AttemptsMade)
	}
	if err := b.Complete(ctx, job); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	stored, _ := b.Get(ctx, "test", id)
	if stored.State != StateCompleted {
		t.Fatalf("expected completed, got %s", stored.State)
	}
	if stored.LastError != "gateway timeout" {
		t.Errorf("last error should be kept for inspection, got %q", stored.LastError)
	}
}

func TestRedisBackend_AttemptsNeverExceedBudget(t *testing.T) {
	for _, attempts := range []int{1, 2, 3, 5} {
		t.Run(fmt.Sprintf("attempts=%d", attempts), func(t *testing.T) {
			b, clock := setupTestBackend(t, time.Minute)
			ctx := context.Background()

			id, _ := b.Enqueue(ctx, "test", "x", Options{Attempts: attempts})

			processed := 0
			for {
				clock.Advance(time.Hour)
				job, err := b.Reserve(ctx, "test")
				if errors.Is(err, ErrEmpty) {
					break
				}
				if err != nil {
					t.Fatalf("reserve failed: %v", err)
				}
				processed++
				if processed > attempts {
					t.Fatalf("job processed %d times with budget %d", processed, attempts)
				}
				b.Fail(ctx, job, errors.New("still down"), true)
			}

			if processed != attempts {
				t.Errorf("expected %d attempts, got %d", attempts, processed)
			}
			stored, _ := b.Get(ctx, "test", id)
			if stored.State != StateFailed || stored.AttemptsMade != attempts {
				t.Errorf("expected failed after %d attempts, got %s after %d", attempts, stored.State, stored.AttemptsMade)
			}
		})
	}
}

func TestRedisBackend_PermanentFailureSkipsRetries(t *testing.T) {
	b, clock := setupTestBackend(t, time.Minute)
	ctx := context.Background()

	id, _ := b.Enqueue(ctx, "test", "x", Options{})
	job := mustReserve(t, b)

	state, err := b.Fail(ctx, job, errors.New("unknown recipient"), false)
	if err != nil || state != StateFailed {
		t.Fatalf("expected failed, got %s, %v", state, err)
	}

	clock.Advance(time.Hour)
	expectEmpty(t, b)

	stored, _ := b.Get(ctx, "test", id)
	if stored.AttemptsMade != 1 {
		t.Errorf("permanent failure consumes exactly the attempt made, got %d", stored.AttemptsMade)
	}

	failed, err := b.ListFailed(ctx, "test", 10)
	if err != nil || len(failed) != 1 || failed[0].LastError != "unknown recipient" {
		t.Fatalf("expected job in failed list, got %+v, %v", failed, err)
	}
}

func TestRedisBackend_DedupeByJobID(t *testing.T) {
	b, _ := setupTestBackend(t, time.Minute)
	ctx := context.Background()

	first, err := b.Enqueue(ctx, "test", "a", Options{JobID: "wf-1"})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	second, err := b.Enqueue(ctx, "test", "b", Options{JobID: "wf-1"})
	if err != nil {
		t.Fatalf("duplicate enqueue failed: %v", err)
	}
	if first != second {
		t.Errorf("expected same id, got %s and %s", first, second)
	}

	counts, _ := b.Counts(ctx, "test")
	if counts[StateWaiting] != 1 {
		t.Errorf("expected one waiting job, got %d", counts[StateWaiting])
	}

	job := mustReserve(t, b)
	if string(job.Data) != `"a"` {
		t.Errorf("first payload should win, got %s", job.Data)
	}
}

func TestRedisBackend_DelayedEnqueue(t *testing.T) {
	b, clock := setupTestBackend(t, time.Minute)
	ctx := context.Background()

	b.Enqueue(ctx, "test", "later", Options{Delay: 5 * time.Second})

	counts, _ := b.Counts(ctx, "test")
	if counts[StateDelayed] != 1 {
		t.Fatalf("expected delayed job, got %v", counts)
	}
	expectEmpty(t, b)

	clock.Advance(5 * time.Second)
	if job := mustReserve(t, b); string(job.Data) != `"later"` {
		t.Errorf("unexpected job data %s", job.Data)
	}
}

func TestRedisBackend_CompletedRetentionByCount(t *testing.T) {
	b, clock := setupTestBackend(t, time.Minute)
	ctx := context.Background()
	opts := Options{RemoveOnComplete: Retention{Age: time.Hour, Count: 2}}

	for i := 0; i < 3; i++ {
		b.Enqueue(ctx, "test", i, Options{JobID: fmt.Sprintf("job-%d", i), RemoveOnComplete: opts.RemoveOnComplete})
	}
	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		if err := b.Complete(ctx, mustReserve(t, b)); err != nil {
			t.Fatalf("complete failed: %v", err)
		}
	}

	counts, _ := b.Counts(ctx, "test")
	if counts[StateCompleted] != 2 {
		t.Errorf("expected 2 retained, got %d", counts[StateCompleted])
	}
	if _, err := b.Get(ctx, "test", "job-0"); !errors.Is(err, ErrNotFound) {
		t.Errorf("oldest completed job should be removed, got %v", err)
	}

	// Once its record is gone the id may be reused.
	if _, err := b.Enqueue(ctx, "test", "again", Options{JobID: "job-0"}); err != nil {
		t.Fatalf("re-enqueue failed: %v", err)
	}
	if job := mustReserve(t, b); job.ID != "job-0" {
		t.Errorf("expected job-0 to be accepted again, got %s", job.ID)
	}
}

func TestRedisBackend_FailedRetentionByAge(t *testing.T) {
	b, clock := setupTestBackend(t, time.Minute)
	ctx := context.Background()

	b.Enqueue(ctx, "test", "old", Options{JobID: "old"})
	b.Fail(ctx, mustReserve(t, b), errors.New("bad"), false)

	clock.Advance(25 * time.Hour)

	b.Enqueue(ctx, "test", "new", Options{JobID: "new"})
	b.Fail(ctx, mustReserve(t, b), errors.New("bad"), false)

	if _, err := b.Get(ctx, "test", "old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("failed job older than 24h should be removed, got %v", err)
	}
	if _, err := b.Get(ctx, "test", "new"); err != nil {
		t.Errorf("recent failed job should be kept, got %v", err)
	}
}

func TestRedisBackend_StalledJobIsRequeued(t *testing.T) {
	b, clock := setupTestBackend(t, 10*time.Second)
	ctx := context.Background()

	b.Enqueue(ctx, "test", "x", Options{})
	stale := mustReserve(t, b)

	clock.Advance(11 * time.Second)
	if err := b.Maintain(ctx, "test"); err != nil {
		t.Fatalf("maintain failed: %v", err)
	}

	fresh := mustReserve(t, b)
	if fresh.AttemptsMade != 2 {
		t.Errorf("stalled attempt should count, got attempt %d", fresh.AttemptsMade)
	}

	if err := b.Complete(ctx, stale); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("stale worker must not complete the job, got %v", err)
	}
	if _, err := b.Fail(ctx, stale, errors.New("late"), true); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("stale worker must not fail the job, got %v", err)
	}
	if err := b.Complete(ctx, fresh); err != nil {
		t.Fatalf("current lease holder should complete, got %v", err)
	}
}

func TestRedisBackend_StalledJobWithoutAttemptsFails(t *testing.T) {
	b, clock := setupTestBackend(t, 10*time.Second)
	ctx := context.Background()

	id, _ := b.Enqueue(ctx, "test", "x", Options{Attempts: 1})
	mustReserve(t, b)

	clock.Advance(time.Minute)
	requeued, failed, err := b.RecoverStalled(ctx, "test")
	if err != nil || requeued != 0 || failed != 1 {
		t.Fatalf("expected one failed, got requeued=%d failed=%d err=%v", requeued, failed, err)
	}

	stored, _ := b.Get(ctx, "test", id)
	if stored.State != StateFailed || stored.LastError != "job stalled" {
		t.Errorf("unexpected job %+v", stored)
	}
}

func TestRedisBackend_RetryFailed(t *testing.T) {
	b, _ := setupTestBackend(t, time.Minute)
	ctx := context.Background()

	id, _ := b.Enqueue(ctx, "test", "x", Options{Attempts: 1})
	b.Fail(ctx, mustReserve(t, b), errors.New("down"), true)

	if err := b.RetryFailed(ctx, "test", id); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if err := b.RetryFailed(ctx, "test", id); !errors.Is(err, ErrNotFound) {
		t.Errorf("job is no longer failed, got %v", err)
	}

	job := mustReserve(t, b)
	if job.AttemptsMade != 1 {
		t.Errorf("retried job should get a fresh budget, got attempt %d", job.AttemptsMade)
	}
}

func TestRedisBackend_ConcurrentReserveHandsOutEachJobOnce(t *testing.T) {
	b, _ := setupTestBackend(t, time.Minute)
	ctx := context.Background()

	const jobs = 50
	for i := 0; i < jobs; i++ {
		b.Enqueue(ctx, "test", i, Options{})
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := b.Reserve(ctx, "test")
				if err != nil {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != jobs {
		t.Fatalf("expected %d distinct jobs, got %d", jobs, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("job %s reserved %d times", id, n)
		}
	}
}
