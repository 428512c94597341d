// Package queue implements the durable job queue. Jobs move through
// waiting -> active -> completed, go back to waiting (possibly delayed by
// backoff) on a retryable failure, and end in failed once their attempts are
// spent. Delivery is at-least-once: a job whose worker dies is handed out
// again after its lease expires.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"
)

// NotificationsQueue is the queue the dispatcher consumes.
const NotificationsQueue = "notifications"

// State of a job.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

var (
	// ErrEmpty is returned by Reserve when no job is ready.
	ErrEmpty = errors.New("queue: no job ready")
	// ErrNotFound is returned for an unknown job id.
	ErrNotFound = errors.New("queue: job not found")
	// ErrLeaseLost means the job was reclaimed as stalled before the worker
	// reported back; another worker may already be running it.
	ErrLeaseLost = errors.New("queue: job lease lost")
	// ErrNotSupported is returned by backends that cannot inspect their jobs.
	ErrNotSupported = errors.New("queue: operation not supported by backend")
)

// Backoff types
const (
	BackoffExponential = "exponential"
	BackoffFixed       = "fixed"
)

// Backoff decides how long a failed job waits before its next attempt.
type Backoff struct {
	Type  string        `json:"type"`
	Delay time.Duration `json:"delay"`
}

// maxBackoff caps exponential growth so a large attempt budget cannot park a
// job for days.
const maxBackoff = 12 * time.Hour

// Next returns the wait after the given number of attempts. Exponential
// backoff doubles from Delay: 1 -> Delay, 2 -> 2*Delay, 3 -> 4*Delay.
func (b Backoff) Next(attemptsMade int) time.Duration {
	if b.Delay <= 0 || attemptsMade < 1 {
		return 0
	}
	if b.Type != BackoffExponential {
		return b.Delay
	}

	d := float64(b.Delay) * math.Pow(2, float64(attemptsMade-1))
	if d > float64(maxBackoff) {
		return maxBackoff
	}
	return time.Duration(d)
}

// Retention bounds how long terminal jobs are kept for inspection. Zero
// fields mean unbounded.
type Retention struct {
	Age   time.Duration `json:"age"`
	Count int           `json:"count"`
}

// Options control a single job.
type Options struct {
	// JobID deduplicates enqueues: a second enqueue with the same id is a
	// no-op while the first job is still retained.
	JobID            string        `json:"jobId,omitempty"`
	Attempts         int           `json:"attempts"`
	Backoff          Backoff       `json:"backoff"`
	Delay            time.Duration `json:"delay,omitempty"`
	RemoveOnComplete Retention     `json:"removeOnComplete"`
	RemoveOnFail     Retention     `json:"removeOnFail"`
}

// DefaultOptions are applied to every notification job.
func DefaultOptions() Options {
	return Options{
		Attempts:         3,
		Backoff:          Backoff{Type: BackoffExponential, Delay: 2 * time.Second},
		RemoveOnComplete: Retention{Age: time.Hour, Count: 1000},
		RemoveOnFail:     Retention{Age: 24 * time.Hour},
	}
}

// withDefaults fills zero fields from base.
func (o Options) withDefaults(base Options) Options {
	if o.Attempts <= 0 {
		o.Attempts = base.Attempts
	}
	if o.Backoff.Delay <= 0 {
		o.Backoff = base.Backoff
	}
	if o.Backoff.Type == "" {
		o.Backoff.Type = BackoffExponential
	}
	if o.RemoveOnComplete == (Retention{}) {
		o.RemoveOnComplete = base.RemoveOnComplete
	}
	if o.RemoveOnFail == (Retention{}) {
		o.RemoveOnFail = base.RemoveOnFail
	}
	return o
}

// Job is a unit of work as handed to a worker.
type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Data         json.RawMessage `json:"data"`
	Options      Options         `json:"options"`
	AttemptsMade int             `json:"attemptsMade"`
	State        State           `json:"state"`
	LastError    string          `json:"lastError,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	ProcessedAt  *time.Time      `json:"processedAt,omitempty"`
	FinishedAt   *time.Time      `json:"finishedAt,omitempty"`

	// receipt is backend bookkeeping for the current lease.
	receipt string
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	return json.Unmarshal(j.Data, v)
}

// Backend is a durable queue store.
type Backend interface {
	// Enqueue stores data as a new job and returns its id.
	Enqueue(ctx context.Context, queue string, data any, opts Options) (string, error)
	// Reserve leases the next ready job, counting it as an attempt. It
	// returns ErrEmpty when nothing is ready.
	Reserve(ctx context.Context, queue string) (*Job, error)
	// Complete marks a reserved job done.
	Complete(ctx context.Context, job *Job) error
	// Fail records cause. The job is retried after its backoff when retry is
	// set and attempts remain; otherwise it is dead-lettered. The returned
	// state tells which happened.
	Fail(ctx context.Context, job *Job, cause error, retry bool) (State, error)
	Close() error
}

// Inspector is implemented by backends that keep terminal jobs around.
type Inspector interface {
	Counts(ctx context.Context, queue string) (map[State]int64, error)
	ListFailed(ctx context.Context, queue string, limit int) ([]*Job, error)
	RetryFailed(ctx context.Context, queue, id string) error
	Get(ctx context.Context, queue, id string) (*Job, error)
}

// Maintainer is implemented by backends that need periodic housekeeping,
// such as reclaiming jobs from crashed workers.
type Maintainer interface {
	Maintain(ctx context.Context, queue string) error
}

// canRetry is the attempt bound every backend enforces.
func canRetry(job *Job, retry bool) bool {
	return retry && job.AttemptsMade < job.Options.Attempts
}
