// Package worker runs queue jobs with bounded concurrency under a global rate
// limit.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lalithlochan/ledgerdesk/internal/errs"
	"github.com/lalithlochan/ledgerdesk/internal/metrics"
	"github.com/lalithlochan/ledgerdesk/internal/queue"
)

// Handler processes one job attempt. Returning an error classified with
// errs.Permanent fails the job without further attempts; any other error is
// retried while attempts remain.
type Handler interface {
	Handle(ctx context.Context, job *queue.Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *queue.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *queue.Job) error {
	return f(ctx, job)
}

type Config struct {
	Queue       string
	Concurrency int
	// RateLimit jobs are started per RateWindow across all workers.
	RateLimit        int
	RateWindow       time.Duration
	PollInterval     time.Duration
	JobTimeout       time.Duration
	MaintainInterval time.Duration
}

// Pool pulls jobs from a backend and hands them to a handler.
type Pool struct {
	backend queue.Backend
	handler Handler
	config  Config
	limiter *rate.Limiter
	logger  *zap.Logger
}

func New(backend queue.Backend, handler Handler, cfg Config, logger *zap.Logger) *Pool {
	if cfg.Queue == "" {
		cfg.Queue = queue.NotificationsQueue
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 100
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Second
	}
	if cfg.MaintainInterval <= 0 {
		cfg.MaintainInterval = 5 * time.Second
	}

	// Burst 1 spaces starts evenly across the window. A burst of RateLimit
	// would let a full window start at once on top of the refill.
	every := rate.Limit(float64(cfg.RateLimit) / cfg.RateWindow.Seconds())

	return &Pool{
		backend: backend,
		handler: handler,
		config:  cfg,
		limiter: rate.NewLimiter(every, 1),
		logger:  logger.With(zap.String("queue", cfg.Queue)),
	}
}

// Run blocks until ctx is cancelled and every in-flight job has been reported
// back to the queue.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started",
		zap.Int("concurrency", p.config.Concurrency),
		zap.Int("rate_limit", p.config.RateLimit),
		zap.Duration("rate_window", p.config.RateWindow),
	)

	var wg sync.WaitGroup
	for i := 0; i < p.config.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.loop(ctx, p.logger.With(zap.Int("worker_id", id)))
		}(i)
	}

	if m, ok := p.backend.(queue.Maintainer); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.maintain(ctx, m)
		}()
	}

	wg.Wait()
	p.logger.Info("worker pool stopped")
	return nil
}

func (p *Pool) loop(ctx context.Context, logger *zap.Logger) {
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}

		job, err := p.backend.Reserve(ctx, p.config.Queue)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, queue.ErrEmpty) {
				logger.Error("failed to reserve job", zap.Error(err))
			}
			if !sleep(ctx, p.config.PollInterval) {
				return
			}
			continue
		}

		p.process(ctx, job, logger)
	}
}

// process runs one attempt. A job already started is not cancelled by
// shutdown; it runs to completion or to JobTimeout.
func (p *Pool) process(ctx context.Context, job *queue.Job, logger *zap.Logger) {
	log := logger.With(zap.String("job_id", job.ID), zap.Int("attempt", job.AttemptsMade))
	log.Debug("job started")

	start := time.Now()
	detached := context.WithoutCancel(ctx)

	jobCtx, cancel := context.WithTimeout(detached, p.config.JobTimeout)
	err := p.safeHandle(jobCtx, job)
	cancel()
	elapsed := time.Since(start)

	ackCtx, cancel := context.WithTimeout(detached, 5*time.Second)
	defer cancel()

	if err == nil {
		if cerr := p.backend.Complete(ackCtx, job); cerr != nil {
			log.Warn("failed to complete job", zap.Error(cerr))
			return
		}
		metrics.RecordJobProcessed(p.config.Queue, "completed", elapsed)
		log.Info("job completed", zap.Duration("duration", elapsed))
		return
	}

	state, ferr := p.backend.Fail(ackCtx, job, err, !errs.IsPermanent(err))
	if ferr != nil {
		log.Warn("failed to record job failure", zap.Error(ferr), zap.NamedError("cause", err))
		return
	}

	if state == queue.StateFailed {
		metrics.RecordJobProcessed(p.config.Queue, "failed", elapsed)
		log.Error("job failed", zap.Error(err), zap.Int("attempts", job.AttemptsMade))
		return
	}
	metrics.RecordJobProcessed(p.config.Queue, "retried", elapsed)
	log.Warn("job will be retried", zap.Error(err),
		zap.Duration("backoff", job.Options.Backoff.Next(job.AttemptsMade)))
}

func (p *Pool) safeHandle(ctx context.Context, job *queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job handler panicked",
				zap.String("job_id", job.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return errs.FromContext("job "+job.ID, p.handler.Handle(ctx, job))
}

func (p *Pool) maintain(ctx context.Context, m queue.Maintainer) {
	ticker := time.NewTicker(p.config.MaintainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Maintain(ctx, p.config.Queue); err != nil && ctx.Err() == nil {
				p.logger.Warn("queue maintenance failed", zap.Error(err))
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
