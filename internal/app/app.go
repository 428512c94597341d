// Package app assembles the services shared by the gateway and worker
// binaries from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/ledgerdesk/internal/chat"
	"github.com/lalithlochan/ledgerdesk/internal/circuitbreaker"
	"github.com/lalithlochan/ledgerdesk/internal/config"
	"github.com/lalithlochan/ledgerdesk/internal/db"
	"github.com/lalithlochan/ledgerdesk/internal/delivery"
	"github.com/lalithlochan/ledgerdesk/internal/events"
	"github.com/lalithlochan/ledgerdesk/internal/metrics"
	"github.com/lalithlochan/ledgerdesk/internal/notify"
	"github.com/lalithlochan/ledgerdesk/internal/queue"
	"github.com/lalithlochan/ledgerdesk/internal/realtime"
	"github.com/lalithlochan/ledgerdesk/internal/redis"
	"github.com/lalithlochan/ledgerdesk/internal/worker"
)

// App holds every long-lived dependency of a process.
type App struct {
	Config *config.Config
	Logger *zap.Logger

	DB          *db.DB
	Repo        *db.Repository
	Redis       *redis.Client
	Queue       queue.Backend
	Cache       *redis.Cache
	Presence    *redis.Presence
	Hub         *realtime.Hub
	Broadcaster *realtime.Broadcaster
	Bus         *events.Bus
	Inbox       *notify.Inbox
	Dispatcher  *notify.Dispatcher
	Chat        *chat.Service
	Breakers    []*circuitbreaker.CircuitBreaker

	closers []func() error
}

// New connects to the database, the shared store, the queue and the
// broadcast transport, then builds the domain services on top of them.
// On error everything opened so far is closed again.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (a *App, err error) {
	a = &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.DB, err = db.New(ctx, cfg.DatabaseDSN(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.onClose(func() error { a.DB.Close(); return nil })
	a.Repo = db.NewRepository(a.DB, logger)

	a.Redis, err = redis.New(ctx, cfg.RedisURL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	a.onClose(a.Redis.Close)

	a.Queue, err = a.newQueue(ctx)
	if err != nil {
		return nil, err
	}
	a.onClose(a.Queue.Close)

	transport, err := a.newTransport()
	if err != nil {
		return nil, err
	}
	a.onClose(transport.Close)

	a.Cache = redis.NewCache(a.Redis, logger.Named("cache"), cfg.CacheTTL)
	a.Presence = redis.NewPresence(a.Redis, logger)
	a.Hub = realtime.NewHub(logger.Named("hub"))
	a.Broadcaster = realtime.NewBroadcaster(a.Hub, transport, logger.Named("broadcast"))
	a.Bus = events.NewBus(logger.Named("events"))

	sender, breakers, err := NewSender(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Breakers = breakers

	jobDefaults := JobOptions(cfg)
	a.Inbox = notify.NewInbox(a.Repo, a.Cache, a.Broadcaster, a.Queue, jobDefaults, cfg.CacheTTL, logger.Named("inbox"))
	a.Dispatcher = notify.NewDispatcher(a.Repo, a.Cache, redis.NewDeliveryLedger(a.Redis, logger), a.Broadcaster, sender,
		notify.DispatcherConfig{AppBaseURL: cfg.AppBaseURL}, logger.Named("dispatcher"))
	a.Chat = chat.NewService(a.Repo, a.Cache, a.Broadcaster, a.Presence, a.Bus, cfg.CacheTTL, logger.Named("chat"))

	notify.RegisterHandlers(a.Bus, a.Queue, jobDefaults, logger.Named("handlers"))

	return a, nil
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}

func (a *App) newQueue(ctx context.Context) (queue.Backend, error) {
	cfg := a.Config
	switch cfg.QueueBackend {
	case "sqs":
		b, err := queue.NewSQSBackend(ctx, queue.SQSConfig{
			Region:    cfg.SQSRegion,
			QueueURLs: map[string]string{queue.NotificationsQueue: cfg.SQSQueueURL},
			DLQURL:    cfg.SQSDLQURL,
			Lease:     cfg.JobTimeout + 30*time.Second,
			Defaults:  JobOptions(cfg),
		}, a.Logger.Named("queue"))
		if err != nil {
			return nil, fmt.Errorf("failed to create sqs queue: %w", err)
		}
		return b, nil
	default:
		client := a.Redis
		if cfg.QueueRedisURL != cfg.RedisURL {
			qc, err := redis.New(ctx, cfg.QueueRedisURL, a.Logger)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to queue redis: %w", err)
			}
			a.onClose(qc.Close)
			client = qc
		}
		return queue.NewRedisBackend(client.Raw(), queue.RedisConfig{
			Lease:    cfg.JobTimeout + 30*time.Second,
			Defaults: JobOptions(cfg),
		}, a.Logger.Named("queue")), nil
	}
}

func (a *App) newTransport() (realtime.Transport, error) {
	switch a.Config.BroadcastBackend {
	case "nats":
		t, err := realtime.NewNATSTransport(a.Config.NATSURL, a.Logger.Named("nats"))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to nats: %w", err)
		}
		return t, nil
	default:
		return realtime.NewRedisTransport(a.Redis.Raw()), nil
	}
}

// JobOptions are the queue defaults derived from configuration.
func JobOptions(cfg *config.Config) queue.Options {
	opts := queue.DefaultOptions()
	opts.Attempts = cfg.JobAttempts
	opts.Backoff.Delay = cfg.JobBackoff
	return opts
}

// NewSender builds the outbound channel senders, each behind its own
// circuit breaker.
func NewSender(ctx context.Context, cfg *config.Config, logger *zap.Logger) (delivery.Sender, []*circuitbreaker.CircuitBreaker, error) {
	var email delivery.Sender
	switch cfg.EmailProvider {
	case "ses":
		s, err := delivery.NewSESSender(ctx, delivery.SESConfig{Region: cfg.AWSRegion, FromEmail: cfg.SESFromEmail}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create SES email sender: %w", err)
		}
		email = s
	case "gateway":
		email = delivery.NewGatewaySender(delivery.GatewayConfig{
			URL:     cfg.EmailGatewayURL,
			Token:   cfg.EmailGatewayToken,
			Timeout: cfg.EmailTimeout,
		}, logger)
	default:
		email = delivery.NewLogSender(logger)
	}

	emailBreaker := circuitbreaker.New(circuitbreaker.DefaultConfig("email"), logger)
	breakers := []*circuitbreaker.CircuitBreaker{emailBreaker}
	senders := []delivery.Sender{
		circuitbreaker.NewProtectedSender(onlyChannel{email, delivery.ChannelEmail}, emailBreaker, logger),
	}

	if cfg.SMSEnabled {
		sms, err := delivery.NewSNSSender(ctx, delivery.SNSConfig{Region: cfg.SNSRegion}, logger)
		if err != nil {
			logger.Warn("SNS sender unavailable, SMS notifications disabled", zap.Error(err))
		} else {
			smsBreaker := circuitbreaker.New(circuitbreaker.DefaultConfig("sms"), logger)
			breakers = append(breakers, smsBreaker)
			senders = append(senders, circuitbreaker.NewProtectedSender(sms, smsBreaker, logger))
		}
	}

	logger.Info("initialized multi-channel notification system",
		zap.String("email_provider", cfg.EmailProvider),
		zap.Bool("sms_enabled", len(senders) > 1),
	)
	return delivery.NewMultiSender(logger, senders...), breakers, nil
}

// onlyChannel narrows a sender to one channel so the development log
// sender does not also claim SMS.
type onlyChannel struct {
	delivery.Sender
	channel string
}

func (o onlyChannel) SupportsChannel(channel string) bool {
	return channel == o.channel && o.Sender.SupportsChannel(channel)
}

// NewPool returns the notification worker pool.
func (a *App) NewPool() *worker.Pool {
	cfg := a.Config
	return worker.New(a.Queue, a.Dispatcher, worker.Config{
		Queue:        queue.NotificationsQueue,
		Concurrency:  cfg.WorkerConcurrency,
		RateLimit:    cfg.WorkerRateLimit,
		RateWindow:   cfg.WorkerRateWindow,
		PollInterval: cfg.WorkerPollInterval,
		JobTimeout:   cfg.JobTimeout,
	}, a.Logger.Named("worker"))
}

// Inspector returns the queue inspector, or nil when the backend keeps no
// job state.
func (a *App) Inspector() queue.Inspector {
	if in, ok := a.Queue.(queue.Inspector); ok {
		return in
	}
	return nil
}

// Health checks the database and the shared store.
func (a *App) Health(ctx context.Context) error {
	return errors.Join(a.DB.Health(ctx), a.Redis.Ping(ctx))
}

// ReportPoolStats publishes connection pool gauges until ctx is done.
func (a *App) ReportPoolStats(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			metrics.SetDBConnections(int(a.DB.Pool().Stat().AcquiredConns()))
			metrics.SetRedisConnections(int(a.Redis.Raw().PoolStats().TotalConns))
		}
	}
}
