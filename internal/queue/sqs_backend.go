package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/ledgerdesk/internal/metrics"
)

// SQS limits
const (
	sqsMaxDelay      = 15 * time.Minute
	sqsMaxVisibility = 12 * time.Hour
)

// sqsAPI is the subset of the SQS client the backend uses.
type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// SQSConfig holds SQS configuration. Each named queue maps to its own URL.
type SQSConfig struct {
	Region    string
	QueueURLs map[string]string
	DLQURL    string
	// Lease becomes the visibility timeout of received messages.
	Lease    time.Duration
	WaitTime time.Duration
	Defaults Options
}

// envelope is the message body written to SQS.
type envelope struct {
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	Options   Options         `json:"options"`
	CreatedAt int64           `json:"created_at"`
	LastError string          `json:"last_error,omitempty"`
}

// SQSBackend runs the queue on Amazon SQS. SQS counts receives itself, so the
// attempt number is its ApproximateReceiveCount; retries reuse the message by
// stretching its visibility timeout to the backoff; exhausted jobs are copied
// to the dead-letter queue. Inspection is not supported.
type SQSBackend struct {
	client   sqsAPI
	cfg      SQSConfig
	defaults Options
	logger   *zap.Logger
}

// NewSQSBackend loads AWS configuration and creates an SQS backend.
func NewSQSBackend(ctx context.Context, cfg SQSConfig, logger *zap.Logger) (*SQSBackend, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs queue backend initialized",
		zap.Any("queues", cfg.QueueURLs),
		zap.Bool("dead_letter", cfg.DLQURL != ""),
	)
	return newSQSBackend(sqs.NewFromConfig(awsCfg), cfg, logger), nil
}

func newSQSBackend(client sqsAPI, cfg SQSConfig, logger *zap.Logger) *SQSBackend {
	if cfg.Lease <= 0 {
		cfg.Lease = time.Minute
	}
	return &SQSBackend{
		client:   client,
		cfg:      cfg,
		defaults: cfg.Defaults.withDefaults(DefaultOptions()),
		logger:   logger,
	}
}

func (b *SQSBackend) queueURL(queue string) (string, error) {
	url, ok := b.cfg.QueueURLs[queue]
	if !ok {
		return "", fmt.Errorf("no SQS queue configured for %q", queue)
	}
	return url, nil
}

// Enqueue implements Backend. Standard queues cannot deduplicate, so
// Options.JobID only becomes the job id.
func (b *SQSBackend) Enqueue(ctx context.Context, queue string, data any, opts Options) (string, error) {
	url, err := b.queueURL(queue)
	if err != nil {
		return "", err
	}
	opts = opts.withDefaults(b.defaults)

	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal job data: %w", err)
	}

	env := envelope{ID: opts.JobID, Data: payload, Options: opts, CreatedAt: time.Now().UnixMilli()}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	body, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}

	_, err = b.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(url),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: int32(min(opts.Delay, sqsMaxDelay) / time.Second),
	})
	if err != nil {
		b.logger.Error("failed to send message to sqs", zap.Error(err), zap.String("job_id", env.ID))
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	metrics.RecordJobEnqueued(queue)
	return env.ID, nil
}

// Reserve implements Backend.
func (b *SQSBackend) Reserve(ctx context.Context, queue string) (*Job, error) {
	url, err := b.queueURL(queue)
	if err != nil {
		return nil, err
	}

	out, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(url),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     int32(b.cfg.WaitTime / time.Second),
		VisibilityTimeout:   int32(b.cfg.Lease / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}
	if len(out.Messages) == 0 {
		return nil, ErrEmpty
	}

	msg := out.Messages[0]
	var env envelope
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &env); err != nil {
		// A body we cannot read will never succeed; drop it rather than
		// letting it cycle until the redrive policy catches it.
		b.logger.Error("discarding malformed sqs message", zap.Error(err), zap.Stringp("message_id", msg.MessageId))
		b.delete(ctx, url, aws.ToString(msg.ReceiptHandle))
		return nil, ErrEmpty
	}

	attempts, _ := strconv.Atoi(msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
	if attempts < 1 {
		attempts = 1
	}
	job := &Job{
		ID:           env.ID,
		Queue:        queue,
		Data:         env.Data,
		Options:      env.Options,
		AttemptsMade: attempts,
		State:        StateActive,
		LastError:    env.LastError,
		CreatedAt:    time.UnixMilli(env.CreatedAt),
		receipt:      aws.ToString(msg.ReceiptHandle),
	}

	// A lease that lapsed (crashed worker, job past its lease) makes the
	// message visible again without a Fail call, so the budget is enforced
	// here as well.
	if limit := job.Options.Attempts; limit > 0 && attempts > limit {
		if job.LastError == "" {
			job.LastError = "attempts exhausted after lease expiry"
		}
		b.logger.Warn("dead-lettering job whose lease expired with no attempts left",
			zap.String("job_id", job.ID),
			zap.Int("attempts", attempts),
			zap.Int("max_attempts", limit),
		)
		if err := b.deadLetter(ctx, url, job); err != nil {
			return nil, err
		}
		metrics.RecordJobProcessed(queue, string(StateFailed), 0)
		return nil, ErrEmpty
	}

	processedAt := time.Now()
	job.ProcessedAt = &processedAt
	return job, nil
}

// Complete implements Backend.
func (b *SQSBackend) Complete(ctx context.Context, job *Job) error {
	url, err := b.queueURL(job.Queue)
	if err != nil {
		return err
	}
	if err := b.delete(ctx, url, job.receipt); err != nil {
		return err
	}

	now := time.Now()
	job.State = StateCompleted
	job.FinishedAt = &now
	return nil
}

// Fail implements Backend.
func (b *SQSBackend) Fail(ctx context.Context, job *Job, cause error, retry bool) (State, error) {
	url, err := b.queueURL(job.Queue)
	if err != nil {
		return "", err
	}
	job.LastError = "unknown error"
	if cause != nil {
		job.LastError = cause.Error()
	}

	if canRetry(job, retry) {
		wait := min(job.Options.Backoff.Next(job.AttemptsMade), sqsMaxVisibility)
		_, err := b.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
			QueueUrl:          aws.String(url),
			ReceiptHandle:     aws.String(job.receipt),
			VisibilityTimeout: int32(wait / time.Second),
		})
		if err != nil {
			return "", fmt.Errorf("sqs change visibility failed: %w", err)
		}
		job.State = StateDelayed
		return job.State, nil
	}

	if err := b.deadLetter(ctx, url, job); err != nil {
		return "", err
	}

	now := time.Now()
	job.State = StateFailed
	job.FinishedAt = &now
	return job.State, nil
}

// deadLetter copies the job to the DLQ, when one is configured, and removes
// it from its queue.
func (b *SQSBackend) deadLetter(ctx context.Context, url string, job *Job) error {
	if b.cfg.DLQURL != "" {
		body, err := json.Marshal(envelope{
			ID:        job.ID,
			Data:      job.Data,
			Options:   job.Options,
			CreatedAt: job.CreatedAt.UnixMilli(),
			LastError: job.LastError,
		})
		if err != nil {
			return fmt.Errorf("marshal dead letter: %w", err)
		}
		if _, err := b.client.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    aws.String(b.cfg.DLQURL),
			MessageBody: aws.String(string(body)),
		}); err != nil {
			return fmt.Errorf("sqs dead-letter send failed: %w", err)
		}
	}
	return b.delete(ctx, url, job.receipt)
}

func (b *SQSBackend) delete(ctx context.Context, url, receipt string) error {
	_, err := b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		var notInFlight *types.ReceiptHandleIsInvalid
		if errors.As(err, &notInFlight) {
			return ErrLeaseLost
		}
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}

// Close is a no-op; SDK clients hold no resources that need releasing.
func (b *SQSBackend) Close() error {
	return nil
}
