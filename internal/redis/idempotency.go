package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyTTL is how long a completed response is replayed for a
	// client-provided Idempotency-Key.
	IdempotencyTTL = 24 * time.Hour

	// processingTTL bounds how long a crashed request can hold its key.
	processingTTL = 5 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest indicates the key is held by a request still in flight.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key is being processed")

// IdempotencyResult is the response replayed for a repeated request.
type IdempotencyResult struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
	CreatedAt  int64           `json:"created_at"`
}

// IdempotencyService provides idempotency guarantees using Redis.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

// NewIdempotencyService creates a new idempotency service.
func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

func (s *IdempotencyService) buildKey(companyID, userID, idempotencyKey string) string {
	return fmt.Sprintf("idempotency:%s:%s:%s", companyID, userID, idempotencyKey)
}

// Check returns (nil, nil) for an unknown key, the stored result for a
// completed one, and ErrDuplicateRequest while the first request runs.
func (s *IdempotencyService) Check(ctx context.Context, companyID, userID, idempotencyKey string) (*IdempotencyResult, error) {
	val, err := s.client.rdb.Get(ctx, s.buildKey(companyID, userID, idempotencyKey)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var result IdempotencyResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("failed to unmarshal idempotency result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	s.logger.Debug("idempotency cache hit",
		zap.String("company_id", companyID),
		zap.String("idempotency_key", idempotencyKey),
	)

	return &result, nil
}

// Store replaces the processing marker with the final response.
func (s *IdempotencyService) Store(ctx context.Context, companyID, userID, idempotencyKey string, result *IdempotencyResult) error {
	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	key := s.buildKey(companyID, userID, idempotencyKey)
	if err := s.client.rdb.Set(ctx, key, data, IdempotencyTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Release drops a reservation so a failed request can be retried with the
// same key.
func (s *IdempotencyService) Release(ctx context.Context, companyID, userID, idempotencyKey string) error {
	if err := s.client.rdb.Del(ctx, s.buildKey(companyID, userID, idempotencyKey)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// CheckOrReserve returns a stored result when one exists. Otherwise it takes
// the key with SET NX and returns (nil, nil); losing that race yields
// ErrDuplicateRequest.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, companyID, userID, idempotencyKey string) (*IdempotencyResult, error) {
	result, err := s.Check(ctx, companyID, userID, idempotencyKey)
	if err != nil || result != nil {
		return result, err
	}

	key := s.buildKey(companyID, userID, idempotencyKey)
	reserved, err := s.client.rdb.SetNX(ctx, key, processingMarker, processingTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !reserved {
		return nil, ErrDuplicateRequest
	}
	return nil, nil
}
