package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DeliveryLedgerTTL matches the failed-job retention: past it, no retry of
// the workflow can still be pending.
const DeliveryLedgerTTL = 24 * time.Hour

// DeliveryLedger remembers which channels already succeeded for a workflow so
// a retried job does not send them again.
type DeliveryLedger struct {
	client *Client
	logger *zap.Logger
}

// NewDeliveryLedger creates a ledger.
func NewDeliveryLedger(client *Client, logger *zap.Logger) *DeliveryLedger {
	return &DeliveryLedger{client: client, logger: logger}
}

func ledgerKey(workflowID, channel string) string {
	return fmt.Sprintf("delivery:%s:%s", workflowID, channel)
}

// Delivered reports whether channel already succeeded for the workflow.
func (l *DeliveryLedger) Delivered(ctx context.Context, workflowID, channel string) (bool, error) {
	n, err := l.client.rdb.Exists(ctx, ledgerKey(workflowID, channel)).Result()
	if err != nil {
		return false, fmt.Errorf("ledger lookup: %w", err)
	}
	return n > 0, nil
}

// MarkDelivered records a successful channel delivery.
func (l *DeliveryLedger) MarkDelivered(ctx context.Context, workflowID, channel string) error {
	if err := l.client.rdb.Set(ctx, ledgerKey(workflowID, channel), time.Now().Unix(), DeliveryLedgerTTL).Err(); err != nil {
		return fmt.Errorf("ledger write: %w", err)
	}
	return nil
}
