package circuitbreaker

import (
	"context"

	"go.uber.org/zap"

	"github.com/lalithlochan/ledgerdesk/internal/delivery"
)

// ProtectedSender guards a delivery.Sender with a breaker so an outage at
// the gateway fails jobs fast and lets the queue back off.
type ProtectedSender struct {
	sender  delivery.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedSender(sender delivery.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

func (p *ProtectedSender) Send(ctx context.Context, msg *delivery.Message) error {
	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		return p.sender.Send(ctx, msg)
	})
	if err != nil && p.breaker.GetState() != StateClosed {
		p.logger.Warn("send through open breaker failed",
			zap.String("breaker", p.breaker.Name()),
			zap.String("delivery_id", msg.ID),
			zap.String("channel", msg.Channel),
			zap.Error(err),
		)
	}
	return err
}

func (p *ProtectedSender) SupportsChannel(channel string) bool {
	return p.sender.SupportsChannel(channel)
}

func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
