// Package delivery sends rendered notifications over external channels.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"regexp"

	"go.uber.org/zap"

	"github.com/lalithlochan/ledgerdesk/internal/errs"
)

// External channels
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
)

// Message is one rendered outbound notification.
type Message struct {
	// ID is stable across retries of the same delivery and is passed to
	// providers that accept an idempotency or reference id.
	ID        string
	Channel   string
	CompanyID string
	To        string
	Subject   string
	Body      string
	Link      string
}

// Sender is the unified interface for all outbound channels.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
	SupportsChannel(channel string) bool
}

var (
	// ErrNoSender is returned when no configured sender handles a channel.
	ErrNoSender = errors.New("no sender for channel")

	errInvalidEmail = errors.New("invalid email address")
	errInvalidPhone = errors.New("invalid phone number")

	e164 = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)
)

// ValidateEmail rejects addresses that no gateway could deliver to.
func ValidateEmail(addr string) error {
	parsed, err := mail.ParseAddress(addr)
	if err != nil || parsed.Address != addr {
		return errs.Permanent("validate email", fmt.Errorf("%w: %q", errInvalidEmail, addr))
	}
	return nil
}

// ValidatePhone requires E.164 format.
func ValidatePhone(number string) error {
	if !e164.MatchString(number) {
		return errs.Permanent("validate phone", fmt.Errorf("%w: %q", errInvalidPhone, number))
	}
	return nil
}

// MultiSender routes a message to the first sender that handles its channel.
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

func (m *MultiSender) Send(ctx context.Context, msg *Message) error {
	for _, sender := range m.senders {
		if sender.SupportsChannel(msg.Channel) {
			m.logger.Debug("routing message to sender",
				zap.String("channel", msg.Channel),
				zap.String("delivery_id", msg.ID),
			)
			return sender.Send(ctx, msg)
		}
	}
	return errs.Permanent("route", fmt.Errorf("%w: %s", ErrNoSender, msg.Channel))
}

func (m *MultiSender) SupportsChannel(channel string) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// LogSender writes messages to the log instead of sending them. It is the
// development default for every external channel.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg *Message) error {
	switch msg.Channel {
	case ChannelEmail:
		if err := ValidateEmail(msg.To); err != nil {
			return err
		}
	case ChannelSMS:
		if err := ValidatePhone(msg.To); err != nil {
			return err
		}
	}

	s.logger.Info("logging outbound message (development mode)",
		zap.String("delivery_id", msg.ID),
		zap.String("channel", msg.Channel),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
	)
	return nil
}

func (s *LogSender) SupportsChannel(channel string) bool {
	return channel == ChannelEmail || channel == ChannelSMS
}
