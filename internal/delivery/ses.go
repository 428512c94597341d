package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/lalithlochan/ledgerdesk/internal/errs"
)

type sesAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESSender delivers email through Amazon SES.
type SESSender struct {
	client sesAPI
	from   string
	logger *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
}

func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return newSESSender(ses.NewFromConfig(awsCfg), cfg.FromEmail, logger), nil
}

func newSESSender(client sesAPI, from string, logger *zap.Logger) *SESSender {
	return &SESSender{client: client, from: from, logger: logger}
}

// sesPermanentCodes are rejections that will repeat on every attempt.
var sesPermanentCodes = map[string]bool{
	"MessageRejected":                    true,
	"InvalidParameterValue":              true,
	"MailFromDomainNotVerifiedException": true,
	"ConfigurationSetDoesNotExist":       true,
	"AccountSendingPausedException":      true,
}

func (s *SESSender) Send(ctx context.Context, msg *Message) error {
	if msg.Channel != ChannelEmail {
		return errs.Permanent("ses send", fmt.Errorf("SES sender only supports email, got: %s", msg.Channel))
	}
	if err := ValidateEmail(msg.To); err != nil {
		return err
	}
	if msg.Subject == "" || msg.Body == "" {
		return errs.Permanent("ses send", errors.New("email message missing subject or body"))
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
			Body: &types.Body{
				Text: &types.Content{Data: aws.String(msg.Body), Charset: aws.String("UTF-8")},
			},
		},
		Tags: []types.MessageTag{
			{Name: aws.String("delivery_id"), Value: aws.String(sesTagValue(msg.ID))},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return classifyAWS("ses send", err, sesPermanentCodes)
	}

	s.logger.Info("email sent via SES",
		zap.String("delivery_id", msg.ID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

func (s *SESSender) SupportsChannel(channel string) bool {
	return channel == ChannelEmail
}

// sesTagValue keeps only the characters SES accepts in tag values.
func sesTagValue(v string) string {
	out := make([]rune, 0, len(v))
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "none"
	}
	return string(out)
}

// classifyAWS maps SDK errors onto the retry taxonomy. Unknown API errors,
// throttling and transport failures stay retryable.
func classifyAWS(op string, err error, permanent map[string]bool) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if permanent[apiErr.ErrorCode()] {
			return errs.Permanent(op, err)
		}
		return errs.Retryable(op, err)
	}
	if ctxErr := errs.FromContext(op, err); ctxErr != err {
		return ctxErr
	}
	return errs.Retryable(op, err)
}
