package delivery

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/ledgerdesk/internal/errs"
)

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSender sends SMS through Amazon SNS.
type SNSSender struct {
	client snsAPI
	logger *zap.Logger
}

type SNSConfig struct {
	Region string
}

func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}
	return newSNSSender(sns.NewFromConfig(awsCfg), logger), nil
}

func newSNSSender(client snsAPI, logger *zap.Logger) *SNSSender {
	return &SNSSender{client: client, logger: logger}
}

var snsPermanentCodes = map[string]bool{
	"InvalidParameter":      true,
	"InvalidParameterValue": true,
	"OptedOut":              true,
	"EndpointDisabled":      true,
}

// smsMaxLength is the concatenated-SMS ceiling SNS enforces.
const smsMaxLength = 1600

func (s *SNSSender) Send(ctx context.Context, msg *Message) error {
	if msg.Channel != ChannelSMS {
		return errs.Permanent("sns publish", fmt.Errorf("SNS sender only supports SMS, got: %s", msg.Channel))
	}
	if err := ValidatePhone(msg.To); err != nil {
		return err
	}

	text := msg.Body
	if len(text) > smsMaxLength {
		text = text[:smsMaxLength]
	}

	result, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(msg.To),
		Message:     aws.String(text),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"AWS.SNS.SMS.SMSType": {DataType: aws.String("String"), StringValue: aws.String("Transactional")},
		},
	})
	if err != nil {
		return classifyAWS("sns publish", err, snsPermanentCodes)
	}

	s.logger.Info("SMS sent via SNS",
		zap.String("delivery_id", msg.ID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

func (s *SNSSender) SupportsChannel(channel string) bool {
	return channel == ChannelSMS
}
