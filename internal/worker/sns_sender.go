package worker

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/domain"
)

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSender delivers SMS through AWS SNS. The phone number is the
// notification's user id.
type SNSSender struct {
	client   snsAPI
	senderID string
	logger   *zap.Logger
}

type SNSConfig struct {
	Region   string
	SenderID string
}

func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}
	return newSNSSender(sns.NewFromConfig(awsCfg), cfg, logger), nil
}

func newSNSSender(client snsAPI, cfg SNSConfig, logger *zap.Logger) *SNSSender {
	return &SNSSender{client: client, senderID: cfg.SenderID, logger: logger}
}

func (s *SNSSender) Send(ctx context.Context, n *domain.Notification) error {
	if n.Type != domain.ChannelSMS {
		return fmt.Errorf("SNS sender only supports SMS, got: %s", n.Type)
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(n.UserID),
		Message:     aws.String(n.Message),
	}
	if s.senderID != "" {
		input.MessageAttributes = map[string]types.MessageAttributeValue{
			"AWS.SNS.SMS.SenderID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(s.senderID),
			},
		}
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("SMS sent via SNS",
		zap.String("id", n.ID),
		zap.String("phone_number", n.UserID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

func (s *SNSSender) SupportsChannel(ch domain.Channel) bool {
	return ch == domain.ChannelSMS
}
