// Package sns publishes notification outcome events to an SNS topic so
// other systems can react to sent and failed notifications.
package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/domain"
)

// API is the subset of the SNS client the publisher uses.
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type Config struct {
	Region   string
	TopicARN string
	Endpoint string // LocalStack
}

// Publisher sends outcome events to a topic. Subscribers can filter on
// the status and channel message attributes.
type Publisher struct {
	client   API
	topicARN string
	logger   *zap.Logger
}

// OutcomeEvent is the message body published for a terminal notification.
type OutcomeEvent struct {
	NotificationID string         `json:"notificationId"`
	UserID         string         `json:"userId"`
	Channel        domain.Channel `json:"type"`
	Status         domain.Status  `json:"status"`
	Attempts       int            `json:"attempts"`
	LastError      string         `json:"lastError,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
}

// NewPublisher creates a publisher for cfg.TopicARN.
func NewPublisher(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewPublisherWithClient(client, cfg.TopicARN, logger), nil
}

func NewPublisherWithClient(client API, topicARN string, logger *zap.Logger) *Publisher {
	return &Publisher{client: client, topicARN: topicARN, logger: logger}
}

// NotifyOutcome publishes the terminal state of n.
func (p *Publisher) NotifyOutcome(ctx context.Context, n *domain.Notification) error {
	event := OutcomeEvent{
		NotificationID: n.ID,
		UserID:         n.UserID,
		Channel:        n.Type,
		Status:         n.Status,
		Attempts:       n.Attempts,
		LastError:      n.LastError,
		OccurredAt:     time.Now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome event: %w", err)
	}

	result, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"status": {
				DataType:    aws.String("String"),
				StringValue: aws.String(n.Status.String()),
			},
			"channel": {
				DataType:    aws.String("String"),
				StringValue: aws.String(n.Type.String()),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	p.logger.Debug("outcome event published",
		zap.String("notification_id", n.ID),
		zap.Stringer("status", n.Status),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
