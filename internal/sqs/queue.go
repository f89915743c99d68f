// Package sqs implements the work queue on Amazon SQS.
package sqs

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/queue"
)

// API is the subset of the SQS client the queue uses.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Config holds SQS configuration.
type Config struct {
	Region            string
	QueueURL          string
	Endpoint          string // optional, e.g. a localstack URL
	VisibilityTimeout time.Duration
	WaitTime          time.Duration // long-poll duration, at most 20s
}

const retryCountAttribute = "retryCount"

// Queue is a work queue backed by one SQS queue. In-flight items reappear
// after the visibility timeout if they are not acked.
type Queue struct {
	client     API
	queueURL   string
	visibility int32
	wait       int32
	logger     *zap.Logger
}

var _ queue.Queue = (*Queue)(nil)

// NewQueue builds a queue using the default AWS credential chain.
func NewQueue(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Info("sqs queue initialized", zap.String("queue_url", cfg.QueueURL))
	return NewQueueWithClient(client, cfg, logger), nil
}

// NewQueueWithClient builds a queue on an existing client.
func NewQueueWithClient(client API, cfg Config, logger *zap.Logger) *Queue {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = time.Minute
	}
	if cfg.WaitTime <= 0 || cfg.WaitTime > 20*time.Second {
		cfg.WaitTime = 20 * time.Second
	}
	return &Queue{
		client:     client,
		queueURL:   cfg.QueueURL,
		visibility: int32(cfg.VisibilityTimeout / time.Second),
		wait:       int32(cfg.WaitTime / time.Second),
		logger:     logger,
	}
}

func (q *Queue) Publish(ctx context.Context, item queue.WorkItem) error {
	body, err := item.Encode()
	if err != nil {
		return err
	}

	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(body),
		MessageAttributes: map[string]types.MessageAttributeValue{
			retryCountAttribute: {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.Itoa(item.RetryCount)),
			},
		},
	})
	if err != nil {
		q.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.String("notification_id", item.NotificationID),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}
	return nil
}

// Receive long-polls for one message. Malformed messages are deleted.
func (q *Queue) Receive(ctx context.Context) (*queue.Delivery, error) {
	result, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.queueURL),
		MaxNumberOfMessages:   1,
		WaitTimeSeconds:       q.wait,
		VisibilityTimeout:     q.visibility,
		MessageAttributeNames: []string{retryCountAttribute},
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}
	if len(result.Messages) == 0 {
		return nil, nil
	}

	msg := result.Messages[0]
	receipt := aws.ToString(msg.ReceiptHandle)

	item, err := queue.Decode(aws.ToString(msg.Body))
	if err != nil {
		q.logger.Error("dropping malformed work item", zap.Error(err), zap.String("message_id", aws.ToString(msg.MessageId)))
		if delErr := q.delete(ctx, receipt); delErr != nil {
			return nil, delErr
		}
		return nil, nil
	}
	if attr, ok := msg.MessageAttributes[retryCountAttribute]; ok && item.RetryCount == 0 {
		if n, err := strconv.Atoi(aws.ToString(attr.StringValue)); err == nil && n > 0 {
			item.RetryCount = n
		}
	}

	return &queue.Delivery{Item: item, Receipt: receipt}, nil
}

func (q *Queue) Ack(ctx context.Context, d *queue.Delivery) error {
	return q.delete(ctx, d.Receipt)
}

// Requeue sends the next envelope before deleting the original. If the
// delete fails the original is redelivered later and discarded by the
// worker as stale.
func (q *Queue) Requeue(ctx context.Context, d *queue.Delivery) (queue.WorkItem, error) {
	next := d.Item.Next()
	if err := q.Publish(ctx, next); err != nil {
		return queue.WorkItem{}, err
	}
	if err := q.delete(ctx, d.Receipt); err != nil {
		q.logger.Warn("requeued item but failed to delete original", zap.Error(err))
	}
	return next, nil
}

// Release makes the message visible again immediately.
func (q *Queue) Release(ctx context.Context, d *queue.Delivery) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.queueURL),
		ReceiptHandle:     aws.String(d.Receipt),
		VisibilityTimeout: 0,
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}
	return nil
}

func (q *Queue) delete(ctx context.Context, receipt string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}
