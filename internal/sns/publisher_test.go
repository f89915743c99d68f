package sns

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/domain"
)

type fakeSNS struct {
	inputs []*sns.PublishInput
	err    error
}

func (f *fakeSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.inputs = append(f.inputs, in)
	return &sns.PublishOutput{MessageId: aws.String("msg-1")}, nil
}

func TestNotifyOutcome(t *testing.T) {
	client := &fakeSNS{}
	p := NewPublisherWithClient(client, "arn:aws:sns:us-east-1:000000000000:outcomes", zap.NewNop())

	n := &domain.Notification{
		ID:        "notif-123",
		UserID:    "a@example.com",
		Type:      domain.ChannelEmail,
		Status:    domain.StatusFailed,
		Attempts:  4,
		LastError: "smtp: connection refused",
	}
	if err := p.NotifyOutcome(context.Background(), n); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(client.inputs) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(client.inputs))
	}
	in := client.inputs[0]
	if aws.ToString(in.TopicArn) != "arn:aws:sns:us-east-1:000000000000:outcomes" {
		t.Errorf("unexpected topic %s", aws.ToString(in.TopicArn))
	}
	if got := aws.ToString(in.MessageAttributes["status"].StringValue); got != "failed" {
		t.Errorf("status attribute = %s, want failed", got)
	}
	if got := aws.ToString(in.MessageAttributes["channel"].StringValue); got != "email" {
		t.Errorf("channel attribute = %s, want email", got)
	}

	var event OutcomeEvent
	if err := json.Unmarshal([]byte(aws.ToString(in.Message)), &event); err != nil {
		t.Fatalf("body is not an outcome event: %v", err)
	}
	if event.NotificationID != "notif-123" || event.Attempts != 4 || event.LastError == "" {
		t.Errorf("unexpected event %+v", event)
	}
	if event.OccurredAt.IsZero() {
		t.Error("expected occurredAt to be set")
	}
}

func TestNotifyOutcome_Error(t *testing.T) {
	p := NewPublisherWithClient(&fakeSNS{err: errors.New("throttled")}, "arn", zap.NewNop())

	err := p.NotifyOutcome(context.Background(), &domain.Notification{ID: "n1", Status: domain.StatusSent})
	if err == nil {
		t.Fatal("expected error")
	}
}
