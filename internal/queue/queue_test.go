package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lalithlochan/courier/internal/domain"
)

func testNotification() *domain.Notification {
	return &domain.Notification{
		ID:      "2f6c1b0e-8d7a-4b7e-9a55-0f3d1c0e9a11",
		UserID:  "a@example.com",
		Type:    domain.ChannelEmail,
		Message: "hi",
		Status:  domain.StatusPending,
	}
}

func TestNewWorkItem(t *testing.T) {
	item := NewWorkItem(testNotification())

	assert.NotEmpty(t, item.ID)
	assert.Equal(t, "2f6c1b0e-8d7a-4b7e-9a55-0f3d1c0e9a11", item.NotificationID)
	assert.Equal(t, domain.ChannelEmail, item.Channel)
	assert.Zero(t, item.RetryCount)
	assert.NotZero(t, item.EnqueuedAt)
}

func TestWorkItemNext(t *testing.T) {
	item := NewWorkItem(testNotification())
	next := item.Next()

	assert.NotEqual(t, item.ID, next.ID, "requeue must produce a fresh envelope")
	assert.Equal(t, item.NotificationID, next.NotificationID)
	assert.Equal(t, item.Message, next.Message)
	assert.Equal(t, 1, next.RetryCount)
	assert.Equal(t, 0, item.RetryCount, "original is not mutated")
	assert.Equal(t, 2, next.Next().RetryCount)
}

func TestDecode(t *testing.T) {
	item, err := Decode(`{"id":"i1","notification_id":"n1","channel":"sms","message":"hi"}`)
	require.NoError(t, err)
	assert.Equal(t, 0, item.RetryCount, "absent retry count defaults to zero")
	assert.Equal(t, domain.ChannelSMS, item.Channel)

	_, err = Decode(`{"id":"i1"}`)
	assert.Error(t, err)

	_, err = Decode(`not json`)
	assert.Error(t, err)

	original := NewWorkItem(testNotification()).Next()
	body, err := original.Encode()
	require.NoError(t, err)
	decoded, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)
}

func TestMemory_PublishReceiveAck(t *testing.T) {
	q := NewMemory(10, 50*time.Millisecond)
	ctx := context.Background()

	item := NewWorkItem(testNotification())
	require.NoError(t, q.Publish(ctx, item))
	assert.Equal(t, 1, q.Len())

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, item, d.Item)
	assert.Equal(t, 1, q.InFlight())

	require.NoError(t, q.Ack(ctx, d))
	assert.Equal(t, 0, q.InFlight())
	assert.Equal(t, 0, q.Len())
}

func TestMemory_ReceiveTimesOut(t *testing.T) {
	q := NewMemory(10, 20*time.Millisecond)

	d, err := q.Receive(context.Background())
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestMemory_ReceiveCancelled(t *testing.T) {
	q := NewMemory(10, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Receive(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemory_Requeue(t *testing.T) {
	q := NewMemory(10, 50*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, NewWorkItem(testNotification())))
	d, err := q.Receive(ctx)
	require.NoError(t, err)

	next, err := q.Requeue(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, 1, next.RetryCount)
	assert.Equal(t, 0, q.InFlight())

	again, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, next, again.Item)
}

func TestMemory_Closed(t *testing.T) {
	q := NewMemory(1, time.Millisecond)
	q.Close()

	err := q.Publish(context.Background(), NewWorkItem(testNotification()))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemory_Release(t *testing.T) {
	q := NewMemory(10, 50*time.Millisecond)
	ctx := context.Background()

	item := NewWorkItem(testNotification())
	require.NoError(t, q.Publish(ctx, item))
	d, err := q.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Release(ctx, d))
	assert.Equal(t, 0, q.InFlight())

	again, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, item, again.Item, "release keeps the envelope unchanged")
}

func TestMemory_PublishFull(t *testing.T) {
	q := NewMemory(1, 20*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, NewWorkItem(testNotification())))

	start := time.Now()
	err := q.Publish(ctx, NewWorkItem(testNotification()))
	assert.ErrorIs(t, err, ErrFull)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, q.Len())

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, q.Publish(cctx, NewWorkItem(testNotification())), context.Canceled)
}

func TestMemory_RequeueFullKeepsLease(t *testing.T) {
	q := NewMemory(1, 20*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, NewWorkItem(testNotification())))
	d, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.NoError(t, q.Publish(ctx, NewWorkItem(testNotification())))

	_, err = q.Requeue(ctx, d)
	assert.ErrorIs(t, err, ErrFull)
	assert.Equal(t, 1, q.InFlight())
}

func TestMemory_ReleaseWhenFull(t *testing.T) {
	q := NewMemory(1, 20*time.Millisecond)
	ctx := context.Background()

	first := NewWorkItem(testNotification())
	require.NoError(t, q.Publish(ctx, first))
	d, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)

	second := NewWorkItem(testNotification())
	second.NotificationID = "9b0e4d2c-1f3a-4c6d-8e7f-a1b2c3d4e5f6"
	require.NoError(t, q.Publish(ctx, second))

	require.NoError(t, q.Release(ctx, d))
	assert.Equal(t, 0, q.InFlight())
	assert.Equal(t, 2, q.Len())

	got, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first, got.Item, "released items are served first")

	got, err = q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, second, got.Item)
}
