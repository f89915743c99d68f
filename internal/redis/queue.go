package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/queue"
)

// QueueConfig configures a Redis work queue.
type QueueConfig struct {
	Name              string
	VisibilityTimeout time.Duration // lease on a received item before it is redelivered
	PollTimeout       time.Duration // how long Receive blocks
}

// Queue is a reliable list queue.
//
//	queue:<name>             ready items, LPUSH in, consumed from the right
//	queue:<name>:processing  received, unacked items
//	queue:<name>:leases      ZSET of processing items scored by lease deadline
//
// An item whose lease expires goes back to the ready list.
type Queue struct {
	client      *Client
	logger      *zap.Logger
	ready       string
	processing  string
	leases      string
	visibility  time.Duration
	pollTimeout time.Duration
}

var _ queue.Queue = (*Queue)(nil)

// recoverScript moves one expired item back to the ready list if it is
// still in the processing list.
var recoverScript = redis.NewScript(`
local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
if removed > 0 then
	redis.call('RPUSH', KEYS[3], ARGV[1])
end
return removed
`)

// NewQueue creates a Redis work queue.
func NewQueue(client *Client, cfg QueueConfig, logger *zap.Logger) *Queue {
	if cfg.Name == "" {
		cfg.Name = queue.DefaultName
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = time.Minute
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}

	base := "queue:" + cfg.Name
	return &Queue{
		client:      client,
		logger:      logger,
		ready:       base,
		processing:  base + ":processing",
		leases:      base + ":leases",
		visibility:  cfg.VisibilityTimeout,
		pollTimeout: cfg.PollTimeout,
	}
}

// Publish appends an item to the ready list.
func (q *Queue) Publish(ctx context.Context, item queue.WorkItem) error {
	body, err := item.Encode()
	if err != nil {
		return err
	}
	if err := q.client.rdb.LPush(ctx, q.ready, body).Err(); err != nil {
		return fmt.Errorf("redis lpush failed: %w", err)
	}
	return nil
}

// Receive moves the oldest ready item into the processing list and leases it.
func (q *Queue) Receive(ctx context.Context) (*queue.Delivery, error) {
	body, err := q.client.rdb.BLMove(ctx, q.ready, q.processing, "RIGHT", "LEFT", q.pollTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis blmove failed: %w", err)
	}

	deadline := time.Now().Add(q.visibility)
	if err := q.client.rdb.ZAdd(ctx, q.leases, redis.Z{Score: float64(deadline.UnixNano()), Member: body}).Err(); err != nil {
		q.logger.Warn("failed to lease work item, recovery will lease it", zap.Error(err))
	}

	item, err := queue.Decode(body)
	if err != nil {
		q.logger.Error("dropping malformed work item", zap.Error(err), zap.String("body", body))
		if ackErr := q.remove(ctx, body); ackErr != nil {
			return nil, ackErr
		}
		return nil, nil
	}

	return &queue.Delivery{Item: item, Receipt: body}, nil
}

// Ack removes a received item.
func (q *Queue) Ack(ctx context.Context, d *queue.Delivery) error {
	return q.remove(ctx, d.Receipt)
}

// Requeue pushes a fresh envelope with an incremented retry count and removes
// the original in one MULTI transaction.
func (q *Queue) Requeue(ctx context.Context, d *queue.Delivery) (queue.WorkItem, error) {
	next := d.Item.Next()
	body, err := next.Encode()
	if err != nil {
		return queue.WorkItem{}, err
	}

	_, err = q.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, q.ready, body)
		pipe.LRem(ctx, q.processing, 1, d.Receipt)
		pipe.ZRem(ctx, q.leases, d.Receipt)
		return nil
	})
	if err != nil {
		return queue.WorkItem{}, fmt.Errorf("redis requeue failed: %w", err)
	}
	return next, nil
}

// Release puts a received item back at the head of the ready list.
func (q *Queue) Release(ctx context.Context, d *queue.Delivery) error {
	if err := recoverScript.Run(ctx, q.client.rdb, []string{q.processing, q.leases, q.ready}, d.Receipt).Err(); err != nil {
		return fmt.Errorf("release work item: %w", err)
	}
	return nil
}

// RecoverExpired returns items with an expired lease to the ready list and
// leases processing items that were never leased. It returns the number of
// items made visible again.
func (q *Queue) RecoverExpired(ctx context.Context) (int, error) {
	now := time.Now()

	inFlight, err := q.client.rdb.LRange(ctx, q.processing, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("redis lrange failed: %w", err)
	}
	for _, body := range inFlight {
		lease := redis.Z{Score: float64(now.Add(q.visibility).UnixNano()), Member: body}
		if err := q.client.rdb.ZAddNX(ctx, q.leases, lease).Err(); err != nil {
			return 0, fmt.Errorf("redis zadd failed: %w", err)
		}
	}

	expired, err := q.client.rdb.ZRangeByScore(ctx, q.leases, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixNano(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zrangebyscore failed: %w", err)
	}

	recovered := 0
	for _, body := range expired {
		n, err := recoverScript.Run(ctx, q.client.rdb, []string{q.processing, q.leases, q.ready}, body).Int()
		if err != nil {
			return recovered, fmt.Errorf("recover work item: %w", err)
		}
		recovered += n
	}

	if recovered > 0 {
		q.logger.Info("recovered expired work items",
			zap.String("queue", q.ready),
			zap.Int("count", recovered),
		)
	}
	return recovered, nil
}

// Len returns the number of ready items.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.rdb.LLen(ctx, q.ready).Result()
}

// InFlight returns the number of received, unacked items.
func (q *Queue) InFlight(ctx context.Context) (int64, error) {
	return q.client.rdb.LLen(ctx, q.processing).Result()
}

func (q *Queue) remove(ctx context.Context, body string) error {
	_, err := q.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processing, 1, body)
		pipe.ZRem(ctx, q.leases, body)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis ack failed: %w", err)
	}
	return nil
}
