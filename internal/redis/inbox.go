package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const inboxSeenTTL = 7 * 24 * time.Hour

// InboxEntry is one in-app notification shown to a user.
type InboxEntry struct {
	NotificationID string `json:"notificationId"`
	Message        string `json:"message"`
	DeliveredAt    int64  `json:"deliveredAt"`
}

// Inbox keeps the latest in-app notifications per user in a capped list.
type Inbox struct {
	client *Client
	size   int
}

// NewInbox creates an inbox that keeps at most size entries per user.
func NewInbox(client *Client, size int) *Inbox {
	if size <= 0 {
		size = 100
	}
	return &Inbox{client: client, size: size}
}

func inboxKey(userID string) string     { return "inbox:" + userID }
func inboxSeenKey(userID string) string { return "inbox:" + userID + ":seen" }

// Push adds an entry to the user's inbox. Pushing the same notification
// again is a no-op.
func (i *Inbox) Push(ctx context.Context, userID string, entry InboxEntry) error {
	added, err := i.client.rdb.SAdd(ctx, inboxSeenKey(userID), entry.NotificationID).Result()
	if err != nil {
		return fmt.Errorf("redis sadd failed: %w", err)
	}
	if added == 0 {
		return nil
	}

	if entry.DeliveredAt == 0 {
		entry.DeliveredAt = time.Now().Unix()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal inbox entry: %w", err)
	}

	_, err = i.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, inboxKey(userID), data)
		pipe.LTrim(ctx, inboxKey(userID), 0, int64(i.size-1))
		pipe.Expire(ctx, inboxSeenKey(userID), inboxSeenTTL)
		return nil
	})
	if err != nil {
		i.client.rdb.SRem(ctx, inboxSeenKey(userID), entry.NotificationID)
		return fmt.Errorf("redis inbox push failed: %w", err)
	}
	return nil
}

// List returns up to limit entries, newest first.
func (i *Inbox) List(ctx context.Context, userID string, limit int) ([]InboxEntry, error) {
	if limit <= 0 || limit > i.size {
		limit = i.size
	}

	raw, err := i.client.rdb.LRange(ctx, inboxKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange failed: %w", err)
	}

	entries := make([]InboxEntry, 0, len(raw))
	for _, item := range raw {
		var e InboxEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("invalid inbox entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
