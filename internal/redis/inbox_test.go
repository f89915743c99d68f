package redis

import (
	"context"
	"fmt"
	"testing"
)

func TestInbox_PushAndList(t *testing.T) {
	client, _ := setupTestRedis(t)
	inbox := NewInbox(client, 3)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		entry := InboxEntry{NotificationID: fmt.Sprintf("n%d", i), Message: fmt.Sprintf("message %d", i)}
		if err := inbox.Push(ctx, "u1", entry); err != nil {
			t.Fatalf("push %d failed: %v", i, err)
		}
	}

	entries, err := inbox.List(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected inbox capped at 3, got %d", len(entries))
	}
	if entries[0].NotificationID != "n4" || entries[2].NotificationID != "n2" {
		t.Errorf("expected newest first, got %+v", entries)
	}
	if entries[0].DeliveredAt == 0 {
		t.Error("expected DeliveredAt to be set")
	}
}

func TestInbox_PushIsIdempotent(t *testing.T) {
	client, _ := setupTestRedis(t)
	inbox := NewInbox(client, 10)
	ctx := context.Background()

	entry := InboxEntry{NotificationID: "n1", Message: "hi"}
	for i := 0; i < 3; i++ {
		if err := inbox.Push(ctx, "u1", entry); err != nil {
			t.Fatalf("push failed: %v", err)
		}
	}

	entries, err := inbox.List(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected a single entry after redelivery, got %d", len(entries))
	}
}

func TestInbox_EmptyUser(t *testing.T) {
	client, _ := setupTestRedis(t)
	inbox := NewInbox(client, 10)

	entries, err := inbox.List(context.Background(), "nobody", 5)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty inbox, got %d", len(entries))
	}
}
