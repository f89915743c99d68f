package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/domain"
	"github.com/lalithlochan/courier/internal/redis"
)

// Inbox stores in-app notifications for a user.
type Inbox interface {
	Push(ctx context.Context, userID string, entry redis.InboxEntry) error
}

// InAppSender delivers in-app notifications into the user's inbox.
type InAppSender struct {
	inbox  Inbox
	logger *zap.Logger
}

func NewInAppSender(inbox Inbox, logger *zap.Logger) *InAppSender {
	return &InAppSender{inbox: inbox, logger: logger}
}

func (s *InAppSender) Send(ctx context.Context, n *domain.Notification) error {
	if n.Type != domain.ChannelInApp {
		return fmt.Errorf("in-app sender only supports in-app, got: %s", n.Type)
	}

	entry := redis.InboxEntry{NotificationID: n.ID, Message: n.Message}
	if err := s.inbox.Push(ctx, n.UserID, entry); err != nil {
		return fmt.Errorf("inbox push failed: %w", err)
	}

	s.logger.Info("in-app notification stored",
		zap.String("id", n.ID),
		zap.String("user_id", n.UserID),
	)
	return nil
}

func (s *InAppSender) SupportsChannel(ch domain.Channel) bool {
	return ch == domain.ChannelInApp
}
