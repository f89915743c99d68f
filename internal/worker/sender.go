package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/domain"
)

// Sender delivers a notification through one or more channels.
type Sender interface {
	Send(ctx context.Context, n *domain.Notification) error
	SupportsChannel(ch domain.Channel) bool
}

// ErrNoSender is returned for a channel with no bound sender.
var ErrNoSender = errors.New("no sender bound to channel")

// LogSender writes notifications to the log instead of delivering them.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, n *domain.Notification) error {
	s.logger.Info("notification logged (no provider configured)",
		zap.String("id", n.ID),
		zap.Stringer("channel", n.Type),
		zap.String("user_id", n.UserID),
		zap.String("message", n.Message),
	)
	return nil
}

func (s *LogSender) SupportsChannel(ch domain.Channel) bool {
	return ch.IsValid()
}
