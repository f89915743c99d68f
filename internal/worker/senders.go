package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/domain"
)

// Registry binds each channel to exactly one sender.
type Registry struct {
	senders map[domain.Channel]Sender
	logger  *zap.Logger
}

// NewRegistry binds every channel to the first sender in senders that
// supports it. Channels no sender supports stay unbound.
func NewRegistry(logger *zap.Logger, senders ...Sender) *Registry {
	r := &Registry{
		senders: make(map[domain.Channel]Sender, len(domain.Channels())),
		logger:  logger,
	}
	for _, ch := range domain.Channels() {
		for _, s := range senders {
			if s.SupportsChannel(ch) {
				r.senders[ch] = s
				break
			}
		}
		if _, ok := r.senders[ch]; !ok {
			logger.Warn("no sender bound to channel", zap.Stringer("channel", ch))
		}
	}
	return r
}

// Lookup returns the sender bound to ch.
func (r *Registry) Lookup(ch domain.Channel) (Sender, bool) {
	s, ok := r.senders[ch]
	return s, ok
}

// Send delivers n through the sender bound to its channel. Every failure is
// returned as a *domain.DeliveryError.
func (r *Registry) Send(ctx context.Context, n *domain.Notification) error {
	s, ok := r.Lookup(n.Type)
	if !ok {
		return &domain.DeliveryError{Channel: n.Type, Err: ErrNoSender}
	}

	r.logger.Debug("routing notification to sender",
		zap.Stringer("channel", n.Type),
		zap.String("notification_id", n.ID),
	)

	if err := s.Send(ctx, n); err != nil {
		var de *domain.DeliveryError
		if errors.As(err, &de) {
			return err
		}
		return &domain.DeliveryError{Channel: n.Type, Err: err}
	}
	return nil
}

func (r *Registry) SupportsChannel(ch domain.Channel) bool {
	_, ok := r.Lookup(ch)
	return ok
}
