package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/domain"
)

// Sender is the delivery contract of the worker package, repeated here so
// the worker can wrap its senders without an import cycle.
type Sender interface {
	Send(ctx context.Context, n *domain.Notification) error
	SupportsChannel(ch domain.Channel) bool
}

// ProtectedSender runs a Sender behind a Breaker.
type ProtectedSender struct {
	sender  Sender
	breaker *Breaker
	logger  *zap.Logger
}

func NewProtectedSender(sender Sender, breaker *Breaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{sender: sender, breaker: breaker, logger: logger}
}

// Send fails fast with ErrCircuitOpen while the breaker is open. A call
// cancelled by the caller is not counted against the provider.
func (p *ProtectedSender) Send(ctx context.Context, n *domain.Notification) error {
	if !p.breaker.Allow() {
		p.logger.Warn("provider circuit open, skipping delivery",
			zap.String("breaker", p.breaker.Name()),
			zap.String("notification_id", n.ID),
			zap.Stringer("channel", n.Type),
		)
		return fmt.Errorf("%w: %s", ErrCircuitOpen, p.breaker.Name())
	}

	err := p.sender.Send(ctx, n)
	switch {
	case err == nil:
		p.breaker.RecordSuccess()
	case ctx.Err() == context.Canceled:
		p.breaker.Release()
	default:
		p.breaker.RecordFailure()
	}
	return err
}

func (p *ProtectedSender) SupportsChannel(ch domain.Channel) bool {
	return p.sender.SupportsChannel(ch)
}

// Breaker returns the breaker for health reporting.
func (p *ProtectedSender) Breaker() *Breaker {
	return p.breaker
}
