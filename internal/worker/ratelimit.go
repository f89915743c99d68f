package worker

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/lalithlochan/courier/internal/domain"
)

// ChannelLimiters holds one token bucket per channel so a burst on one
// channel cannot starve provider quota on another.
type ChannelLimiters struct {
	limiters map[domain.Channel]*rate.Limiter
}

// NewChannelLimiters allows ratePerSec deliveries per second on each
// channel. A non-positive rate disables limiting.
func NewChannelLimiters(ratePerSec int) *ChannelLimiters {
	limit, burst := rate.Limit(ratePerSec), ratePerSec
	if ratePerSec <= 0 {
		limit, burst = rate.Inf, 0
	}

	limiters := make(map[domain.Channel]*rate.Limiter, len(domain.Channels()))
	for _, ch := range domain.Channels() {
		limiters[ch] = rate.NewLimiter(limit, burst)
	}
	return &ChannelLimiters{limiters: limiters}
}

// Wait blocks until ch has a token. It fails only when ctx is done.
func (cl *ChannelLimiters) Wait(ctx context.Context, ch domain.Channel) error {
	l, ok := cl.limiters[ch]
	if !ok {
		return nil
	}
	return l.Wait(ctx)
}
