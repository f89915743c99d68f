package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/queue"
)

// Pool runs a fixed number of workers against one queue.
type Pool struct {
	workers []*Worker
	wg      sync.WaitGroup
}

func NewPool(size int, q queue.Queue, store Store, sender Sender, limiter *ChannelLimiters, cfg Config, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if limiter == nil {
		limiter = NewChannelLimiters(0)
	}
	workers := make([]*Worker, size)
	for i := range workers {
		workers[i] = New(i, q, store, sender, limiter, cfg, logger)
	}
	return &Pool{workers: workers}
}

// Start launches every worker. Cancelling ctx stops them.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}
}

// WithNotifier reports terminal outcomes of every worker to n.
func (p *Pool) WithNotifier(n Notifier) *Pool {
	for _, w := range p.workers {
		w.WithNotifier(n)
	}
	return p
}

// Wait blocks until every worker has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) Size() int {
	return len(p.workers)
}
