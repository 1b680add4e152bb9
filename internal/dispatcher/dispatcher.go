// Package dispatcher manages worker fan-out over the work queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/audit"
	"github.com/JakeFAU/site-audit/internal/metrics"
	"github.com/JakeFAU/site-audit/internal/worker"
)

// Dispatcher runs a pool of workers against one queue.
type Dispatcher struct {
	queue         audit.Queue
	workers       []*worker.Worker
	statsInterval time.Duration
	logger        *zap.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithStatsInterval samples queue depth into metrics every d while Run is
// active. Zero disables sampling.
func WithStatsInterval(d time.Duration) Option {
	return func(disp *Dispatcher) {
		disp.statsInterval = d
	}
}

// WithLogger sets the logger used for sampling failures.
func WithLogger(logger *zap.Logger) Option {
	return func(disp *Dispatcher) {
		if logger != nil {
			disp.logger = logger
		}
	}
}

// New creates a Dispatcher.
func New(queue audit.Queue, workers []*worker.Worker, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:   queue,
		workers: workers,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Size reports the number of workers in the pool.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	if d.statsInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.sampleDepth(ctx)
		}()
	}
	<-ctx.Done()
	wg.Wait()
}

// Stats proxies to the underlying queue.
func (d *Dispatcher) Stats(ctx context.Context) (audit.QueueStats, error) {
	stats, err := d.queue.Stats(ctx)
	if err != nil {
		return audit.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	return stats, nil
}

func (d *Dispatcher) sampleDepth(ctx context.Context) {
	ticker := time.NewTicker(d.statsInterval)
	defer ticker.Stop()
	for {
		stats, err := d.Stats(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			metrics.ObserveQueueError("stats")
			d.logger.Warn("queue depth sample failed", zap.Error(err))
		case err == nil:
			metrics.SetQueueDepth(stats.Ready, stats.Claimed)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
