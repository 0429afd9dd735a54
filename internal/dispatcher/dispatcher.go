// Package dispatcher manages worker fan-out over the job queue and is the
// producer side used by the intake API.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-scraper/internal/scrape"
	"github.com/JakeFAU/realtime-scraper/internal/worker"
)

// Recoverer is implemented by queues that can hand back records a crashed
// worker left in flight.
type Recoverer interface {
	Recover(ctx context.Context) (int, error)
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   scrape.Queue
	workers []*worker.Worker
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(queue scrape.Queue, workers []*worker.Worker, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		workers: workers,
		logger:  logger,
	}
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	if r, ok := d.queue.(Recoverer); ok {
		n, err := r.Recover(ctx)
		if err != nil {
			d.logger.Warn("recover in-flight records", zap.Error(err))
		} else if n > 0 {
			d.logger.Info("requeued in-flight records", zap.Int("count", n))
		}
	}
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	d.logger.Info("workers started", zap.Int("count", len(d.workers)))
	<-ctx.Done()
	wg.Wait()
	d.logger.Info("workers stopped")
}

// Enqueue encodes job and hands it to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, job scrape.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := d.queue.Enqueue(ctx, scrape.QueueItem{ID: job.ID, Body: body, Attempt: 1}); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
