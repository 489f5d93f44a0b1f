package queue

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Handler processes one delivered run. Returning an error does not trigger
// redelivery: run-level failure handling belongs to the pipeline, which
// marks the run failed before returning.
type Handler func(ctx context.Context, d Delivery) error

// Pool runs a fixed set of workers draining the queue.
type Pool struct {
	queue   *Queue
	handler Handler
	workers int
	logger  *slog.Logger
}

func NewPool(q *Queue, workers int, handler Handler, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{queue: q, handler: handler, workers: workers, logger: logger}
}

// Run blocks until the context is canceled or the queue closes, then waits
// for in-flight handlers to finish.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		worker := i
		g.Go(func() error {
			return p.drain(ctx, worker)
		})
	}
	return g.Wait()
}

func (p *Pool) drain(ctx context.Context, worker int) error {
	for {
		d, err := p.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := p.handler(ctx, d); err != nil {
			p.logger.ErrorContext(ctx, "run handler failed",
				slog.Int("worker", worker),
				slog.String("run_id", d.RunID),
				slog.Int("attempt", d.Attempt),
				slog.String("error", err.Error()),
			)
		}
		p.queue.Ack(d.RunID)
	}
}
