package worker

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/lucasresch/vectra/internal/queue"
)

// ConsumerSpec binds one stream to one handler with its consume options.
type ConsumerSpec struct {
	Stream  string
	Opts    queue.ConsumeOptions
	Handler queue.Handler
}

// Runner drives a set of stream consumers until the context is
// cancelled. Each consumer runs its own blocking loop; the first
// non-cancellation error stops the rest.
type Runner struct {
	queue queue.Queue
	log   *slog.Logger
}

func NewRunner(q queue.Queue, log *slog.Logger) *Runner {
	return &Runner{queue: q, log: log}
}

// Run blocks until ctx is cancelled or a consumer fails.
func (r *Runner) Run(ctx context.Context, specs []ConsumerSpec) error {
	if len(specs) == 0 {
		return fmt.Errorf("no consumer roles configured")
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, spec := range specs {
		spec := spec
		g.Go(func() error {
			r.log.Info("consumer starting", "stream", spec.Stream, "group", spec.Opts.Group)
			err := r.queue.Consume(ctx, spec.Stream, spec.Opts, spec.Handler)
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("consumer %s: %w", spec.Stream, err)
			}
			r.log.Info("consumer stopped", "stream", spec.Stream)
			return nil
		})
	}
	return g.Wait()
}
