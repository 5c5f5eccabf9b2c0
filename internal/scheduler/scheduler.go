// Package scheduler runs tasks on a fixed interval.
package scheduler

import (
	"context"
	"time"

	"jobapply-engine/internal/logger"
)

type Task func(ctx context.Context) error

type options struct {
	immediate bool
	log       logger.Logger
}

type Option func(*options)

// Immediately runs the task once before the first tick.
func Immediately() Option { return func(o *options) { o.immediate = true } }

func WithLogger(l logger.Logger) Option { return func(o *options) { o.log = l } }

// Every runs task each interval until ctx is done. Runs never overlap: a
// tick that fires while the task is still running is dropped.
func Every(ctx context.Context, interval time.Duration, name string, task Task, opts ...Option) {
	o := options{log: logger.Named("scheduler")}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.log.Named(name)

	run := func() {
		if err := task(ctx); err != nil && ctx.Err() == nil {
			log.Error(ctx, "task failed", logger.Error(err))
		}
	}

	if o.immediate {
		run()
	}

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			run()
		}
	}
}
