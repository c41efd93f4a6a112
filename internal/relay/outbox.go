package relay

import (
	"context"
	"log/slog"
	"time"
)

// Task is a unit of deferred I/O run outside the hub loop.
type Task func(ctx context.Context) error

type job struct {
	name string
	fn   Task
}

// Outbox runs tasks one at a time in submission order on its own goroutine,
// so slow backends never stall event processing.
type Outbox struct {
	jobs    chan job
	timeout time.Duration
	logger  *slog.Logger
	done    chan struct{}
}

func NewOutbox(size int, timeout time.Duration, logger *slog.Logger) *Outbox {
	return &Outbox{
		jobs:    make(chan job, size),
		timeout: timeout,
		logger:  logger.With(slog.String("component", "outbox")),
		done:    make(chan struct{}),
	}
}

// Enqueue submits fn without blocking. When the buffer is full the task is
// dropped and false is returned.
func (o *Outbox) Enqueue(name string, fn Task) bool {
	select {
	case o.jobs <- job{name: name, fn: fn}:
		return true
	default:
		o.logger.Warn("outbox full, dropping task", slog.String("task", name))
		return false
	}
}

// EnqueueWait submits fn, waiting for buffer space until ctx is done.
func (o *Outbox) EnqueueWait(ctx context.Context, name string, fn Task) error {
	select {
	case o.jobs <- job{name: name, fn: fn}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes tasks until ctx is cancelled, then drains what is already
// queued.
func (o *Outbox) Run(ctx context.Context) {
	defer close(o.done)
	for {
		select {
		case j := <-o.jobs:
			o.exec(context.WithoutCancel(ctx), j)
		case <-ctx.Done():
			for {
				select {
				case j := <-o.jobs:
					o.exec(context.WithoutCancel(ctx), j)
				default:
					return
				}
			}
		}
	}
}

// Done is closed once Run has returned.
func (o *Outbox) Done() <-chan struct{} {
	return o.done
}

func (o *Outbox) exec(parent context.Context, j job) {
	ctx, cancel := context.WithTimeout(parent, o.timeout)
	defer cancel()
	if err := j.fn(ctx); err != nil {
		o.logger.Error("outbox task failed", slog.String("task", j.name), slog.Any("error", err))
	}
}
