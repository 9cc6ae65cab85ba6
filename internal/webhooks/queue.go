package webhooks

import (
	"context"
	"errors"

	"github.com/JosueRhea/sockudo/internal/monitoring"
)

// ErrQueueFull is returned when a bounded queue cannot take another job.
var ErrQueueFull = errors.New("webhook queue full")

// Queue buffers delivery jobs between the batcher and the sender workers.
// The memory driver is node-local; redis and kafka drivers share delivery
// work across the cluster.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Consume calls fn for every job until ctx is done. Blocking; run on its
	// own goroutine per worker.
	Consume(ctx context.Context, fn func(context.Context, Job)) error
	Close() error
}

// MemoryQueue is a bounded in-process queue. Enqueue never blocks: a full
// queue drops the job with a metric increment.
type MemoryQueue struct {
	jobs chan Job
}

// NewMemoryQueue creates a queue holding up to size jobs (default 1024).
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{jobs: make(chan Job, size)}
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(_ context.Context, job Job) error {
	select {
	case q.jobs <- job:
		return nil
	default:
		monitoring.WebhookQueueDrops.Inc()
		return ErrQueueFull
	}
}

// Consume implements Queue.
func (q *MemoryQueue) Consume(ctx context.Context, fn func(context.Context, Job)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job, ok := <-q.jobs:
			if !ok {
				return nil
			}
			fn(ctx, job)
		}
	}
}

// Drain consumes jobs still queued without blocking, for shutdown flushes.
func (q *MemoryQueue) Drain(ctx context.Context, fn func(context.Context, Job)) {
	for {
		select {
		case job := <-q.jobs:
			fn(ctx, job)
		default:
			return
		}
	}
}

// Close implements Queue.
func (q *MemoryQueue) Close() error { return nil }
