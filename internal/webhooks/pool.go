package webhooks

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/JosueRhea/sockudo/internal/monitoring"
)

// Task is one unit of delivery work.
type Task func()

// WorkerPool bounds concurrent webhook deliveries. A full task queue drops
// work rather than spawning goroutines; the dropped count is observable.
type WorkerPool struct {
	workerCount int
	taskQueue   chan Task
	wg          sync.WaitGroup
	dropped     atomic.Int64
	logger      zerolog.Logger
}

// NewWorkerPool creates a pool of workerCount goroutines behind a queue of
// queueSize tasks.
func NewWorkerPool(workerCount, queueSize int, logger zerolog.Logger) *WorkerPool {
	if workerCount <= 0 {
		workerCount = 4
	}
	if queueSize <= 0 {
		queueSize = workerCount * 100
	}
	return &WorkerPool{
		workerCount: workerCount,
		taskQueue:   make(chan Task, queueSize),
		logger:      logger.With().Str("component", "webhook_pool").Logger(),
	}
}

// Start launches the workers. They exit when ctx is cancelled.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx)
	}
}

func (wp *WorkerPool) worker(ctx context.Context) {
	defer wp.wg.Done()
	for {
		select {
		case task := <-wp.taskQueue:
			if task != nil {
				wp.run(task)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (wp *WorkerPool) run(task Task) {
	defer monitoring.RecoverPanic(wp.logger, "webhook_worker", nil)
	task()
}

// Submit enqueues a task, dropping it when the queue is full.
func (wp *WorkerPool) Submit(task Task) {
	select {
	case wp.taskQueue <- task:
	default:
		wp.dropped.Add(1)
		monitoring.WebhookQueueDrops.Inc()
	}
}

// Dropped reports how many tasks were discarded by a full queue.
func (wp *WorkerPool) Dropped() int64 {
	return wp.dropped.Load()
}

// Wait blocks until every worker has exited.
func (wp *WorkerPool) Wait() {
	wp.wg.Wait()
}
