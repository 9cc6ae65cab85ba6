package webhooks

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/JosueRhea/sockudo/internal/apps"
)

// PipelineConfig wires the full delivery pipeline.
type PipelineConfig struct {
	Queue          Queue
	Workers        int
	BatchWindow    time.Duration
	BatchSize      int
	AttemptTimeout time.Duration
	MaxAttempts    int
	Logger         zerolog.Logger
}

// Pipeline is the assembled webhook path: intents filtered against app
// bindings, batched per endpoint, queued, and delivered by a worker pool.
type Pipeline struct {
	batcher *Batcher
	queue   Queue
	pool    *WorkerPool
	sender  *Sender
	logger  zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPipeline builds a pipeline; call Run to start delivery.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Queue == nil {
		cfg.Queue = NewMemoryQueue(0)
	}
	p := &Pipeline{
		queue:  cfg.Queue,
		logger: cfg.Logger.With().Str("component", "webhooks").Logger(),
		sender: NewSender(SenderConfig{
			AttemptTimeout: cfg.AttemptTimeout,
			MaxAttempts:    cfg.MaxAttempts,
			Logger:         cfg.Logger,
		}),
		pool: NewWorkerPool(cfg.Workers, 0, cfg.Logger),
		done: make(chan struct{}),
	}
	p.batcher = NewBatcher(BatcherConfig{
		Window:    cfg.BatchWindow,
		MaxEvents: cfg.BatchSize,
		Queue:     cfg.Queue,
		Logger:    cfg.Logger,
	})
	return p
}

// Publish routes one intent to every webhook the app binds for its type.
// Unbound event types are discarded here, before any batching cost.
func (p *Pipeline) Publish(app *apps.Application, event Event) {
	for _, wh := range app.WebhooksFor(event.Name) {
		p.batcher.Add(app.ID, app.Key, app.Secret, wh.URL, event)
	}
}

// Run starts the workers and the queue consumer. Returns once ctx is done
// and the consumer loop has exited.
func (p *Pipeline) Run(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.pool.Start(ctx)

	go func() {
		defer close(p.done)
		err := p.queue.Consume(ctx, func(jobCtx context.Context, job Job) {
			p.pool.Submit(func() { p.sender.Deliver(jobCtx, job) })
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error().Err(err).Msg("webhook queue consumer stopped")
		}
	}()
}

// Shutdown flushes pending batches, delivers what the memory queue still
// holds, and stops the workers.
func (p *Pipeline) Shutdown(ctx context.Context) {
	p.batcher.Close()

	// Memory queues lose undelivered jobs at process exit; push the
	// remainder through synchronously within the shutdown grace.
	if mq, ok := p.queue.(*MemoryQueue); ok {
		mq.Drain(ctx, p.sender.Deliver)
	}

	if p.cancel != nil {
		p.cancel()
	}
	select {
	case <-p.done:
	case <-ctx.Done():
	}
	p.pool.Wait()
	if err := p.queue.Close(); err != nil {
		p.logger.Warn().Err(err).Msg("closing webhook queue")
	}
}
