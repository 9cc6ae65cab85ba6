package webhooks

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultBatchWindow = 50 * time.Millisecond
	defaultBatchSize   = 50
)

// BatcherConfig tunes batching.
type BatcherConfig struct {
	// Window is how long a batch accumulates before it is flushed.
	Window time.Duration
	// MaxEvents flushes a batch early once it holds this many events.
	MaxEvents int
	Queue     Queue
	Logger    zerolog.Logger
}

// Batcher accumulates webhook events per (app, url) and emits one delivery
// job per window.
type Batcher struct {
	window    time.Duration
	maxEvents int
	queue     Queue
	logger    zerolog.Logger

	mu      sync.Mutex
	pending map[batchKey]*pendingBatch
	closed  bool
}

type batchKey struct {
	appID string
	url   string
}

type pendingBatch struct {
	key    string
	secret string
	events []Event
	timer  *time.Timer
}

// NewBatcher creates a batcher flushing into queue.
func NewBatcher(cfg BatcherConfig) *Batcher {
	if cfg.Window <= 0 {
		cfg.Window = defaultBatchWindow
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = defaultBatchSize
	}
	return &Batcher{
		window:    cfg.Window,
		maxEvents: cfg.MaxEvents,
		queue:     cfg.Queue,
		logger:    cfg.Logger.With().Str("component", "webhook_batcher").Logger(),
		pending:   make(map[batchKey]*pendingBatch),
	}
}

// Add appends one event to the (appID, url) batch, starting the window timer
// on the first event and flushing early at the event cap.
func (b *Batcher) Add(appID, appKey, secret, url string, event Event) {
	key := batchKey{appID: appID, url: url}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	batch, ok := b.pending[key]
	if !ok {
		batch = &pendingBatch{key: appKey, secret: secret}
		batch.timer = time.AfterFunc(b.window, func() { b.flushKey(key) })
		b.pending[key] = batch
	}
	batch.events = append(batch.events, event)
	full := len(batch.events) >= b.maxEvents
	b.mu.Unlock()

	if full {
		b.flushKey(key)
	}
}

func (b *Batcher) flushKey(key batchKey) {
	b.mu.Lock()
	batch, ok := b.pending[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.pending, key)
	batch.timer.Stop()
	b.mu.Unlock()

	b.enqueue(key, batch)
}

func (b *Batcher) enqueue(key batchKey, batch *pendingBatch) {
	job := Job{
		AppID:  key.appID,
		Key:    batch.key,
		Secret: batch.secret,
		URL:    key.url,
		TimeMs: time.Now().UnixMilli(),
		Events: batch.events,
	}
	if err := b.queue.Enqueue(context.Background(), job); err != nil {
		b.logger.Error().
			Err(err).
			Str("app_id", key.appID).
			Str("url", key.url).
			Int("events", len(batch.events)).
			Msg("webhook batch lost at enqueue")
	}
}

// Flush force-emits every pending batch. Called on shutdown so accumulated
// events are not lost to the grace period.
func (b *Batcher) Flush() {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[batchKey]*pendingBatch)
	b.mu.Unlock()

	for key, batch := range pending {
		batch.timer.Stop()
		b.enqueue(key, batch)
	}
}

// Close flushes and rejects further adds.
func (b *Batcher) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.Flush()
}
