package adapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/JosueRhea/sockudo/internal/monitoring"
)

// RedisBus implements Bus on Redis Pub/Sub. Each topic subscription owns a
// PubSub and a receive goroutine; go-redis reconnects dropped subscriptions
// itself.
type RedisBus struct {
	client *redis.Client
	logger zerolog.Logger

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

// NewRedisBus wraps a connected client. Ownership of the client stays with
// the caller; Close only stops the bus's receive loops.
func NewRedisBus(client *redis.Client, logger zerolog.Logger) *RedisBus {
	return &RedisBus{
		client: client,
		logger: logger.With().Str("component", "redis_bus").Logger(),
	}
}

// Publish implements Bus.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		monitoring.AdapterPublishErrors.Inc()
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// Subscribe implements Bus. The handler runs on the subscription's receive
// goroutine.
func (b *RedisBus) Subscribe(topic string, handler func(payload []byte)) (func() error, error) {
	ctx := context.Background()
	pubsub := b.client.Subscribe(ctx, topic)

	// Force the SUBSCRIBE round trip so a dead Redis fails here, not on the
	// first missed message.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", topic, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		pubsub.Close()
		return nil, fmt.Errorf("redis bus is closed")
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		for msg := range pubsub.Channel() {
			handler([]byte(msg.Payload))
		}
	}()

	return pubsub.Close, nil
}

// Close stops accepting subscriptions and waits for receive loops to end.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}
