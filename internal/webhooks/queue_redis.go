package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisQueue is a shared delivery queue on a Redis list. Every node enqueues;
// any node's workers may pop a job, so a batch is delivered once cluster-wide.
type RedisQueue struct {
	client *redis.Client
	key    string
	logger zerolog.Logger
}

// NewRedisQueue wraps a connected client. prefix namespaces the list key.
func NewRedisQueue(client *redis.Client, prefix string, logger zerolog.Logger) *RedisQueue {
	return &RedisQueue{
		client: client,
		key:    prefix + ":webhooks",
		logger: logger.With().Str("component", "webhook_queue").Str("driver", "redis").Logger(),
	}
}

// Enqueue implements Queue.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal webhook job: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("enqueue webhook job: %w", err)
	}
	return nil
}

// Consume implements Queue. Transient Redis errors back the loop off instead
// of spinning.
func (q *RedisQueue) Consume(ctx context.Context, fn func(context.Context, Job)) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.logger.Warn().Err(err).Msg("pop failed, backing off")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		// BRPop returns [key, value].
		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			q.logger.Error().Err(err).Msg("discarding malformed webhook job")
			continue
		}
		fn(ctx, job)
	}
}

// Close implements Queue; the shared client is owned by the caller.
func (q *RedisQueue) Close() error { return nil }
