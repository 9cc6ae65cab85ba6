package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaQueueConfig configures the Kafka-backed delivery queue.
type KafkaQueueConfig struct {
	Brokers []string
	Topic   string
	// Group is the consumer group shared by every node's sender workers;
	// group semantics give each job to exactly one consumer.
	Group  string
	Logger zerolog.Logger
}

// KafkaQueue is a shared delivery queue on a Kafka topic consumed through a
// consumer group.
type KafkaQueue struct {
	client *kgo.Client
	topic  string
	logger zerolog.Logger
}

// NewKafkaQueue connects the producer/consumer client.
func NewKafkaQueue(cfg KafkaQueueConfig) (*KafkaQueue, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka queue: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka queue: topic is required")
	}
	if cfg.Group == "" {
		return nil, fmt.Errorf("kafka queue: consumer group is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.SessionTimeout(30*time.Second),
		kgo.RebalanceTimeout(60*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka queue client: %w", err)
	}

	return &KafkaQueue{
		client: client,
		topic:  cfg.Topic,
		logger: cfg.Logger.With().Str("component", "webhook_queue").Str("driver", "kafka").Logger(),
	}, nil
}

// Enqueue implements Queue. Jobs are keyed by app id so one app's batches
// stay ordered within a partition.
func (q *KafkaQueue) Enqueue(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal webhook job: %w", err)
	}
	record := &kgo.Record{Topic: q.topic, Key: []byte(job.AppID), Value: payload}
	if err := q.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce webhook job: %w", err)
	}
	return nil
}

// Consume implements Queue.
func (q *KafkaQueue) Consume(ctx context.Context, fn func(context.Context, Job)) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		fetches := q.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		for _, err := range fetches.Errors() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.logger.Warn().
				Err(err.Err).
				Str("topic", err.Topic).
				Int32("partition", err.Partition).
				Msg("fetch error")
		}

		fetches.EachRecord(func(record *kgo.Record) {
			var job Job
			if err := json.Unmarshal(record.Value, &job); err != nil {
				q.logger.Error().Err(err).Msg("discarding malformed webhook job")
				return
			}
			fn(ctx, job)
		})
	}
}

// Close implements Queue.
func (q *KafkaQueue) Close() error {
	q.client.Close()
	return nil
}
