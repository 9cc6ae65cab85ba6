package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/JosueRhea/sockudo/internal/monitoring"
)

// NATSBusConfig configures the NATS-backed bus.
type NATSBusConfig struct {
	Servers []string
	// MaxReconnects below zero retries forever (nats.go semantics).
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	Logger          zerolog.Logger
}

// NATSBus implements Bus on NATS core subjects. Reconnects are handled by
// the client library; subscriptions survive reconnects.
type NATSBus struct {
	conn   *nats.Conn
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[*nats.Subscription]struct{}
}

// NewNATSBus connects to the NATS cluster.
func NewNATSBus(cfg NATSBusConfig) (*NATSBus, error) {
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("nats bus: at least one server is required")
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.ReconnectJitter <= 0 {
		cfg.ReconnectJitter = 500 * time.Millisecond
	}

	b := &NATSBus{
		logger: cfg.Logger.With().Str("component", "nats_bus").Logger(),
		subs:   make(map[*nats.Subscription]struct{}),
	}

	conn, err := nats.Connect(
		cfg.Servers[0],
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Warn().Err(err).Msg("nats disconnected, local delivery continues")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			b.logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			b.logger.Error().Err(err).Msg("nats async error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	b.conn = conn
	b.logger.Info().Str("url", conn.ConnectedUrl()).Msg("nats bus connected")
	return b, nil
}

// Publish implements Bus.
func (b *NATSBus) Publish(_ context.Context, topic string, payload []byte) error {
	if err := b.conn.Publish(topic, payload); err != nil {
		monitoring.AdapterPublishErrors.Inc()
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// Subscribe implements Bus.
func (b *NATSBus) Subscribe(topic string, handler func(payload []byte)) (func() error, error) {
	sub, err := b.conn.Subscribe(topic, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", topic, err)
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return func() error {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
		return sub.Unsubscribe()
	}, nil
}

// Close drains outstanding subscriptions and closes the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	for sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn().Err(err).Msg("unsubscribe during close")
		}
	}
	b.subs = make(map[*nats.Subscription]struct{})
	b.mu.Unlock()

	b.conn.Close()
	return nil
}
