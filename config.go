package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/JosueRhea/sockudo/internal/apps"
	"github.com/JosueRhea/sockudo/internal/types"
)

// Config holds all server configuration. Values resolve in order: built-in
// defaults, then the --config JSON file, then environment variables.
type Config struct {
	// Server basics
	Addr           string `env:"SOCKUDO_ADDR" json:"addr"`
	MetricsEnabled bool   `env:"SOCKUDO_METRICS_ENABLED" json:"metrics_enabled"`
	MetricsAddr    string `env:"SOCKUDO_METRICS_ADDR" json:"metrics_addr"`

	// Horizontal scaling
	AdapterDriver              types.AdapterDriver `env:"SOCKUDO_ADAPTER_DRIVER" json:"adapter_driver"`
	AdapterPrefix              string              `env:"SOCKUDO_ADAPTER_PREFIX" json:"adapter_prefix"`
	AdapterRequestTimeoutMS    int                 `env:"SOCKUDO_ADAPTER_REQUEST_TIMEOUT_MS" json:"adapter_request_timeout_ms"`
	AdapterHeartbeatIntervalMS int                 `env:"SOCKUDO_ADAPTER_HEARTBEAT_INTERVAL_MS" json:"adapter_heartbeat_interval_ms"`

	NATSServers   string `env:"SOCKUDO_NATS_SERVERS" json:"nats_servers"`
	RedisAddr     string `env:"SOCKUDO_REDIS_ADDR" json:"redis_addr"`
	RedisPassword string `env:"SOCKUDO_REDIS_PASSWORD" json:"redis_password"`
	RedisDB       int    `env:"SOCKUDO_REDIS_DB" json:"redis_db"`

	// App manager
	AppStoreDriver types.AppStoreDriver `env:"SOCKUDO_APP_MANAGER_DRIVER" json:"app_manager_driver"`
	AppCacheTTLS   int                  `env:"SOCKUDO_APP_MANAGER_CACHE_TTL_S" json:"app_manager_cache_ttl_s"`
	Apps           []apps.Application   `env:"-" json:"apps"`
	AppsFile       string               `env:"SOCKUDO_APP_MANAGER_APPS_FILE" json:"app_manager_apps_file"`
	SQLDriver      string               `env:"SOCKUDO_APP_MANAGER_SQL_DRIVER" json:"app_manager_sql_driver"`
	SQLDSN         string               `env:"SOCKUDO_APP_MANAGER_SQL_DSN" json:"app_manager_sql_dsn"`

	// Cache channels
	CacheDriver      types.CacheDriver `env:"SOCKUDO_CACHE_DRIVER" json:"cache_driver"`
	CacheChannelTTLS int               `env:"SOCKUDO_CACHE_CHANNEL_TTL_S" json:"cache_channel_ttl_s"`

	// Webhook queue
	QueueDriver  types.QueueDriver `env:"SOCKUDO_QUEUE_DRIVER" json:"queue_driver"`
	QueueWorkers int               `env:"SOCKUDO_QUEUE_WORKERS" json:"queue_workers"`
	KafkaBrokers string            `env:"SOCKUDO_KAFKA_BROKERS" json:"kafka_brokers"`
	KafkaTopic   string            `env:"SOCKUDO_KAFKA_TOPIC" json:"kafka_topic"`
	KafkaGroup   string            `env:"SOCKUDO_KAFKA_GROUP" json:"kafka_group"`

	// Protocol limits and default per-app quotas
	ActivityTimeoutS           int     `env:"SOCKUDO_ACTIVITY_TIMEOUT_S" json:"activity_timeout_s"`
	PongTimeoutS               int     `env:"SOCKUDO_PONG_TIMEOUT_S" json:"pong_timeout_s"`
	HandshakeTimeoutS          int     `env:"SOCKUDO_HANDSHAKE_TIMEOUT_S" json:"handshake_timeout_s"`
	SendBuffer                 int     `env:"SOCKUDO_SEND_BUFFER" json:"send_buffer"`
	MaxChannelsPerConnection   int     `env:"SOCKUDO_MAX_CHANNELS_PER_CONNECTION" json:"max_channels_per_connection"`
	MaxChannelNameLength       int     `env:"SOCKUDO_MAX_CHANNEL_NAME" json:"max_channel_name"`
	MaxEventPayloadBytes       int     `env:"SOCKUDO_MAX_EVENT_PAYLOAD_BYTES" json:"max_event_payload_bytes"`
	MaxClientEventPayloadBytes int     `env:"SOCKUDO_MAX_CLIENT_EVENT_PAYLOAD_BYTES" json:"max_client_event_payload_bytes"`
	MaxPresenceMembers         int     `env:"SOCKUDO_MAX_PRESENCE_MEMBERS" json:"max_presence_members"`
	ConnectionRate             float64 `env:"SOCKUDO_CONNECTION_RATE" json:"connection_rate"`
	ConnectionBurst            int     `env:"SOCKUDO_CONNECTION_BURST" json:"connection_burst"`
	HTTPRate                   float64 `env:"SOCKUDO_HTTP_RATE" json:"http_rate"`
	HTTPBurst                  int     `env:"SOCKUDO_HTTP_BURST" json:"http_burst"`

	// Webhook delivery
	WebhookBatchingMS            int  `env:"SOCKUDO_WEBHOOKS_BATCHING_MS" json:"webhooks_batching_ms"`
	WebhookBatchSize             int  `env:"SOCKUDO_WEBHOOKS_BATCH_SIZE" json:"webhooks_batch_size"`
	WebhookAttemptTimeoutS       int  `env:"SOCKUDO_WEBHOOKS_ATTEMPT_TIMEOUT_S" json:"webhooks_attempt_timeout_s"`
	WebhookMaxAttempts           int  `env:"SOCKUDO_WEBHOOKS_MAX_ATTEMPTS" json:"webhooks_max_attempts"`
	SubscriptionCountEveryChange bool `env:"SOCKUDO_WEBHOOKS_SUBSCRIPTION_COUNT_EVERY_CHANGE" json:"webhooks_subscription_count_every_change"`

	ShutdownGraceS int `env:"SOCKUDO_SHUTDOWN_GRACE_S" json:"shutdown_grace_s"`

	LogLevel  types.LogLevel  `env:"LOG_LEVEL" json:"log_level"`
	LogFormat types.LogFormat `env:"LOG_FORMAT" json:"log_format"`

	// SSL makes plain-WS connections close with 4000.
	SSLEnabled bool   `env:"SOCKUDO_SSL_ENABLED" json:"ssl_enabled"`
	SSLCert    string `env:"SOCKUDO_SSL_CERT" json:"ssl_cert"`
	SSLKey     string `env:"SOCKUDO_SSL_KEY" json:"ssl_key"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:           ":6001",
		MetricsEnabled: true,
		MetricsAddr:    ":9601",

		AdapterDriver:              types.AdapterLocal,
		AdapterPrefix:              "sockudo",
		AdapterRequestTimeoutMS:    5000,
		AdapterHeartbeatIntervalMS: 2000,

		NATSServers: "nats://localhost:4222",
		RedisAddr:   "localhost:6379",

		AppStoreDriver: types.AppStoreMemory,
		AppCacheTTLS:   60,
		SQLDriver:      "postgres",

		CacheDriver:      types.CacheMemory,
		CacheChannelTTLS: 1800,

		QueueDriver:  types.QueueMemory,
		QueueWorkers: 4,
		KafkaBrokers: "localhost:9092",
		KafkaTopic:   "sockudo-webhooks",
		KafkaGroup:   "sockudo-senders",

		ActivityTimeoutS:           120,
		PongTimeoutS:               30,
		HandshakeTimeoutS:          10,
		SendBuffer:                 64,
		MaxChannelsPerConnection:   100,
		MaxChannelNameLength:       200,
		MaxEventPayloadBytes:       10240,
		MaxClientEventPayloadBytes: 10240,
		MaxPresenceMembers:         100,
		ConnectionRate:             10,
		ConnectionBurst:            20,
		HTTPRate:                   100,
		HTTPBurst:                  200,

		WebhookBatchingMS:      50,
		WebhookBatchSize:       50,
		WebhookAttemptTimeoutS: 10,
		WebhookMaxAttempts:     5,

		ShutdownGraceS: 10,

		LogLevel:  types.LogLevelInfo,
		LogFormat: types.LogFormatJSON,
	}
}

// LoadConfig resolves the configuration. The .env file is a development
// convenience; in containers the environment is set directly.
func LoadConfig(path string, logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("loaded .env file")
	}

	cfg := DefaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	// Environment variables override the file.
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.MetricsEnabled && c.MetricsAddr == "" {
		return fmt.Errorf("metrics_addr is required when metrics are enabled")
	}

	switch c.AdapterDriver {
	case types.AdapterLocal, types.AdapterNATS, types.AdapterRedis:
	default:
		return fmt.Errorf("adapter_driver must be local, nats, or redis, got %q", c.AdapterDriver)
	}
	switch c.AppStoreDriver {
	case types.AppStoreMemory, types.AppStoreSQL:
	default:
		return fmt.Errorf("app_manager_driver must be memory or sql, got %q", c.AppStoreDriver)
	}
	switch c.CacheDriver {
	case types.CacheMemory, types.CacheRedis:
	default:
		return fmt.Errorf("cache_driver must be memory or redis, got %q", c.CacheDriver)
	}
	switch c.QueueDriver {
	case types.QueueMemory, types.QueueRedis, types.QueueKafka:
	default:
		return fmt.Errorf("queue_driver must be memory, redis, or kafka, got %q", c.QueueDriver)
	}

	if c.AppStoreDriver == types.AppStoreSQL {
		if c.SQLDriver != "postgres" && c.SQLDriver != "sqlite" {
			return fmt.Errorf("app_manager_sql_driver must be postgres or sqlite, got %q", c.SQLDriver)
		}
		if c.SQLDSN == "" {
			return fmt.Errorf("app_manager_sql_dsn is required with the sql app store")
		}
	}

	if c.ActivityTimeoutS < 1 {
		return fmt.Errorf("activity_timeout_s must be > 0, got %d", c.ActivityTimeoutS)
	}
	if c.PongTimeoutS < 1 {
		return fmt.Errorf("pong_timeout_s must be > 0, got %d", c.PongTimeoutS)
	}
	if c.QueueWorkers < 1 {
		return fmt.Errorf("queue_workers must be > 0, got %d", c.QueueWorkers)
	}
	if c.ConnectionRate <= 0 || c.HTTPRate <= 0 {
		return fmt.Errorf("connection_rate and http_rate must be > 0")
	}
	if c.WebhookMaxAttempts < 1 {
		return fmt.Errorf("webhooks_max_attempts must be > 0, got %d", c.WebhookMaxAttempts)
	}
	if c.ShutdownGraceS < 0 {
		return fmt.Errorf("shutdown_grace_s must be >= 0, got %d", c.ShutdownGraceS)
	}

	if c.SSLEnabled && (c.SSLCert == "" || c.SSLKey == "") {
		return fmt.Errorf("ssl_cert and ssl_key are required when ssl is enabled")
	}
	return nil
}

// NATSServerList splits the comma-separated server string.
func (c *Config) NATSServerList() []string {
	return splitList(c.NATSServers)
}

// KafkaBrokerList splits the comma-separated broker string.
func (c *Config) KafkaBrokerList() []string {
	return splitList(c.KafkaBrokers)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// AppDefaults maps the global limit settings onto per-app fallbacks.
func (c *Config) AppDefaults() apps.Defaults {
	return apps.Defaults{
		MaxChannelNameLength:          c.MaxChannelNameLength,
		MaxEventPayloadBytes:          c.MaxEventPayloadBytes,
		MaxClientEventPayloadBytes:    c.MaxClientEventPayloadBytes,
		MaxPresenceMembersPerChannel:  c.MaxPresenceMembers,
		MaxSubscriptionsPerConnection: c.MaxChannelsPerConnection,
	}
}

func (c *Config) activityTimeout() time.Duration {
	return time.Duration(c.ActivityTimeoutS) * time.Second
}

// Print logs the effective configuration at startup, secrets elided.
func (c *Config) Print(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Str("adapter", string(c.AdapterDriver)).
		Str("app_store", string(c.AppStoreDriver)).
		Str("cache", string(c.CacheDriver)).
		Str("queue", string(c.QueueDriver)).
		Bool("metrics", c.MetricsEnabled).
		Bool("ssl", c.SSLEnabled).
		Int("apps", len(c.Apps)).
		Msg("configuration loaded")
}
