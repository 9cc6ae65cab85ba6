package types

// LogLevel represents log verbosity level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// LogFormat represents log output format
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // JSON format for log shippers
	LogFormatPretty LogFormat = "pretty" // Human-readable for local dev
)

// AdapterDriver selects the horizontal fan-out backend.
type AdapterDriver string

const (
	AdapterLocal AdapterDriver = "local"
	AdapterNATS  AdapterDriver = "nats"
	AdapterRedis AdapterDriver = "redis"
)

// AppStoreDriver selects the application registry backend.
type AppStoreDriver string

const (
	AppStoreMemory AppStoreDriver = "memory"
	AppStoreSQL    AppStoreDriver = "sql"
)

// CacheDriver selects the channel-cache backend.
type CacheDriver string

const (
	CacheMemory CacheDriver = "memory"
	CacheRedis  CacheDriver = "redis"
)

// QueueDriver selects the webhook delivery queue backend.
type QueueDriver string

const (
	QueueMemory QueueDriver = "memory"
	QueueRedis  QueueDriver = "redis"
	QueueKafka  QueueDriver = "kafka"
)
