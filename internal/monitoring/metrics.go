package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors for the realtime engine. Registered on the default
// registry so promhttp.Handler serves them without extra wiring.
var (
	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sockudo_connections_total",
		Help: "WebSocket connections established, by app.",
	}, []string{"app_id"})

	ConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sockudo_connections_active",
		Help: "Currently open WebSocket connections, by app.",
	}, []string{"app_id"})

	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sockudo_connections_rejected_total",
		Help: "Connections rejected before or during the handshake, by reason.",
	}, []string{"reason"})

	Disconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sockudo_disconnects_total",
		Help: "Closed WebSocket connections, by close reason.",
	}, []string{"reason"})

	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sockudo_messages_sent_total",
		Help: "Frames written to clients, by app.",
	}, []string{"app_id"})

	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sockudo_messages_received_total",
		Help: "Frames read from clients, by app.",
	}, []string{"app_id"})

	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sockudo_messages_dropped_total",
		Help: "Frames dropped from full per-socket send queues, by app.",
	}, []string{"app_id"})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sockudo_rate_limited_total",
		Help: "Requests rejected by a token bucket, by category.",
	}, []string{"category"})

	SubscriptionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sockudo_subscriptions_active",
		Help: "Live channel subscriptions on this node, by app.",
	}, []string{"app_id"})

	BroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sockudo_broadcasts_total",
		Help: "Channel broadcasts performed, by origin (local or remote).",
	}, []string{"origin"})

	AdapterPublishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sockudo_adapter_publish_errors_total",
		Help: "Failed publishes to the pub/sub fabric.",
	})

	AdapterPartialQueries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sockudo_adapter_partial_queries_total",
		Help: "Aggregate queries answered by fewer nodes than expected.",
	})

	WebhooksSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sockudo_webhooks_sent_total",
		Help: "Webhook batches delivered, by app.",
	}, []string{"app_id"})

	WebhooksFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sockudo_webhooks_failed_total",
		Help: "Webhook batches dropped after exhausting retries, by app.",
	}, []string{"app_id"})

	WebhookQueueDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sockudo_webhook_queue_drops_total",
		Help: "Webhook jobs dropped because the delivery queue was full.",
	})

	HTTPAPIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sockudo_http_api_requests_total",
		Help: "Control API requests, by route and status code.",
	}, []string{"route", "status"})
)
