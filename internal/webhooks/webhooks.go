// Package webhooks turns channel lifecycle transitions into batched, signed
// HTTP callbacks. Intents flow dispatcher -> batcher -> queue -> sender; the
// queue driver decides whether delivery work is node-local or shared.
package webhooks

import (
	"encoding/json"

	"github.com/JosueRhea/sockudo/internal/auth"
)

// Webhook event names.
const (
	EventChannelOccupied   = "channel_occupied"
	EventChannelVacated    = "channel_vacated"
	EventMemberAdded       = "member_added"
	EventMemberRemoved     = "member_removed"
	EventSubscriptionCount = "subscription_count"
	EventClientEvent       = "client_event"
)

// Event is one webhook intent. Client events additionally carry the original
// event name, payload, and sender socket.
type Event struct {
	Name    string `json:"name"`
	Channel string `json:"channel"`
	UserID  string `json:"user_id,omitempty"`

	Event    string          `json:"event,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	SocketID string          `json:"socket_id,omitempty"`

	// SubscriptionCount is the cluster-wide count for subscription_count
	// events.
	SubscriptionCount int `json:"subscription_count,omitempty"`
}

// Batch is the POST body delivered to a webhook endpoint.
type Batch struct {
	TimeMs int64   `json:"time_ms"`
	Events []Event `json:"events"`
}

// Job is one pending delivery: a batch bound to an endpoint with the app
// credentials needed to sign it.
type Job struct {
	AppID  string  `json:"app_id"`
	Key    string  `json:"key"`
	Secret string  `json:"secret"`
	URL    string  `json:"url"`
	TimeMs int64   `json:"time_ms"`
	Events []Event `json:"events"`
}

// Body marshals the job's batch payload.
func (j Job) Body() ([]byte, error) {
	return json.Marshal(Batch{TimeMs: j.TimeMs, Events: j.Events})
}

// Sign returns the X-Pusher-Signature value for body.
func Sign(secret string, body []byte) string {
	return auth.BodySignature(secret, body)
}
