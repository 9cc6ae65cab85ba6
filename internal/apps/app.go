// Package apps holds the multi-tenant application registry: per-tenant
// key/secret pairs, limits, and webhook bindings, with pluggable storage
// behind a read-through TTL cache.
package apps

import (
	"context"
	"errors"
	"slices"
)

// ErrAppNotFound is returned by stores when no application matches.
var ErrAppNotFound = errors.New("app not found")

// Webhook binds an endpoint URL to the event types it receives. An empty
// EventTypes list receives every event type.
type Webhook struct {
	URL        string   `json:"url"`
	EventTypes []string `json:"event_types,omitempty"`
}

// Application is one tenant's configuration. Zero-valued limits fall back to
// the server defaults via ApplyDefaults.
type Application struct {
	ID      string `json:"id"`
	Key     string `json:"key"`
	Secret  string `json:"secret"`
	Enabled bool   `json:"enabled"`

	EnableClientMessages bool `json:"enable_client_messages"`

	MaxConnections                int `json:"max_connections"`
	MaxClientEventsPerSecond      int `json:"max_client_events_per_second"`
	MaxChannelNameLength          int `json:"max_channel_name_length"`
	MaxEventPayloadBytes          int `json:"max_event_payload_bytes"`
	MaxClientEventPayloadBytes    int `json:"max_client_event_payload_bytes"`
	MaxPresenceMembersPerChannel  int `json:"max_presence_members_per_channel"`
	MaxSubscriptionsPerConnection int `json:"max_subscriptions_per_connection"`

	Webhooks []Webhook `json:"webhooks,omitempty"`
}

// Defaults supplies limit values for fields an application leaves unset.
type Defaults struct {
	MaxChannelNameLength          int
	MaxEventPayloadBytes          int
	MaxClientEventPayloadBytes    int
	MaxPresenceMembersPerChannel  int
	MaxSubscriptionsPerConnection int
}

// ApplyDefaults fills zero-valued limits from d.
func (a *Application) ApplyDefaults(d Defaults) {
	if a.MaxChannelNameLength == 0 {
		a.MaxChannelNameLength = d.MaxChannelNameLength
	}
	if a.MaxEventPayloadBytes == 0 {
		a.MaxEventPayloadBytes = d.MaxEventPayloadBytes
	}
	if a.MaxClientEventPayloadBytes == 0 {
		a.MaxClientEventPayloadBytes = d.MaxClientEventPayloadBytes
	}
	if a.MaxPresenceMembersPerChannel == 0 {
		a.MaxPresenceMembersPerChannel = d.MaxPresenceMembersPerChannel
	}
	if a.MaxSubscriptionsPerConnection == 0 {
		a.MaxSubscriptionsPerConnection = d.MaxSubscriptionsPerConnection
	}
}

// WebhooksFor returns the webhook bindings subscribed to eventType.
func (a *Application) WebhooksFor(eventType string) []Webhook {
	var out []Webhook
	for _, wh := range a.Webhooks {
		if len(wh.EventTypes) == 0 || slices.Contains(wh.EventTypes, eventType) {
			out = append(out, wh)
		}
	}
	return out
}

// Store is the pluggable application backend. Implementations return
// ErrAppNotFound when no row matches; Disabled apps are returned as-is and
// rejected by the caller.
type Store interface {
	ByID(ctx context.Context, id string) (*Application, error)
	ByKey(ctx context.Context, key string) (*Application, error)
}

// DemoApp is the fallback tenant registered when no applications are
// configured, so a bare server is immediately usable.
func DemoApp() Application {
	return Application{
		ID:                   "demo-app",
		Key:                  "demo-key",
		Secret:               "demo-secret",
		Enabled:              true,
		EnableClientMessages: true,
		MaxConnections:       100,
	}
}
