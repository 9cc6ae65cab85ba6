package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/JosueRhea/sockudo/internal/adapter"
	"github.com/JosueRhea/sockudo/internal/apps"
	"github.com/JosueRhea/sockudo/internal/channels"
	"github.com/JosueRhea/sockudo/internal/monitoring"
	"github.com/JosueRhea/sockudo/internal/protocol"
	"github.com/JosueRhea/sockudo/internal/webhooks"
)

// Hub owns the node-local connection table and wires registry transitions to
// the adapter and the webhook pipeline. It is the adapter's LocalNode.
type Hub struct {
	registry *channels.Registry
	cache    *channels.EventCache
	hooks    *webhooks.Pipeline
	logger   zerolog.Logger

	// adapter is set after construction; the adapter itself needs the hub
	// as its LocalNode.
	adapter adapter.Adapter

	// queryTimeout bounds the aggregate queries behind occupancy
	// confirmation and presence merging.
	queryTimeout time.Duration

	// subscriptionCountEveryChange emits subscription_count on every count
	// change instead of only on occupancy transitions.
	subscriptionCountEveryChange bool

	mu    sync.RWMutex
	conns map[string]map[string]*Socket // app id -> socket id -> socket
}

// HubConfig wires a Hub.
type HubConfig struct {
	Registry                     *channels.Registry
	Cache                        *channels.EventCache
	Hooks                        *webhooks.Pipeline
	QueryTimeout                 time.Duration
	SubscriptionCountEveryChange bool
	Logger                       zerolog.Logger
}

// NewHub builds a hub. Call SetAdapter before serving connections.
func NewHub(cfg HubConfig) *Hub {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 5 * time.Second
	}
	return &Hub{
		registry:                     cfg.Registry,
		cache:                        cfg.Cache,
		hooks:                        cfg.Hooks,
		logger:                       cfg.Logger.With().Str("component", "hub").Logger(),
		queryTimeout:                 cfg.QueryTimeout,
		subscriptionCountEveryChange: cfg.SubscriptionCountEveryChange,
		conns:                        make(map[string]map[string]*Socket),
	}
}

// SetAdapter resolves the hub<->adapter cycle after both exist.
func (h *Hub) SetAdapter(a adapter.Adapter) { h.adapter = a }

// Adapter returns the fan-out layer.
func (h *Hub) Adapter() adapter.Adapter { return h.adapter }

// Registry returns the channel registry.
func (h *Hub) Registry() *channels.Registry { return h.registry }

// Cache returns the cache-channel store, nil when caching is disabled.
func (h *Hub) Cache() *channels.EventCache { return h.cache }

func (h *Hub) queryContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), h.queryTimeout)
}

// register adds the socket to the connection table.
func (h *Hub) register(s *Socket) {
	h.mu.Lock()
	byID, ok := h.conns[s.app.ID]
	if !ok {
		byID = make(map[string]*Socket)
		h.conns[s.app.ID] = byID
	}
	byID[s.id] = s
	h.mu.Unlock()

	monitoring.ConnectionsTotal.WithLabelValues(s.app.ID).Inc()
	monitoring.ConnectionsActive.WithLabelValues(s.app.ID).Inc()
}

// connectionsCount reports open sockets for the app on this node.
func (h *Hub) connectionsCount(appID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[appID])
}

// teardown removes the socket from the table and from every channel it had
// joined, emitting the removal batch's webhook intents. Runs exactly once
// per socket regardless of which path closed it.
func (h *Hub) teardown(s *Socket) {
	s.cleanupOnce.Do(func() {
		h.mu.Lock()
		if byID, ok := h.conns[s.app.ID]; ok {
			delete(byID, s.id)
			if len(byID) == 0 {
				delete(h.conns, s.app.ID)
			}
		}
		h.mu.Unlock()
		monitoring.ConnectionsActive.WithLabelValues(s.app.ID).Dec()

		for _, ev := range h.registry.CleanupSocket(s.app.ID, s.id) {
			monitoring.SubscriptionsActive.WithLabelValues(s.app.ID).Dec()
			h.afterRemove(s.app, ev.Channel, ev.RemoveResult)
		}
	})
}

// afterAdd handles the cluster side of a completed registry Add: fan-out
// topic management, occupancy confirmation, and webhook intents.
func (h *Hub) afterAdd(app *apps.Application, channel string, res channels.AddResult, member *protocol.PresenceMember) {
	if res.FirstLocal {
		if err := h.adapter.ChannelOccupied(app.ID, channel); err != nil {
			h.logger.Warn().Err(err).Str("channel", channel).Msg("joining fan-out topic failed")
		}
	}

	count := h.clusterCount(app.ID, channel)

	// Only the node that crossed the 0->1 boundary cluster-wide owns the
	// channel_occupied emission.
	if res.FirstLocal && count == 1 {
		h.hooks.Publish(app, webhooks.Event{Name: webhooks.EventChannelOccupied, Channel: channel})
		h.publishSubscriptionCount(app, channel, count, true)
	} else {
		h.publishSubscriptionCount(app, channel, count, false)
	}

	if res.NewUser && member != nil {
		h.hooks.Publish(app, webhooks.Event{
			Name:    webhooks.EventMemberAdded,
			Channel: channel,
			UserID:  member.UserID,
		})
	}
}

// afterRemove mirrors afterAdd for Remove and CleanupSocket results.
func (h *Hub) afterRemove(app *apps.Application, channel string, res channels.RemoveResult) {
	if !res.WasSubscribed {
		return
	}

	if res.LastLocal {
		if err := h.adapter.ChannelVacated(app.ID, channel); err != nil {
			h.logger.Warn().Err(err).Str("channel", channel).Msg("leaving fan-out topic failed")
		}
	}

	if res.LeftMember != nil {
		h.hooks.Publish(app, webhooks.Event{
			Name:    webhooks.EventMemberRemoved,
			Channel: channel,
			UserID:  res.LeftMember.UserID,
		})
		// Tell remaining subscribers everywhere.
		ctx, cancel := h.queryContext()
		if err := h.adapter.Broadcast(ctx, app.ID, channel, protocol.NewMemberRemoved(channel, res.LeftMember.UserID), ""); err != nil {
			h.logger.Warn().Err(err).Str("channel", channel).Msg("member_removed fan-out failed")
		}
		cancel()
	}

	count := h.clusterCount(app.ID, channel)
	if res.LastLocal && count == 0 {
		h.hooks.Publish(app, webhooks.Event{Name: webhooks.EventChannelVacated, Channel: channel})
		h.publishSubscriptionCount(app, channel, 0, true)
	} else {
		h.publishSubscriptionCount(app, channel, count, false)
	}
}

// clusterCount resolves the cluster-wide subscriber count, falling back to
// the local tally when peers cannot be reached in time.
func (h *Hub) clusterCount(appID, channel string) int {
	ctx, cancel := h.queryContext()
	defer cancel()
	count, err := h.adapter.SubscribersCount(ctx, appID, channel)
	if err != nil {
		h.logger.Warn().Err(err).Str("channel", channel).Msg("cluster count query failed, using partial")
	}
	return count
}

func (h *Hub) publishSubscriptionCount(app *apps.Application, channel string, count int, occupancyTransition bool) {
	if !occupancyTransition && !h.subscriptionCountEveryChange {
		return
	}
	h.hooks.Publish(app, webhooks.Event{
		Name:              webhooks.EventSubscriptionCount,
		Channel:           channel,
		SubscriptionCount: count,
	})
}

// DeliverLocal implements adapter.LocalNode.
func (h *Hub) DeliverLocal(appID, channel string, frame []byte, exceptSocketID string) int {
	delivered, _ := h.registry.Broadcast(appID, channel, frame, exceptSocketID)
	if delivered > 0 {
		monitoring.MessagesSent.WithLabelValues(appID).Add(float64(delivered))
	}
	return delivered
}

// LocalSubscribersCount implements adapter.LocalNode.
func (h *Hub) LocalSubscribersCount(appID, channel string) int {
	return h.registry.SubscribersCount(appID, channel)
}

// LocalPresenceMembers implements adapter.LocalNode.
func (h *Hub) LocalPresenceMembers(appID, channel string) map[string]json.RawMessage {
	return h.registry.PresenceRoster(appID, channel)
}

// LocalSocketsCount implements adapter.LocalNode.
func (h *Hub) LocalSocketsCount(appID string) int {
	return h.connectionsCount(appID)
}

// LocalChannels implements adapter.LocalNode.
func (h *Hub) LocalChannels(appID string) map[string]int {
	return h.registry.Channels(appID)
}

// TerminateUserLocal implements adapter.LocalNode: every local socket signed
// in as userID is closed with the auth-failure code.
func (h *Hub) TerminateUserLocal(appID, userID string) int {
	h.mu.RLock()
	var targets []*Socket
	for _, s := range h.conns[appID] {
		if s.UserID() == userID {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		s.Close(protocol.CloseAuthFailure, "connection terminated")
	}
	return len(targets)
}

// CloseAll force-closes every socket with the shutdown code, for graceful
// drain.
func (h *Hub) CloseAll(code int, reason string) int {
	h.mu.RLock()
	var targets []*Socket
	for _, byID := range h.conns {
		for _, s := range byID {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		s.Close(code, reason)
	}
	return len(targets)
}

// OpenSockets reports the total open connections on this node.
func (h *Hub) OpenSockets() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, byID := range h.conns {
		n += len(byID)
	}
	return n
}
