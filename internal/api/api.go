// Package api implements the Pusher-compatible HTTP control surface:
// signed event ingress, channel and user queries, and user termination.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/JosueRhea/sockudo/internal/adapter"
	"github.com/JosueRhea/sockudo/internal/apps"
	"github.com/JosueRhea/sockudo/internal/channels"
	"github.com/JosueRhea/sockudo/internal/protocol"
	"github.com/JosueRhea/sockudo/internal/quota"
)

const (
	maxChannelsPerEvent = 100
	maxBatchSize        = 10
)

// Config tunes the control API.
type Config struct {
	// HTTPRate/HTTPBurst bound signed API calls per app.
	HTTPRate  float64
	HTTPBurst int
	// QueryTimeout bounds adapter aggregate queries behind GET routes.
	QueryTimeout time.Duration
}

// API serves the /apps/{app_id} control routes.
type API struct {
	cfg     Config
	apps    *apps.Registry
	adapter adapter.Adapter
	cache   *channels.EventCache
	quota   *quota.KeyedLimiter
	logger  zerolog.Logger
}

// New wires the control API.
func New(cfg Config, registry *apps.Registry, a adapter.Adapter, cache *channels.EventCache, logger zerolog.Logger) *API {
	if cfg.HTTPRate <= 0 {
		cfg.HTTPRate = 100
	}
	if cfg.HTTPBurst <= 0 {
		cfg.HTTPBurst = 200
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 5 * time.Second
	}
	return &API{
		cfg:     cfg,
		apps:    registry,
		adapter: a,
		cache:   cache,
		quota: quota.NewKeyedLimiter(quota.KeyedConfig{
			PerSecond: cfg.HTTPRate,
			Burst:     cfg.HTTPBurst,
			Name:      "http_api",
			Logger:    logger,
		}),
		logger: logger.With().Str("component", "api").Logger(),
	}
}

// Register mounts every control route.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /apps/{app_id}/events", a.signed(a.handleEvents))
	mux.HandleFunc("POST /apps/{app_id}/batch_events", a.signed(a.handleBatchEvents))
	mux.HandleFunc("GET /apps/{app_id}/channels", a.signed(a.handleChannels))
	mux.HandleFunc("GET /apps/{app_id}/channels/{channel}", a.signed(a.handleChannel))
	mux.HandleFunc("GET /apps/{app_id}/channels/{channel}/users", a.signed(a.handleChannelUsers))
	mux.HandleFunc("POST /apps/{app_id}/users/{user_id}/terminate_connections", a.signed(a.handleTerminateUser))
}

// Close stops the rate limiter's eviction loop.
func (a *API) Close() {
	a.quota.Stop()
}

func (a *API) queryContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), a.cfg.QueryTimeout)
}

// eventRequest is the body of POST /events and each batch_events entry.
type eventRequest struct {
	Name     string          `json:"name"`
	Channel  string          `json:"channel,omitempty"`
	Channels []string        `json:"channels,omitempty"`
	Data     json.RawMessage `json:"data"`
	SocketID string          `json:"socket_id,omitempty"`
}

// targets resolves the channel list, normalizing the single-channel form.
func (e *eventRequest) targets() []string {
	if len(e.Channels) > 0 {
		return e.Channels
	}
	if e.Channel != "" {
		return []string{e.Channel}
	}
	return nil
}

// validateEvent returns the HTTP status and message for a bad entry, or 0.
func (a *API) validateEvent(app *apps.Application, e *eventRequest) (int, string) {
	if e.Name == "" {
		return http.StatusBadRequest, "event name is required"
	}
	if len(e.Name) > protocol.MaxEventNameLength {
		return http.StatusBadRequest, "event name too long"
	}
	if protocol.IsReservedEvent(e.Name) {
		return http.StatusBadRequest, "event name uses a reserved prefix"
	}

	targets := e.targets()
	if len(targets) == 0 {
		return http.StatusBadRequest, "channel or channels is required"
	}
	if len(targets) > maxChannelsPerEvent {
		return http.StatusBadRequest, fmt.Sprintf("at most %d channels per event", maxChannelsPerEvent)
	}
	for _, ch := range targets {
		if err := protocol.ValidateChannelName(ch, app.MaxChannelNameLength); err != nil {
			return http.StatusBadRequest, err.Error()
		}
	}

	if max := app.MaxEventPayloadBytes; max > 0 && len(e.Data) > max {
		return http.StatusRequestEntityTooLarge, fmt.Sprintf("data exceeds %d bytes", max)
	}
	if e.SocketID != "" {
		if err := protocol.ValidateSocketID(e.SocketID); err != nil {
			return http.StatusBadRequest, err.Error()
		}
	}
	return 0, ""
}

// publish fans one validated event out, storing it for cache channels.
func (a *API) publish(ctx context.Context, app *apps.Application, e *eventRequest) {
	for _, ch := range e.targets() {
		frame := protocol.NewEvent(e.Name, ch, e.Data)
		if protocol.IsCacheChannel(ch) && a.cache != nil {
			if err := a.cache.Store(ctx, app.ID, ch, frame); err != nil {
				a.logger.Warn().Err(err).Str("channel", ch).Msg("cache store failed")
			}
		}
		if err := a.adapter.Broadcast(ctx, app.ID, ch, frame, e.SocketID); err != nil {
			a.logger.Warn().Err(err).Str("channel", ch).Msg("event fan-out failed")
		}
	}
}

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request, app *apps.Application, body []byte) {
	var req eventRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if status, msg := a.validateEvent(app, &req); status != 0 {
		writeError(w, status, msg)
		return
	}

	ctx, cancel := a.queryContext(r)
	defer cancel()
	a.publish(ctx, app, &req)
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (a *API) handleBatchEvents(w http.ResponseWriter, r *http.Request, app *apps.Application, body []byte) {
	var req struct {
		Batch []eventRequest `json:"batch"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Batch) == 0 {
		writeError(w, http.StatusBadRequest, "batch is empty")
		return
	}
	if len(req.Batch) > maxBatchSize {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d events per batch", maxBatchSize))
		return
	}

	// One invalid entry fails the whole batch before anything is published.
	for i := range req.Batch {
		if status, msg := a.validateEvent(app, &req.Batch[i]); status != 0 {
			writeError(w, status, fmt.Sprintf("batch[%d]: %s", i, msg))
			return
		}
	}

	ctx, cancel := a.queryContext(r)
	defer cancel()
	for i := range req.Batch {
		a.publish(ctx, app, &req.Batch[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (a *API) handleChannels(w http.ResponseWriter, r *http.Request, app *apps.Application, _ []byte) {
	prefix := r.URL.Query().Get("filter_by_prefix")
	info := parseInfo(r.URL.Query().Get("info"))

	if info["user_count"] && !strings.HasPrefix(prefix, "presence-") {
		writeError(w, http.StatusBadRequest, "user_count requires filter_by_prefix=presence-")
		return
	}

	ctx, cancel := a.queryContext(r)
	defer cancel()
	counts, err := a.adapter.ChannelsWithCounts(ctx, app.ID)
	if err != nil {
		a.logger.Warn().Err(err).Msg("channels query partial")
	}

	out := make(map[string]map[string]any)
	for name, count := range counts {
		if prefix != "" && !strings.HasPrefix(name, prefix) {
			continue
		}
		entry := make(map[string]any)
		if info["subscription_count"] {
			entry["subscription_count"] = count
		}
		if info["user_count"] {
			members, err := a.adapter.PresenceMembers(ctx, app.ID, name)
			if err != nil {
				a.logger.Warn().Err(err).Str("channel", name).Msg("presence query partial")
			}
			entry["user_count"] = len(members)
		}
		if info["cache"] {
			if cached, ok := a.cachedEvent(ctx, app, name); ok {
				entry["cache"] = cached
			}
		}
		out[name] = entry
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": out})
}

// cachedEvent returns the last stored event of a cache channel as the
// `{event, data}` shape carried under the "cache" info key.
func (a *API) cachedEvent(ctx context.Context, app *apps.Application, channel string) (map[string]any, bool) {
	if !protocol.IsCacheChannel(channel) || a.cache == nil {
		return nil, false
	}
	frame, found, err := a.cache.Load(ctx, app.ID, channel)
	if err != nil || !found {
		return nil, false
	}
	var cached protocol.Message
	if json.Unmarshal(frame, &cached) != nil {
		return nil, false
	}
	return map[string]any{"event": cached.Event, "data": cached.Data}, true
}

func (a *API) handleChannel(w http.ResponseWriter, r *http.Request, app *apps.Application, _ []byte) {
	channel := r.PathValue("channel")
	info := parseInfo(r.URL.Query().Get("info"))

	if info["user_count"] && protocol.ChannelTypeOf(channel) != protocol.ChannelPresence {
		writeError(w, http.StatusBadRequest, "user_count is only valid for presence channels")
		return
	}

	ctx, cancel := a.queryContext(r)
	defer cancel()

	count, err := a.adapter.SubscribersCount(ctx, app.ID, channel)
	if err != nil {
		a.logger.Warn().Err(err).Str("channel", channel).Msg("count query partial")
	}

	out := map[string]any{"occupied": count > 0}
	if info["subscription_count"] {
		out["subscription_count"] = count
	}
	if info["user_count"] {
		members, err := a.adapter.PresenceMembers(ctx, app.ID, channel)
		if err != nil {
			a.logger.Warn().Err(err).Str("channel", channel).Msg("presence query partial")
		}
		out["user_count"] = len(members)
	}
	if info["cache"] {
		if cached, ok := a.cachedEvent(ctx, app, channel); ok {
			out["cache"] = cached
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleChannelUsers(w http.ResponseWriter, r *http.Request, app *apps.Application, _ []byte) {
	channel := r.PathValue("channel")
	if protocol.ChannelTypeOf(channel) != protocol.ChannelPresence {
		writeError(w, http.StatusBadRequest, "users listing is only valid for presence channels")
		return
	}

	ctx, cancel := a.queryContext(r)
	defer cancel()
	members, err := a.adapter.PresenceMembers(ctx, app.ID, channel)
	if err != nil {
		a.logger.Warn().Err(err).Str("channel", channel).Msg("presence query partial")
	}

	users := make([]map[string]string, 0, len(members))
	for id := range members {
		users = append(users, map[string]string{"id": id})
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (a *API) handleTerminateUser(w http.ResponseWriter, r *http.Request, app *apps.Application, _ []byte) {
	userID := r.PathValue("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	ctx, cancel := a.queryContext(r)
	defer cancel()
	closed, err := a.adapter.TerminateUser(ctx, app.ID, userID)
	if err != nil {
		a.logger.Warn().Err(err).Str("user_id", userID).Msg("terminate propagated partially")
	}
	a.logger.Info().Str("app_id", app.ID).Str("user_id", userID).Int("closed", closed).Msg("user connections terminated")
	writeJSON(w, http.StatusOK, map[string]any{})
}

func parseInfo(raw string) map[string]bool {
	out := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out[part] = true
		}
	}
	return out
}
