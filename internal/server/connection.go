package server

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JosueRhea/sockudo/internal/auth"
	"github.com/JosueRhea/sockudo/internal/channels"
	"github.com/JosueRhea/sockudo/internal/monitoring"
	"github.com/JosueRhea/sockudo/internal/protocol"
	"github.com/JosueRhea/sockudo/internal/webhooks"
)

// handleMessage dispatches one inbound frame for an established socket.
func (h *Hub) handleMessage(s *Socket, raw []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.Send(protocol.NewError("malformed frame", 0))
		return
	}

	switch {
	case msg.Event == protocol.EventPing:
		s.Send(protocol.NewPong())
	case msg.Event == protocol.EventPong:
		// Reply to a server ping; the readPump already counted the frame as
		// activity, nothing more to do.
	case msg.Event == protocol.EventSubscribe:
		h.handleSubscribe(s, msg)
	case msg.Event == protocol.EventUnsubscribe:
		h.handleUnsubscribe(s, msg)
	case msg.Event == protocol.EventSignin:
		h.handleSignin(s, msg)
	case protocol.IsClientEvent(msg.Event):
		h.handleClientEvent(s, msg)
	default:
		s.Send(protocol.NewError(fmt.Sprintf("unknown event %q", msg.Event), 0))
	}
}

func (h *Hub) handleSubscribe(s *Socket, msg protocol.Message) {
	var sub protocol.SubscribeData
	if err := protocol.UnmarshalData(msg.Data, &sub); err != nil {
		s.Send(protocol.NewError("malformed subscribe payload", 0))
		return
	}
	channel := sub.Channel

	if err := protocol.ValidateChannelName(channel, s.app.MaxChannelNameLength); err != nil {
		s.Send(protocol.NewSubscriptionError(channel, "ProtocolError", err.Error(), 400, 0))
		return
	}

	chType := protocol.ChannelTypeOf(channel)
	if chType.RequiresAuth() {
		if !auth.VerifyChannelAuth(s.app.Key, s.app.Secret, s.id, channel, sub.ChannelData, sub.Auth) {
			s.logger.Debug().Str("channel", channel).Msg("subscription auth rejected")
			s.Send(protocol.NewSubscriptionError(channel, "AuthError",
				fmt.Sprintf("invalid signature for channel %s", channel), 401, protocol.CloseAuthFailure))
			return
		}
	}

	if max := s.app.MaxSubscriptionsPerConnection; max > 0 && s.subscriptionCount() >= max {
		s.Send(protocol.NewSubscriptionError(channel, "QuotaError",
			fmt.Sprintf("subscription limit %d reached", max), 403, protocol.CloseOverSubscribed))
		return
	}

	var member *protocol.PresenceMember
	if chType == protocol.ChannelPresence {
		member = &protocol.PresenceMember{}
		if err := json.Unmarshal([]byte(sub.ChannelData), member); err != nil || member.UserID == "" {
			s.Send(protocol.NewSubscriptionError(channel, "ProtocolError",
				"presence subscription requires channel_data with user_id", 400, 0))
			return
		}
	}

	res, err := h.registry.Add(channels.AddRequest{
		AppID:         s.app.ID,
		Channel:       channel,
		Socket:        s,
		Member:        member,
		MaxNameLength: s.app.MaxChannelNameLength,
		MaxMembers:    s.app.MaxPresenceMembersPerChannel,
	})
	if err != nil {
		status, code := 400, 0
		if errors.Is(err, channels.ErrRosterFull) {
			status = 403
		}
		s.Send(protocol.NewSubscriptionError(channel, "SubscriptionError", err.Error(), status, code))
		return
	}
	if res.AlreadySubscribed {
		// Re-acks mirror a fresh subscribe: cache channels replay first.
		if protocol.IsCacheChannel(channel) && h.cache != nil {
			h.replayCache(s, channel)
		}
		h.ackSubscription(s, channel, chType)
		return
	}

	s.addSubscription()
	monitoring.SubscriptionsActive.WithLabelValues(s.app.ID).Inc()

	// Presence joins establish identity when signin has not.
	if member != nil && s.UserID() == "" {
		s.setUserID(member.UserID)
	}

	// Cache channels replay the stored event before the ack; subscribers
	// can tell replay from live traffic by position.
	if protocol.IsCacheChannel(channel) && h.cache != nil {
		h.replayCache(s, channel)
	}

	h.ackSubscription(s, channel, chType)

	if res.NewUser && member != nil {
		ctx, cancel := h.queryContext()
		if err := h.adapter.Broadcast(ctx, s.app.ID, channel, protocol.NewMemberAdded(channel, *member), s.id); err != nil {
			h.logger.Warn().Err(err).Str("channel", channel).Msg("member_added fan-out failed")
		}
		cancel()
	}

	h.afterAdd(s.app, channel, res, member)
}

func (h *Hub) ackSubscription(s *Socket, channel string, chType protocol.ChannelType) {
	if chType != protocol.ChannelPresence {
		s.Send(protocol.NewSubscriptionSucceeded(channel, nil))
		return
	}

	// Presence acks carry the cluster-merged roster.
	ctx, cancel := h.queryContext()
	roster, err := h.adapter.PresenceMembers(ctx, s.app.ID, channel)
	cancel()
	if err != nil {
		h.logger.Warn().Err(err).Str("channel", channel).Msg("presence merge partial")
	}
	s.Send(protocol.NewPresenceSucceeded(channel, roster))
}

func (h *Hub) replayCache(s *Socket, channel string) {
	ctx, cancel := h.queryContext()
	frame, found, err := h.cache.Load(ctx, s.app.ID, channel)
	cancel()
	if err != nil {
		h.logger.Warn().Err(err).Str("channel", channel).Msg("cache load failed")
		return
	}
	if found {
		s.Send(frame)
		return
	}
	s.Send(protocol.NewCacheMiss(channel))
}

func (h *Hub) handleUnsubscribe(s *Socket, msg protocol.Message) {
	var unsub protocol.UnsubscribeData
	if err := protocol.UnmarshalData(msg.Data, &unsub); err != nil {
		s.Send(protocol.NewError("malformed unsubscribe payload", 0))
		return
	}

	res := h.registry.Remove(s.app.ID, unsub.Channel, s.id)
	if !res.WasSubscribed {
		return
	}
	s.removeSubscription()
	monitoring.SubscriptionsActive.WithLabelValues(s.app.ID).Dec()
	h.afterRemove(s.app, unsub.Channel, res)
}

func (h *Hub) handleClientEvent(s *Socket, msg protocol.Message) {
	channel := msg.Channel

	if !s.app.EnableClientMessages {
		s.Send(protocol.NewError("client events are disabled for this app", 0))
		return
	}
	if !protocol.ChannelTypeOf(channel).AllowsClientEvents() {
		s.Send(protocol.NewError("client events require a private or presence channel", 0))
		return
	}
	if !h.registry.IsSubscribed(s.app.ID, channel, s.id) {
		s.Send(protocol.NewError(fmt.Sprintf("not subscribed to %s", channel), 0))
		return
	}
	if max := s.app.MaxClientEventPayloadBytes; max > 0 && len(msg.Data) > max {
		s.Send(protocol.NewError(fmt.Sprintf("client event payload exceeds %d bytes", max), 0))
		return
	}
	if len(msg.Event) > protocol.MaxEventNameLength {
		s.Send(protocol.NewError("event name too long", 0))
		return
	}

	if s.clientEvents != nil {
		if r := s.clientEvents.Allow(); !r.Allowed {
			monitoring.RateLimited.WithLabelValues("client_event").Inc()
			// First violation tells the client why; the rest are dropped
			// silently until the bucket refills.
			s.mu.Lock()
			warned := s.rateWarned
			s.rateWarned = true
			s.mu.Unlock()
			if !warned {
				s.Send(protocol.NewError("client event rate limit exceeded", protocol.ErrCodeClientEventRejected))
			}
			return
		}
		s.mu.Lock()
		s.rateWarned = false
		s.mu.Unlock()
	}

	frame := protocol.NewEvent(msg.Event, channel, msg.Data)
	ctx, cancel := h.queryContext()
	err := h.adapter.Broadcast(ctx, s.app.ID, channel, frame, s.id)
	cancel()
	if err != nil {
		h.logger.Warn().Err(err).Str("channel", channel).Msg("client event fan-out failed")
	}

	h.hooks.Publish(s.app, webhooks.Event{
		Name:     webhooks.EventClientEvent,
		Channel:  channel,
		Event:    msg.Event,
		Data:     msg.Data,
		SocketID: s.id,
		UserID:   s.UserID(),
	})
}

func (h *Hub) handleSignin(s *Socket, msg protocol.Message) {
	var signin protocol.SigninData
	if err := protocol.UnmarshalData(msg.Data, &signin); err != nil {
		s.Send(protocol.NewError("malformed signin payload", 0))
		return
	}

	if !auth.VerifyUserAuth(s.app.Key, s.app.Secret, s.id, signin.UserData, signin.Auth) {
		s.Send(protocol.NewError("invalid signin signature", protocol.CloseAuthFailure))
		return
	}

	var user protocol.UserData
	if err := json.Unmarshal([]byte(signin.UserData), &user); err != nil || user.ID == "" {
		s.Send(protocol.NewError("signin user_data requires an id", 0))
		return
	}

	s.setUserID(user.ID)
	s.Send(protocol.NewSigninSuccess(signin.UserData))
	s.logger.Debug().Str("user_id", user.ID).Msg("socket signed in")
}
