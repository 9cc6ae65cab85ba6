// Package protocol implements the Pusher wire protocol: frame shapes, event
// names, close codes, socket identifiers, and channel-name rules.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Protocol event names exchanged with clients.
const (
	EventConnectionEstablished = "pusher:connection_established"
	EventPing                  = "pusher:ping"
	EventPong                  = "pusher:pong"
	EventError                 = "pusher:error"
	EventSubscribe             = "pusher:subscribe"
	EventUnsubscribe           = "pusher:unsubscribe"
	EventSubscriptionError     = "pusher:subscription_error"
	EventSignin                = "pusher:signin"
	EventSigninSuccess         = "pusher:signin_success"
	EventCacheMiss             = "pusher:cache_miss"

	EventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	EventMemberAdded           = "pusher_internal:member_added"
	EventMemberRemoved         = "pusher_internal:member_removed"

	// ClientEventPrefix marks peer-to-peer events relayed between clients.
	ClientEventPrefix = "client-"
)

// WebSocket close codes, Pusher-compatible.
const (
	CloseSSLRequired     = 4000
	CloseAppNotFound     = 4001
	CloseAppDisabled     = 4003
	CloseConnectionQuota = 4004
	CloseAuthFailure     = 4009
	CloseOverSubscribed  = 4100
	CloseActivityTimeout = 4201
	CloseServerShutdown  = 4301
)

// Error codes carried inside pusher:error frames.
const (
	ErrCodeClientEventRejected = 4301
)

// Defaults advertised or enforced by the server.
const (
	// ActivityTimeout is the interval, in seconds, advertised in
	// connection_established after which an idle client is pinged.
	ActivityTimeout = 120

	// MaxEventNameLength bounds event names on the ingest path.
	MaxEventNameLength = 200
)

// Message is a single protocol frame. Data may arrive as a JSON object or a
// double-encoded JSON string; RawMessage preserves either form.
type Message struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// SubscribeData is the payload of pusher:subscribe.
type SubscribeData struct {
	Channel     string `json:"channel"`
	Auth        string `json:"auth,omitempty"`
	ChannelData string `json:"channel_data,omitempty"`
}

// UnsubscribeData is the payload of pusher:unsubscribe.
type UnsubscribeData struct {
	Channel string `json:"channel"`
}

// SigninData is the payload of pusher:signin.
type SigninData struct {
	UserData string `json:"user_data"`
	Auth     string `json:"auth"`
}

// UserData is the decoded shape of SigninData.UserData.
type UserData struct {
	ID string `json:"id"`
}

// PresenceMember is one entry of a presence-channel roster.
type PresenceMember struct {
	UserID   string          `json:"user_id"`
	UserInfo json.RawMessage `json:"user_info,omitempty"`
}

// ErrorData is the payload of pusher:error frames.
type ErrorData struct {
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// SubscriptionErrorData is the payload of pusher:subscription_error frames.
type SubscriptionErrorData struct {
	Type   string `json:"type"`
	Error  string `json:"error"`
	Status int    `json:"status"`
	Code   int    `json:"code"`
}

// IsClientEvent reports whether name is a peer-to-peer client event.
func IsClientEvent(name string) bool {
	return strings.HasPrefix(name, ClientEventPrefix)
}

// IsReservedEvent reports whether name uses a protocol-reserved prefix.
func IsReservedEvent(name string) bool {
	return strings.HasPrefix(name, "pusher:") || strings.HasPrefix(name, "pusher_internal:")
}

// UnmarshalData decodes a frame's data payload into v. Payloads arrive either
// as a JSON value or as a JSON string containing encoded JSON (the Pusher
// double-encoding); both forms are accepted.
func UnmarshalData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty data payload")
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return fmt.Errorf("unquoting data payload: %w", err)
		}
		return json.Unmarshal([]byte(inner), v)
	}
	return json.Unmarshal(raw, v)
}

// EncodeDataString marshals v and wraps it in the double-encoded string form
// used by server-to-client protocol events.
func EncodeDataString(v any) (json.RawMessage, error) {
	inner, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	outer, err := json.Marshal(string(inner))
	if err != nil {
		return nil, err
	}
	return outer, nil
}

// Marshal serializes the frame for the wire.
func (m Message) Marshal() []byte {
	b, _ := json.Marshal(m)
	return b
}

// NewConnectionEstablished builds the first frame sent on every socket.
func NewConnectionEstablished(socketID string, activityTimeout int) []byte {
	data, _ := EncodeDataString(map[string]any{
		"socket_id":        socketID,
		"activity_timeout": activityTimeout,
	})
	return Message{Event: EventConnectionEstablished, Data: data}.Marshal()
}

// NewPong builds a pusher:pong reply.
func NewPong() []byte {
	return Message{Event: EventPong, Data: json.RawMessage(`"{}"`)}.Marshal()
}

// NewPing builds a server-initiated pusher:ping.
func NewPing() []byte {
	return Message{Event: EventPing, Data: json.RawMessage(`"{}"`)}.Marshal()
}

// NewError builds a pusher:error frame.
func NewError(message string, code int) []byte {
	data, _ := json.Marshal(ErrorData{Message: message, Code: code})
	return Message{Event: EventError, Data: data}.Marshal()
}

// NewSubscriptionError builds a pusher:subscription_error frame for channel.
func NewSubscriptionError(channel, errType, errMsg string, status, code int) []byte {
	data, _ := json.Marshal(SubscriptionErrorData{
		Type:   errType,
		Error:  errMsg,
		Status: status,
		Code:   code,
	})
	return Message{Event: EventSubscriptionError, Channel: channel, Data: data}.Marshal()
}

// NewSubscriptionSucceeded builds the ack for a completed subscription. For
// non-presence channels data is the empty object.
func NewSubscriptionSucceeded(channel string, data json.RawMessage) []byte {
	if data == nil {
		data = json.RawMessage(`"{}"`)
	}
	return Message{Event: EventSubscriptionSucceeded, Channel: channel, Data: data}.Marshal()
}

// PresencePayload is the roster shape embedded in presence subscription acks.
type PresencePayload struct {
	IDs   []string                   `json:"ids"`
	Hash  map[string]json.RawMessage `json:"hash"`
	Count int                        `json:"count"`
}

// NewPresenceSucceeded builds the ack for a presence subscription carrying
// the cluster-merged roster.
func NewPresenceSucceeded(channel string, roster map[string]json.RawMessage) []byte {
	payload := PresencePayload{
		IDs:   make([]string, 0, len(roster)),
		Hash:  make(map[string]json.RawMessage, len(roster)),
		Count: len(roster),
	}
	for id, info := range roster {
		payload.IDs = append(payload.IDs, id)
		if len(info) == 0 {
			info = json.RawMessage("null")
		}
		payload.Hash[id] = info
	}
	data, _ := EncodeDataString(map[string]PresencePayload{"presence": payload})
	return NewSubscriptionSucceeded(channel, data)
}

// NewMemberAdded builds the pusher_internal:member_added fan-out frame.
func NewMemberAdded(channel string, member PresenceMember) []byte {
	data, _ := EncodeDataString(member)
	return Message{Event: EventMemberAdded, Channel: channel, Data: data}.Marshal()
}

// NewMemberRemoved builds the pusher_internal:member_removed fan-out frame.
func NewMemberRemoved(channel, userID string) []byte {
	data, _ := EncodeDataString(map[string]string{"user_id": userID})
	return Message{Event: EventMemberRemoved, Channel: channel, Data: data}.Marshal()
}

// NewCacheMiss builds the pusher:cache_miss frame sent when a cache channel
// has no stored event to replay.
func NewCacheMiss(channel string) []byte {
	return Message{Event: EventCacheMiss, Channel: channel}.Marshal()
}

// NewSigninSuccess builds the pusher:signin_success reply.
func NewSigninSuccess(userData string) []byte {
	data, _ := json.Marshal(map[string]string{"user_data": userData})
	return Message{Event: EventSigninSuccess, Data: data}.Marshal()
}

// NewEvent builds an application event frame for fan-out.
func NewEvent(event, channel string, data json.RawMessage) []byte {
	return Message{Event: event, Channel: channel, Data: data}.Marshal()
}
