package adapter

import (
	"context"
	"encoding/json"
	"fmt"
)

// Bus is the pub/sub fabric the distributed adapter rides on. Implementations
// exist for NATS and Redis; tests use an in-process bus.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe registers a handler for a topic and returns an unsubscribe
	// function. Handlers run on the bus's delivery goroutine and must not
	// block.
	Subscribe(topic string, handler func(payload []byte)) (func() error, error)
	Close() error
}

// broadcastEnvelope carries one channel broadcast between nodes.
type broadcastEnvelope struct {
	NodeID  string          `json:"node_id"`
	AppID   string          `json:"app_id"`
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
	Except  string          `json:"except,omitempty"`
}

type requestKind string

const (
	kindSubscribersCount requestKind = "subscribers_count"
	kindPresenceMembers  requestKind = "presence_members"
	kindSocketsCount     requestKind = "sockets_count"
	kindChannels         requestKind = "channels_with_counts"
	kindTerminateUser    requestKind = "terminate_user"
)

// request asks every node for its local tally of one query.
type request struct {
	RequestID          string      `json:"req_id"`
	NodeID             string      `json:"node_id"`
	Kind               requestKind `json:"kind"`
	AppID              string      `json:"app_id"`
	Channel            string      `json:"channel,omitempty"`
	UserID             string      `json:"user_id,omitempty"`
	ReplyTo            string      `json:"reply_to"`
	ExpectedResponders int         `json:"expected_responders"`
}

// response carries one node's local tally back to the requester.
type response struct {
	RequestID string                     `json:"req_id"`
	NodeID    string                     `json:"node_id"`
	Kind      requestKind                `json:"kind"`
	Count     int                        `json:"count,omitempty"`
	Members   map[string]json.RawMessage `json:"members,omitempty"`
	Channels  map[string]int             `json:"channels,omitempty"`
}

// heartbeat announces node liveness on the shared presence topic.
type heartbeat struct {
	NodeID  string `json:"node_id"`
	SentAt  int64  `json:"ts"`
	Version string `json:"version"`
}

func channelTopic(prefix, appID, channel string) string {
	return fmt.Sprintf("%s:%s:%s", prefix, appID, channel)
}

func requestsTopic(prefix string) string {
	return prefix + ":requests"
}

func responsesTopic(prefix, nodeID string) string {
	return fmt.Sprintf("%s:responses:%s", prefix, nodeID)
}

func presenceTopic(prefix string) string {
	return prefix + ":presence"
}
