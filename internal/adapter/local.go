package adapter

import (
	"context"
	"encoding/json"
)

// Local is the single-node adapter. Every query resolves against this
// node's own registry; occupancy transitions need no bookkeeping.
type Local struct {
	node LocalNode
}

// NewLocal wraps the node state in a single-node adapter.
func NewLocal(node LocalNode) *Local {
	return &Local{node: node}
}

func (l *Local) Broadcast(_ context.Context, appID, channel string, frame []byte, exceptSocketID string) error {
	l.node.DeliverLocal(appID, channel, frame, exceptSocketID)
	return nil
}

func (l *Local) ChannelOccupied(_, _ string) error { return nil }
func (l *Local) ChannelVacated(_, _ string) error  { return nil }

func (l *Local) SubscribersCount(_ context.Context, appID, channel string) (int, error) {
	return l.node.LocalSubscribersCount(appID, channel), nil
}

func (l *Local) PresenceMembers(_ context.Context, appID, channel string) (map[string]json.RawMessage, error) {
	return l.node.LocalPresenceMembers(appID, channel), nil
}

func (l *Local) SocketsCount(_ context.Context, appID string) (int, error) {
	return l.node.LocalSocketsCount(appID), nil
}

func (l *Local) ChannelsWithCounts(_ context.Context, appID string) (map[string]int, error) {
	return l.node.LocalChannels(appID), nil
}

func (l *Local) TerminateUser(_ context.Context, appID, userID string) (int, error) {
	return l.node.TerminateUserLocal(appID, userID), nil
}

func (l *Local) NodeCount() int { return 1 }

func (l *Local) Close() error { return nil }
