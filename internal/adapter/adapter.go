// Package adapter abstracts horizontal scaling. The local adapter answers
// every query from this node's registry; the pub/sub adapter extends the
// same operations across a cluster over a message bus.
package adapter

import (
	"context"
	"encoding/json"
)

// LocalNode is the node-local state the adapters delegate to. The server
// hub implements it on top of the channel registry and its connection
// table.
type LocalNode interface {
	// DeliverLocal fans a frame out to the channel's local subscribers,
	// skipping exceptSocketID. Returns the number of sockets reached.
	DeliverLocal(appID, channel string, frame []byte, exceptSocketID string) int
	LocalSubscribersCount(appID, channel string) int
	LocalPresenceMembers(appID, channel string) map[string]json.RawMessage
	LocalSocketsCount(appID string) int
	LocalChannels(appID string) map[string]int
	// TerminateUserLocal closes every local connection signed in or joined
	// as userID. Returns the number of connections closed.
	TerminateUserLocal(appID, userID string) int
}

// Adapter answers channel queries and distributes broadcasts, either for a
// single node or across a cluster.
type Adapter interface {
	// Broadcast delivers a frame to the channel's subscribers everywhere.
	Broadcast(ctx context.Context, appID, channel string, frame []byte, exceptSocketID string) error

	// ChannelOccupied and ChannelVacated track local occupancy transitions
	// so distributed adapters can manage per-channel fan-out subscriptions.
	ChannelOccupied(appID, channel string) error
	ChannelVacated(appID, channel string) error

	SubscribersCount(ctx context.Context, appID, channel string) (int, error)
	PresenceMembers(ctx context.Context, appID, channel string) (map[string]json.RawMessage, error)
	SocketsCount(ctx context.Context, appID string) (int, error)
	ChannelsWithCounts(ctx context.Context, appID string) (map[string]int, error)

	// TerminateUser force-closes the user's connections everywhere and
	// returns how many were closed.
	TerminateUser(ctx context.Context, appID, userID string) (int, error)

	// NodeCount reports the adapter's current view of the cluster size,
	// including this node.
	NodeCount() int

	Close() error
}
