// Package channels maintains the per-node channel registry: which sockets
// are subscribed where, presence rosters, occupancy counts, and ordered
// local fan-out.
package channels

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/JosueRhea/sockudo/internal/protocol"
)

const shardCount = 16

// ErrRosterFull rejects presence joins that would exceed the channel's
// member cap.
var ErrRosterFull = errors.New("presence roster full")

// Socket is the registry's view of a connection: an identifier and a
// non-blocking enqueue. Send reports false when the frame was dropped.
type Socket interface {
	ID() string
	Send(frame []byte) bool
}

// AddRequest carries one subscription into the registry.
type AddRequest struct {
	AppID   string
	Channel string
	Socket  Socket

	// Member is required for presence channels and forbidden elsewhere.
	Member *protocol.PresenceMember

	MaxNameLength int
	MaxMembers    int
}

// AddResult reports the local effects of an Add.
type AddResult struct {
	// FirstLocal is true when the channel had no local subscribers before.
	FirstLocal bool
	// NewUser is true when this is the first local socket of Member.UserID.
	NewUser bool
	// AlreadySubscribed is true when the socket was subscribed already; the
	// add is idempotent and no state changed.
	AlreadySubscribed bool
}

// RemoveResult reports the local effects of a Remove.
type RemoveResult struct {
	WasSubscribed bool
	// LastLocal is true when the channel has no local subscribers left.
	LastLocal bool
	// LeftMember is set when the removed socket was the last one of that
	// user in the channel.
	LeftMember *protocol.PresenceMember
}

// RemoveEvent pairs a RemoveResult with its channel for cleanup batches.
type RemoveEvent struct {
	Channel string
	RemoveResult
}

type presenceEntry struct {
	info    json.RawMessage
	sockets map[string]struct{}
}

type channelState struct {
	name        string
	subscribers map[string]Socket
	presence    map[string]*presenceEntry // nil unless presence channel

	// bmu serializes broadcasts so a single node's publish order is
	// preserved in every subscriber's queue. Held only across snapshot and
	// enqueue, never during network I/O.
	bmu sync.Mutex
}

type shard struct {
	mu       sync.RWMutex
	channels map[string]*channelState
}

type namespace struct {
	shards [shardCount]*shard

	// reverse index socketID -> channel set, for O(subscriptions) cleanup.
	socketsMu sync.Mutex
	sockets   map[string]map[string]struct{}
}

func newNamespace() *namespace {
	ns := &namespace{sockets: make(map[string]map[string]struct{})}
	for i := range ns.shards {
		ns.shards[i] = &shard{channels: make(map[string]*channelState)}
	}
	return ns
}

func (ns *namespace) shardFor(channel string) *shard {
	h := fnv.New32a()
	h.Write([]byte(channel))
	return ns.shards[h.Sum32()%shardCount]
}

func (ns *namespace) trackSocket(socketID, channel string) {
	ns.socketsMu.Lock()
	set, ok := ns.sockets[socketID]
	if !ok {
		set = make(map[string]struct{})
		ns.sockets[socketID] = set
	}
	set[channel] = struct{}{}
	ns.socketsMu.Unlock()
}

func (ns *namespace) untrackSocket(socketID, channel string) {
	ns.socketsMu.Lock()
	if set, ok := ns.sockets[socketID]; ok {
		delete(set, channel)
		if len(set) == 0 {
			delete(ns.sockets, socketID)
		}
	}
	ns.socketsMu.Unlock()
}

func (ns *namespace) socketChannels(socketID string) []string {
	ns.socketsMu.Lock()
	defer ns.socketsMu.Unlock()
	set, ok := ns.sockets[socketID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for ch := range set {
		out = append(out, ch)
	}
	return out
}

// Registry is the per-node subscription index, sharded by channel-name hash
// within per-app namespaces.
type Registry struct {
	mu         sync.RWMutex
	namespaces map[string]*namespace
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{namespaces: make(map[string]*namespace)}
}

func (r *Registry) namespace(appID string) *namespace {
	r.mu.RLock()
	ns, ok := r.namespaces[appID]
	r.mu.RUnlock()
	if ok {
		return ns
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ns, ok = r.namespaces[appID]; ok {
		return ns
	}
	ns = newNamespace()
	r.namespaces[appID] = ns
	return ns
}

func (r *Registry) lookup(appID string) *namespace {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namespaces[appID]
}

// Add subscribes a socket to a channel, validating the channel name and the
// presence payload consistency on every call.
func (r *Registry) Add(req AddRequest) (AddResult, error) {
	if err := protocol.ValidateChannelName(req.Channel, req.MaxNameLength); err != nil {
		return AddResult{}, err
	}
	isPresence := protocol.ChannelTypeOf(req.Channel) == protocol.ChannelPresence
	if isPresence && req.Member == nil {
		return AddResult{}, fmt.Errorf("presence channel %s requires channel_data", req.Channel)
	}
	if !isPresence && req.Member != nil {
		return AddResult{}, fmt.Errorf("channel %s does not accept channel_data", req.Channel)
	}

	ns := r.namespace(req.AppID)
	sh := ns.shardFor(req.Channel)

	sh.mu.Lock()
	state, ok := sh.channels[req.Channel]
	if !ok {
		state = &channelState{
			name:        req.Channel,
			subscribers: make(map[string]Socket),
		}
		if isPresence {
			state.presence = make(map[string]*presenceEntry)
		}
		sh.channels[req.Channel] = state
	}

	socketID := req.Socket.ID()
	if _, dup := state.subscribers[socketID]; dup {
		sh.mu.Unlock()
		return AddResult{AlreadySubscribed: true}, nil
	}

	res := AddResult{FirstLocal: len(state.subscribers) == 0}

	if isPresence {
		entry, exists := state.presence[req.Member.UserID]
		if !exists {
			if req.MaxMembers > 0 && len(state.presence) >= req.MaxMembers {
				sh.mu.Unlock()
				return AddResult{}, ErrRosterFull
			}
			entry = &presenceEntry{
				info:    req.Member.UserInfo,
				sockets: make(map[string]struct{}),
			}
			state.presence[req.Member.UserID] = entry
			res.NewUser = true
		}
		entry.sockets[socketID] = struct{}{}
	}

	state.subscribers[socketID] = req.Socket
	sh.mu.Unlock()

	ns.trackSocket(socketID, req.Channel)
	return res, nil
}

// Remove drops a socket from a channel.
func (r *Registry) Remove(appID, channel, socketID string) RemoveResult {
	ns := r.lookup(appID)
	if ns == nil {
		return RemoveResult{}
	}
	res := ns.remove(channel, socketID)
	if res.WasSubscribed {
		ns.untrackSocket(socketID, channel)
	}
	return res
}

func (ns *namespace) remove(channel, socketID string) RemoveResult {
	sh := ns.shardFor(channel)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	state, ok := sh.channels[channel]
	if !ok {
		return RemoveResult{}
	}
	if _, subscribed := state.subscribers[socketID]; !subscribed {
		return RemoveResult{}
	}

	delete(state.subscribers, socketID)
	res := RemoveResult{WasSubscribed: true}

	if state.presence != nil {
		for userID, entry := range state.presence {
			if _, ok := entry.sockets[socketID]; !ok {
				continue
			}
			delete(entry.sockets, socketID)
			if len(entry.sockets) == 0 {
				delete(state.presence, userID)
				res.LeftMember = &protocol.PresenceMember{UserID: userID, UserInfo: entry.info}
			}
			break
		}
	}

	if len(state.subscribers) == 0 {
		delete(sh.channels, channel)
		res.LastLocal = true
	}
	return res
}

// CleanupSocket removes the socket from every channel it joined, returning
// the per-channel removal events in one batch.
func (r *Registry) CleanupSocket(appID, socketID string) []RemoveEvent {
	ns := r.lookup(appID)
	if ns == nil {
		return nil
	}

	var events []RemoveEvent
	for _, channel := range ns.socketChannels(socketID) {
		res := ns.remove(channel, socketID)
		if res.WasSubscribed {
			ns.untrackSocket(socketID, channel)
			events = append(events, RemoveEvent{Channel: channel, RemoveResult: res})
		}
	}
	return events
}

// Subscribers returns a snapshot of the channel's local sockets.
func (r *Registry) Subscribers(appID, channel string) []Socket {
	ns := r.lookup(appID)
	if ns == nil {
		return nil
	}
	sh := ns.shardFor(channel)

	sh.mu.RLock()
	defer sh.mu.RUnlock()
	state, ok := sh.channels[channel]
	if !ok {
		return nil
	}
	out := make([]Socket, 0, len(state.subscribers))
	for _, s := range state.subscribers {
		out = append(out, s)
	}
	return out
}

// SubscribersCount returns the local subscriber count.
func (r *Registry) SubscribersCount(appID, channel string) int {
	ns := r.lookup(appID)
	if ns == nil {
		return 0
	}
	sh := ns.shardFor(channel)

	sh.mu.RLock()
	defer sh.mu.RUnlock()
	if state, ok := sh.channels[channel]; ok {
		return len(state.subscribers)
	}
	return 0
}

// IsSubscribed reports whether the socket currently subscribes to channel.
func (r *Registry) IsSubscribed(appID, channel, socketID string) bool {
	ns := r.lookup(appID)
	if ns == nil {
		return false
	}
	sh := ns.shardFor(channel)

	sh.mu.RLock()
	defer sh.mu.RUnlock()
	state, ok := sh.channels[channel]
	if !ok {
		return false
	}
	_, subscribed := state.subscribers[socketID]
	return subscribed
}

// PresenceRoster returns the channel's local user_id -> user_info map.
func (r *Registry) PresenceRoster(appID, channel string) map[string]json.RawMessage {
	ns := r.lookup(appID)
	if ns == nil {
		return nil
	}
	sh := ns.shardFor(channel)

	sh.mu.RLock()
	defer sh.mu.RUnlock()
	state, ok := sh.channels[channel]
	if !ok || state.presence == nil {
		return nil
	}
	roster := make(map[string]json.RawMessage, len(state.presence))
	for userID, entry := range state.presence {
		roster[userID] = entry.info
	}
	return roster
}

// Channels returns every local channel of the app with its subscriber count.
func (r *Registry) Channels(appID string) map[string]int {
	ns := r.lookup(appID)
	if ns == nil {
		return nil
	}
	out := make(map[string]int)
	for _, sh := range ns.shards {
		sh.mu.RLock()
		for name, state := range sh.channels {
			out[name] = len(state.subscribers)
		}
		sh.mu.RUnlock()
	}
	return out
}

// Broadcast delivers a frame to every local subscriber of the channel,
// skipping exceptSocketID. The per-channel critical section covers snapshot
// and enqueue so one node's publish order reaches each queue intact.
// Returns delivered and dropped counts.
func (r *Registry) Broadcast(appID, channel string, frame []byte, exceptSocketID string) (delivered, dropped int) {
	ns := r.lookup(appID)
	if ns == nil {
		return 0, 0
	}
	sh := ns.shardFor(channel)

	sh.mu.RLock()
	state, ok := sh.channels[channel]
	sh.mu.RUnlock()
	if !ok {
		return 0, 0
	}

	state.bmu.Lock()
	defer state.bmu.Unlock()

	sh.mu.RLock()
	targets := make([]Socket, 0, len(state.subscribers))
	for id, s := range state.subscribers {
		if id == exceptSocketID {
			continue
		}
		targets = append(targets, s)
	}
	sh.mu.RUnlock()

	for _, s := range targets {
		if s.Send(frame) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}
