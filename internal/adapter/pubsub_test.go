package adapter

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// memoryBus is an in-process Bus connecting adapters within one test.
type memoryBus struct {
	mu       sync.Mutex
	handlers map[string][]*memorySub
}

type memorySub struct {
	topic   string
	handler func([]byte)
}

func newMemoryBus() *memoryBus {
	return &memoryBus{handlers: make(map[string][]*memorySub)}
}

func (b *memoryBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	subs := make([]*memorySub, len(b.handlers[topic]))
	copy(subs, b.handlers[topic])
	b.mu.Unlock()

	for _, sub := range subs {
		sub.handler(payload)
	}
	return nil
}

func (b *memoryBus) Subscribe(topic string, handler func(payload []byte)) (func() error, error) {
	sub := &memorySub{topic: topic, handler: handler}
	b.mu.Lock()
	b.handlers[topic] = append(b.handlers[topic], sub)
	b.mu.Unlock()

	return func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[topic]
		for i, s := range subs {
			if s == sub {
				b.handlers[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		return nil
	}, nil
}

func (b *memoryBus) Close() error { return nil }

// fakeNode is a canned LocalNode for adapter tests.
type fakeNode struct {
	mu          sync.Mutex
	delivered   [][]byte
	subscribers map[string]int
	presence    map[string]json.RawMessage
	sockets     int
	channels    map[string]int
	terminated  []string
}

func (n *fakeNode) DeliverLocal(_, _ string, frame []byte, _ string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delivered = append(n.delivered, frame)
	return 1
}

func (n *fakeNode) LocalSubscribersCount(_, channel string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.subscribers[channel]
}

func (n *fakeNode) LocalPresenceMembers(_, _ string) map[string]json.RawMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]json.RawMessage, len(n.presence))
	for k, v := range n.presence {
		out[k] = v
	}
	return out
}

func (n *fakeNode) LocalSocketsCount(_ string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sockets
}

func (n *fakeNode) LocalChannels(_ string) map[string]int {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]int, len(n.channels))
	for k, v := range n.channels {
		out[k] = v
	}
	return out
}

func (n *fakeNode) TerminateUserLocal(_, userID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.terminated = append(n.terminated, userID)
	return 1
}

func (n *fakeNode) deliveredCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.delivered)
}

func newTestPubSub(t *testing.T, bus Bus, node LocalNode) *PubSub {
	t.Helper()
	p, err := NewPubSub(PubSubConfig{
		Bus:               bus,
		Node:              node,
		Prefix:            "test",
		RequestTimeout:    500 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
		Logger:            zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewPubSub: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPubSubPeerDiscovery(t *testing.T) {
	bus := newMemoryBus()
	p1 := newTestPubSub(t, bus, &fakeNode{})
	p2 := newTestPubSub(t, bus, &fakeNode{})

	waitFor(t, time.Second, func() bool {
		return p1.NodeCount() == 2 && p2.NodeCount() == 2
	}, "peers never discovered each other")
}

func TestPubSubBroadcastReachesRemoteSubscriber(t *testing.T) {
	bus := newMemoryBus()
	n1, n2 := &fakeNode{}, &fakeNode{}
	p1 := newTestPubSub(t, bus, n1)
	p2 := newTestPubSub(t, bus, n2)

	// Node 2 has a local subscriber on the channel, so it joins the fan-out
	// topic.
	if err := p2.ChannelOccupied("app1", "orders"); err != nil {
		t.Fatalf("ChannelOccupied: %v", err)
	}

	frame := []byte(`{"event":"msg","channel":"orders","data":"{}"}`)
	if err := p1.Broadcast(context.Background(), "app1", "orders", frame, ""); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	// Local delivery on the origin node is immediate.
	if got := n1.deliveredCount(); got != 1 {
		t.Fatalf("origin node delivered %d frames, want 1", got)
	}
	waitFor(t, time.Second, func() bool { return n2.deliveredCount() == 1 },
		"remote node never received the broadcast")
}

func TestPubSubOriginSkipsOwnEnvelope(t *testing.T) {
	bus := newMemoryBus()
	n1 := &fakeNode{}
	p1 := newTestPubSub(t, bus, n1)

	// Origin node also holds local subscribers, so it is subscribed to its
	// own fan-out topic; the envelope must not be applied twice.
	if err := p1.ChannelOccupied("app1", "orders"); err != nil {
		t.Fatalf("ChannelOccupied: %v", err)
	}
	if err := p1.Broadcast(context.Background(), "app1", "orders", []byte("x"), ""); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if got := n1.deliveredCount(); got != 1 {
		t.Fatalf("origin node delivered %d frames, want exactly 1", got)
	}
}

func TestPubSubChannelVacatedDropsFanout(t *testing.T) {
	bus := newMemoryBus()
	n1, n2 := &fakeNode{}, &fakeNode{}
	p1 := newTestPubSub(t, bus, n1)
	p2 := newTestPubSub(t, bus, n2)

	// Two local subscribers, then both gone: topic subscription is
	// refcounted and dropped on the last one.
	if err := p2.ChannelOccupied("app1", "orders"); err != nil {
		t.Fatal(err)
	}
	if err := p2.ChannelOccupied("app1", "orders"); err != nil {
		t.Fatal(err)
	}
	if err := p2.ChannelVacated("app1", "orders"); err != nil {
		t.Fatal(err)
	}

	if err := p1.Broadcast(context.Background(), "app1", "orders", []byte("a"), ""); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return n2.deliveredCount() == 1 },
		"still-subscribed node missed the broadcast")

	if err := p2.ChannelVacated("app1", "orders"); err != nil {
		t.Fatal(err)
	}
	if err := p1.Broadcast(context.Background(), "app1", "orders", []byte("b"), ""); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := n2.deliveredCount(); got != 1 {
		t.Fatalf("vacated node delivered %d frames, want 1", got)
	}
}

func TestPubSubSubscribersCountSumsAcrossNodes(t *testing.T) {
	bus := newMemoryBus()
	n1 := &fakeNode{subscribers: map[string]int{"orders": 2}}
	n2 := &fakeNode{subscribers: map[string]int{"orders": 3}}
	p1 := newTestPubSub(t, bus, n1)
	p2 := newTestPubSub(t, bus, n2)

	waitFor(t, time.Second, func() bool {
		return p1.NodeCount() == 2 && p2.NodeCount() == 2
	}, "peers never discovered each other")

	count, err := p1.SubscribersCount(context.Background(), "app1", "orders")
	if err != nil {
		t.Fatalf("SubscribersCount: %v", err)
	}
	if count != 5 {
		t.Fatalf("SubscribersCount = %d, want 5", count)
	}
}

func TestPubSubPresenceMembersUnion(t *testing.T) {
	bus := newMemoryBus()
	n1 := &fakeNode{presence: map[string]json.RawMessage{
		"u1": json.RawMessage(`{"name":"ann"}`),
		"u2": json.RawMessage(`{"name":"bo"}`),
	}}
	n2 := &fakeNode{presence: map[string]json.RawMessage{
		"u2": json.RawMessage(`{"name":"bo"}`),
		"u3": json.RawMessage(`{"name":"cy"}`),
	}}
	p1 := newTestPubSub(t, bus, n1)
	p2 := newTestPubSub(t, bus, n2)

	waitFor(t, time.Second, func() bool {
		return p1.NodeCount() == 2 && p2.NodeCount() == 2
	}, "peers never discovered each other")

	members, err := p1.PresenceMembers(context.Background(), "app1", "presence-room")
	if err != nil {
		t.Fatalf("PresenceMembers: %v", err)
	}
	if len(members) != 3 {
		t.Fatalf("union has %d users, want 3: %v", len(members), members)
	}
	for _, id := range []string{"u1", "u2", "u3"} {
		if _, ok := members[id]; !ok {
			t.Fatalf("user %s missing from union", id)
		}
	}
}

func TestPubSubAggregateTimeoutReturnsPartial(t *testing.T) {
	bus := newMemoryBus()
	n1 := &fakeNode{subscribers: map[string]int{"orders": 1}}
	p1 := newTestPubSub(t, bus, n1)
	p2 := newTestPubSub(t, bus, &fakeNode{subscribers: map[string]int{"orders": 4}})

	waitFor(t, time.Second, func() bool { return p1.NodeCount() == 2 },
		"peer never discovered")

	// Peer goes silent: its control subscriptions vanish but heartbeats
	// already marked it live, so the requester waits and then settles for
	// the partial (local-only) answer.
	p2.unsubscribeAll()

	count, err := p1.SubscribersCount(context.Background(), "app1", "orders")
	if err != nil {
		t.Fatalf("partial aggregate returned error: %v", err)
	}
	if count != 1 {
		t.Fatalf("SubscribersCount = %d, want local-only 1", count)
	}
}

func TestPubSubTerminateUserReachesAllNodes(t *testing.T) {
	bus := newMemoryBus()
	n1, n2 := &fakeNode{}, &fakeNode{}
	p1 := newTestPubSub(t, bus, n1)
	p2 := newTestPubSub(t, bus, n2)

	waitFor(t, time.Second, func() bool {
		return p1.NodeCount() == 2 && p2.NodeCount() == 2
	}, "peers never discovered each other")

	total, err := p1.TerminateUser(context.Background(), "app1", "u9")
	if err != nil {
		t.Fatalf("TerminateUser: %v", err)
	}
	if total != 2 {
		t.Fatalf("TerminateUser closed %d connections, want 2", total)
	}
	n2.mu.Lock()
	defer n2.mu.Unlock()
	if len(n2.terminated) != 1 || n2.terminated[0] != "u9" {
		t.Fatalf("remote node terminated %v, want [u9]", n2.terminated)
	}
}
