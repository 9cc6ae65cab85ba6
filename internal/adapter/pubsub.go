package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultRequestTimeout    = 5 * time.Second
	defaultHeartbeatInterval = 2 * time.Second

	// missedHeartbeats is how many intervals a peer may skip before it is
	// treated as departed.
	missedHeartbeats = 3
)

// PubSubConfig wires a distributed adapter.
type PubSubConfig struct {
	Bus    Bus
	Node   LocalNode
	Prefix string
	// RequestTimeout bounds aggregate queries. Default 5s.
	RequestTimeout time.Duration
	// HeartbeatInterval paces node liveness announcements. Default 2s.
	HeartbeatInterval time.Duration
	Version           string
	Logger            zerolog.Logger
}

type fanoutSub struct {
	refs  int
	unsub func() error
}

type pendingRequest struct {
	kind      requestKind
	responses chan response
}

// PubSub extends channel operations across a cluster. Broadcasts are
// applied locally then republished on the bus; aggregate queries fan out a
// request and merge every peer's local tally.
type PubSub struct {
	nodeID  string
	prefix  string
	bus     Bus
	node    LocalNode
	logger  zerolog.Logger
	timeout time.Duration
	version string

	heartbeatEvery time.Duration

	fanoutMu sync.Mutex
	fanout   map[string]*fanoutSub

	peersMu sync.RWMutex
	peers   map[string]time.Time

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest

	unsubs []func() error

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// NewPubSub connects the adapter to the bus: control topics first, then the
// heartbeat loop. Per-channel fan-out topics are joined lazily as channels
// become occupied.
func NewPubSub(cfg PubSubConfig) (*PubSub, error) {
	if cfg.Bus == nil {
		return nil, fmt.Errorf("adapter: bus is required")
	}
	if cfg.Node == nil {
		return nil, fmt.Errorf("adapter: local node is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}

	p := &PubSub{
		nodeID:         uuid.NewString(),
		prefix:         cfg.Prefix,
		bus:            cfg.Bus,
		node:           cfg.Node,
		logger:         cfg.Logger.With().Str("component", "adapter").Logger(),
		timeout:        cfg.RequestTimeout,
		version:        cfg.Version,
		heartbeatEvery: cfg.HeartbeatInterval,
		fanout:         make(map[string]*fanoutSub),
		peers:          make(map[string]time.Time),
		pending:        make(map[string]*pendingRequest),
		done:           make(chan struct{}),
	}

	unsubReq, err := cfg.Bus.Subscribe(requestsTopic(p.prefix), p.handleRequest)
	if err != nil {
		return nil, fmt.Errorf("subscribe requests topic: %w", err)
	}
	p.unsubs = append(p.unsubs, unsubReq)

	unsubResp, err := cfg.Bus.Subscribe(responsesTopic(p.prefix, p.nodeID), p.handleResponse)
	if err != nil {
		p.unsubscribeAll()
		return nil, fmt.Errorf("subscribe responses topic: %w", err)
	}
	p.unsubs = append(p.unsubs, unsubResp)

	unsubPresence, err := cfg.Bus.Subscribe(presenceTopic(p.prefix), p.handleHeartbeat)
	if err != nil {
		p.unsubscribeAll()
		return nil, fmt.Errorf("subscribe presence topic: %w", err)
	}
	p.unsubs = append(p.unsubs, unsubPresence)

	p.wg.Add(1)
	go p.heartbeatLoop()

	p.logger.Info().Str("node_id", p.nodeID).Str("prefix", p.prefix).Msg("distributed adapter online")
	return p, nil
}

// NodeID identifies this node on the bus.
func (p *PubSub) NodeID() string { return p.nodeID }

func (p *PubSub) Broadcast(ctx context.Context, appID, channel string, frame []byte, exceptSocketID string) error {
	p.node.DeliverLocal(appID, channel, frame, exceptSocketID)

	env := broadcastEnvelope{
		NodeID:  p.nodeID,
		AppID:   appID,
		Channel: channel,
		Payload: frame,
		Except:  exceptSocketID,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal broadcast envelope: %w", err)
	}
	if err := p.bus.Publish(ctx, channelTopic(p.prefix, appID, channel), payload); err != nil {
		return fmt.Errorf("publish broadcast: %w", err)
	}
	return nil
}

// ChannelOccupied joins the channel's fan-out topic on the first local
// subscriber. Repeat calls for the same channel are refcounted.
func (p *PubSub) ChannelOccupied(appID, channel string) error {
	topic := channelTopic(p.prefix, appID, channel)

	p.fanoutMu.Lock()
	defer p.fanoutMu.Unlock()

	if sub, ok := p.fanout[topic]; ok {
		sub.refs++
		return nil
	}
	unsub, err := p.bus.Subscribe(topic, p.handleFanout)
	if err != nil {
		return fmt.Errorf("subscribe channel topic %s: %w", topic, err)
	}
	p.fanout[topic] = &fanoutSub{refs: 1, unsub: unsub}
	return nil
}

// ChannelVacated leaves the fan-out topic once the last local subscriber is
// gone.
func (p *PubSub) ChannelVacated(appID, channel string) error {
	topic := channelTopic(p.prefix, appID, channel)

	p.fanoutMu.Lock()
	defer p.fanoutMu.Unlock()

	sub, ok := p.fanout[topic]
	if !ok {
		return nil
	}
	sub.refs--
	if sub.refs > 0 {
		return nil
	}
	delete(p.fanout, topic)
	if err := sub.unsub(); err != nil {
		return fmt.Errorf("unsubscribe channel topic %s: %w", topic, err)
	}
	return nil
}

func (p *PubSub) handleFanout(payload []byte) {
	var env broadcastEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		p.logger.Warn().Err(err).Msg("invalid broadcast envelope")
		return
	}
	if env.NodeID == p.nodeID {
		return
	}
	p.node.DeliverLocal(env.AppID, env.Channel, env.Payload, env.Except)
}

func (p *PubSub) SubscribersCount(ctx context.Context, appID, channel string) (int, error) {
	total := p.node.LocalSubscribersCount(appID, channel)
	resps, err := p.fanOutRequest(ctx, request{Kind: kindSubscribersCount, AppID: appID, Channel: channel})
	if err != nil {
		return total, err
	}
	for _, r := range resps {
		total += r.Count
	}
	return total, nil
}

func (p *PubSub) PresenceMembers(ctx context.Context, appID, channel string) (map[string]json.RawMessage, error) {
	merged := make(map[string]json.RawMessage)
	for userID, info := range p.node.LocalPresenceMembers(appID, channel) {
		merged[userID] = info
	}
	resps, err := p.fanOutRequest(ctx, request{Kind: kindPresenceMembers, AppID: appID, Channel: channel})
	if err != nil {
		return merged, err
	}
	for _, r := range resps {
		for userID, info := range r.Members {
			// First writer wins; the same user carries the same info on
			// every node.
			if _, ok := merged[userID]; !ok {
				merged[userID] = info
			}
		}
	}
	return merged, nil
}

func (p *PubSub) SocketsCount(ctx context.Context, appID string) (int, error) {
	total := p.node.LocalSocketsCount(appID)
	resps, err := p.fanOutRequest(ctx, request{Kind: kindSocketsCount, AppID: appID})
	if err != nil {
		return total, err
	}
	for _, r := range resps {
		total += r.Count
	}
	return total, nil
}

func (p *PubSub) ChannelsWithCounts(ctx context.Context, appID string) (map[string]int, error) {
	merged := make(map[string]int)
	for name, count := range p.node.LocalChannels(appID) {
		merged[name] += count
	}
	resps, err := p.fanOutRequest(ctx, request{Kind: kindChannels, AppID: appID})
	if err != nil {
		return merged, err
	}
	for _, r := range resps {
		for name, count := range r.Channels {
			merged[name] += count
		}
	}
	return merged, nil
}

func (p *PubSub) TerminateUser(ctx context.Context, appID, userID string) (int, error) {
	total := p.node.TerminateUserLocal(appID, userID)
	resps, err := p.fanOutRequest(ctx, request{Kind: kindTerminateUser, AppID: appID, UserID: userID})
	if err != nil {
		return total, err
	}
	for _, r := range resps {
		total += r.Count
	}
	return total, nil
}

func (p *PubSub) NodeCount() int {
	return 1 + len(p.livePeers())
}

// fanOutRequest publishes one aggregate query and collects peer responses
// until every live peer answered or the timeout fires. A timeout returns
// the partial set, never an error.
func (p *PubSub) fanOutRequest(ctx context.Context, req request) ([]response, error) {
	expected := len(p.livePeers())
	if expected == 0 {
		return nil, nil
	}

	req.RequestID = uuid.NewString()
	req.NodeID = p.nodeID
	req.ReplyTo = responsesTopic(p.prefix, p.nodeID)
	req.ExpectedResponders = expected

	pr := &pendingRequest{kind: req.Kind, responses: make(chan response, expected)}
	p.pendingMu.Lock()
	p.pending[req.RequestID] = pr
	p.pendingMu.Unlock()
	defer func() {
		p.pendingMu.Lock()
		delete(p.pending, req.RequestID)
		p.pendingMu.Unlock()
	}()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if err := p.bus.Publish(ctx, requestsTopic(p.prefix), payload); err != nil {
		return nil, fmt.Errorf("publish request: %w", err)
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	resps := make([]response, 0, expected)
	for len(resps) < expected {
		select {
		case r := <-pr.responses:
			resps = append(resps, r)
		case <-timer.C:
			p.logger.Warn().
				Str("kind", string(req.Kind)).
				Str("req_id", req.RequestID).
				Int("received", len(resps)).
				Int("expected", expected).
				Msg("aggregate request partial, peer(s) missed the window")
			return resps, nil
		case <-ctx.Done():
			return resps, ctx.Err()
		case <-p.done:
			return resps, nil
		}
	}
	return resps, nil
}

func (p *PubSub) handleRequest(payload []byte) {
	var req request
	if err := json.Unmarshal(payload, &req); err != nil {
		p.logger.Warn().Err(err).Msg("invalid aggregate request")
		return
	}
	if req.NodeID == p.nodeID {
		return
	}

	resp := response{RequestID: req.RequestID, NodeID: p.nodeID, Kind: req.Kind}
	switch req.Kind {
	case kindSubscribersCount:
		resp.Count = p.node.LocalSubscribersCount(req.AppID, req.Channel)
	case kindPresenceMembers:
		resp.Members = p.node.LocalPresenceMembers(req.AppID, req.Channel)
	case kindSocketsCount:
		resp.Count = p.node.LocalSocketsCount(req.AppID)
	case kindChannels:
		resp.Channels = p.node.LocalChannels(req.AppID)
	case kindTerminateUser:
		resp.Count = p.node.TerminateUserLocal(req.AppID, req.UserID)
	default:
		p.logger.Warn().Str("kind", string(req.Kind)).Msg("unknown aggregate request kind")
		return
	}

	out, err := json.Marshal(resp)
	if err != nil {
		p.logger.Error().Err(err).Msg("marshal aggregate response")
		return
	}
	if err := p.bus.Publish(context.Background(), req.ReplyTo, out); err != nil {
		p.logger.Warn().Err(err).Str("reply_to", req.ReplyTo).Msg("publish aggregate response")
	}
}

func (p *PubSub) handleResponse(payload []byte) {
	var resp response
	if err := json.Unmarshal(payload, &resp); err != nil {
		p.logger.Warn().Err(err).Msg("invalid aggregate response")
		return
	}

	p.pendingMu.Lock()
	pr, ok := p.pending[resp.RequestID]
	p.pendingMu.Unlock()
	if !ok {
		// Late answer after the timeout window closed.
		return
	}
	select {
	case pr.responses <- resp:
	default:
	}
}

func (p *PubSub) handleHeartbeat(payload []byte) {
	var hb heartbeat
	if err := json.Unmarshal(payload, &hb); err != nil {
		p.logger.Warn().Err(err).Msg("invalid heartbeat")
		return
	}
	if hb.NodeID == p.nodeID {
		return
	}

	p.peersMu.Lock()
	_, known := p.peers[hb.NodeID]
	p.peers[hb.NodeID] = time.Now()
	p.peersMu.Unlock()

	if !known {
		p.logger.Info().Str("peer", hb.NodeID).Str("version", hb.Version).Msg("peer joined")
	}
}

func (p *PubSub) livePeers() []string {
	cutoff := time.Now().Add(-missedHeartbeats * p.heartbeatEvery)

	p.peersMu.RLock()
	defer p.peersMu.RUnlock()
	live := make([]string, 0, len(p.peers))
	for id, last := range p.peers {
		if last.After(cutoff) {
			live = append(live, id)
		}
	}
	return live
}

func (p *PubSub) heartbeatLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.heartbeatEvery)
	defer ticker.Stop()

	p.publishHeartbeat()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.publishHeartbeat()
			p.sweepPeers()
		}
	}
}

func (p *PubSub) publishHeartbeat() {
	hb := heartbeat{NodeID: p.nodeID, SentAt: time.Now().UnixMilli(), Version: p.version}
	payload, err := json.Marshal(hb)
	if err != nil {
		return
	}
	if err := p.bus.Publish(context.Background(), presenceTopic(p.prefix), payload); err != nil {
		p.logger.Warn().Err(err).Msg("publish heartbeat")
	}
}

func (p *PubSub) sweepPeers() {
	cutoff := time.Now().Add(-missedHeartbeats * p.heartbeatEvery)

	p.peersMu.Lock()
	defer p.peersMu.Unlock()
	for id, last := range p.peers {
		if last.Before(cutoff) {
			delete(p.peers, id)
			p.logger.Info().Str("peer", id).Msg("peer departed")
		}
	}
}

func (p *PubSub) unsubscribeAll() {
	for _, unsub := range p.unsubs {
		if err := unsub(); err != nil {
			p.logger.Warn().Err(err).Msg("unsubscribe control topic")
		}
	}
	p.unsubs = nil

	p.fanoutMu.Lock()
	for topic, sub := range p.fanout {
		if err := sub.unsub(); err != nil {
			p.logger.Warn().Err(err).Str("topic", topic).Msg("unsubscribe fanout topic")
		}
	}
	p.fanout = make(map[string]*fanoutSub)
	p.fanoutMu.Unlock()
}

func (p *PubSub) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
		p.unsubscribeAll()
		p.closeErr = p.bus.Close()
	})
	return p.closeErr
}
