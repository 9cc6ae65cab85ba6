package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/JosueRhea/sockudo/internal/adapter"
	"github.com/JosueRhea/sockudo/internal/apps"
	"github.com/JosueRhea/sockudo/internal/auth"
	"github.com/JosueRhea/sockudo/internal/cache"
	"github.com/JosueRhea/sockudo/internal/channels"
	"github.com/JosueRhea/sockudo/internal/protocol"
	"github.com/JosueRhea/sockudo/internal/webhooks"
)

const (
	testKey    = "key1"
	testSecret = "secret1"
)

func testApp() apps.Application {
	return apps.Application{
		ID:                       "app1",
		Key:                      testKey,
		Secret:                   testSecret,
		Enabled:                  true,
		EnableClientMessages:     true,
		MaxClientEventsPerSecond: 100,
		MaxChannelNameLength:     200,
	}
}

type testEnv struct {
	srv *httptest.Server
	gw  *Server
	hub *Hub
}

func newTestServer(t *testing.T, app apps.Application) *testEnv {
	return newTestServerWithHooks(t, app, nil)
}

// newTestServerWithHooks lets a test swap in its own webhook queue to
// observe emitted events.
func newTestServerWithHooks(t *testing.T, app apps.Application, queue webhooks.Queue) *testEnv {
	t.Helper()

	store := apps.NewMemoryStore([]apps.Application{app}, zerolog.Nop())
	registry := apps.NewRegistry(store, time.Minute, apps.Defaults{})

	hooks := webhooks.NewPipeline(webhooks.PipelineConfig{
		Queue:       queue,
		BatchWindow: 10 * time.Millisecond,
		Logger:      zerolog.Nop(),
	})
	eventCache := channels.NewEventCache(cache.NewMemoryCache(time.Minute), "test", time.Minute)

	hub := NewHub(HubConfig{
		Registry: channels.NewRegistry(),
		Cache:    eventCache,
		Hooks:    hooks,
		Logger:   zerolog.Nop(),
	})
	hub.SetAdapter(adapter.NewLocal(hub))

	gw := New(Config{
		ActivityTimeout: 120 * time.Second,
		PongTimeout:     30 * time.Second,
		ConnectionRate:  1000,
		ConnectionBurst: 1000,
	}, hub, registry, zerolog.Nop())

	mux := http.NewServeMux()
	gw.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, gw: gw, hub: hub}
}

func (e *testEnv) wsURL(key string) string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/app/" + key + "?protocol=7"
}

// connect dials the gateway and consumes the connection_established frame.
func (e *testEnv) connect(t *testing.T) (*websocket.Conn, string) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.wsURL(testKey), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	msg := readFrame(t, conn)
	require.Equal(t, protocol.EventConnectionEstablished, msg.Event)

	var est struct {
		SocketID        string `json:"socket_id"`
		ActivityTimeout int    `json:"activity_timeout"`
	}
	require.NoError(t, protocol.UnmarshalData(msg.Data, &est))
	require.NoError(t, protocol.ValidateSocketID(est.SocketID))
	require.Equal(t, 120, est.ActivityTimeout)
	return conn, est.SocketID
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg protocol.Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

// expectSilence asserts no frame arrives within the window.
func expectSilence(t *testing.T, conn *websocket.Conn, window time.Duration) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(window))
	_, raw, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected no frame, got %s", raw)
	}
	var netErr interface{ Timeout() bool }
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "expected timeout, got %v", err)
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	frame, err := json.Marshal(protocol.Message{Event: event, Data: raw})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func subscribe(t *testing.T, conn *websocket.Conn, socketID, channel string) {
	t.Helper()
	payload := map[string]string{"channel": channel}
	if protocol.ChannelTypeOf(channel).RequiresAuth() {
		payload["auth"] = auth.ChannelAuth(testKey, testSecret, socketID, channel, "")
	}
	send(t, conn, protocol.EventSubscribe, payload)
	msg := readFrame(t, conn)
	require.Equal(t, protocol.EventSubscriptionSucceeded, msg.Event)
	require.Equal(t, channel, msg.Channel)
}

func TestHandshakeUnknownKeyCloses4001(t *testing.T) {
	env := newTestServer(t, testApp())

	conn, _, err := websocket.DefaultDialer.Dial(env.wsURL("ghost"), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, protocol.CloseAppNotFound, closeErr.Code)
}

func TestHandshakeDisabledAppCloses4003(t *testing.T) {
	app := testApp()
	app.Enabled = false
	env := newTestServer(t, app)

	conn, _, err := websocket.DefaultDialer.Dial(env.wsURL(testKey), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, protocol.CloseAppDisabled, closeErr.Code)
}

func TestHandshakeEstablishedFrame(t *testing.T) {
	env := newTestServer(t, testApp())
	conn, socketID := env.connect(t)
	_ = conn
	require.NotEmpty(t, socketID)
	require.Equal(t, 1, env.hub.OpenSockets())
}

func TestPingPong(t *testing.T) {
	env := newTestServer(t, testApp())
	conn, _ := env.connect(t)

	send(t, conn, protocol.EventPing, map[string]string{})
	msg := readFrame(t, conn)
	require.Equal(t, protocol.EventPong, msg.Event)
}

func TestPongFrameDrawsNoError(t *testing.T) {
	env := newTestServer(t, testApp())
	conn, _ := env.connect(t)

	// The reply a client sends to a server ping is a reserved event, not an
	// unknown one; the server must stay quiet.
	send(t, conn, protocol.EventPong, map[string]string{})
	expectSilence(t, conn, 300*time.Millisecond)
}

func TestPrivateSubscribeWithValidAuth(t *testing.T) {
	env := newTestServer(t, testApp())
	conn, socketID := env.connect(t)

	subscribe(t, conn, socketID, "private-orders")
	require.Equal(t, 1, env.hub.Registry().SubscribersCount("app1", "private-orders"))
}

func TestPrivateSubscribeBadAuthRejected(t *testing.T) {
	env := newTestServer(t, testApp())
	conn, _ := env.connect(t)

	send(t, conn, protocol.EventSubscribe, map[string]string{
		"channel": "private-orders",
		"auth":    testKey + ":deadbeef",
	})

	msg := readFrame(t, conn)
	require.Equal(t, protocol.EventSubscriptionError, msg.Event)
	require.Equal(t, "private-orders", msg.Channel)

	var errData protocol.SubscriptionErrorData
	require.NoError(t, json.Unmarshal(msg.Data, &errData))
	require.Equal(t, "AuthError", errData.Type)
	require.Equal(t, 401, errData.Status)
	require.Equal(t, protocol.CloseAuthFailure, errData.Code)

	// The rejected socket never joined the channel.
	require.Equal(t, 0, env.hub.Registry().SubscribersCount("app1", "private-orders"))
}

func TestClientEventFanOutExcludesSender(t *testing.T) {
	env := newTestServer(t, testApp())

	sender, senderID := env.connect(t)
	receiver, receiverID := env.connect(t)
	subscribe(t, sender, senderID, "private-room")
	subscribe(t, receiver, receiverID, "private-room")

	frame, err := json.Marshal(protocol.Message{
		Event:   "client-typing",
		Channel: "private-room",
		Data:    json.RawMessage(`{"status":"on"}`),
	})
	require.NoError(t, err)
	require.NoError(t, sender.WriteMessage(websocket.TextMessage, frame))

	msg := readFrame(t, receiver)
	require.Equal(t, "client-typing", msg.Event)
	require.Equal(t, "private-room", msg.Channel)

	expectSilence(t, sender, 200*time.Millisecond)
}

func TestClientEventOnPublicChannelRejected(t *testing.T) {
	env := newTestServer(t, testApp())
	conn, socketID := env.connect(t)
	subscribe(t, conn, socketID, "news")

	frame, _ := json.Marshal(protocol.Message{
		Event:   "client-hello",
		Channel: "news",
		Data:    json.RawMessage(`{}`),
	})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	msg := readFrame(t, conn)
	require.Equal(t, protocol.EventError, msg.Event)
}

func TestClientEventRateLimitWarnsOnce(t *testing.T) {
	app := testApp()
	app.MaxClientEventsPerSecond = 1
	env := newTestServer(t, app)

	conn, socketID := env.connect(t)
	subscribe(t, conn, socketID, "private-room")

	frame, _ := json.Marshal(protocol.Message{
		Event:   "client-burst",
		Channel: "private-room",
		Data:    json.RawMessage(`{}`),
	})
	for i := 0; i < 3; i++ {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
	}

	// First send passes, second draws the one warning, third is silent.
	msg := readFrame(t, conn)
	require.Equal(t, protocol.EventError, msg.Event)
	var errData protocol.ErrorData
	require.NoError(t, json.Unmarshal(msg.Data, &errData))
	require.Equal(t, protocol.ErrCodeClientEventRejected, errData.Code)

	expectSilence(t, conn, 200*time.Millisecond)
}

func TestPresenceSubscribeRosterAndMemberAdded(t *testing.T) {
	env := newTestServer(t, testApp())
	channel := "presence-chat"

	first, firstID := env.connect(t)
	firstData := `{"user_id":"u1","user_info":{"name":"one"}}`
	send(t, first, protocol.EventSubscribe, map[string]string{
		"channel":      channel,
		"auth":         auth.ChannelAuth(testKey, testSecret, firstID, channel, firstData),
		"channel_data": firstData,
	})
	msg := readFrame(t, first)
	require.Equal(t, protocol.EventSubscriptionSucceeded, msg.Event)

	var ack struct {
		Presence protocol.PresencePayload `json:"presence"`
	}
	require.NoError(t, protocol.UnmarshalData(msg.Data, &ack))
	require.Equal(t, 1, ack.Presence.Count)
	require.Contains(t, ack.Presence.Hash, "u1")

	second, secondID := env.connect(t)
	secondData := `{"user_id":"u2"}`
	send(t, second, protocol.EventSubscribe, map[string]string{
		"channel":      channel,
		"auth":         auth.ChannelAuth(testKey, testSecret, secondID, channel, secondData),
		"channel_data": secondData,
	})
	msg = readFrame(t, second)
	require.Equal(t, protocol.EventSubscriptionSucceeded, msg.Event)
	require.NoError(t, protocol.UnmarshalData(msg.Data, &ack))
	require.Equal(t, 2, ack.Presence.Count)

	// The first member sees the join.
	msg = readFrame(t, first)
	require.Equal(t, protocol.EventMemberAdded, msg.Event)
	var member protocol.PresenceMember
	require.NoError(t, protocol.UnmarshalData(msg.Data, &member))
	require.Equal(t, "u2", member.UserID)

	// And the departure.
	second.Close()
	msg = readFrame(t, first)
	require.Equal(t, protocol.EventMemberRemoved, msg.Event)
	var removed struct {
		UserID string `json:"user_id"`
	}
	require.NoError(t, protocol.UnmarshalData(msg.Data, &removed))
	require.Equal(t, "u2", removed.UserID)
}

func TestCacheChannelReplayAndMiss(t *testing.T) {
	env := newTestServer(t, testApp())

	// Cold channel: the subscriber is told there is nothing to replay.
	cold, _ := env.connect(t)
	send(t, cold, protocol.EventSubscribe, map[string]string{"channel": "cache-ticker"})
	msg := readFrame(t, cold)
	require.Equal(t, protocol.EventCacheMiss, msg.Event)
	msg = readFrame(t, cold)
	require.Equal(t, protocol.EventSubscriptionSucceeded, msg.Event)

	// Warm the channel, then a late subscriber gets the replay first.
	stored := protocol.NewEvent("last-price", "cache-ticker", json.RawMessage(`"{\"p\":1}"`))
	require.NoError(t, env.hub.Cache().Store(context.Background(), "app1", "cache-ticker", stored))

	late, _ := env.connect(t)
	send(t, late, protocol.EventSubscribe, map[string]string{"channel": "cache-ticker"})
	msg = readFrame(t, late)
	require.Equal(t, "last-price", msg.Event)
	msg = readFrame(t, late)
	require.Equal(t, protocol.EventSubscriptionSucceeded, msg.Event)
}

func TestCacheChannelResubscribeReplays(t *testing.T) {
	env := newTestServer(t, testApp())

	stored := protocol.NewEvent("last-price", "cache-ticker", json.RawMessage(`"{\"p\":1}"`))
	require.NoError(t, env.hub.Cache().Store(context.Background(), "app1", "cache-ticker", stored))

	conn, _ := env.connect(t)
	send(t, conn, protocol.EventSubscribe, map[string]string{"channel": "cache-ticker"})
	msg := readFrame(t, conn)
	require.Equal(t, "last-price", msg.Event)
	msg = readFrame(t, conn)
	require.Equal(t, protocol.EventSubscriptionSucceeded, msg.Event)

	// A duplicate subscribe is re-acked like a fresh one: replay, then ack.
	send(t, conn, protocol.EventSubscribe, map[string]string{"channel": "cache-ticker"})
	msg = readFrame(t, conn)
	require.Equal(t, "last-price", msg.Event)
	msg = readFrame(t, conn)
	require.Equal(t, protocol.EventSubscriptionSucceeded, msg.Event)
}

// captureQueue records enqueued webhook jobs instead of delivering them.
type captureQueue struct {
	mu   sync.Mutex
	jobs []webhooks.Job
}

func (q *captureQueue) Enqueue(_ context.Context, job webhooks.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *captureQueue) Consume(ctx context.Context, _ func(context.Context, webhooks.Job)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (q *captureQueue) Close() error { return nil }

func (q *captureQueue) events() []webhooks.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []webhooks.Event
	for _, job := range q.jobs {
		out = append(out, job.Events...)
	}
	return out
}

func waitForWebhookEvents(t *testing.T, q *captureQueue, n int) []webhooks.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		evs := q.events()
		if len(evs) >= n {
			return evs
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d webhook events, want %d: %+v", len(evs), n, evs)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOccupancyWebhooksFireOnlyOnBoundaries(t *testing.T) {
	app := testApp()
	app.Webhooks = []apps.Webhook{{
		URL:        "http://hooks.example/endpoint",
		EventTypes: []string{webhooks.EventChannelOccupied, webhooks.EventChannelVacated},
	}}
	queue := &captureQueue{}
	env := newTestServerWithHooks(t, app, queue)

	first, firstID := env.connect(t)
	subscribe(t, first, firstID, "room-1")
	second, secondID := env.connect(t)
	subscribe(t, second, secondID, "room-1")

	// Two joins, one occupancy transition.
	evs := waitForWebhookEvents(t, queue, 1)
	require.Len(t, evs, 1)
	require.Equal(t, webhooks.EventChannelOccupied, evs[0].Name)
	require.Equal(t, "room-1", evs[0].Channel)

	// Leaving a still-occupied channel emits nothing.
	send(t, first, protocol.EventUnsubscribe, map[string]string{"channel": "room-1"})
	deadline := time.Now().Add(time.Second)
	for env.hub.Registry().SubscribersCount("app1", "room-1") != 1 {
		if time.Now().After(deadline) {
			t.Fatal("first unsubscribe not applied")
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	require.Len(t, queue.events(), 1)

	// The last leave owns channel_vacated.
	send(t, second, protocol.EventUnsubscribe, map[string]string{"channel": "room-1"})
	evs = waitForWebhookEvents(t, queue, 2)
	require.Len(t, evs, 2)
	require.Equal(t, webhooks.EventChannelVacated, evs[1].Name)
	require.Equal(t, "room-1", evs[1].Channel)
}

func TestSigninEstablishesUserIdentity(t *testing.T) {
	env := newTestServer(t, testApp())
	conn, socketID := env.connect(t)

	userData := `{"id":"user-7","name":"seven"}`
	send(t, conn, protocol.EventSignin, map[string]string{
		"user_data": userData,
		"auth":      auth.UserAuth(testKey, testSecret, socketID, userData),
	})

	msg := readFrame(t, conn)
	require.Equal(t, protocol.EventSigninSuccess, msg.Event)

	// terminate_connections now finds the socket by its user id.
	closed, err := env.hub.Adapter().TerminateUser(context.Background(), "app1", "user-7")
	require.NoError(t, err)
	require.Equal(t, 1, closed)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var closeErr *websocket.CloseError
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			require.ErrorAs(t, err, &closeErr)
			break
		}
	}
	require.Equal(t, protocol.CloseAuthFailure, closeErr.Code)
}

func TestUnsubscribeLeavesChannel(t *testing.T) {
	env := newTestServer(t, testApp())
	conn, socketID := env.connect(t)
	subscribe(t, conn, socketID, "private-room")

	send(t, conn, protocol.EventUnsubscribe, map[string]string{"channel": "private-room"})

	deadline := time.Now().Add(time.Second)
	for env.hub.Registry().SubscribersCount("app1", "private-room") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("channel still occupied after unsubscribe")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestShutdownDrainsWith4301(t *testing.T) {
	env := newTestServer(t, testApp())
	conn, _ := env.connect(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		env.gw.Shutdown(ctx)
		close(done)
	}()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var closeErr *websocket.CloseError
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			require.ErrorAs(t, err, &closeErr)
			break
		}
	}
	require.Equal(t, protocol.CloseServerShutdown, closeErr.Code)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not drain")
	}

	// New connections are refused while draining.
	resp, err := http.Get(env.srv.URL + "/app/" + testKey)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
