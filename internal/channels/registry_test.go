package channels

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/JosueRhea/sockudo/internal/cache"
	"github.com/JosueRhea/sockudo/internal/protocol"
)

type fakeSocket struct {
	id   string
	full bool

	mu     sync.Mutex
	frames [][]byte
}

func (s *fakeSocket) ID() string { return s.id }

func (s *fakeSocket) Send(frame []byte) bool {
	if s.full {
		return false
	}
	s.mu.Lock()
	s.frames = append(s.frames, frame)
	s.mu.Unlock()
	return true
}

func (s *fakeSocket) received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.frames))
	copy(out, s.frames)
	return out
}

func addPublic(t *testing.T, r *Registry, app, channel string, s Socket) AddResult {
	t.Helper()
	res, err := r.Add(AddRequest{AppID: app, Channel: channel, Socket: s, MaxNameLength: 200})
	if err != nil {
		t.Fatalf("Add(%s): %v", channel, err)
	}
	return res
}

func TestAddFirstLocalAndIdempotency(t *testing.T) {
	r := NewRegistry()
	s1 := &fakeSocket{id: "1.1"}
	s2 := &fakeSocket{id: "2.2"}

	res := addPublic(t, r, "app", "news", s1)
	if !res.FirstLocal {
		t.Error("first subscriber should report FirstLocal")
	}
	res = addPublic(t, r, "app", "news", s2)
	if res.FirstLocal {
		t.Error("second subscriber should not report FirstLocal")
	}
	res = addPublic(t, r, "app", "news", s1)
	if !res.AlreadySubscribed {
		t.Error("duplicate add should report AlreadySubscribed")
	}
	if got := r.SubscribersCount("app", "news"); got != 2 {
		t.Errorf("SubscribersCount = %d, want 2", got)
	}
}

func TestAddRejectsInvalidChannelName(t *testing.T) {
	r := NewRegistry()
	_, err := r.Add(AddRequest{
		AppID:         "app",
		Channel:       "bad channel",
		Socket:        &fakeSocket{id: "1.1"},
		MaxNameLength: 200,
	})
	if err == nil {
		t.Fatal("expected invalid channel name error")
	}
}

func TestPresenceChannelDataConsistency(t *testing.T) {
	r := NewRegistry()
	s := &fakeSocket{id: "1.1"}

	if _, err := r.Add(AddRequest{AppID: "app", Channel: "presence-room", Socket: s, MaxNameLength: 200}); err == nil {
		t.Error("presence channel without member should fail")
	}
	member := &protocol.PresenceMember{UserID: "u1"}
	if _, err := r.Add(AddRequest{AppID: "app", Channel: "private-room", Socket: s, Member: member, MaxNameLength: 200}); err == nil {
		t.Error("non-presence channel with member should fail")
	}
}

func TestPresenceRosterCountsDistinctUsers(t *testing.T) {
	r := NewRegistry()
	info := json.RawMessage(`{"name":"ada"}`)
	member := &protocol.PresenceMember{UserID: "u1", UserInfo: info}

	res, err := r.Add(AddRequest{
		AppID: "app", Channel: "presence-room",
		Socket: &fakeSocket{id: "1.1"}, Member: member, MaxNameLength: 200,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.NewUser {
		t.Error("first socket of user should report NewUser")
	}

	// Same user on a second connection must not grow the roster.
	res, err = r.Add(AddRequest{
		AppID: "app", Channel: "presence-room",
		Socket: &fakeSocket{id: "2.2"}, Member: member, MaxNameLength: 200,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.NewUser {
		t.Error("second socket of same user should not report NewUser")
	}

	other := &protocol.PresenceMember{UserID: "u2", UserInfo: json.RawMessage(`{"name":"lin"}`)}
	if _, err := r.Add(AddRequest{
		AppID: "app", Channel: "presence-room",
		Socket: &fakeSocket{id: "3.3"}, Member: other, MaxNameLength: 200,
	}); err != nil {
		t.Fatal(err)
	}

	roster := r.PresenceRoster("app", "presence-room")
	if len(roster) != 2 {
		t.Fatalf("roster size = %d, want 2 distinct users", len(roster))
	}
	if string(roster["u1"]) != `{"name":"ada"}` {
		t.Errorf("roster[u1] = %s", roster["u1"])
	}

	// Removing one of u1's sockets keeps the member.
	res2 := r.Remove("app", "presence-room", "1.1")
	if !res2.WasSubscribed || res2.LeftMember != nil {
		t.Errorf("first removal should not evict member, got %+v", res2)
	}
	res2 = r.Remove("app", "presence-room", "2.2")
	if res2.LeftMember == nil || res2.LeftMember.UserID != "u1" {
		t.Errorf("last socket removal should evict u1, got %+v", res2.LeftMember)
	}
}

func TestPresenceRosterCap(t *testing.T) {
	r := NewRegistry()
	add := func(socketID, userID string) error {
		_, err := r.Add(AddRequest{
			AppID: "app", Channel: "presence-room",
			Socket:        &fakeSocket{id: socketID},
			Member:        &protocol.PresenceMember{UserID: userID},
			MaxNameLength: 200,
			MaxMembers:    2,
		})
		return err
	}

	if err := add("1.1", "u1"); err != nil {
		t.Fatal(err)
	}
	if err := add("2.2", "u2"); err != nil {
		t.Fatal(err)
	}
	if err := add("3.3", "u3"); err != ErrRosterFull {
		t.Errorf("third user should hit roster cap, got %v", err)
	}
	// An existing member's extra socket does not grow the roster.
	if err := add("4.4", "u1"); err != nil {
		t.Errorf("existing member's second socket should be allowed, got %v", err)
	}
}

func TestRemoveLastLocal(t *testing.T) {
	r := NewRegistry()
	s := &fakeSocket{id: "1.1"}
	addPublic(t, r, "app", "news", s)

	res := r.Remove("app", "news", "1.1")
	if !res.WasSubscribed || !res.LastLocal {
		t.Errorf("Remove = %+v, want WasSubscribed and LastLocal", res)
	}
	if got := r.SubscribersCount("app", "news"); got != 0 {
		t.Errorf("SubscribersCount after last remove = %d", got)
	}
	if res := r.Remove("app", "news", "1.1"); res.WasSubscribed {
		t.Error("second remove should be a no-op")
	}
}

func TestCleanupSocketBatches(t *testing.T) {
	r := NewRegistry()
	s := &fakeSocket{id: "1.1"}
	other := &fakeSocket{id: "2.2"}

	addPublic(t, r, "app", "news", s)
	addPublic(t, r, "app", "news", other)
	addPublic(t, r, "app", "alerts", s)
	if _, err := r.Add(AddRequest{
		AppID: "app", Channel: "presence-room",
		Socket:        s,
		Member:        &protocol.PresenceMember{UserID: "u1"},
		MaxNameLength: 200,
	}); err != nil {
		t.Fatal(err)
	}

	events := r.CleanupSocket("app", "1.1")
	if len(events) != 3 {
		t.Fatalf("cleanup returned %d events, want 3", len(events))
	}
	byChannel := make(map[string]RemoveEvent, len(events))
	for _, ev := range events {
		byChannel[ev.Channel] = ev
	}
	if ev := byChannel["news"]; ev.LastLocal {
		t.Error("news still has a subscriber, should not be LastLocal")
	}
	if ev := byChannel["alerts"]; !ev.LastLocal {
		t.Error("alerts should be LastLocal")
	}
	if ev := byChannel["presence-room"]; ev.LeftMember == nil || ev.LeftMember.UserID != "u1" {
		t.Errorf("presence cleanup should evict u1, got %+v", ev.LeftMember)
	}
	if r.IsSubscribed("app", "news", "1.1") {
		t.Error("socket should be gone from news")
	}
	if !r.IsSubscribed("app", "news", "2.2") {
		t.Error("other socket should remain")
	}
	if again := r.CleanupSocket("app", "1.1"); len(again) != 0 {
		t.Errorf("second cleanup returned %d events", len(again))
	}
}

func TestBroadcastSkipsSenderAndCountsDrops(t *testing.T) {
	r := NewRegistry()
	sender := &fakeSocket{id: "1.1"}
	ok := &fakeSocket{id: "2.2"}
	full := &fakeSocket{id: "3.3", full: true}

	addPublic(t, r, "app", "news", sender)
	addPublic(t, r, "app", "news", ok)
	addPublic(t, r, "app", "news", full)

	delivered, dropped := r.Broadcast("app", "news", []byte(`{"event":"x"}`), "1.1")
	if delivered != 1 || dropped != 1 {
		t.Errorf("Broadcast = (%d, %d), want (1, 1)", delivered, dropped)
	}
	if len(sender.received()) != 0 {
		t.Error("sender must not receive its own broadcast")
	}
	if len(ok.received()) != 1 {
		t.Errorf("subscriber received %d frames, want 1", len(ok.received()))
	}
}

func TestBroadcastOrderPerSubscriber(t *testing.T) {
	r := NewRegistry()
	s := &fakeSocket{id: "1.1"}
	addPublic(t, r, "app", "news", s)

	frames := [][]byte{[]byte(`1`), []byte(`2`), []byte(`3`), []byte(`4`)}
	for _, f := range frames {
		r.Broadcast("app", "news", f, "")
	}
	got := s.received()
	if len(got) != len(frames) {
		t.Fatalf("received %d frames, want %d", len(got), len(frames))
	}
	for i := range frames {
		if string(got[i]) != string(frames[i]) {
			t.Errorf("frame %d = %s, want %s", i, got[i], frames[i])
		}
	}
}

func TestChannelsSnapshot(t *testing.T) {
	r := NewRegistry()
	addPublic(t, r, "app", "news", &fakeSocket{id: "1.1"})
	addPublic(t, r, "app", "news", &fakeSocket{id: "2.2"})
	addPublic(t, r, "app", "alerts", &fakeSocket{id: "3.3"})
	addPublic(t, r, "other", "news", &fakeSocket{id: "4.4"})

	got := r.Channels("app")
	if len(got) != 2 || got["news"] != 2 || got["alerts"] != 1 {
		t.Errorf("Channels = %v", got)
	}
	if got := r.Channels("missing"); len(got) != 0 {
		t.Errorf("Channels for unknown app = %v", got)
	}
}

func TestEventCacheRoundTrip(t *testing.T) {
	mem := cache.NewMemoryCache(0)
	defer mem.Close()
	ec := NewEventCache(mem, "sockudo", time.Minute)
	ctx := context.Background()

	if _, hit, err := ec.Load(ctx, "app", "cache-feed"); err != nil || hit {
		t.Fatalf("empty cache Load = hit %v, err %v", hit, err)
	}
	frame := []byte(`{"event":"tick","channel":"cache-feed","data":"{}"}`)
	if err := ec.Store(ctx, "app", "cache-feed", frame); err != nil {
		t.Fatal(err)
	}
	got, hit, err := ec.Load(ctx, "app", "cache-feed")
	if err != nil || !hit {
		t.Fatalf("Load = hit %v, err %v", hit, err)
	}
	if string(got) != string(frame) {
		t.Errorf("Load = %s", got)
	}
	// Keys are scoped per app.
	if _, hit, _ := ec.Load(ctx, "other", "cache-feed"); hit {
		t.Error("cache must not leak across apps")
	}
}
