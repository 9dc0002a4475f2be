package feed_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/MouTaaz/TazMou-ChatApp/internal/backend"
	"github.com/MouTaaz/TazMou-ChatApp/internal/model/chat"
	"github.com/MouTaaz/TazMou-ChatApp/internal/service/feed"
)

type fakeHandle struct {
	topic   string
	handler func(backend.ChangeEvent)
	errs    chan error
	once    sync.Once

	mu           sync.Mutex
	unsubscribed bool
}

func (h *fakeHandle) Unsubscribe() {
	h.mu.Lock()
	h.unsubscribed = true
	h.mu.Unlock()
	h.once.Do(func() { close(h.errs) })
}

func (h *fakeHandle) Err() <-chan error { return h.errs }

func (h *fakeHandle) fail(err error) {
	h.errs <- err
}

func (h *fakeHandle) isUnsubscribed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unsubscribed
}

type fakePush struct {
	mu   sync.Mutex
	subs map[string][]*fakeHandle
}

func newFakePush() *fakePush {
	return &fakePush{subs: make(map[string][]*fakeHandle)}
}

func (p *fakePush) Subscribe(_ context.Context, table string, handler func(backend.ChangeEvent)) (backend.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := &fakeHandle{topic: table, handler: handler, errs: make(chan error, 1)}
	p.subs[table] = append(p.subs[table], h)
	return h, nil
}

func (p *fakePush) handles(table string) []*fakeHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*fakeHandle(nil), p.subs[table]...)
}

func (p *fakePush) latest(t *testing.T, table string) *fakeHandle {
	t.Helper()
	hs := p.handles(table)
	if len(hs) == 0 {
		t.Fatalf("no subscription on %s", table)
	}
	return hs[len(hs)-1]
}

type recordingSink struct {
	mu       sync.Mutex
	messages []chat.MessageChange
	rooms    []chat.RoomChange
	profiles []chat.ProfileChange
	synced   []string
	loadAlls int
	cached   []string
}

func (s *recordingSink) ApplyMessageChange(ev chat.MessageChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, ev)
}

func (s *recordingSink) ApplyRoomChange(_ context.Context, ev chat.RoomChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms = append(s.rooms, ev)
}

func (s *recordingSink) ApplyProfileChange(ev chat.ProfileChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles = append(s.profiles, ev)
}

func (s *recordingSink) CachedRoomIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cached...)
}

func (s *recordingSink) SyncRoom(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synced = append(s.synced, roomID)
	return nil
}

func (s *recordingSink) LoadAll(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadAlls++
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func rawMessage(t *testing.T, m chat.Message) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal message: %v", err)
	}
	return raw
}

func TestAttachKeepsOneHandlePerTopic(t *testing.T) {
	push := newFakePush()
	sink := &recordingSink{}
	sub := feed.NewSubscriber(push, sink)
	sub.Reconnect = false

	if err := sub.Attach(context.Background()); err != nil {
		t.Fatalf("Attach err: %v", err)
	}
	if err := sub.Attach(context.Background()); err != nil {
		t.Fatalf("second Attach err: %v", err)
	}

	for _, topic := range []string{feed.TopicMessages, feed.TopicRooms, feed.TopicProfiles} {
		hs := push.handles(topic)
		if len(hs) != 2 {
			t.Fatalf("topic %s: %d subscriptions, want 2", topic, len(hs))
		}
		if !hs[0].isUnsubscribed() {
			t.Fatalf("topic %s: first handle still live after reattach", topic)
		}
		if hs[1].isUnsubscribed() {
			t.Fatalf("topic %s: replacement handle not live", topic)
		}
	}

	sub.Detach()
	for _, topic := range []string{feed.TopicMessages, feed.TopicRooms, feed.TopicProfiles} {
		if h := push.latest(t, topic); !h.isUnsubscribed() {
			t.Fatalf("topic %s: handle survived Detach", topic)
		}
	}
}

func TestEventsAreNormalizedPerTopic(t *testing.T) {
	push := newFakePush()
	sink := &recordingSink{}
	sub := feed.NewSubscriber(push, sink)
	sub.Reconnect = false
	if err := sub.Attach(context.Background()); err != nil {
		t.Fatalf("Attach err: %v", err)
	}
	defer sub.Detach()

	msg := chat.Message{ID: "m1", RoomID: "r1", SenderID: "u2", Type: chat.MessageText, Text: "hi"}
	push.latest(t, feed.TopicMessages).handler(backend.ChangeEvent{
		Type:  chat.ChangeInsert,
		Table: "messages",
		New:   rawMessage(t, msg),
	})

	roomRaw, _ := json.Marshal(chat.Room{ID: "r1", UserIDs: []string{"u1", "u2"}})
	push.latest(t, feed.TopicRooms).handler(backend.ChangeEvent{
		Type:  chat.ChangeDelete,
		Table: "chatRooms",
		Old:   roomRaw,
	})

	profileRaw, _ := json.Marshal(chat.Profile{ID: "u2", Username: "Bob"})
	push.latest(t, feed.TopicProfiles).handler(backend.ChangeEvent{
		Type:  chat.ChangeUpdate,
		Table: "profiles",
		New:   profileRaw,
	})

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.messages) != 1 || sink.messages[0].Message.ID != "m1" || sink.messages[0].Kind != chat.ChangeInsert {
		t.Fatalf("message events = %+v", sink.messages)
	}
	if len(sink.rooms) != 1 || sink.rooms[0].Room.ID != "r1" || sink.rooms[0].Kind != chat.ChangeDelete {
		t.Fatalf("room events = %+v", sink.rooms)
	}
	if len(sink.profiles) != 1 || sink.profiles[0].Profile.Username != "Bob" {
		t.Fatalf("profile events = %+v", sink.profiles)
	}
}

func TestMalformedPayloadIsDropped(t *testing.T) {
	push := newFakePush()
	sink := &recordingSink{}
	sub := feed.NewSubscriber(push, sink)
	sub.Reconnect = false
	if err := sub.Attach(context.Background()); err != nil {
		t.Fatalf("Attach err: %v", err)
	}
	defer sub.Detach()

	h := push.latest(t, feed.TopicMessages)
	h.handler(backend.ChangeEvent{Type: chat.ChangeInsert, Table: "messages", New: json.RawMessage(`{broken`)})
	h.handler(backend.ChangeEvent{Type: chat.ChangeInsert, Table: "messages"})

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.messages) != 0 {
		t.Fatalf("malformed payloads reached the sink: %+v", sink.messages)
	}
}

func TestChannelErrorTriggersReconnectAndReplay(t *testing.T) {
	push := newFakePush()
	sink := &recordingSink{cached: []string{"r1", "r2"}}
	sub := feed.NewSubscriber(push, sink)
	sub.BaseBackoff = time.Millisecond
	sub.MaxBackoff = 5 * time.Millisecond
	if err := sub.Attach(context.Background()); err != nil {
		t.Fatalf("Attach err: %v", err)
	}
	defer sub.Detach()

	push.latest(t, feed.TopicMessages).fail(backend.ErrNetwork)

	waitFor(t, "resubscription", func() bool {
		return len(push.handles(feed.TopicMessages)) == 2
	})
	waitFor(t, "replay of cached rooms", func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.synced) == 2
	})

	sink.mu.Lock()
	synced := append([]string(nil), sink.synced...)
	sink.mu.Unlock()
	got := map[string]bool{}
	for _, id := range synced {
		got[id] = true
	}
	if !got["r1"] || !got["r2"] {
		t.Fatalf("replayed rooms = %v", synced)
	}
}

func TestRoomsChannelErrorReloadsDirectory(t *testing.T) {
	push := newFakePush()
	sink := &recordingSink{}
	sub := feed.NewSubscriber(push, sink)
	sub.BaseBackoff = time.Millisecond
	sub.MaxBackoff = 5 * time.Millisecond
	if err := sub.Attach(context.Background()); err != nil {
		t.Fatalf("Attach err: %v", err)
	}
	defer sub.Detach()

	push.latest(t, feed.TopicRooms).fail(backend.ErrNetwork)

	waitFor(t, "directory reload", func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.loadAlls == 1
	})
}

func TestReconnectDisabledStaysDown(t *testing.T) {
	push := newFakePush()
	sink := &recordingSink{cached: []string{"r1"}}
	sub := feed.NewSubscriber(push, sink)
	sub.Reconnect = false
	sub.BaseBackoff = time.Millisecond
	if err := sub.Attach(context.Background()); err != nil {
		t.Fatalf("Attach err: %v", err)
	}
	defer sub.Detach()

	push.latest(t, feed.TopicMessages).fail(backend.ErrNetwork)

	time.Sleep(50 * time.Millisecond)
	if got := len(push.handles(feed.TopicMessages)); got != 1 {
		t.Fatalf("resubscribed with reconnect disabled: %d handles", got)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.synced) != 0 {
		t.Fatal("replay ran with reconnect disabled")
	}
}
