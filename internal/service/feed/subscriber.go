// Package feed manages the push change-feed subscriptions: one live
// handle per topic, normalization of loosely-typed payloads into the
// typed events the caches consume, and an explicit reconnect policy.
package feed

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/MouTaaz/TazMou-ChatApp/internal/backend"
	"github.com/MouTaaz/TazMou-ChatApp/internal/model/chat"
)

// Topics the subscriber maintains. At most one live handle exists per
// topic at any time.
const (
	TopicMessages = "messages"
	TopicRooms    = "chatRooms"
	TopicProfiles = "profiles"
)

var topics = []string{TopicMessages, TopicRooms, TopicProfiles}

// Sink receives normalized events and drives replay after a reconnect.
// The sync engine implements it.
type Sink interface {
	ApplyMessageChange(ev chat.MessageChange)
	ApplyRoomChange(ctx context.Context, ev chat.RoomChange)
	ApplyProfileChange(ev chat.ProfileChange)
	CachedRoomIDs() []string
	SyncRoom(ctx context.Context, roomID string) error
	LoadAll(ctx context.Context) error
}

// Subscriber owns the per-topic push handles.
type Subscriber struct {
	push backend.PushChannel
	sink Sink

	// Reconnect policy. BaseBackoff doubles up to MaxBackoff.
	Reconnect   bool
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	mu      sync.Mutex
	gen     uint64
	handles map[string]backend.Handle
}

// NewSubscriber wires the subscriber to the push collaborator and its
// event sink.
func NewSubscriber(push backend.PushChannel, sink Sink) *Subscriber {
	return &Subscriber{
		push:        push,
		sink:        sink,
		Reconnect:   true,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  30 * time.Second,
		handles:     make(map[string]backend.Handle),
	}
}

// Attach subscribes every topic, tearing down any previous handles first
// so no topic is ever delivered twice.
func (s *Subscriber) Attach(ctx context.Context) error {
	s.mu.Lock()
	s.gen++
	s.mu.Unlock()

	for _, topic := range topics {
		if err := s.subscribe(ctx, topic); err != nil {
			return err
		}
	}
	return nil
}

// Rearm re-creates all subscriptions; used when channel credentials
// rotate on token refresh.
func (s *Subscriber) Rearm(ctx context.Context) {
	if err := s.Attach(ctx); err != nil {
		log.Printf("[feed] rearm subscriptions: %v", err)
	}
}

// Detach releases every handle.
func (s *Subscriber) Detach() {
	s.mu.Lock()
	s.gen++
	handles := s.handles
	s.handles = make(map[string]backend.Handle)
	s.mu.Unlock()

	for _, h := range handles {
		h.Unsubscribe()
	}
}

func (s *Subscriber) subscribe(ctx context.Context, topic string) error {
	s.mu.Lock()
	old := s.handles[topic]
	delete(s.handles, topic)
	gen := s.gen
	s.mu.Unlock()

	if old != nil {
		old.Unsubscribe()
	}

	handle, err := s.push.Subscribe(ctx, topic, s.handlerFor(ctx, topic))
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.gen != gen {
		// Attach/Detach raced the subscribe; this handle lost.
		s.mu.Unlock()
		handle.Unsubscribe()
		return nil
	}
	s.handles[topic] = handle
	s.mu.Unlock()

	go s.watch(ctx, topic, gen, handle)
	return nil
}

// watch surfaces a transport-level channel error and, when the reconnect
// policy is on, resubscribes with exponential backoff and replays the
// missed window from the incremental fetch path.
func (s *Subscriber) watch(ctx context.Context, topic string, gen uint64, handle backend.Handle) {
	err, ok := <-handle.Err()
	if !ok {
		return
	}
	log.Printf("[feed] channel error on %s: %v", topic, err)
	if !s.Reconnect {
		return
	}

	delay := s.BaseBackoff
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		s.mu.Lock()
		stale := s.gen != gen
		s.mu.Unlock()
		if stale {
			return
		}

		if err := s.subscribe(ctx, topic); err != nil {
			log.Printf("[feed] resubscribe %s: %v", topic, err)
			if delay *= 2; delay > s.MaxBackoff {
				delay = s.MaxBackoff
			}
			continue
		}

		s.replay(ctx, topic)
		return
	}
}

// replay catches up after an outage: cached rooms re-run the gap-free
// incremental fetch, the directory reloads in full. Profiles need no
// replay; stale entries refresh on the next fetch.
func (s *Subscriber) replay(ctx context.Context, topic string) {
	switch topic {
	case TopicMessages:
		for _, roomID := range s.sink.CachedRoomIDs() {
			if err := s.sink.SyncRoom(ctx, roomID); err != nil {
				log.Printf("[feed] replay room %s: %v", roomID, err)
			}
		}
	case TopicRooms:
		if err := s.sink.LoadAll(ctx); err != nil {
			log.Printf("[feed] replay directory: %v", err)
		}
	}
}

// handlerFor normalizes a topic's raw change events into the closed typed
// variants the caches consume. Malformed payloads are logged and dropped;
// they never crash the event loop.
func (s *Subscriber) handlerFor(ctx context.Context, topic string) func(backend.ChangeEvent) {
	switch topic {
	case TopicMessages:
		return func(ev backend.ChangeEvent) {
			var m chat.Message
			if !decodeRow(ev, &m) {
				return
			}
			s.sink.ApplyMessageChange(chat.MessageChange{Kind: ev.Type, Message: m})
		}
	case TopicRooms:
		return func(ev backend.ChangeEvent) {
			var r chat.Room
			if !decodeRow(ev, &r) {
				return
			}
			s.sink.ApplyRoomChange(ctx, chat.RoomChange{Kind: ev.Type, Room: r})
		}
	case TopicProfiles:
		return func(ev backend.ChangeEvent) {
			var p chat.Profile
			if !decodeRow(ev, &p) {
				return
			}
			s.sink.ApplyProfileChange(chat.ProfileChange{Kind: ev.Type, Profile: p})
		}
	default:
		return func(backend.ChangeEvent) {}
	}
}

// decodeRow unpacks the row payload of a change event: the new row for
// inserts and updates, the old row for deletes.
func decodeRow(ev backend.ChangeEvent, out any) bool {
	raw := ev.New
	if ev.Type == chat.ChangeDelete {
		raw = ev.Old
	}
	if len(raw) == 0 {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		log.Printf("[feed] drop malformed %s payload: %v", ev.Table, err)
		return false
	}
	return true
}
