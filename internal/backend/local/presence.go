package local

import (
	"context"
	"sync"

	"github.com/MouTaaz/TazMou-ChatApp/internal/backend"
)

// PresenceHub is the in-process presence collaborator: named channels of
// tracked memberships, with sync broadcasts on every join, track and
// leave.
type PresenceHub struct {
	mu       sync.Mutex
	channels map[string]*presenceChannel
}

// NewPresenceHub builds an empty hub.
func NewPresenceHub() *PresenceHub {
	return &PresenceHub{channels: make(map[string]*presenceChannel)}
}

// Join enters the named channel under key. The membership contributes a
// connection only once Track is called.
func (h *PresenceHub) Join(_ context.Context, channel, key string) (backend.PresenceHandle, error) {
	h.mu.Lock()
	ch, ok := h.channels[channel]
	if !ok {
		ch = &presenceChannel{memberships: make(map[uint64]*membership)}
		h.channels[channel] = ch
	}
	h.mu.Unlock()

	return ch.join(key), nil
}

type presenceChannel struct {
	mu          sync.Mutex
	memberships map[uint64]*membership
	next        uint64
}

type membership struct {
	ch      *presenceChannel
	id      uint64
	key     string
	payload backend.TrackPayload
	tracked bool
	onSync  func(map[string][]backend.TrackPayload)
	onLeave func(string)
}

func (c *presenceChannel) join(key string) *membership {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := &membership{ch: c, id: c.next, key: key}
	c.next++
	c.memberships[m.id] = m
	return m
}

// stateLocked assembles the key -> connections mapping.
func (c *presenceChannel) stateLocked() map[string][]backend.TrackPayload {
	state := make(map[string][]backend.TrackPayload)
	for _, m := range c.memberships {
		if m.tracked {
			state[m.key] = append(state[m.key], m.payload)
		}
	}
	return state
}

// broadcastSync delivers the current state to every membership's sync
// handler. Handlers run outside the channel lock.
func (c *presenceChannel) broadcastSync() {
	c.mu.Lock()
	state := c.stateLocked()
	handlers := make([]func(map[string][]backend.TrackPayload), 0, len(c.memberships))
	for _, m := range c.memberships {
		if m.onSync != nil {
			handlers = append(handlers, m.onSync)
		}
	}
	c.mu.Unlock()

	for _, handler := range handlers {
		handler(state)
	}
}

func (m *membership) Track(payload backend.TrackPayload) error {
	m.ch.mu.Lock()
	m.payload = payload
	m.tracked = true
	m.ch.mu.Unlock()

	m.ch.broadcastSync()
	return nil
}

func (m *membership) OnSync(handler func(state map[string][]backend.TrackPayload)) {
	m.ch.mu.Lock()
	m.onSync = handler
	m.ch.mu.Unlock()
}

func (m *membership) OnLeave(handler func(key string)) {
	m.ch.mu.Lock()
	m.onLeave = handler
	m.ch.mu.Unlock()
}

// Leave removes the membership. When it was the key's last tracked
// connection, the remaining members observe a leave event for the key.
func (m *membership) Leave() error {
	c := m.ch

	c.mu.Lock()
	if _, ok := c.memberships[m.id]; !ok {
		c.mu.Unlock()
		return nil
	}
	wasTracked := m.tracked
	delete(c.memberships, m.id)

	keyGone := wasTracked
	if keyGone {
		for _, other := range c.memberships {
			if other.tracked && other.key == m.key {
				keyGone = false
				break
			}
		}
	}
	var leaveHandlers []func(string)
	if keyGone {
		for _, other := range c.memberships {
			if other.onLeave != nil {
				leaveHandlers = append(leaveHandlers, other.onLeave)
			}
		}
	}
	c.mu.Unlock()

	for _, handler := range leaveHandlers {
		handler(m.key)
	}
	c.broadcastSync()
	return nil
}
