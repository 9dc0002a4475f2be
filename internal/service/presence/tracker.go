// Package presence tracks which users are connected via the shared
// presence channel and stamps last-seen timestamps on disconnect.
package presence

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/MouTaaz/TazMou-ChatApp/internal/backend"
	"github.com/MouTaaz/TazMou-ChatApp/internal/model/chat"
)

// Directory is the slice of the sync engine the tracker writes to.
type Directory interface {
	SetOnlineUsers(online map[string]bool)
	RemoveOnlineUser(userID string)
	UpdateLastSeen(ctx context.Context, userID string) error
}

// Tracker joins the shared presence channel under the current user's id
// and projects the channel state into the online view.
type Tracker struct {
	channel     backend.PresenceChannel
	dir         Directory
	channelName string

	mu     sync.Mutex
	handle backend.PresenceHandle
	selfID string
}

// NewTracker wires the tracker to the presence collaborator.
func NewTracker(channel backend.PresenceChannel, dir Directory, channelName string) *Tracker {
	return &Tracker{channel: channel, dir: dir, channelName: channelName}
}

// Start joins the presence channel and announces the local user. A
// previous membership is left first.
func (t *Tracker) Start(ctx context.Context, profile chat.Profile) error {
	t.mu.Lock()
	if t.handle != nil {
		if err := t.handle.Leave(); err != nil {
			log.Printf("[presence] leave previous channel: %v", err)
		}
		t.handle = nil
	}
	t.mu.Unlock()

	handle, err := t.channel.Join(ctx, t.channelName, profile.ID)
	if err != nil {
		return fmt.Errorf("join presence channel: %w", err)
	}

	handle.OnSync(func(state map[string][]backend.TrackPayload) {
		online := make(map[string]bool, len(state))
		for key, connections := range state {
			if len(connections) > 0 {
				online[key] = true
			}
		}
		t.dir.SetOnlineUsers(online)
	})

	handle.OnLeave(func(key string) {
		if key == "" {
			return
		}
		if err := t.dir.UpdateLastSeen(ctx, key); err != nil {
			log.Printf("[presence] stamp last seen for %s: %v", key, err)
		}
	})

	if err := handle.Track(backend.TrackPayload{
		OnlineAt: time.Now().UTC(),
		Username: profile.Username,
	}); err != nil {
		_ = handle.Leave()
		return fmt.Errorf("announce presence: %w", err)
	}

	if err := t.dir.UpdateLastSeen(ctx, profile.ID); err != nil {
		log.Printf("[presence] stamp own last seen: %v", err)
	}

	t.mu.Lock()
	t.handle = handle
	t.selfID = profile.ID
	t.mu.Unlock()
	return nil
}

// Stop stamps the local user's last_seen exactly once, leaves the channel
// and removes the user from the online view so no stale "online" state
// lingers. Safe to call when not started.
func (t *Tracker) Stop(ctx context.Context) {
	t.mu.Lock()
	handle := t.handle
	selfID := t.selfID
	t.handle = nil
	t.selfID = ""
	t.mu.Unlock()

	if handle == nil {
		return
	}

	if err := t.dir.UpdateLastSeen(ctx, selfID); err != nil {
		log.Printf("[presence] stamp last seen on teardown: %v", err)
	}
	if err := handle.Leave(); err != nil {
		log.Printf("[presence] leave channel: %v", err)
	}
	t.dir.RemoveOnlineUser(selfID)
}
