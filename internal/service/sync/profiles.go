package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/MouTaaz/TazMou-ChatApp/internal/model/chat"
)

// FetchProfiles loads the given profiles into the directory, skipping ids
// already cached.
func (e *Engine) FetchProfiles(ctx context.Context, ids []string) error {
	e.mu.RLock()
	epoch := e.epoch
	missing := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := e.profiles[id]; !ok {
			missing = append(missing, id)
		}
	}
	e.mu.RUnlock()

	if len(missing) == 0 {
		return nil
	}

	fetched, err := e.store.ProfilesByIDs(ctx, missing)
	if err != nil {
		return fmt.Errorf("fetch profiles: %w", err)
	}

	e.applyAtEpoch(epoch, func() {
		for _, p := range fetched {
			e.profiles[p.ID] = p
		}
	})
	return nil
}

// ApplyProfileChange folds a profile push event into the directory.
func (e *Engine) ApplyProfileChange(ev chat.ProfileChange) {
	e.mu.Lock()
	switch ev.Kind {
	case chat.ChangeInsert, chat.ChangeUpdate:
		e.profiles[ev.Profile.ID] = ev.Profile
		if e.profile != nil && e.profile.ID == ev.Profile.ID {
			p := ev.Profile
			e.profile = &p
		}
	case chat.ChangeDelete:
		delete(e.profiles, ev.Profile.ID)
	}
	e.mu.Unlock()
	e.notify()
}

// ProfileUpdate describes an edit to the owning user's profile.
type ProfileUpdate struct {
	ID       string
	Username string
	Email    string
	Avatar   *Attachment
}

// SaveProfile uploads a new avatar when provided, upserts the profile and
// patches it into the snapshot.
func (e *Engine) SaveProfile(ctx context.Context, update ProfileUpdate) (chat.Profile, error) {
	_, epoch, err := e.requireSession()
	if err != nil {
		return chat.Profile{}, err
	}

	profile := chat.Profile{
		ID:       update.ID,
		Username: update.Username,
		Email:    update.Email,
	}
	e.mu.RLock()
	if existing, ok := e.profiles[update.ID]; ok {
		profile.AvatarURL = existing.AvatarURL
		profile.LastSeen = existing.LastSeen
	}
	e.mu.RUnlock()

	if update.Avatar != nil {
		objectPath := fmt.Sprintf("avatars/%s/%s", update.ID, update.Avatar.Name)
		if err := e.objects.Upload(ctx, objectPath, update.Avatar.Reader); err != nil {
			return chat.Profile{}, fmt.Errorf("upload avatar: %w", err)
		}
		profile.AvatarURL = e.objects.PublicURL(objectPath)
	}

	if err := e.store.UpsertProfile(ctx, profile); err != nil {
		return chat.Profile{}, fmt.Errorf("save profile: %w", err)
	}

	e.applyAtEpoch(epoch, func() {
		e.profiles[profile.ID] = profile
		if e.profile != nil && e.profile.ID == profile.ID {
			p := profile
			e.profile = &p
		}
	})
	return profile, nil
}

// SeedProfile creates the initial profile record for a fresh sign-up.
func (e *Engine) SeedProfile(ctx context.Context, p chat.Profile) error {
	if err := e.store.UpsertProfile(ctx, p); err != nil {
		return fmt.Errorf("seed profile: %w", err)
	}
	return nil
}

// UpdateLastSeen stamps the given user's last_seen to now.
func (e *Engine) UpdateLastSeen(ctx context.Context, userID string) error {
	if userID == "" {
		return nil
	}
	if err := e.store.UpdateLastSeen(ctx, userID, time.Now().UTC()); err != nil {
		return fmt.Errorf("update last seen for %s: %w", userID, err)
	}
	return nil
}

// SetOnlineUsers replaces the presence view with the given online set.
func (e *Engine) SetOnlineUsers(online map[string]bool) {
	e.mu.Lock()
	e.online = make(map[string]bool, len(online))
	for id, on := range online {
		if on {
			e.online[id] = true
		}
	}
	e.mu.Unlock()
	e.notify()
}

// RemoveOnlineUser drops a user from the presence view, avoiding a stale
// online flicker during teardown.
func (e *Engine) RemoveOnlineUser(userID string) {
	e.mu.Lock()
	delete(e.online, userID)
	e.mu.Unlock()
	e.notify()
}
