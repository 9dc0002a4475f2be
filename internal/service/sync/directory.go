package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/MouTaaz/TazMou-ChatApp/internal/backend"
	"github.com/MouTaaz/TazMou-ChatApp/internal/model/chat"
)

const defaultAvatar = "./default-avatar.png"

func sortSummariesLocked(rooms []chat.RoomSummary) {
	sort.SliceStable(rooms, func(i, j int) bool {
		return rooms[i].EffectiveTime().After(rooms[j].EffectiveTime())
	})
}

// LoadAll rebuilds the room directory: every room containing the current
// user, each with its latest message and precise unseen count. One
// round-trip per room is accepted for count precision.
func (e *Engine) LoadAll(ctx context.Context) error {
	sess, epoch, err := e.requireSession()
	if err != nil {
		return err
	}
	userID := sess.UserID

	rooms, err := e.store.RoomsContaining(ctx, userID)
	if err != nil {
		e.applyAtEpoch(epoch, func() { e.rooms = nil })
		return fmt.Errorf("load rooms: %w", err)
	}

	otherIDs := make([]string, 0, len(rooms))
	seen := make(map[string]bool)
	for _, room := range rooms {
		for _, id := range room.UserIDs {
			if id != userID && !seen[id] {
				seen[id] = true
				otherIDs = append(otherIDs, id)
			}
		}
	}
	if err := e.FetchProfiles(ctx, otherIDs); err != nil {
		log.Printf("[sync] fetch participant profiles: %v", err)
	}

	summaries := make([]chat.RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		last, ok, err := e.store.LatestMessage(ctx, room.ID)
		if err != nil {
			e.applyAtEpoch(epoch, func() { e.rooms = nil })
			return fmt.Errorf("load latest message for room %s: %w", room.ID, err)
		}
		count, err := e.store.CountUnseen(ctx, room.ID, userID)
		if err != nil {
			e.applyAtEpoch(epoch, func() { e.rooms = nil })
			return fmt.Errorf("count unseen for room %s: %w", room.ID, err)
		}

		s := chat.RoomSummary{Room: room, UnseenCount: count}
		if ok {
			s.LastMessagePreview = last.Preview()
			s.LastMessageTimeAt = last.CreatedAt
			s.LastMessageSenderID = last.SenderID
			s.LastMessageSeen = last.Seen
		}
		summaries = append(summaries, s)
	}
	sortSummariesLocked(summaries)

	e.applyAtEpoch(epoch, func() { e.rooms = summaries })
	return nil
}

// ApplyRoomChange folds a normalized room event into the directory. An
// insert of a room containing the current user triggers a full reload: a
// brand-new room needs the same per-room fetch as initial load anyway.
func (e *Engine) ApplyRoomChange(ctx context.Context, ev chat.RoomChange) {
	switch ev.Kind {
	case chat.ChangeInsert:
		e.mu.RLock()
		userID := e.currentUserLocked()
		e.mu.RUnlock()
		if userID == "" || !ev.Room.Contains(userID) {
			return
		}
		if err := e.LoadAll(ctx); err != nil {
			log.Printf("[sync] reload directory after room insert: %v", err)
		}
	case chat.ChangeUpdate:
		e.mu.Lock()
		for i := range e.rooms {
			r := &e.rooms[i]
			if r.ID != ev.Room.ID {
				continue
			}
			r.Room = ev.Room
			if ev.Room.LastMessage != "" {
				r.LastMessagePreview = ev.Room.LastMessage
			}
			if ev.Room.LastMessageTime != nil {
				r.LastMessageTimeAt = *ev.Room.LastMessageTime
			}
			break
		}
		sortSummariesLocked(e.rooms)
		e.mu.Unlock()
		e.notify()
	case chat.ChangeDelete:
		e.mu.Lock()
		for i := range e.rooms {
			if e.rooms[i].ID == ev.Room.ID {
				e.rooms = append(e.rooms[:i], e.rooms[i+1:]...)
				break
			}
		}
		if e.activeRoomID == ev.Room.ID {
			e.activeRoomID = ""
		}
		delete(e.messages, ev.Room.ID)
		e.mu.Unlock()
		e.notify()
	}
}

// SetSearchQuery stores the user-entered directory filter.
func (e *Engine) SetSearchQuery(query string) {
	e.mu.Lock()
	e.searchQuery = query
	e.mu.Unlock()
	e.notify()
}

// FilteredRooms returns the directory filtered by the stored search
// query.
func (e *Engine) FilteredRooms() []chat.RoomSummary {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.roomsMatchingLocked(e.searchQuery)
}

// RoomsMatching filters the directory by an ad-hoc query without
// touching the stored one, so read paths stay free of side effects.
func (e *Engine) RoomsMatching(query string) []chat.RoomSummary {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.roomsMatchingLocked(query)
}

// roomsMatchingLocked matches the other participant's username
// case-insensitively. An empty query returns the full directory;
// self-chats never match a username search.
func (e *Engine) roomsMatchingLocked(rawQuery string) []chat.RoomSummary {
	query := strings.ToLower(strings.TrimSpace(rawQuery))
	if query == "" {
		return append([]chat.RoomSummary(nil), e.rooms...)
	}

	userID := e.currentUserLocked()
	filtered := make([]chat.RoomSummary, 0, len(e.rooms))
	for _, room := range e.rooms {
		otherID := ""
		for _, id := range room.UserIDs {
			if id != userID {
				otherID = id
				break
			}
		}
		if otherID == "" {
			continue
		}
		other, ok := e.profiles[otherID]
		if !ok || other.Username == "" {
			continue
		}
		if strings.Contains(strings.ToLower(other.Username), query) {
			filtered = append(filtered, room)
		}
	}
	return filtered
}

// DisplayProps resolves how a room is labeled for the current user. A
// self-chat renders under a fixed label with the user's own avatar.
type DisplayProps struct {
	SelfChat    bool   `json:"isSelfChat"`
	Name        string `json:"chatName"`
	AvatarURL   string `json:"chatAvatar"`
	OtherUserID string `json:"otherUserId,omitempty"`
}

// DisplayProps derives the directory label for a room.
func (e *Engine) DisplayProps(room chat.Room) DisplayProps {
	e.mu.RLock()
	defer e.mu.RUnlock()

	userID := e.currentUserLocked()
	if userID == "" {
		return DisplayProps{Name: "Unknown User", AvatarURL: defaultAvatar}
	}

	if room.IsSelfChat(userID) {
		props := DisplayProps{SelfChat: true, Name: "Notes to Self", AvatarURL: defaultAvatar}
		if e.profile != nil && e.profile.AvatarURL != "" {
			props.AvatarURL = e.profile.AvatarURL
		}
		return props
	}

	otherID := room.OtherParticipant(userID)
	props := DisplayProps{Name: "Unknown User", AvatarURL: defaultAvatar, OtherUserID: otherID}
	if other, ok := e.profiles[otherID]; ok {
		if other.Username != "" {
			props.Name = other.Username
		}
		if other.AvatarURL != "" {
			props.AvatarURL = other.AvatarURL
		}
	}
	return props
}

// GetOrCreateRoom reuses the room holding exactly the given pair or
// creates it. An already existing room is success, not a conflict.
func (e *Engine) GetOrCreateRoom(ctx context.Context, otherUserID string) (chat.Room, bool, error) {
	sess, _, err := e.requireSession()
	if err != nil {
		return chat.Room{}, false, err
	}

	pair := []string{sess.UserID, otherUserID}
	sort.Strings(pair)

	existing, err := e.store.RoomContainingAll(ctx, pair)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, backend.ErrNotFound) {
		return chat.Room{}, false, fmt.Errorf("look up room: %w", err)
	}

	created, err := e.store.InsertRoom(ctx, chat.Room{
		UserIDs:   pair,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return chat.Room{}, false, fmt.Errorf("create room: %w", err)
	}
	return created, true, nil
}
