package chat

import "time"

// Room is a two-participant conversation. A self-chat repeats the same id
// in both slots.
type Room struct {
	ID        string    `json:"id"`
	UserIDs   []string  `json:"user_ids"`
	CreatedAt time.Time `json:"created_at"`
	// Denormalized metadata maintained by the backend on send.
	LastMessage     string     `json:"last_message,omitempty"`
	LastMessageTime *time.Time `json:"last_message_time,omitempty"`
}

// Contains reports whether userID participates in the room.
func (r Room) Contains(userID string) bool {
	for _, id := range r.UserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// IsSelfChat reports whether both participant slots hold userID.
func (r Room) IsSelfChat(userID string) bool {
	return len(r.UserIDs) == 2 && r.UserIDs[0] == r.UserIDs[1] && r.UserIDs[0] == userID
}

// OtherParticipant returns the participant that is not userID. For a
// self-chat it returns userID itself.
func (r Room) OtherParticipant(userID string) string {
	for _, id := range r.UserIDs {
		if id != userID {
			return id
		}
	}
	if len(r.UserIDs) > 0 {
		return r.UserIDs[0]
	}
	return ""
}

// RoomSummary is the directory entry for a room: the room plus summary
// fields derived from its message log as currently known to the client.
type RoomSummary struct {
	Room
	LastMessagePreview  string    `json:"lastMessagePreview"`
	LastMessageTimeAt   time.Time `json:"lastMessageTime"`
	LastMessageSenderID string    `json:"lastMessageSenderId,omitempty"`
	LastMessageSeen     bool      `json:"lastMessageSeen"`
	UnseenCount         int       `json:"unseenCount"`
}

// EffectiveTime is the recency key the directory sorts by: last message
// time, falling back to room creation for rooms with no messages yet.
func (s RoomSummary) EffectiveTime() time.Time {
	if !s.LastMessageTimeAt.IsZero() {
		return s.LastMessageTimeAt
	}
	return s.CreatedAt
}
