package chat

import (
	"strings"
	"time"
)

// MessageType discriminates how a message body is rendered.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageVideo MessageType = "video"
	MessageAudio MessageType = "audio"
	MessageFile  MessageType = "file"
)

// localIDPrefix marks messages synthesized client-side before the backend
// assigns the canonical row id.
const localIDPrefix = "local-"

// MediaMeta describes an uploaded attachment.
type MediaMeta struct {
	ContentType string `json:"type"`
	Size        int64  `json:"size"`
	Extension   string `json:"extension"`
	Name        string `json:"name"`
}

// Message is one entry of a room's ordered log.
type Message struct {
	ID        string      `json:"id"`
	RoomID    string      `json:"room_id"`
	SenderID  string      `json:"sender_id"`
	Type      MessageType `json:"type"`
	Text      string      `json:"text"`
	MediaURL  string      `json:"media_url,omitempty"`
	MediaMeta *MediaMeta  `json:"media_metadata,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	Seen      bool        `json:"seen"`
}

// Local reports whether the message id was synthesized client-side and is
// still awaiting backend confirmation.
func (m Message) Local() bool {
	return strings.HasPrefix(m.ID, localIDPrefix)
}

// LocalID builds a synthesized message id from a uuid.
func LocalID(id string) string {
	return localIDPrefix + id
}

// Preview renders the directory preview line for a message: plain text when
// present, otherwise a label derived from the media type.
func (m Message) Preview() string {
	if m.Text != "" {
		return m.Text
	}
	if m.MediaURL == "" {
		return ""
	}
	switch m.Type {
	case MessageAudio:
		return "[Voice Message]"
	case MessageImage:
		return "[Image]"
	case MessageVideo:
		return "[Video]"
	case MessageFile:
		return "[File]"
	default:
		return "[Non-text message]"
	}
}

// Before orders messages ascending by creation time, ties broken by id so
// that any interleaving of merges converges to the same log.
func (m Message) Before(other Message) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.ID < other.ID
	}
	return m.CreatedAt.Before(other.CreatedAt)
}
