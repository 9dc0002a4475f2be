// Package backend declares the collaborator contracts the sync core
// consumes: authentication, relational storage, the push change-feed, the
// presence channel and object storage. The core never talks to a concrete
// backend directly; implementations live in subpackages.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/MouTaaz/TazMou-ChatApp/internal/model/chat"
)

var (
	ErrInvalidCredentials = errors.New("backend: invalid credentials")
	ErrAlreadyRegistered  = errors.New("backend: email already registered")
	ErrNetwork            = errors.New("backend: network failure")
	ErrUnauthorized       = errors.New("backend: unauthorized")
	ErrNotFound           = errors.New("backend: not found")
)

// AuthEventKind identifies an entry of the ordered auth-lifecycle stream.
type AuthEventKind string

const (
	AuthSignedIn       AuthEventKind = "signedIn"
	AuthTokenRefreshed AuthEventKind = "tokenRefreshed"
	AuthSignedOut      AuthEventKind = "signedOut"
)

// AuthEvent is one auth-lifecycle notification. Session is nil for
// signedOut.
type AuthEvent struct {
	Kind    AuthEventKind
	Session *chat.Session
}

// Auth is the authentication collaborator.
type Auth interface {
	SignIn(ctx context.Context, email, password string) (chat.Session, error)
	SignUp(ctx context.Context, email, password string) (chat.Session, error)
	Refresh(ctx context.Context, session chat.Session) (chat.Session, error)
	SignOut(ctx context.Context, session chat.Session) error
	// OnAuthEvent registers a listener on the ordered auth event stream and
	// returns a function that removes it.
	OnAuthEvent(listener func(AuthEvent)) func()
}

// Store is the relational collaborator, typed to the chat schema. The
// Rooms* queries use a containment predicate over the participant-ids
// array column.
type Store interface {
	Profile(ctx context.Context, id string) (chat.Profile, error)
	ProfilesByIDs(ctx context.Context, ids []string) ([]chat.Profile, error)
	UpsertProfile(ctx context.Context, p chat.Profile) error
	UpdateLastSeen(ctx context.Context, userID string, at time.Time) error

	RoomsContaining(ctx context.Context, userID string) ([]chat.Room, error)
	RoomContainingAll(ctx context.Context, userIDs []string) (chat.Room, error)
	InsertRoom(ctx context.Context, room chat.Room) (chat.Room, error)
	UpdateRoomLastMessage(ctx context.Context, roomID, preview string, at time.Time) error

	LatestMessage(ctx context.Context, roomID string) (chat.Message, bool, error)
	CountUnseen(ctx context.Context, roomID, viewerID string) (int, error)
	RecentMessages(ctx context.Context, roomID string, limit int) ([]chat.Message, error)
	MessagesAfter(ctx context.Context, roomID string, after time.Time) ([]chat.Message, error)
	InsertMessage(ctx context.Context, m chat.Message) (chat.Message, error)
	MarkSeen(ctx context.Context, roomID, viewerID string) ([]string, error)
}

// ChangeEvent is the loosely-typed payload delivered by the push feed.
// Normalization into typed events happens at the subscriber boundary.
type ChangeEvent struct {
	Type  chat.ChangeKind `json:"eventType"`
	Table string          `json:"table"`
	New   json.RawMessage `json:"new,omitempty"`
	Old   json.RawMessage `json:"old,omitempty"`
}

// Handle is a live push subscription. Err yields at most one transport
// error; the channel is closed on unsubscribe.
type Handle interface {
	Unsubscribe()
	Err() <-chan error
}

// PushChannel is the push change-feed collaborator. At most one live
// subscription per table is maintained by the core.
type PushChannel interface {
	Subscribe(ctx context.Context, table string, handler func(ChangeEvent)) (Handle, error)
}

// TrackPayload is the announcement broadcast when a client joins the
// presence channel.
type TrackPayload struct {
	OnlineAt time.Time `json:"online_at"`
	Username string    `json:"username"`
}

// PresenceHandle is a live membership in a presence channel.
type PresenceHandle interface {
	Track(payload TrackPayload) error
	OnSync(handler func(state map[string][]TrackPayload))
	OnLeave(handler func(key string))
	Leave() error
}

// PresenceChannel is the presence collaborator. Join enters the named
// channel under the given key; the handle's sync handler observes the full
// key -> connections mapping.
type PresenceChannel interface {
	Join(ctx context.Context, channel, key string) (PresenceHandle, error)
}

// ObjectStore is the object-storage collaborator.
type ObjectStore interface {
	Upload(ctx context.Context, path string, r io.Reader) error
	PublicURL(path string) string
}
