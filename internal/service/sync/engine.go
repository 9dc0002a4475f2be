// Package sync implements the client-side synchronization engine: the
// per-room message cache, the room directory with unseen counts, the
// profile directory and the presence view, all projected into one
// snapshot the UI layer reads.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MouTaaz/TazMou-ChatApp/internal/backend"
	"github.com/MouTaaz/TazMou-ChatApp/internal/model/chat"
)

var (
	ErrNoSession    = errors.New("sync: no active session")
	ErrEmptyMessage = errors.New("sync: message has neither text nor media")
)

// Engine is the single reactive state container. Every mutation goes
// through one of its methods; reads take a consistent copy via Snapshot.
type Engine struct {
	store    backend.Store
	objects  backend.ObjectStore
	pageSize int

	mu           sync.RWMutex
	epoch        uint64
	session      *chat.Session
	profile      *chat.Profile
	activeRoomID string
	searchQuery  string
	rooms        []chat.RoomSummary
	profiles     map[string]chat.Profile
	online       map[string]bool
	messages     map[string][]chat.Message

	watchMu   sync.Mutex
	watchers  map[uint64]chan struct{}
	nextWatch uint64
}

// Snapshot is the externally observed state. The messages of the active
// room are always exactly Messages[ActiveRoomID]; no second copy exists.
type Snapshot struct {
	Session      *chat.Session             `json:"session,omitempty"`
	Profile      *chat.Profile             `json:"profile,omitempty"`
	ActiveRoomID string                    `json:"activeRoomId,omitempty"`
	SearchQuery  string                    `json:"searchQuery,omitempty"`
	Rooms        []chat.RoomSummary        `json:"rooms"`
	Profiles     map[string]chat.Profile   `json:"profiles"`
	Online       map[string]bool           `json:"online"`
	Messages     map[string][]chat.Message `json:"messages"`
}

// NewEngine builds an engine over the given collaborators. pageSize is
// the initial fetch window per room.
func NewEngine(store backend.Store, objects backend.ObjectStore, pageSize int) *Engine {
	if pageSize < 1 {
		pageSize = 50
	}
	return &Engine{
		store:    store,
		objects:  objects,
		pageSize: pageSize,
		profiles: make(map[string]chat.Profile),
		online:   make(map[string]bool),
		messages: make(map[string][]chat.Message),
		watchers: make(map[uint64]chan struct{}),
	}
}

// Initialize adopts a session and performs the initial bulk load: the
// owning profile plus the full room directory.
func (e *Engine) Initialize(ctx context.Context, session chat.Session) error {
	e.mu.Lock()
	s := session
	e.session = &s
	epoch := e.epoch
	e.mu.Unlock()
	e.notify()

	profile, err := e.store.Profile(ctx, session.UserID)
	if err != nil {
		return fmt.Errorf("load own profile: %w", err)
	}
	if !e.applyAtEpoch(epoch, func() {
		e.profile = &profile
		e.profiles[profile.ID] = profile
	}) {
		return nil
	}

	return e.LoadAll(ctx)
}

// Reset drops all per-user state and invalidates every in-flight fetch:
// results resolved against an earlier epoch are discarded on merge.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.epoch++
	e.session = nil
	e.profile = nil
	e.activeRoomID = ""
	e.searchQuery = ""
	e.rooms = nil
	e.profiles = make(map[string]chat.Profile)
	e.online = make(map[string]bool)
	e.messages = make(map[string][]chat.Message)
	e.mu.Unlock()
	e.notify()
}

// Session returns the adopted session, if any.
func (e *Engine) Session() (chat.Session, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.session == nil {
		return chat.Session{}, false
	}
	return *e.session, true
}

// Snapshot returns a copy of the full observable state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snap := Snapshot{
		ActiveRoomID: e.activeRoomID,
		SearchQuery:  e.searchQuery,
		Rooms:        append([]chat.RoomSummary(nil), e.rooms...),
		Profiles:     make(map[string]chat.Profile, len(e.profiles)),
		Online:       make(map[string]bool, len(e.online)),
		Messages:     make(map[string][]chat.Message, len(e.messages)),
	}
	if e.session != nil {
		s := *e.session
		snap.Session = &s
	}
	if e.profile != nil {
		p := *e.profile
		snap.Profile = &p
	}
	for id, p := range e.profiles {
		snap.Profiles[id] = p
	}
	for id, on := range e.online {
		snap.Online[id] = on
	}
	for roomID, log := range e.messages {
		snap.Messages[roomID] = append([]chat.Message(nil), log...)
	}
	return snap
}

// Watch registers a change listener. The returned channel receives a
// token after every snapshot mutation; the cancel function removes the
// listener.
func (e *Engine) Watch() (<-chan struct{}, func()) {
	e.watchMu.Lock()
	id := e.nextWatch
	e.nextWatch++
	ch := make(chan struct{}, 1)
	e.watchers[id] = ch
	e.watchMu.Unlock()

	cancel := func() {
		e.watchMu.Lock()
		delete(e.watchers, id)
		e.watchMu.Unlock()
	}
	return ch, cancel
}

func (e *Engine) notify() {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	for _, ch := range e.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// currentEpoch captures the epoch a network call was issued under.
func (e *Engine) currentEpoch() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.epoch
}

// applyAtEpoch runs fn under the write lock only if the epoch has not
// moved since the call was issued. Stale completions become no-ops.
func (e *Engine) applyAtEpoch(epoch uint64, fn func()) bool {
	e.mu.Lock()
	if e.epoch != epoch {
		e.mu.Unlock()
		return false
	}
	fn()
	e.mu.Unlock()
	e.notify()
	return true
}

// currentUserLocked resolves the viewer id. Callers hold at least a read
// lock.
func (e *Engine) currentUserLocked() string {
	if e.profile != nil {
		return e.profile.ID
	}
	if e.session != nil {
		return e.session.UserID
	}
	return ""
}

// requireSession snapshots the session and epoch for an async operation.
func (e *Engine) requireSession() (chat.Session, uint64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.session == nil {
		return chat.Session{}, 0, ErrNoSession
	}
	return *e.session, e.epoch, nil
}
