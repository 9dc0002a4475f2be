// Package session owns the authentication lifecycle. Every other
// component activates only while the manager holds a session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/MouTaaz/TazMou-ChatApp/internal/backend"
	"github.com/MouTaaz/TazMou-ChatApp/internal/model/chat"
)

// State is the manager's lifecycle phase.
type State string

const (
	StateUnauthenticated State = "UNAUTHENTICATED"
	StateAuthenticating  State = "AUTHENTICATING"
	StateAuthenticated   State = "AUTHENTICATED"
	StateRefreshing      State = "REFRESHING"
)

var ErrMissingFields = errors.New("session: required fields are missing")

// now is swapped in tests to pin expiry checks.
var now = time.Now

// Hooks are the downstream transitions the manager drives. They are
// invoked outside the manager's lock.
type Hooks struct {
	// Initialize performs the per-user bulk load and attaches push
	// subscriptions and presence after a session is adopted.
	Initialize func(ctx context.Context, s chat.Session) error
	// Rearm tears down and re-creates push subscriptions after a token
	// refresh for the same user: channel credentials may rotate.
	Rearm func(ctx context.Context, s chat.Session)
	// Clear drops all per-user state.
	Clear func()
}

// ProfileSeeder creates the profile record for a fresh sign-up.
type ProfileSeeder interface {
	SeedProfile(ctx context.Context, p chat.Profile) error
}

// Manager is the session lifecycle state machine.
type Manager struct {
	auth   backend.Auth
	creds  *FileCredentials
	seeder ProfileSeeder
	hooks  Hooks

	mu      sync.Mutex
	state   State
	session *chat.Session
}

// NewManager wires the manager to its collaborators.
func NewManager(auth backend.Auth, creds *FileCredentials, seeder ProfileSeeder, hooks Hooks) *Manager {
	return &Manager{
		auth:   auth,
		creds:  creds,
		seeder: seeder,
		hooks:  hooks,
		state:  StateUnauthenticated,
	}
}

// State returns the current lifecycle phase.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns the held session, if any.
func (m *Manager) Session() (chat.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return chat.Session{}, false
	}
	return *m.session, true
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Restore adopts the persisted credential at startup, refreshing it first
// when its expiry has passed. Without a credential the manager simply
// stays unauthenticated.
func (m *Manager) Restore(ctx context.Context) error {
	m.setState(StateAuthenticating)

	cached, ok, err := m.creds.Load()
	if err != nil {
		m.setState(StateUnauthenticated)
		return err
	}
	if !ok || cached.UserID == "" {
		m.setState(StateUnauthenticated)
		return nil
	}

	if cached.Expired(now()) {
		m.setState(StateRefreshing)
		refreshed, err := m.refreshWithRetry(ctx, cached)
		if err != nil {
			m.forgetSession()
			return fmt.Errorf("restore: %w", err)
		}
		return m.adopt(ctx, refreshed)
	}

	return m.adopt(ctx, cached)
}

// refreshWithRetry asks the auth collaborator for a fresh token, retrying
// exactly once before giving up.
func (m *Manager) refreshWithRetry(ctx context.Context, s chat.Session) (chat.Session, error) {
	refreshed, err := m.auth.Refresh(ctx, s)
	if err == nil {
		return refreshed, nil
	}
	log.Printf("[session] token refresh failed, retrying once: %v", err)
	refreshed, err = m.auth.Refresh(ctx, s)
	if err != nil {
		return chat.Session{}, fmt.Errorf("refresh session: %w", err)
	}
	return refreshed, nil
}

// SignIn authenticates with the auth collaborator and adopts the session.
func (m *Manager) SignIn(ctx context.Context, email, password string) error {
	if strings.TrimSpace(email) == "" || password == "" {
		return ErrMissingFields
	}

	m.setState(StateAuthenticating)
	session, err := m.auth.SignIn(ctx, email, password)
	if err != nil {
		m.setState(StateUnauthenticated)
		return err
	}
	return m.adopt(ctx, session)
}

// SignUp registers with the auth collaborator, creates the matching
// profile record and adopts the session.
func (m *Manager) SignUp(ctx context.Context, email, password, username string) error {
	if strings.TrimSpace(email) == "" || password == "" || strings.TrimSpace(username) == "" {
		return ErrMissingFields
	}

	m.setState(StateAuthenticating)
	session, err := m.auth.SignUp(ctx, email, password)
	if err != nil {
		m.setState(StateUnauthenticated)
		return err
	}

	if err := m.seeder.SeedProfile(ctx, chat.Profile{
		ID:       session.UserID,
		Username: strings.TrimSpace(username),
		Email:    strings.TrimSpace(email),
	}); err != nil {
		m.setState(StateUnauthenticated)
		return err
	}

	return m.adopt(ctx, session)
}

// SignOut revokes the session, then clears all per-user state regardless
// of the network outcome.
func (m *Manager) SignOut(ctx context.Context) {
	m.mu.Lock()
	current := m.session
	m.mu.Unlock()

	if current != nil {
		if err := m.auth.SignOut(ctx, *current); err != nil {
			log.Printf("[session] sign-out revocation failed: %v", err)
		}
	}
	m.forgetSession()
}

// HandleAuthEvent applies one entry of the ordered auth-lifecycle stream.
func (m *Manager) HandleAuthEvent(ctx context.Context, ev backend.AuthEvent) {
	switch ev.Kind {
	case backend.AuthSignedIn, backend.AuthTokenRefreshed:
		if ev.Session == nil {
			return
		}
		m.mu.Lock()
		sameUser := m.session != nil && m.session.UserID == ev.Session.UserID
		inProgress := m.state == StateAuthenticating || m.state == StateRefreshing
		m.mu.Unlock()

		if inProgress {
			// A direct sign-in/restore is mid-flight; its own adopt path
			// will install this session.
			return
		}

		if !sameUser {
			// A different user appeared on this client: drop every
			// per-user cache and reinitialize from scratch.
			m.forgetSession()
			if err := m.adopt(ctx, *ev.Session); err != nil {
				log.Printf("[session] reinitialize for user %s: %v", ev.Session.UserID, err)
			}
			return
		}

		m.mu.Lock()
		s := *ev.Session
		m.session = &s
		m.mu.Unlock()
		if err := m.creds.Save(s); err != nil {
			log.Printf("[session] persist rotated credential: %v", err)
		}
		if ev.Kind == backend.AuthTokenRefreshed && m.hooks.Rearm != nil {
			m.hooks.Rearm(ctx, s)
		}
	case backend.AuthSignedOut:
		m.forgetSession()
	}
}

// adopt installs a session, persists it and runs downstream
// initialization.
func (m *Manager) adopt(ctx context.Context, session chat.Session) error {
	m.mu.Lock()
	s := session
	m.session = &s
	m.state = StateAuthenticated
	m.mu.Unlock()

	if err := m.creds.Save(session); err != nil {
		log.Printf("[session] persist credential: %v", err)
	}
	if m.hooks.Initialize != nil {
		if err := m.hooks.Initialize(ctx, session); err != nil {
			return fmt.Errorf("initialize user data: %w", err)
		}
	}
	return nil
}

// forgetSession clears the held session, the persisted credential and all
// downstream per-user state.
func (m *Manager) forgetSession() {
	m.mu.Lock()
	m.session = nil
	m.state = StateUnauthenticated
	m.mu.Unlock()

	if err := m.creds.Clear(); err != nil {
		log.Printf("[session] clear credential: %v", err)
	}
	if m.hooks.Clear != nil {
		m.hooks.Clear()
	}
}
