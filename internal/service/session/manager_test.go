package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MouTaaz/TazMou-ChatApp/internal/backend"
	"github.com/MouTaaz/TazMou-ChatApp/internal/model/chat"
)

type fakeAuth struct {
	mu           sync.Mutex
	signInCalls  int
	signUpCalls  int
	refreshCalls int
	signOutCalls int

	signInErr  error
	refreshErr error
	signOutErr error
	// refreshFailures counts how many leading Refresh calls fail before one
	// succeeds. Set above the retry budget to make refresh fail for good.
	refreshFailures int
}

func sessionFor(user string) chat.Session {
	return chat.Session{
		AccessToken:  "access-" + user,
		RefreshToken: "refresh-" + user,
		UserID:       user,
		ExpiresAt:    time.Date(2024, 6, 1, 13, 0, 0, 0, time.UTC),
	}
}

func (f *fakeAuth) SignIn(_ context.Context, email, _ string) (chat.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signInCalls++
	if f.signInErr != nil {
		return chat.Session{}, f.signInErr
	}
	return sessionFor(email), nil
}

func (f *fakeAuth) SignUp(_ context.Context, email, _ string) (chat.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signUpCalls++
	return sessionFor(email), nil
}

func (f *fakeAuth) Refresh(_ context.Context, s chat.Session) (chat.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	if f.refreshErr != nil && f.refreshCalls <= f.refreshFailures {
		return chat.Session{}, f.refreshErr
	}
	refreshed := sessionFor(s.UserID)
	refreshed.AccessToken = "rotated-" + s.UserID
	return refreshed, nil
}

func (f *fakeAuth) SignOut(_ context.Context, _ chat.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signOutCalls++
	return f.signOutErr
}

func (f *fakeAuth) OnAuthEvent(func(backend.AuthEvent)) func() {
	return func() {}
}

type hookRecorder struct {
	mu          sync.Mutex
	initialized []string
	rearmed     []string
	clears      int
	initErr     error
}

func (h *hookRecorder) hooks() Hooks {
	return Hooks{
		Initialize: func(_ context.Context, s chat.Session) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.initialized = append(h.initialized, s.UserID)
			return h.initErr
		},
		Rearm: func(_ context.Context, s chat.Session) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.rearmed = append(h.rearmed, s.UserID)
		},
		Clear: func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.clears++
		},
	}
}

type noopSeeder struct{ seeded []chat.Profile }

func (n *noopSeeder) SeedProfile(_ context.Context, p chat.Profile) error {
	n.seeded = append(n.seeded, p)
	return nil
}

func newTestManager(t *testing.T, auth *fakeAuth, hooks *hookRecorder) (*Manager, *FileCredentials) {
	t.Helper()
	creds := NewFileCredentials(t.TempDir())
	return NewManager(auth, creds, &noopSeeder{}, hooks.hooks()), creds
}

func fixNow(t *testing.T, at time.Time) {
	t.Helper()
	prev := now
	now = func() time.Time { return at }
	t.Cleanup(func() { now = prev })
}

func TestRestoreWithoutCredentialStaysUnauthenticated(t *testing.T) {
	auth := &fakeAuth{}
	hooks := &hookRecorder{}
	m, _ := newTestManager(t, auth, hooks)

	if err := m.Restore(context.Background()); err != nil {
		t.Fatalf("Restore err: %v", err)
	}
	if m.State() != StateUnauthenticated {
		t.Fatalf("state = %s, want %s", m.State(), StateUnauthenticated)
	}
	if len(hooks.initialized) != 0 {
		t.Fatal("Initialize must not run without a credential")
	}
}

func TestRestoreAdoptsValidCredential(t *testing.T) {
	fixNow(t, time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	auth := &fakeAuth{}
	hooks := &hookRecorder{}
	m, creds := newTestManager(t, auth, hooks)

	if err := creds.Save(sessionFor("alice")); err != nil {
		t.Fatalf("seed credential: %v", err)
	}

	if err := m.Restore(context.Background()); err != nil {
		t.Fatalf("Restore err: %v", err)
	}
	if m.State() != StateAuthenticated {
		t.Fatalf("state = %s, want %s", m.State(), StateAuthenticated)
	}
	if auth.refreshCalls != 0 {
		t.Fatal("valid credential must not be refreshed")
	}
	if len(hooks.initialized) != 1 || hooks.initialized[0] != "alice" {
		t.Fatalf("Initialize calls = %v", hooks.initialized)
	}
}

func TestRestoreRefreshesExpiredCredential(t *testing.T) {
	fixNow(t, time.Date(2024, 6, 1, 14, 0, 0, 0, time.UTC))
	auth := &fakeAuth{}
	hooks := &hookRecorder{}
	m, creds := newTestManager(t, auth, hooks)

	if err := creds.Save(sessionFor("alice")); err != nil {
		t.Fatalf("seed credential: %v", err)
	}

	if err := m.Restore(context.Background()); err != nil {
		t.Fatalf("Restore err: %v", err)
	}
	if auth.refreshCalls != 1 {
		t.Fatalf("refresh calls = %d, want 1", auth.refreshCalls)
	}
	session, ok := m.Session()
	if !ok || session.AccessToken != "rotated-alice" {
		t.Fatalf("rotated session not adopted: %+v", session)
	}

	// The rotated credential is what survives a process restart.
	persisted, ok, err := creds.Load()
	if err != nil || !ok {
		t.Fatalf("reload credential: ok=%v err=%v", ok, err)
	}
	if persisted.AccessToken != "rotated-alice" {
		t.Fatalf("persisted token = %q", persisted.AccessToken)
	}
}

func TestRestoreRetriesRefreshOnceThenClears(t *testing.T) {
	fixNow(t, time.Date(2024, 6, 1, 14, 0, 0, 0, time.UTC))
	auth := &fakeAuth{refreshErr: backend.ErrNetwork, refreshFailures: 2}
	hooks := &hookRecorder{}
	m, creds := newTestManager(t, auth, hooks)

	if err := creds.Save(sessionFor("alice")); err != nil {
		t.Fatalf("seed credential: %v", err)
	}

	err := m.Restore(context.Background())
	if !errors.Is(err, backend.ErrNetwork) {
		t.Fatalf("Restore err = %v, want ErrNetwork", err)
	}
	if auth.refreshCalls != 2 {
		t.Fatalf("refresh calls = %d, want exactly 2", auth.refreshCalls)
	}
	if m.State() != StateUnauthenticated {
		t.Fatalf("state = %s, want %s", m.State(), StateUnauthenticated)
	}
	if _, ok, _ := creds.Load(); ok {
		t.Fatal("dead credential must be cleared")
	}
	if hooks.clears != 1 {
		t.Fatalf("Clear calls = %d, want 1", hooks.clears)
	}
}

func TestRestoreRefreshRecoversOnRetry(t *testing.T) {
	fixNow(t, time.Date(2024, 6, 1, 14, 0, 0, 0, time.UTC))
	auth := &fakeAuth{refreshErr: backend.ErrNetwork, refreshFailures: 1}
	hooks := &hookRecorder{}
	m, creds := newTestManager(t, auth, hooks)

	if err := creds.Save(sessionFor("alice")); err != nil {
		t.Fatalf("seed credential: %v", err)
	}

	if err := m.Restore(context.Background()); err != nil {
		t.Fatalf("Restore err: %v", err)
	}
	if auth.refreshCalls != 2 {
		t.Fatalf("refresh calls = %d, want 2", auth.refreshCalls)
	}
	if m.State() != StateAuthenticated {
		t.Fatalf("state = %s", m.State())
	}
}

func TestSignInValidatesBeforeNetwork(t *testing.T) {
	auth := &fakeAuth{}
	hooks := &hookRecorder{}
	m, _ := newTestManager(t, auth, hooks)

	if err := m.SignIn(context.Background(), "  ", "pw"); !errors.Is(err, ErrMissingFields) {
		t.Fatalf("err = %v, want ErrMissingFields", err)
	}
	if err := m.SignIn(context.Background(), "a@b.c", ""); !errors.Is(err, ErrMissingFields) {
		t.Fatalf("err = %v, want ErrMissingFields", err)
	}
	if auth.signInCalls != 0 {
		t.Fatal("invalid input must not reach the auth collaborator")
	}
}

func TestSignInFailureResetsState(t *testing.T) {
	auth := &fakeAuth{signInErr: backend.ErrInvalidCredentials}
	hooks := &hookRecorder{}
	m, _ := newTestManager(t, auth, hooks)

	err := m.SignIn(context.Background(), "alice", "wrong")
	if !errors.Is(err, backend.ErrInvalidCredentials) {
		t.Fatalf("err = %v", err)
	}
	if m.State() != StateUnauthenticated {
		t.Fatalf("state = %s", m.State())
	}
}

func TestSignUpSeedsProfileBeforeAdopting(t *testing.T) {
	auth := &fakeAuth{}
	hooks := &hookRecorder{}
	creds := NewFileCredentials(t.TempDir())
	seeder := &noopSeeder{}
	m := NewManager(auth, creds, seeder, hooks.hooks())

	if err := m.SignUp(context.Background(), " alice@example.com ", "pw", " Alice "); err != nil {
		t.Fatalf("SignUp err: %v", err)
	}
	if len(seeder.seeded) != 1 {
		t.Fatalf("seeded profiles = %d, want 1", len(seeder.seeded))
	}
	p := seeder.seeded[0]
	if p.Username != "Alice" || p.Email != "alice@example.com" {
		t.Fatalf("seeded profile not trimmed: %+v", p)
	}
	if m.State() != StateAuthenticated {
		t.Fatalf("state = %s", m.State())
	}
}

func TestSignOutClearsDespiteRevocationFailure(t *testing.T) {
	auth := &fakeAuth{signOutErr: backend.ErrNetwork}
	hooks := &hookRecorder{}
	m, creds := newTestManager(t, auth, hooks)

	if err := m.SignIn(context.Background(), "alice", "pw"); err != nil {
		t.Fatalf("SignIn err: %v", err)
	}

	m.SignOut(context.Background())

	if m.State() != StateUnauthenticated {
		t.Fatalf("state = %s", m.State())
	}
	if _, ok := m.Session(); ok {
		t.Fatal("session survived sign-out")
	}
	if _, ok, _ := creds.Load(); ok {
		t.Fatal("credential survived sign-out")
	}
	if hooks.clears != 1 {
		t.Fatalf("Clear calls = %d, want 1", hooks.clears)
	}
}

func TestAuthEventUserSwitchReinitializes(t *testing.T) {
	auth := &fakeAuth{}
	hooks := &hookRecorder{}
	m, _ := newTestManager(t, auth, hooks)

	if err := m.SignIn(context.Background(), "alice", "pw"); err != nil {
		t.Fatalf("SignIn err: %v", err)
	}

	bob := sessionFor("bob")
	m.HandleAuthEvent(context.Background(), backend.AuthEvent{Kind: backend.AuthSignedIn, Session: &bob})

	if hooks.clears != 1 {
		t.Fatalf("Clear calls = %d, want 1", hooks.clears)
	}
	if got := hooks.initialized; len(got) != 2 || got[1] != "bob" {
		t.Fatalf("Initialize calls = %v", got)
	}
	session, ok := m.Session()
	if !ok || session.UserID != "bob" {
		t.Fatalf("session = %+v", session)
	}
}

func TestAuthEventSameUserRefreshRearms(t *testing.T) {
	auth := &fakeAuth{}
	hooks := &hookRecorder{}
	m, creds := newTestManager(t, auth, hooks)

	if err := m.SignIn(context.Background(), "alice", "pw"); err != nil {
		t.Fatalf("SignIn err: %v", err)
	}

	rotated := sessionFor("alice")
	rotated.AccessToken = "rotated-alice"
	m.HandleAuthEvent(context.Background(), backend.AuthEvent{Kind: backend.AuthTokenRefreshed, Session: &rotated})

	if hooks.clears != 0 {
		t.Fatal("same-user refresh must not clear state")
	}
	if len(hooks.initialized) != 1 {
		t.Fatal("same-user refresh must not reinitialize")
	}
	if got := hooks.rearmed; len(got) != 1 || got[0] != "alice" {
		t.Fatalf("Rearm calls = %v", got)
	}
	persisted, _, _ := creds.Load()
	if persisted.AccessToken != "rotated-alice" {
		t.Fatalf("rotated token not persisted: %q", persisted.AccessToken)
	}
}

func TestAuthEventDuringSignInIsDeferredToDirectPath(t *testing.T) {
	auth := &fakeAuth{}
	hooks := &hookRecorder{}
	m, _ := newTestManager(t, auth, hooks)

	m.setState(StateAuthenticating)
	alice := sessionFor("alice")
	m.HandleAuthEvent(context.Background(), backend.AuthEvent{Kind: backend.AuthSignedIn, Session: &alice})

	if len(hooks.initialized) != 0 {
		t.Fatal("event during sign-in must not initialize; the direct path will")
	}
}

func TestAuthEventSignedOutClears(t *testing.T) {
	auth := &fakeAuth{}
	hooks := &hookRecorder{}
	m, _ := newTestManager(t, auth, hooks)

	if err := m.SignIn(context.Background(), "alice", "pw"); err != nil {
		t.Fatalf("SignIn err: %v", err)
	}

	m.HandleAuthEvent(context.Background(), backend.AuthEvent{Kind: backend.AuthSignedOut})

	if m.State() != StateUnauthenticated {
		t.Fatalf("state = %s", m.State())
	}
	if hooks.clears != 1 {
		t.Fatalf("Clear calls = %d, want 1", hooks.clears)
	}
}
