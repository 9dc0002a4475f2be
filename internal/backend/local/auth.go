package local

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/MouTaaz/TazMou-ChatApp/internal/backend"
	"github.com/MouTaaz/TazMou-ChatApp/internal/model/chat"
)

// Auth is the development auth collaborator: bcrypt-hashed users in
// sqlite, HS256 access tokens and rotating refresh tokens.
type Auth struct {
	db     *sql.DB
	secret []byte
	ttl    time.Duration

	mu        sync.Mutex
	listeners map[uint64]func(backend.AuthEvent)
	nextID    uint64
}

// NewAuth builds the auth service over the store's database.
func NewAuth(store *Store, secret string, ttl time.Duration) *Auth {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Auth{
		db:        store.DB(),
		secret:    []byte(secret),
		ttl:       ttl,
		listeners: make(map[uint64]func(backend.AuthEvent)),
	}
}

// OnAuthEvent registers a listener on the auth-lifecycle stream.
func (a *Auth) OnAuthEvent(listener func(backend.AuthEvent)) func() {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = listener
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	}
}

// emit delivers an event to every listener in registration order. The
// dispatch lock keeps the stream ordered.
func (a *Auth) emit(ev backend.AuthEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]uint64, 0, len(a.listeners))
	for id := range a.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		a.listeners[id](ev)
	}
}

func (a *Auth) SignUp(ctx context.Context, email, password string) (chat.Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	var existing string
	err := a.db.QueryRowContext(ctx, `SELECT id FROM users WHERE email = ?`, email).Scan(&existing)
	if err == nil {
		return chat.Session{}, backend.ErrAlreadyRegistered
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return chat.Session{}, fmt.Errorf("check registration: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return chat.Session{}, fmt.Errorf("hash password: %w", err)
	}

	userID := uuid.NewString()
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		userID, email, string(hash), time.Now().UTC())
	if err != nil {
		return chat.Session{}, fmt.Errorf("insert user: %w", err)
	}

	session, err := a.issueSession(ctx, userID)
	if err != nil {
		return chat.Session{}, err
	}
	a.emit(backend.AuthEvent{Kind: backend.AuthSignedIn, Session: &session})
	return session, nil
}

func (a *Auth) SignIn(ctx context.Context, email, password string) (chat.Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	var userID, hash string
	err := a.db.QueryRowContext(ctx,
		`SELECT id, password_hash FROM users WHERE email = ?`, email).Scan(&userID, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Session{}, backend.ErrInvalidCredentials
	}
	if err != nil {
		return chat.Session{}, fmt.Errorf("look up user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return chat.Session{}, backend.ErrInvalidCredentials
	}

	session, err := a.issueSession(ctx, userID)
	if err != nil {
		return chat.Session{}, err
	}
	a.emit(backend.AuthEvent{Kind: backend.AuthSignedIn, Session: &session})
	return session, nil
}

// Refresh rotates the refresh token and issues a fresh access token.
func (a *Auth) Refresh(ctx context.Context, session chat.Session) (chat.Session, error) {
	var userID string
	err := a.db.QueryRowContext(ctx,
		`SELECT user_id FROM refresh_tokens WHERE token = ?`, session.RefreshToken).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Session{}, backend.ErrUnauthorized
	}
	if err != nil {
		return chat.Session{}, fmt.Errorf("look up refresh token: %w", err)
	}

	if _, err := a.db.ExecContext(ctx,
		`DELETE FROM refresh_tokens WHERE token = ?`, session.RefreshToken); err != nil {
		return chat.Session{}, fmt.Errorf("rotate refresh token: %w", err)
	}

	refreshed, err := a.issueSession(ctx, userID)
	if err != nil {
		return chat.Session{}, err
	}
	a.emit(backend.AuthEvent{Kind: backend.AuthTokenRefreshed, Session: &refreshed})
	return refreshed, nil
}

func (a *Auth) SignOut(ctx context.Context, session chat.Session) error {
	if _, err := a.db.ExecContext(ctx,
		`DELETE FROM refresh_tokens WHERE token = ?`, session.RefreshToken); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	a.emit(backend.AuthEvent{Kind: backend.AuthSignedOut})
	return nil
}

// Verify parses an access token and returns the subject user id.
func (a *Auth) Verify(accessToken string) (string, error) {
	token, err := jwt.ParseWithClaims(accessToken, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", backend.ErrUnauthorized
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", backend.ErrUnauthorized
	}
	return claims.Subject, nil
}

func (a *Auth) issueSession(ctx context.Context, userID string) (chat.Session, error) {
	expiresAt := time.Now().UTC().Add(a.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	})
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return chat.Session{}, fmt.Errorf("sign access token: %w", err)
	}

	refreshToken := uuid.NewString()
	if _, err := a.db.ExecContext(ctx,
		`INSERT INTO refresh_tokens (token, user_id) VALUES (?, ?)`, refreshToken, userID); err != nil {
		return chat.Session{}, fmt.Errorf("store refresh token: %w", err)
	}

	return chat.Session{
		AccessToken:  signed,
		RefreshToken: refreshToken,
		UserID:       userID,
		ExpiresAt:    expiresAt,
	}, nil
}
