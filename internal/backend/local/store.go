// Package local implements every backend collaborator contract for
// development and tests: a sqlite relational store, a bcrypt+JWT auth
// service, an in-process push broker, a presence hub and a disk-backed
// object store.
package local

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/MouTaaz/TazMou-ChatApp/internal/backend"
	"github.com/MouTaaz/TazMou-ChatApp/internal/model/chat"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	email         TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS refresh_tokens (
	token   TEXT PRIMARY KEY,
	user_id TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS profiles (
	id         TEXT PRIMARY KEY,
	username   TEXT NOT NULL,
	email      TEXT NOT NULL,
	avatar_url TEXT NOT NULL DEFAULT '',
	last_seen  TIMESTAMP
);
CREATE TABLE IF NOT EXISTS chat_rooms (
	id                TEXT PRIMARY KEY,
	user_ids          TEXT NOT NULL,
	created_at        TIMESTAMP NOT NULL,
	last_message      TEXT NOT NULL DEFAULT '',
	last_message_time TIMESTAMP
);
CREATE TABLE IF NOT EXISTS messages (
	id             TEXT PRIMARY KEY,
	room_id        TEXT NOT NULL,
	sender_id      TEXT NOT NULL,
	type           TEXT NOT NULL,
	text           TEXT NOT NULL DEFAULT '',
	media_url      TEXT NOT NULL DEFAULT '',
	media_metadata TEXT,
	created_at     TIMESTAMP NOT NULL,
	seen           INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages(room_id, created_at);
`

// Publisher receives row-level change notifications from store
// mutations; the push broker implements it.
type Publisher interface {
	Publish(table string, kind chat.ChangeKind, newRow, oldRow any)
}

// Store is the sqlite-backed relational collaborator.
type Store struct {
	db  *sql.DB
	pub Publisher
}

// OpenStore opens (and migrates) the sqlite database at path. Mutations
// are announced through pub when it is non-nil.
func OpenStore(path string, pub Publisher) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db, pub: pub}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle to the sibling auth service.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) publish(table string, kind chat.ChangeKind, newRow, oldRow any) {
	if s.pub != nil {
		s.pub.Publish(table, kind, newRow, oldRow)
	}
}

// containsPattern matches a JSON-encoded string array column holding id.
func containsPattern(id string) string {
	return `%"` + id + `"%`
}

func (s *Store) Profile(ctx context.Context, id string) (chat.Profile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, email, avatar_url, last_seen FROM profiles WHERE id = ?`, id)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Profile{}, backend.ErrNotFound
	}
	if err != nil {
		return chat.Profile{}, fmt.Errorf("select profile: %w", err)
	}
	return p, nil
}

func (s *Store) ProfilesByIDs(ctx context.Context, ids []string) ([]chat.Profile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, email, avatar_url, last_seen FROM profiles WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("select profiles: %w", err)
	}
	defer rows.Close()

	var profiles []chat.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

func (s *Store) UpsertProfile(ctx context.Context, p chat.Profile) error {
	existing, err := s.Profile(ctx, p.ID)
	kind := chat.ChangeUpdate
	if errors.Is(err, backend.ErrNotFound) {
		kind = chat.ChangeInsert
	} else if err != nil {
		return err
	} else if p.AvatarURL == "" {
		p.AvatarURL = existing.AvatarURL
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, username, email, avatar_url) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET username = excluded.username, email = excluded.email, avatar_url = excluded.avatar_url`,
		p.ID, p.Username, p.Email, p.AvatarURL)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}

	saved, err := s.Profile(ctx, p.ID)
	if err != nil {
		return err
	}
	s.publish("profiles", kind, saved, nil)
	return nil
}

func (s *Store) UpdateLastSeen(ctx context.Context, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE profiles SET last_seen = ? WHERE id = ?`, at, userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}
	if saved, err := s.Profile(ctx, userID); err == nil {
		s.publish("profiles", chat.ChangeUpdate, saved, nil)
	}
	return nil
}

func (s *Store) RoomsContaining(ctx context.Context, userID string) ([]chat.Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_ids, created_at, last_message, last_message_time
		FROM chat_rooms WHERE user_ids LIKE ?`, containsPattern(userID))
	if err != nil {
		return nil, fmt.Errorf("select rooms: %w", err)
	}
	defer rows.Close()

	var result []chat.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		result = append(result, room)
	}
	return result, rows.Err()
}

func (s *Store) RoomContainingAll(ctx context.Context, userIDs []string) (chat.Room, error) {
	var row *sql.Row
	if len(userIDs) == 2 && userIDs[0] == userIDs[1] {
		// Self-chat: the pair repeats one id, so containment alone would
		// match every room the user is in. Require the exact pair.
		encoded, err := json.Marshal(userIDs)
		if err != nil {
			return chat.Room{}, fmt.Errorf("encode user ids: %w", err)
		}
		row = s.db.QueryRowContext(ctx, `
			SELECT id, user_ids, created_at, last_message, last_message_time
			FROM chat_rooms WHERE user_ids = ?`, string(encoded))
	} else {
		query := `SELECT id, user_ids, created_at, last_message, last_message_time FROM chat_rooms WHERE 1=1`
		var args []any
		for _, id := range userIDs {
			query += ` AND user_ids LIKE ?`
			args = append(args, containsPattern(id))
		}
		row = s.db.QueryRowContext(ctx, query, args...)
	}

	room, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Room{}, backend.ErrNotFound
	}
	if err != nil {
		return chat.Room{}, fmt.Errorf("select room: %w", err)
	}
	return room, nil
}

func (s *Store) InsertRoom(ctx context.Context, room chat.Room) (chat.Room, error) {
	if room.ID == "" {
		room.ID = uuid.NewString()
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now().UTC()
	}
	encoded, err := json.Marshal(room.UserIDs)
	if err != nil {
		return chat.Room{}, fmt.Errorf("encode user ids: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chat_rooms (id, user_ids, created_at) VALUES (?, ?, ?)`,
		room.ID, string(encoded), room.CreatedAt)
	if err != nil {
		return chat.Room{}, fmt.Errorf("insert room: %w", err)
	}
	s.publish("chatRooms", chat.ChangeInsert, room, nil)
	return room, nil
}

func (s *Store) UpdateRoomLastMessage(ctx context.Context, roomID, preview string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chat_rooms SET last_message = ?, last_message_time = ? WHERE id = ?`,
		preview, at, roomID)
	if err != nil {
		return fmt.Errorf("update room metadata: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_ids, created_at, last_message, last_message_time
		FROM chat_rooms WHERE id = ?`, roomID)
	room, err := scanRoom(row)
	if err != nil {
		return fmt.Errorf("reload room: %w", err)
	}
	s.publish("chatRooms", chat.ChangeUpdate, room, nil)
	return nil
}

const messageColumns = `id, room_id, sender_id, type, text, media_url, media_metadata, created_at, seen`

func (s *Store) LatestMessage(ctx context.Context, roomID string) (chat.Message, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE room_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, roomID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, false, nil
	}
	if err != nil {
		return chat.Message{}, false, fmt.Errorf("select latest message: %w", err)
	}
	return m, true, nil
}

func (s *Store) CountUnseen(ctx context.Context, roomID, viewerID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE room_id = ? AND seen = 0 AND sender_id != ?`,
		roomID, viewerID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unseen: %w", err)
	}
	return count, nil
}

func (s *Store) RecentMessages(ctx context.Context, roomID string, limit int) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE room_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("select recent messages: %w", err)
	}
	return collectMessages(rows)
}

func (s *Store) MessagesAfter(ctx context.Context, roomID string, after time.Time) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE room_id = ? AND created_at > ? ORDER BY created_at ASC, id ASC`,
		roomID, after)
	if err != nil {
		return nil, fmt.Errorf("select messages after: %w", err)
	}
	return collectMessages(rows)
}

func (s *Store) InsertMessage(ctx context.Context, m chat.Message) (chat.Message, error) {
	m.ID = uuid.NewString()
	m.CreatedAt = time.Now().UTC()

	var meta any
	if m.MediaMeta != nil {
		encoded, err := json.Marshal(m.MediaMeta)
		if err != nil {
			return chat.Message{}, fmt.Errorf("encode media metadata: %w", err)
		}
		meta = string(encoded)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.RoomID, m.SenderID, string(m.Type), m.Text, m.MediaURL, meta, m.CreatedAt, boolToInt(m.Seen))
	if err != nil {
		return chat.Message{}, fmt.Errorf("insert message: %w", err)
	}
	s.publish("messages", chat.ChangeInsert, m, nil)
	return m, nil
}

func (s *Store) MarkSeen(ctx context.Context, roomID, viewerID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE room_id = ? AND seen = 0 AND sender_id != ?`,
		roomID, viewerID)
	if err != nil {
		return nil, fmt.Errorf("select unseen: %w", err)
	}
	unseen, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(unseen) == 0 {
		return nil, nil
	}

	ids := make([]string, len(unseen))
	for i, m := range unseen {
		ids[i] = m.ID
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE messages SET seen = 1 WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return nil, fmt.Errorf("mark seen: %w", err)
	}

	for _, m := range unseen {
		old := m
		m.Seen = true
		s.publish("messages", chat.ChangeUpdate, m, old)
	}
	return ids, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProfile(row scanner) (chat.Profile, error) {
	var p chat.Profile
	var lastSeen sql.NullTime
	if err := row.Scan(&p.ID, &p.Username, &p.Email, &p.AvatarURL, &lastSeen); err != nil {
		return chat.Profile{}, err
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		p.LastSeen = &t
	}
	return p, nil
}

func scanRoom(row scanner) (chat.Room, error) {
	var room chat.Room
	var encoded string
	var lastMessageTime sql.NullTime
	if err := row.Scan(&room.ID, &encoded, &room.CreatedAt, &room.LastMessage, &lastMessageTime); err != nil {
		return chat.Room{}, err
	}
	if err := json.Unmarshal([]byte(encoded), &room.UserIDs); err != nil {
		return chat.Room{}, fmt.Errorf("decode user ids: %w", err)
	}
	if lastMessageTime.Valid {
		t := lastMessageTime.Time
		room.LastMessageTime = &t
	}
	return room, nil
}

func scanMessage(row scanner) (chat.Message, error) {
	var m chat.Message
	var msgType string
	var meta sql.NullString
	var seen int
	if err := row.Scan(&m.ID, &m.RoomID, &m.SenderID, &msgType, &m.Text, &m.MediaURL, &meta, &m.CreatedAt, &seen); err != nil {
		return chat.Message{}, err
	}
	m.Type = chat.MessageType(msgType)
	m.Seen = seen != 0
	if meta.Valid && meta.String != "" {
		var mm chat.MediaMeta
		if err := json.Unmarshal([]byte(meta.String), &mm); err != nil {
			return chat.Message{}, fmt.Errorf("decode media metadata: %w", err)
		}
		m.MediaMeta = &mm
	}
	return m, nil
}

func collectMessages(rows *sql.Rows) ([]chat.Message, error) {
	defer rows.Close()
	var messages []chat.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
