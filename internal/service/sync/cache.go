package sync

import (
	"context"
	"fmt"
	"io"
	"log"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MouTaaz/TazMou-ChatApp/internal/model/chat"
)

// mergeMessage unions one message into an ascending log by id. Inserting
// an id already present is a no-op, which makes every merge path
// idempotent; removal lives in removeMessage so a delete stays a trivial
// extension of the same structure.
func mergeMessage(log []chat.Message, m chat.Message) ([]chat.Message, bool) {
	for _, existing := range log {
		if existing.ID == m.ID {
			return log, false
		}
	}
	i := len(log)
	for i > 0 && m.Before(log[i-1]) {
		i--
	}
	log = append(log, chat.Message{})
	copy(log[i+1:], log[i:])
	log[i] = m
	return log, true
}

func removeMessage(log []chat.Message, id string) ([]chat.Message, bool) {
	for i, m := range log {
		if m.ID == id {
			return append(log[:i], log[i+1:]...), true
		}
	}
	return log, false
}

// SyncRoom brings a room's cache up to date. An empty cache fetches the
// most recent page; a populated one fetches only messages newer than the
// newest cached entry, which stays gap-free because the cache is never
// partially evicted.
func (e *Engine) SyncRoom(ctx context.Context, roomID string) error {
	e.mu.RLock()
	epoch := e.epoch
	var after time.Time
	if cached := e.messages[roomID]; len(cached) > 0 {
		after = cached[len(cached)-1].CreatedAt
	}
	e.mu.RUnlock()

	var fetched []chat.Message
	var err error
	if after.IsZero() {
		fetched, err = e.store.RecentMessages(ctx, roomID, e.pageSize)
		if err == nil {
			// Delivered newest-first; the cache stores ascending.
			for i, j := 0, len(fetched)-1; i < j; i, j = i+1, j-1 {
				fetched[i], fetched[j] = fetched[j], fetched[i]
			}
		}
	} else {
		fetched, err = e.store.MessagesAfter(ctx, roomID, after)
	}
	if err != nil {
		return fmt.Errorf("sync room %s: %w", roomID, err)
	}

	e.applyAtEpoch(epoch, func() {
		cached := e.messages[roomID]
		for _, m := range fetched {
			cached, _ = mergeMessage(cached, m)
		}
		e.messages[roomID] = cached
	})
	return nil
}

// SetActiveRoom switches the conversation the UI is reading. The previous
// room's in-flight fetches stay valid; their results still merge into
// that room's cache.
func (e *Engine) SetActiveRoom(roomID string) {
	e.mu.Lock()
	e.activeRoomID = roomID
	e.mu.Unlock()
	e.notify()
}

// OpenRoom activates a room and refreshes its cache.
func (e *Engine) OpenRoom(ctx context.Context, roomID string) error {
	e.SetActiveRoom(roomID)
	if roomID == "" {
		return nil
	}
	return e.SyncRoom(ctx, roomID)
}

// CachedRoomIDs lists every room with a populated message cache. The feed
// subscriber replays these after a reconnect.
func (e *Engine) CachedRoomIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.messages))
	for id, log := range e.messages {
		if len(log) > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// Attachment is a media payload to upload alongside a message.
type Attachment struct {
	Name        string
	ContentType string
	Size        int64
	Reader      io.Reader
}

// SendRequest describes an outgoing message.
type SendRequest struct {
	RoomID     string
	Text       string
	Attachment *Attachment
}

// SendMessage uploads any attachment, appends an optimistic local copy,
// persists the message, then reconciles the synthesized id with the
// canonical row. If the insert fails after a successful upload, the
// object is left behind; that inconsistency is accepted rather than
// rolled back.
func (e *Engine) SendMessage(ctx context.Context, req SendRequest) (chat.Message, error) {
	sess, epoch, err := e.requireSession()
	if err != nil {
		return chat.Message{}, err
	}

	msg := chat.Message{
		RoomID:   req.RoomID,
		SenderID: sess.UserID,
		Type:     chat.MessageText,
		Text:     req.Text,
	}
	if req.Attachment != nil {
		a := req.Attachment
		msg.Type = typeFromContentType(a.ContentType)
		objectPath := fmt.Sprintf("chat-media/%s/%d_%s", req.RoomID, time.Now().UnixMilli(), a.Name)
		if err := e.objects.Upload(ctx, objectPath, a.Reader); err != nil {
			return chat.Message{}, fmt.Errorf("upload attachment: %w", err)
		}
		msg.MediaURL = e.objects.PublicURL(objectPath)
		msg.MediaMeta = &chat.MediaMeta{
			ContentType: a.ContentType,
			Size:        a.Size,
			Extension:   strings.TrimPrefix(path.Ext(a.Name), "."),
			Name:        a.Name,
		}
	}
	if msg.Text == "" && msg.MediaURL == "" {
		return chat.Message{}, ErrEmptyMessage
	}

	local := msg
	local.ID = chat.LocalID(uuid.NewString())
	local.CreatedAt = time.Now().UTC()
	e.applyAtEpoch(epoch, func() {
		log, _ := mergeMessage(e.messages[local.RoomID], local)
		e.messages[local.RoomID] = log
		e.applyOwnSummaryLocked(local)
	})

	confirmed, err := e.store.InsertMessage(ctx, msg)
	if err != nil {
		e.applyAtEpoch(epoch, func() {
			e.messages[local.RoomID], _ = removeMessage(e.messages[local.RoomID], local.ID)
			e.recomputeSummaryLocked(local.RoomID)
		})
		return chat.Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := e.store.UpdateRoomLastMessage(ctx, confirmed.RoomID, confirmed.Preview(), confirmed.CreatedAt); err != nil {
		log.Printf("[sync] update room metadata for %s: %v", confirmed.RoomID, err)
	}

	e.applyAtEpoch(epoch, func() {
		cached := e.messages[confirmed.RoomID]
		cached, _ = removeMessage(cached, local.ID)
		// Merge rather than append: the push feed may have delivered the
		// canonical row first, in which case this is a no-op.
		cached, _ = mergeMessage(cached, confirmed)
		e.messages[confirmed.RoomID] = cached
		e.applyOwnSummaryLocked(confirmed)
	})
	return confirmed, nil
}

func typeFromContentType(contentType string) chat.MessageType {
	switch {
	case strings.HasPrefix(contentType, "audio/"):
		return chat.MessageAudio
	case strings.HasPrefix(contentType, "image/"):
		return chat.MessageImage
	case strings.HasPrefix(contentType, "video/"):
		return chat.MessageVideo
	default:
		return chat.MessageFile
	}
}

// ApplyMessageChange merges a normalized push event into the cache and
// the affected room's summary.
func (e *Engine) ApplyMessageChange(ev chat.MessageChange) {
	e.mu.Lock()
	currentUser := e.currentUserLocked()
	m := ev.Message

	switch ev.Kind {
	case chat.ChangeInsert:
		cached, inserted := mergeMessage(e.messages[m.RoomID], m)
		e.messages[m.RoomID] = cached
		if inserted {
			e.applyIncomingSummaryLocked(m, currentUser)
		}
	case chat.ChangeUpdate:
		cached := e.messages[m.RoomID]
		for i := range cached {
			if cached[i].ID == m.ID {
				cached[i] = m
				break
			}
		}
		for i := range e.rooms {
			r := &e.rooms[i]
			if r.ID == m.RoomID && r.LastMessageSenderID == m.SenderID && r.LastMessageTimeAt.Equal(m.CreatedAt) {
				r.LastMessageSeen = m.Seen
			}
		}
	case chat.ChangeDelete:
		cached, removed := removeMessage(e.messages[m.RoomID], m.ID)
		e.messages[m.RoomID] = cached
		if removed {
			for i := range e.rooms {
				if e.rooms[i].ID == m.RoomID {
					e.rooms[i].UnseenCount = CountUnseen(cached, currentUser)
				}
			}
		}
	}
	e.mu.Unlock()
	e.notify()
}

// applyIncomingSummaryLocked updates the affected room's directory entry
// for a newly merged remote message and re-sorts by recency.
func (e *Engine) applyIncomingSummaryLocked(m chat.Message, currentUser string) {
	for i := range e.rooms {
		r := &e.rooms[i]
		if r.ID != m.RoomID {
			continue
		}
		r.LastMessagePreview = m.Preview()
		r.LastMessageTimeAt = m.CreatedAt
		r.LastMessageSenderID = m.SenderID
		r.LastMessageSeen = m.Seen
		if m.SenderID != currentUser && !m.Seen {
			r.UnseenCount++
		}
		break
	}
	sortSummariesLocked(e.rooms)
}

// recomputeSummaryLocked rebuilds a room's directory entry from its
// cached log after a rollback, so the summary never describes a message
// that is no longer in the log.
func (e *Engine) recomputeSummaryLocked(roomID string) {
	for i := range e.rooms {
		r := &e.rooms[i]
		if r.ID != roomID {
			continue
		}
		log := e.messages[roomID]
		if len(log) == 0 {
			r.LastMessagePreview = ""
			r.LastMessageTimeAt = time.Time{}
			r.LastMessageSenderID = ""
			r.LastMessageSeen = false
		} else {
			last := log[len(log)-1]
			r.LastMessagePreview = last.Preview()
			r.LastMessageTimeAt = last.CreatedAt
			r.LastMessageSenderID = last.SenderID
			r.LastMessageSeen = last.Seen
		}
		r.UnseenCount = CountUnseen(log, e.currentUserLocked())
		break
	}
	sortSummariesLocked(e.rooms)
}

// applyOwnSummaryLocked updates the sender's directory entry after an
// optimistic or confirmed own send.
func (e *Engine) applyOwnSummaryLocked(m chat.Message) {
	for i := range e.rooms {
		r := &e.rooms[i]
		if r.ID != m.RoomID {
			continue
		}
		r.LastMessagePreview = m.Preview()
		r.LastMessageTimeAt = m.CreatedAt
		r.LastMessageSenderID = m.SenderID
		r.LastMessageSeen = true
		r.UnseenCount = 0
		break
	}
	sortSummariesLocked(e.rooms)
}

// MarkSeen flips every message not authored by the viewer to seen and
// zeroes the room's unseen count immediately, then persists the flip.
func (e *Engine) MarkSeen(ctx context.Context, roomID string) error {
	sess, epoch, err := e.requireSession()
	if err != nil {
		return err
	}
	viewer := sess.UserID

	e.applyAtEpoch(epoch, func() {
		cached := e.messages[roomID]
		for i := range cached {
			if cached[i].SenderID != viewer {
				cached[i].Seen = true
			}
		}
		for i := range e.rooms {
			r := &e.rooms[i]
			if r.ID == roomID {
				r.UnseenCount = 0
				if r.LastMessageSenderID != "" && r.LastMessageSenderID != viewer {
					r.LastMessageSeen = true
				}
			}
		}
	})

	if _, err := e.store.MarkSeen(ctx, roomID, viewer); err != nil {
		return fmt.Errorf("mark seen in room %s: %w", roomID, err)
	}
	return nil
}
