package chat_test

import (
	"testing"
	"time"

	"github.com/MouTaaz/TazMou-ChatApp/internal/model/chat"
)

func TestPreview(t *testing.T) {
	cases := []struct {
		name string
		msg  chat.Message
		want string
	}{
		{"text wins over media", chat.Message{Type: chat.MessageImage, Text: "look", MediaURL: "u"}, "look"},
		{"voice", chat.Message{Type: chat.MessageAudio, MediaURL: "u"}, "[Voice Message]"},
		{"image", chat.Message{Type: chat.MessageImage, MediaURL: "u"}, "[Image]"},
		{"video", chat.Message{Type: chat.MessageVideo, MediaURL: "u"}, "[Video]"},
		{"file", chat.Message{Type: chat.MessageFile, MediaURL: "u"}, "[File]"},
		{"unknown type", chat.Message{Type: "sticker", MediaURL: "u"}, "[Non-text message]"},
		{"empty", chat.Message{Type: chat.MessageText}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.msg.Preview(); got != tc.want {
				t.Errorf("Preview() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestBeforeBreaksTiesByID(t *testing.T) {
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	a := chat.Message{ID: "a", CreatedAt: ts}
	b := chat.Message{ID: "b", CreatedAt: ts}

	if !a.Before(b) || b.Before(a) {
		t.Fatal("equal timestamps must order by id")
	}

	later := chat.Message{ID: "a", CreatedAt: ts.Add(time.Second)}
	if !a.Before(later) || later.Before(a) {
		t.Fatal("earlier timestamp must order first")
	}
}

func TestLocalID(t *testing.T) {
	m := chat.Message{ID: chat.LocalID("abc")}
	if !m.Local() {
		t.Fatal("synthesized id not recognized as local")
	}
	if (chat.Message{ID: "abc"}).Local() {
		t.Fatal("plain id misclassified as local")
	}
}

func TestSelfChatDetection(t *testing.T) {
	self := chat.Room{UserIDs: []string{"u1", "u1"}}
	pair := chat.Room{UserIDs: []string{"u1", "u2"}}

	if !self.IsSelfChat("u1") {
		t.Fatal("repeated participant not detected as self-chat")
	}
	if pair.IsSelfChat("u1") {
		t.Fatal("two-party room misdetected as self-chat")
	}
	if got := self.OtherParticipant("u1"); got != "u1" {
		t.Fatalf("self-chat other participant = %q, want u1", got)
	}
	if got := pair.OtherParticipant("u1"); got != "u2" {
		t.Fatalf("other participant = %q, want u2", got)
	}
}

func TestEffectiveTimeFallsBackToCreation(t *testing.T) {
	created := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s := chat.RoomSummary{Room: chat.Room{CreatedAt: created}}
	if !s.EffectiveTime().Equal(created) {
		t.Fatal("empty room must sort by creation time")
	}

	s.LastMessageTimeAt = created.Add(time.Hour)
	if !s.EffectiveTime().Equal(created.Add(time.Hour)) {
		t.Fatal("room with messages must sort by last message time")
	}
}

func TestSessionExpiry(t *testing.T) {
	exp := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s := chat.Session{ExpiresAt: exp}

	if s.Expired(exp.Add(-time.Minute)) {
		t.Fatal("session expired before its deadline")
	}
	if !s.Expired(exp.Add(time.Minute)) {
		t.Fatal("session still valid past its deadline")
	}
}
