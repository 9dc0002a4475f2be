package sync

import "github.com/MouTaaz/TazMou-ChatApp/internal/model/chat"

// CountUnseen derives a room's unread count from its log: messages not
// authored by the viewer and not yet seen. The viewer's own messages are
// never counted.
func CountUnseen(log []chat.Message, viewerID string) int {
	count := 0
	for _, m := range log {
		if m.SenderID != viewerID && !m.Seen {
			count++
		}
	}
	return count
}
