package chat

// ChangeKind tags a row-level change delivered by the push feed.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "INSERT"
	ChangeUpdate ChangeKind = "UPDATE"
	ChangeDelete ChangeKind = "DELETE"
)

// MessageChange is the normalized form of a push event on the messages
// table. For a delete, Message carries only the id of the removed row.
type MessageChange struct {
	Kind    ChangeKind
	Message Message
}

// RoomChange is the normalized form of a push event on the rooms table.
// For a delete, Room carries only the id of the removed row.
type RoomChange struct {
	Kind ChangeKind
	Room Room
}

// ProfileChange is the normalized form of a push event on the profiles
// table.
type ProfileChange struct {
	Kind    ChangeKind
	Profile Profile
}
