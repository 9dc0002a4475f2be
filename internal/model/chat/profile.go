package chat

import "time"

// Profile is a user profile record, keyed by id in the profile directory.
type Profile struct {
	ID        string     `json:"id"`
	Username  string     `json:"username"`
	Email     string     `json:"email"`
	AvatarURL string     `json:"avatar_url,omitempty"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
}

// PresenceRecord is the tracked online state for one user.
type PresenceRecord struct {
	UserID   string     `json:"userId"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}
