package chat

import "time"

// Session is the credential bundle issued by the auth collaborator. It is
// owned by the session manager and treated as opaque everywhere else.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	UserID       string    `json:"user_id"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the access token's expiry has passed.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}
