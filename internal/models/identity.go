package models

import "time"

// Identity is an anonymous, account-less session identity.
// Only the opaque token is handed to clients; nothing personal is attached.
type Identity struct {
	Token     string    `json:"token"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the identity is no longer usable at now.
func (i Identity) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}
