package models

import "time"

// Session is one login's server-side record. It is stored as JSON under
// session:<id> with a TTL matching ExpiresAt, and its id is a member of the
// owning user's session set.
type Session struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	ClientAddress string    `json:"client_address"`
	UserAgent     string    `json:"user_agent"`
	Active        bool      `json:"active"`
}

// Live reports whether the session is logically usable at t.
func (s *Session) Live(t time.Time) bool {
	return s.Active && t.Before(s.ExpiresAt)
}
