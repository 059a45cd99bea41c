package domain

import (
	"time"
)

// SessionStatus is the lifecycle state of a conversation.
type SessionStatus string

const (
	StatusActive SessionStatus = "active"
	StatusPast   SessionStatus = "past"
)

// Session is one visitor's conversation as listed by the REST backend.
type Session struct {
	ID            string        `json:"session_id"`
	Status        SessionStatus `json:"status"`
	AIEnabled     bool          `json:"ai_enabled"`
	LastMessageAt time.Time     `json:"last_message_at"`
	UserIP        string        `json:"user_ip,omitempty"`
	UserAgent     string        `json:"user_agent,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// IsActive returns true if the session has not been moved to past.
func (s *Session) IsActive() bool {
	return s.Status != StatusPast
}

// Touch records activity on the session.
func (s *Session) Touch(at time.Time) {
	if at.After(s.LastMessageAt) {
		s.LastMessageAt = at
	}
}
