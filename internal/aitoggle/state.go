// Package aitoggle tracks the per-session AI auto-reply flag with optimistic
// updates that are rolled back when the backend rejects them.
package aitoggle

import (
	"sync"

	"github.com/ashureev/supportchat/internal/domain"
)

// State is the client's view of the AI flag for every known session.
// Unknown sessions read as disabled.
type State struct {
	mu      sync.RWMutex
	enabled map[string]bool
}

// NewState creates an empty state.
func NewState() *State {
	return &State{enabled: make(map[string]bool)}
}

// Enabled returns the displayed value for the session.
func (s *State) Enabled(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled[sessionID]
}

// SetOptimistic displays next immediately and returns the previous value.
func (s *State) SetOptimistic(sessionID string, next bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.enabled[sessionID]
	s.enabled[sessionID] = next
	return prev
}

// Confirm records the server-acknowledged value. The server wins on mismatch.
func (s *State) Confirm(sessionID string, value bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled[sessionID] = value
}

// Rollback restores the value displayed before a rejected update.
func (s *State) Rollback(sessionID string, previous bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled[sessionID] = previous
}

// Seed copies ai_enabled from a session listing.
func (s *State) Seed(sessions []domain.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range sessions {
		s.enabled[sess.ID] = sess.AIEnabled
	}
}
