// Package messages holds the per-session transcript in arrival order.
package messages

import (
	"iter"
	"sync"
	"time"

	"github.com/ashureev/supportchat/internal/domain"
)

// LabelLayout is the date-marker format.
const LabelLayout = "Jan 2, 2006"

// EntryKind distinguishes items produced by GroupedByDay.
type EntryKind int

const (
	EntryDateMarker EntryKind = iota
	EntryMessage
)

// Entry is either a date marker or a message.
type Entry struct {
	Kind    EntryKind
	Day     time.Time // midnight of the calendar day, set on markers
	Label   string
	Message domain.Message
}

// Store is an append-only list of messages per session.
type Store struct {
	mu       sync.RWMutex
	sessions map[string][]domain.Message
	loc      *time.Location
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLocation sets the time zone used to compute calendar days.
func WithLocation(loc *time.Location) Option {
	return func(s *Store) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithNow overrides the clock used for zero timestamps.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string][]domain.Message),
		loc:      time.Local,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append adds msg at the end of its session. Messages without a session id
// cannot be addressed and are dropped.
func (s *Store) Append(msg domain.Message) bool {
	if msg.SessionID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[msg.SessionID] = append(s.sessions[msg.SessionID], msg)
	return true
}

// All returns a copy of the session's messages in arrival order.
func (s *Store) All(sessionID string) []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.sessions[sessionID]
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out
}

// Len returns the number of messages stored for the session.
func (s *Store) Len(sessionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions[sessionID])
}

// Replace swaps the session's transcript for msgs, discarding anything
// appended in the meantime.
func (s *Store) Replace(sessionID string, msgs []domain.Message) {
	cp := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.SessionID == "" {
			m.SessionID = sessionID
		}
		cp = append(cp, m)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = cp
}

// Forget drops a session's transcript.
func (s *Store) Forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// GroupedByDay yields the session's messages in stored order, preceded by a
// date marker whenever the calendar day differs from the previous message.
// Out-of-order timestamps therefore repeat markers.
func (s *Store) GroupedByDay(sessionID string) iter.Seq[Entry] {
	msgs := s.All(sessionID)
	now := s.now()
	loc := s.loc
	return func(yield func(Entry) bool) {
		var prev time.Time
		for i, m := range msgs {
			ts := m.Timestamp
			if ts.IsZero() {
				ts = now
			}
			day := startOfDay(ts.In(loc))
			if i == 0 || !day.Equal(prev) {
				if !yield(Entry{Kind: EntryDateMarker, Day: day, Label: day.Format(LabelLayout)}) {
					return
				}
				prev = day
			}
			if !yield(Entry{Kind: EntryMessage, Message: m}) {
				return
			}
		}
	}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
