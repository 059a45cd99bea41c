// Package typing turns raw keystroke events into debounced typing presence.
package typing

import (
	"sync"
	"time"

	"github.com/ashureev/supportchat/internal/domain"
)

// DefaultQuietInterval is how long a burst may stay silent before it ends.
const DefaultQuietInterval = 2000 * time.Millisecond

// State represents the typing state of one (session, role) pair.
type State int

const (
	// StateIdle indicates no typing burst is in progress.
	StateIdle State = iota
	// StateActive indicates input changed within the quiet interval.
	StateActive
)

func (s State) String() string {
	if s == StateActive {
		return "active"
	}
	return "idle"
}

// Signal is an outbound presence transition.
type Signal struct {
	SessionID string
	Role      domain.Role
	Active    bool
}

// Emitter receives outbound signals. It is called with the tracker locked,
// in transition order, and must not call back into the tracker.
type Emitter func(Signal)

type key struct {
	session string
	role    domain.Role
}

type burst struct {
	state State
	seq   uint64
	timer *quietTimer
}

// Tracker runs the Idle → Active → Idle machine for local input and keeps a
// display-only mirror of the remote role's signals.
type Tracker struct {
	mu     sync.Mutex
	clock  Clock
	quiet  time.Duration
	emit   Emitter
	local  map[key]*burst
	mirror map[key]bool
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces the real clock, typically with a ManualClock in tests.
func WithClock(c Clock) Option {
	return func(t *Tracker) {
		if c != nil {
			t.clock = c
		}
	}
}

// WithQuietInterval overrides DefaultQuietInterval.
func WithQuietInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.quiet = d
		}
	}
}

// NewTracker creates a tracker reporting transitions to emit.
func NewTracker(emit Emitter, opts ...Option) *Tracker {
	if emit == nil {
		emit = func(Signal) {}
	}
	t := &Tracker{
		clock:  RealClock(),
		quiet:  DefaultQuietInterval,
		emit:   emit,
		local:  make(map[key]*burst),
		mirror: make(map[key]bool),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// InputChanged records a keystroke. The first one of a burst emits a start
// signal; every one pushes the quiet deadline back.
func (t *Tracker) InputChanged(sessionID string, role domain.Role) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{sessionID, role}
	b, ok := t.local[k]
	if !ok {
		b = &burst{timer: newQuietTimer(t.clock)}
		t.local[k] = b
	}

	b.seq++
	seq := b.seq
	if b.state == StateIdle {
		b.state = StateActive
		t.emit(Signal{SessionID: sessionID, Role: role, Active: true})
	}
	b.timer.Reset(t.quiet, func() { t.expire(k, seq) })
}

// Sent ends the burst immediately because a message was submitted.
func (t *Tracker) Sent(sessionID string, role domain.Role) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.local[key{sessionID, role}]
	if !ok || b.state != StateActive {
		return
	}
	b.timer.Cancel()
	b.seq++
	b.state = StateIdle
	t.emit(Signal{SessionID: sessionID, Role: role, Active: false})
}

func (t *Tracker) expire(k key, seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.local[k]
	if !ok || b.seq != seq || b.state != StateActive {
		return
	}
	b.state = StateIdle
	t.emit(Signal{SessionID: k.session, Role: k.role, Active: false})
}

// State returns the local state of (sessionID, role).
func (t *Tracker) State(sessionID string, role domain.Role) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.local[key{sessionID, role}]; ok {
		return b.state
	}
	return StateIdle
}

// RemoteStart marks the remote role as typing. Nothing is emitted.
func (t *Tracker) RemoteStart(sessionID string, role domain.Role) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mirror[key{sessionID, role}] = true
}

// RemoteStop marks the remote role as idle. Nothing is emitted.
func (t *Tracker) RemoteStop(sessionID string, role domain.Role) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.mirror, key{sessionID, role})
}

// Displayed reports whether the remote role should be shown as typing.
func (t *Tracker) Displayed(sessionID string, role domain.Role) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mirror[key{sessionID, role}]
}

// Reset drops all state of one session without emitting.
func (t *Tracker) Reset(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, b := range t.local {
		if k.session == sessionID {
			b.timer.Cancel()
			delete(t.local, k)
		}
	}
	for k := range t.mirror {
		if k.session == sessionID {
			delete(t.mirror, k)
		}
	}
}

// Clear drops all state without emitting. Used on disconnect.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range t.local {
		b.timer.Cancel()
	}
	t.local = make(map[key]*burst)
	t.mirror = make(map[key]bool)
}
