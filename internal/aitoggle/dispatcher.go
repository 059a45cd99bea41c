package aitoggle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrNoSession is returned when toggling without a session id.
var ErrNoSession = errors.New("no session selected")

// Remote persists the flag on the backend.
type Remote interface {
	SetAI(ctx context.Context, sessionID string, enabled bool) error
}

// Command is one reversible toggle.
type Command struct {
	SessionID string
	Previous  bool
	Next      bool
}

// Apply displays Next.
func (c Command) Apply(s *State) {
	s.SetOptimistic(c.SessionID, c.Next)
}

// Undo restores Previous.
func (c Command) Undo(s *State) {
	s.Rollback(c.SessionID, c.Previous)
}

// Dispatcher runs toggle commands one at a time against the backend.
type Dispatcher struct {
	state  *State
	remote Remote
	logger *slog.Logger

	mu sync.Mutex
}

// NewDispatcher creates a dispatcher updating state through remote.
func NewDispatcher(state *State, remote Remote, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{state: state, remote: remote, logger: logger}
}

// State returns the state the dispatcher updates.
func (d *Dispatcher) State() *State {
	return d.state
}

// Toggle flips the session's flag and returns the value now displayed.
func (d *Dispatcher) Toggle(ctx context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, ErrNoSession
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	current := d.state.Enabled(sessionID)
	cmd := Command{SessionID: sessionID, Previous: current, Next: !current}
	return d.executeLocked(ctx, cmd)
}

// Execute runs an explicit command.
func (d *Dispatcher) Execute(ctx context.Context, cmd Command) (bool, error) {
	if cmd.SessionID == "" {
		return false, ErrNoSession
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.executeLocked(ctx, cmd)
}

func (d *Dispatcher) executeLocked(ctx context.Context, cmd Command) (bool, error) {
	cmd.Apply(d.state)
	if err := d.remote.SetAI(ctx, cmd.SessionID, cmd.Next); err != nil {
		cmd.Undo(d.state)
		d.logger.Warn("AI toggle rejected, rolled back",
			"session_id", cmd.SessionID,
			"enabled", cmd.Previous,
			"error", err)
		return cmd.Previous, fmt.Errorf("set ai for %s: %w", cmd.SessionID, err)
	}
	d.state.Confirm(cmd.SessionID, cmd.Next)
	d.logger.Debug("AI toggle confirmed", "session_id", cmd.SessionID, "enabled", cmd.Next)
	return cmd.Next, nil
}
