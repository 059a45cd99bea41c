// Package relay is a development counterpart server speaking the chat
// channel protocol, so the widget and the console can run end to end.
package relay

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ashureev/supportchat/internal/protocol"
)

// Peer is one connected client.
type Peer interface {
	Send(ctx context.Context, env protocol.Envelope) error
	Close(reason string)
}

// Hub tracks the visitor connection of every session and all staff
// connections.
type Hub struct {
	mu       sync.RWMutex
	visitors map[string]Peer
	staff    map[Peer]struct{}
	logger   *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		visitors: make(map[string]Peer),
		staff:    make(map[Peer]struct{}),
		logger:   logger,
	}
}

// RegisterVisitor binds p to sessionID, closing any older connection of the
// same session.
func (h *Hub) RegisterVisitor(sessionID string, p Peer) {
	h.mu.Lock()
	existing, ok := h.visitors[sessionID]
	h.visitors[sessionID] = p
	h.mu.Unlock()

	if ok && existing != p {
		existing.Close("session replaced")
	}
	h.logger.Info("Visitor registered", "session_id", sessionID)
}

// UnregisterVisitor removes p if it is still the session's connection and
// reports whether it was.
func (h *Hub) UnregisterVisitor(sessionID string, p Peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	current, ok := h.visitors[sessionID]
	if !ok || current != p {
		return false
	}
	delete(h.visitors, sessionID)
	h.logger.Info("Visitor unregistered", "session_id", sessionID)
	return true
}

// Visitor returns the session's connection, or nil.
func (h *Hub) Visitor(sessionID string) Peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.visitors[sessionID]
}

// AddStaff registers a console connection.
func (h *Hub) AddStaff(p Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.staff[p] = struct{}{}
}

// RemoveStaff drops a console connection.
func (h *Hub) RemoveStaff(p Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.staff, p)
}

// IsStaff reports whether p joined as staff.
func (h *Hub) IsStaff(p Peer) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.staff[p]
	return ok
}

// StaffCount returns the number of console connections.
func (h *Hub) StaffCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.staff)
}

// SendVisitor delivers env to the session's visitor, if connected.
func (h *Hub) SendVisitor(ctx context.Context, sessionID string, env protocol.Envelope) error {
	p := h.Visitor(sessionID)
	if p == nil {
		return nil
	}
	return p.Send(ctx, env)
}

// BroadcastStaff delivers env to every console concurrently. A failing
// console does not stop delivery to the others.
func (h *Hub) BroadcastStaff(ctx context.Context, env protocol.Envelope) {
	h.mu.RLock()
	peers := make([]Peer, 0, len(h.staff))
	for p := range h.staff {
		peers = append(peers, p)
	}
	h.mu.RUnlock()

	var g errgroup.Group
	for _, p := range peers {
		g.Go(func() error {
			if err := p.Send(ctx, env); err != nil {
				h.logger.Debug("Staff delivery failed", "event", env.Event, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// CloseAll disconnects everyone.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	peers := make([]Peer, 0, len(h.visitors)+len(h.staff))
	for _, p := range h.visitors {
		peers = append(peers, p)
	}
	for p := range h.staff {
		peers = append(peers, p)
	}
	h.visitors = make(map[string]Peer)
	h.staff = make(map[Peer]struct{})
	h.mu.Unlock()

	for _, p := range peers {
		p.Close("server shutting down")
	}
}
