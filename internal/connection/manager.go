// Package connection owns the live channel of each role.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/supportchat/internal/domain"
	"github.com/ashureev/supportchat/internal/protocol"
	"github.com/ashureev/supportchat/internal/transport"
)

const handshakeTimeout = 5 * time.Second

// ErrUnknownRole is returned by Connect for roles other than visitor and staff.
var ErrUnknownRole = errors.New("unknown role")

// Handshake carries the identity and metadata announced after every connect.
type Handshake struct {
	SessionID string
	UserIP    string
	UserAgent string
	Token     string
}

func (h Handshake) payload(role domain.Role) any {
	if role == domain.RoleStaff {
		return protocol.AdminJoin{Token: h.Token}
	}
	return protocol.UserConnect{SessionID: h.SessionID, UserIP: h.UserIP, UserAgent: h.UserAgent}
}

// Manager holds at most one Handle per role. Retry and backoff belong to the
// transport; the manager only reflects connected state.
type Manager struct {
	url    string
	dialer transport.Dialer
	logger *slog.Logger

	mu      sync.Mutex
	handles map[domain.Role]*Handle
}

// NewManager creates a manager dialing url through dialer.
func NewManager(url string, dialer transport.Dialer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		url:     url,
		dialer:  dialer,
		logger:  logger,
		handles: make(map[domain.Role]*Handle),
	}
}

// Connect returns the role's handle, opening a channel only when none is held.
// A held handle is returned unchanged and no second handshake is sent.
func (m *Manager) Connect(ctx context.Context, role domain.Role, hs Handshake) (*Handle, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("connect %q: %w", role, ErrUnknownRole)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.handles[role]; ok {
		return h, nil
	}

	opts := transport.Options{URL: m.url}
	if role == domain.RoleStaff && hs.Token != "" {
		opts.Header = http.Header{"Authorization": []string{"Bearer " + hs.Token}}
	}
	ch, err := m.dialer.Open(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("open %s channel: %w", role, err)
	}

	h := newHandle(role, hs, ch, m.logger.With("role", string(role)))
	m.handles[role] = h
	m.logger.Info("Channel opened", "role", role, "session_id", hs.SessionID)
	return h, nil
}

// Disconnect closes the role's channel and clears the slot. It is a no-op
// when nothing is held.
func (m *Manager) Disconnect(role domain.Role) {
	m.mu.Lock()
	h, ok := m.handles[role]
	delete(m.handles, role)
	m.mu.Unlock()

	if !ok {
		return
	}
	if err := h.close(); err != nil {
		m.logger.Debug("Channel close failed", "role", role, "error", err)
	}
	m.logger.Info("Channel closed", "role", role)
}

// Current returns the role's handle, or nil.
func (m *Manager) Current(role domain.Role) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[role]
}

// Close disconnects every role.
func (m *Manager) Close() {
	for _, role := range []domain.Role{domain.RoleVisitor, domain.RoleStaff} {
		m.Disconnect(role)
	}
}

// Handle is the live channel of one role. It re-announces the handshake on
// every transport connect and forwards all inbound events to Events.
type Handle struct {
	role      domain.Role
	handshake Handshake
	ch        transport.Channel
	events    chan protocol.Envelope
	done      chan struct{}
	logger    *slog.Logger
}

func newHandle(role domain.Role, hs Handshake, ch transport.Channel, logger *slog.Logger) *Handle {
	h := &Handle{
		role:      role,
		handshake: hs,
		ch:        ch,
		events:    make(chan protocol.Envelope, 64),
		done:      make(chan struct{}),
		logger:    logger,
	}
	go h.forward()
	return h
}

// Role returns the role this handle serves.
func (h *Handle) Role() domain.Role { return h.role }

// Connected reports the transport's current state.
func (h *Handle) Connected() bool { return h.ch.Connected() }

// Events delivers inbound events in receive order. It is closed once the
// channel is closed.
func (h *Handle) Events() <-chan protocol.Envelope { return h.events }

// Emit sends a named event.
func (h *Handle) Emit(ctx context.Context, event protocol.Event, payload any) error {
	return h.ch.Emit(ctx, event, payload)
}

func (h *Handle) forward() {
	defer close(h.done)
	defer close(h.events)

	for env := range h.ch.Inbound() {
		if env.Event == protocol.EventConnect {
			h.announce()
		}
		h.events <- env
	}
}

func (h *Handle) announce() {
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()

	event := protocol.HandshakeEvent(h.role)
	if err := h.ch.Emit(ctx, event, h.handshake.payload(h.role)); err != nil {
		h.logger.Warn("Handshake failed", "event", event, "error", err)
		return
	}
	h.logger.Debug("Handshake sent", "event", event, "session_id", h.handshake.SessionID)
}

func (h *Handle) close() error {
	err := h.ch.Close()
	// Drain so forward can observe the closed inbound stream.
	go func() {
		for range h.events {
		}
	}()
	<-h.done
	return err
}
