// Package router binds inbound channel events to the local stores and turns
// UI actions into outbound events, for both the visitor widget and the staff
// console.
package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/supportchat/internal/connection"
	"github.com/ashureev/supportchat/internal/domain"
	"github.com/ashureev/supportchat/internal/messages"
	"github.com/ashureev/supportchat/internal/protocol"
	"github.com/ashureev/supportchat/internal/typing"
)

const emitTimeout = 5 * time.Second

var (
	// ErrNotConnected is returned by Run before Connect.
	ErrNotConnected = errors.New("router not connected")
	// ErrMissingDependency is returned by constructors missing a collaborator.
	ErrMissingDependency = errors.New("missing dependency")
)

// HistorySource loads a session's stored transcript.
type HistorySource interface {
	History(ctx context.Context, sessionID string) ([]domain.Message, error)
}

// Uploader stores an attachment and returns where it is served.
type Uploader interface {
	Upload(ctx context.Context, name string, r io.Reader) (domain.Attachment, error)
}

// ChangeKind names the read model that changed.
type ChangeKind int

const (
	ChangeConnection ChangeKind = iota
	ChangeMessages
	ChangeTyping
	ChangeSessions
	ChangeAI
)

// Change is passed to the OnChange callback after state changed.
type Change struct {
	Kind      ChangeKind
	SessionID string
}

// Options are shared by both router flavors.
type Options struct {
	Manager       *connection.Manager
	Messages      *messages.Store
	Clock         typing.Clock
	QuietInterval time.Duration
	// OnChange is called from the router's goroutines and must not block.
	OnChange func(Change)
	Logger   *slog.Logger
}

// core holds what both flavors share: the handle, the connectivity flag, the
// typing tracker and the message store.
type core struct {
	role     domain.Role
	manager  *connection.Manager
	messages *messages.Store
	typing   *typing.Tracker
	onChange func(Change)
	logger   *slog.Logger

	mu          sync.RWMutex
	handle      *connection.Handle
	established bool
}

func newCore(role domain.Role, opts Options) (*core, error) {
	if opts.Manager == nil {
		return nil, errors.Join(ErrMissingDependency, errors.New("connection manager"))
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := opts.Messages
	if store == nil {
		store = messages.NewStore()
	}
	onChange := opts.OnChange
	if onChange == nil {
		onChange = func(Change) {}
	}

	c := &core{
		role:     role,
		manager:  opts.Manager,
		messages: store,
		onChange: onChange,
		logger:   logger.With("role", string(role)),
	}
	c.typing = typing.NewTracker(c.emitTyping,
		typing.WithClock(opts.Clock),
		typing.WithQuietInterval(opts.QuietInterval))
	return c, nil
}

// Messages returns the message store.
func (c *core) Messages() *messages.Store { return c.messages }

// Established reports whether outbound actions are currently accepted.
func (c *core) Established() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.established
}

// CounterpartTyping reports whether the other role is shown as typing in sessionID.
func (c *core) CounterpartTyping(sessionID string) bool {
	return c.typing.Displayed(sessionID, c.role.Counterpart())
}

// TypingState returns the local typing state for sessionID.
func (c *core) TypingState(sessionID string) typing.State {
	return c.typing.State(sessionID, c.role)
}

func (c *core) attach(h *connection.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handle = h
}

func (c *core) current() *connection.Handle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handle
}

func (c *core) setEstablished(v bool) {
	c.mu.Lock()
	changed := c.established != v
	c.established = v
	c.mu.Unlock()
	if changed {
		c.onChange(Change{Kind: ChangeConnection})
	}
}

// disconnect closes the channel and drops ephemeral state.
func (c *core) disconnect() {
	c.manager.Disconnect(c.role)
	c.mu.Lock()
	c.handle = nil
	c.mu.Unlock()
	c.typing.Clear()
	c.setEstablished(false)
}

// run drains the handle's events in order until the handle closes or ctx ends.
func (c *core) run(ctx context.Context, dispatch func(ctx context.Context, kind protocol.Kind, env protocol.Envelope)) error {
	h := c.current()
	if h == nil {
		return ErrNotConnected
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-h.Events():
			if !ok {
				return nil
			}
			kind := protocol.Classify(c.role, env.Event)
			switch kind {
			case protocol.KindUnknown:
				c.logger.Debug("Ignoring event", "event", env.Event)
			case protocol.KindConnectionError:
				var ce protocol.ConnectionError
				if err := env.Decode(&ce); err != nil {
					c.logger.Debug("Malformed connection error", "error", err)
				}
				c.logger.Warn("Connection error", "error", ce.Error)
				c.setEstablished(false)
			case protocol.KindDisconnected:
				c.logger.Info("Disconnected")
				c.typing.Clear()
				c.onChange(Change{Kind: ChangeTyping})
				c.setEstablished(false)
			default:
				dispatch(ctx, kind, env)
			}
		}
	}
}

func (c *core) emit(ctx context.Context, event protocol.Event, payload any) error {
	h := c.current()
	if h == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, emitTimeout)
	defer cancel()
	return h.Emit(ctx, event, payload)
}

// emitTyping runs under the tracker lock.
func (c *core) emitTyping(sig typing.Signal) {
	event := protocol.TypingEvent(sig.Active)
	payload := protocol.Typing{SessionID: sig.SessionID, SenderType: sig.Role.SenderType()}
	if err := c.emit(context.Background(), event, payload); err != nil {
		c.logger.Debug("Typing signal not sent", "event", event, "session_id", sig.SessionID, "error", err)
	}
}

// inputChanged feeds the tracker when the connection is established.
func (c *core) inputChanged(sessionID string) {
	if sessionID == "" || !c.Established() {
		return
	}
	c.typing.InputChanged(sessionID, c.role)
}

// typingStop ends the local burst immediately.
func (c *core) typingStop(sessionID string) {
	if sessionID == "" || !c.Established() {
		return
	}
	c.typing.Sent(sessionID, c.role)
}

// send validates and emits an outgoing message. It reports whether the
// message was handed to the channel.
func (c *core) send(ctx context.Context, sessionID, body string, att *domain.Attachment) bool {
	body = strings.TrimSpace(body)
	hasAttachment := att != nil && att.URL != ""
	if body == "" && !hasAttachment {
		return false
	}
	if sessionID == "" || !c.Established() {
		return false
	}
	if body == "" {
		body = domain.AttachmentPlaceholder
	}

	out := protocol.Outgoing{
		SessionID:  sessionID,
		Message:    body,
		Sender:     c.role.DisplayName(),
		SenderType: c.role.SenderType(),
	}
	if hasAttachment {
		out.AttachmentURL = att.URL
		out.AttachmentType = att.Type
	}

	c.typing.Sent(sessionID, c.role)

	event := protocol.MessageEvent(c.role)
	if err := c.emit(ctx, event, out); err != nil {
		c.logger.Warn("Message not sent", "event", event, "session_id", sessionID, "error", err)
		c.setEstablished(false)
		return false
	}
	c.logger.Debug("Message sent", "event", event, "session_id", sessionID, "attachment", hasAttachment)
	return true
}

// decodeMessage decodes a message payload, defaulting its session id.
func (c *core) decodeMessage(env protocol.Envelope, fallbackSession string) (domain.Message, bool) {
	var msg domain.Message
	if err := env.Decode(&msg); err != nil {
		c.logger.Warn("Dropping malformed message", "event", env.Event, "error", err)
		return msg, false
	}
	if msg.SessionID == "" {
		msg.SessionID = fallbackSession
	}
	if msg.SessionID == "" {
		c.logger.Warn("Dropping message without session", "event", env.Event)
		return msg, false
	}
	return msg, true
}

func (c *core) append(msg domain.Message) {
	if c.messages.Append(msg) {
		c.onChange(Change{Kind: ChangeMessages, SessionID: msg.SessionID})
	}
}
