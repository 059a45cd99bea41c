package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/ashureev/supportchat/internal/connection"
	"github.com/ashureev/supportchat/internal/domain"
	"github.com/ashureev/supportchat/internal/identity"
	"github.com/ashureev/supportchat/internal/messages"
	"github.com/ashureev/supportchat/internal/protocol"
)

// VisitorConfig wires a Visitor.
type VisitorConfig struct {
	Options
	Identity  *identity.Identity
	History   HistorySource
	Uploader  Uploader
	Origin    OriginResolver
	UserAgent string
}

// Visitor routes events for the widget of one anonymous visitor.
type Visitor struct {
	*core
	identity  *identity.Identity
	history   HistorySource
	uploader  Uploader
	origin    OriginResolver
	userAgent string
}

// NewVisitor creates a visitor router.
func NewVisitor(cfg VisitorConfig) (*Visitor, error) {
	if cfg.Identity == nil {
		return nil, fmt.Errorf("new visitor router: %w", errors.Join(ErrMissingDependency, errors.New("identity")))
	}
	c, err := newCore(domain.RoleVisitor, cfg.Options)
	if err != nil {
		return nil, fmt.Errorf("new visitor router: %w", err)
	}
	origin := cfg.Origin
	if origin == nil {
		origin = StaticOrigin(UnknownOrigin)
	}
	return &Visitor{
		core:      c,
		identity:  cfg.Identity,
		history:   cfg.History,
		uploader:  cfg.Uploader,
		origin:    origin,
		userAgent: cfg.UserAgent,
	}, nil
}

// SessionID returns the visitor's current conversation id.
func (v *Visitor) SessionID() string {
	return v.identity.Current()
}

// Connect obtains the identity, opens the channel and loads the stored
// history. Calling it while a channel is held is a no-op.
func (v *Visitor) Connect(ctx context.Context) error {
	if v.current() != nil {
		return nil
	}
	id := v.identity.Obtain(ctx)
	hs := connection.Handshake{
		SessionID: id,
		UserIP:    v.origin.Resolve(ctx),
		UserAgent: v.userAgent,
	}
	h, err := v.manager.Connect(ctx, domain.RoleVisitor, hs)
	if err != nil {
		return fmt.Errorf("connect visitor: %w", err)
	}
	v.attach(h)
	v.hydrate(ctx, id)
	return nil
}

// Run processes inbound events until the channel is closed or ctx ends.
func (v *Visitor) Run(ctx context.Context) error {
	return v.run(ctx, v.dispatch)
}

// Disconnect closes the channel and clears typing state.
func (v *Visitor) Disconnect() {
	v.disconnect()
}

// Transcript returns the conversation grouped by day.
func (v *Visitor) Transcript() iter.Seq[messages.Entry] {
	return v.messages.GroupedByDay(v.SessionID())
}

// StaffTyping reports whether staff is shown as typing.
func (v *Visitor) StaffTyping() bool {
	return v.CounterpartTyping(v.SessionID())
}

// InputChanged records a keystroke in the composer.
func (v *Visitor) InputChanged() {
	v.inputChanged(v.SessionID())
}

// TypingStop ends the typing burst without sending.
func (v *Visitor) TypingStop() {
	v.typingStop(v.SessionID())
}

// SendMessage emits the message if it has content and the connection is
// confirmed. It reports whether anything was sent.
func (v *Visitor) SendMessage(ctx context.Context, body string, att *domain.Attachment) bool {
	return v.send(ctx, v.SessionID(), body, att)
}

// SendAttachment uploads r and sends it as an attachment-only message.
func (v *Visitor) SendAttachment(ctx context.Context, name string, r io.Reader) (bool, error) {
	if !v.Established() {
		return false, nil
	}
	if v.uploader == nil {
		return false, fmt.Errorf("send attachment: %w", errors.Join(ErrMissingDependency, errors.New("uploader")))
	}
	att, err := v.uploader.Upload(ctx, name, r)
	if err != nil {
		return false, fmt.Errorf("send attachment: %w", err)
	}
	return v.SendMessage(ctx, "", &att), nil
}

func (v *Visitor) dispatch(ctx context.Context, kind protocol.Kind, env protocol.Envelope) {
	id := v.SessionID()
	switch kind {
	case protocol.KindConnected:
		// Outbound stays closed until the server confirms the handshake.
		v.logger.Debug("Transport connected, awaiting confirmation", "session_id", id)

	case protocol.KindHandshakeConfirmed:
		var ack protocol.UserConnected
		if err := env.Decode(&ack); err != nil {
			v.logger.Debug("Confirmation without payload", "error", err)
		}
		if ack.SessionID != "" && ack.SessionID != id {
			v.identity.Confirm(ctx, ack.SessionID)
			if confirmed := v.SessionID(); confirmed != id {
				v.typing.Reset(id)
				v.hydrate(ctx, confirmed)
			}
		}
		v.logger.Info("Session confirmed", "session_id", v.SessionID())
		v.setEstablished(true)

	case protocol.KindDelivered:
		msg, ok := v.decodeMessage(env, id)
		if !ok {
			return
		}
		v.typing.RemoteStop(msg.SessionID, domain.RoleStaff)
		v.onChange(Change{Kind: ChangeTyping, SessionID: msg.SessionID})
		v.append(msg)

	case protocol.KindEcho:
		if msg, ok := v.decodeMessage(env, id); ok {
			v.append(msg)
		}

	case protocol.KindTypingStart:
		v.typing.RemoteStart(id, domain.RoleStaff)
		v.onChange(Change{Kind: ChangeTyping, SessionID: id})

	case protocol.KindTypingStop:
		v.typing.RemoteStop(id, domain.RoleStaff)
		v.onChange(Change{Kind: ChangeTyping, SessionID: id})
	}
}

// hydrate replaces the transcript with the stored history. Failures leave
// the live log in place.
func (v *Visitor) hydrate(ctx context.Context, sessionID string) {
	if v.history == nil || sessionID == "" {
		return
	}
	msgs, err := v.history.History(ctx, sessionID)
	if err != nil {
		v.logger.Debug("History unavailable", "session_id", sessionID, "error", err)
		return
	}
	v.messages.Replace(sessionID, msgs)
	v.onChange(Change{Kind: ChangeMessages, SessionID: sessionID})
}
