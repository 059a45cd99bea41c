// Package protocol defines the channel events exchanged between the widget,
// the console and the counterpart server.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/ashureev/supportchat/internal/domain"
)

// Event is a named channel event.
type Event string

// Transport-level events. These are produced locally by the transport and
// never travel over the wire.
const (
	EventConnect         Event = "connect"
	EventDisconnect      Event = "disconnect"
	EventConnectionError Event = "connection-error"
)

// Wire events.
const (
	EventUserConnect     Event = "user:connect"
	EventUserConnected   Event = "user:connected"
	EventAdminJoin       Event = "admin:join"
	EventMessageUser     Event = "message:user"
	EventMessageAdmin    Event = "message:admin"
	EventMessageReceived Event = "message:received"
	EventMessageNew      Event = "message:new"
	EventMessageSent     Event = "message:sent"
	EventTypingStart     Event = "typing:start"
	EventTypingStop      Event = "typing:stop"
	EventTypingAdmin     Event = "typing:admin"
	EventTypingAdminStop Event = "typing:admin:stop"
	EventTypingUser      Event = "typing:user"
	EventTypingUserStop  Event = "typing:user:stop"
)

// Envelope is one channel frame.
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope encodes payload into an envelope. A nil payload yields no data.
func NewEnvelope(event Event, payload any) (Envelope, error) {
	env := Envelope{Event: event}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	env.Data = data
	return env, nil
}

// Decode unmarshals the envelope data into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("decode %s payload: empty data", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Event, err)
	}
	return nil
}

// UserConnect is the visitor handshake.
type UserConnect struct {
	SessionID string `json:"sessionId"`
	UserIP    string `json:"userIp"`
	UserAgent string `json:"userAgent"`
}

// UserConnected is the server's handshake confirmation.
type UserConnected struct {
	SessionID string `json:"sessionId"`
}

// AdminJoin is the staff handshake.
type AdminJoin struct {
	Token string `json:"token,omitempty"`
}

// Typing carries a typing presence signal.
type Typing struct {
	SessionID  string            `json:"sessionId,omitempty"`
	SenderType domain.SenderType `json:"senderType,omitempty"`
}

// ConnectionError describes a transport failure.
type ConnectionError struct {
	Error string `json:"error"`
}

// Outgoing is a message submitted by the widget or the console. The server
// stamps the timestamp and fans it out as a domain.Message.
type Outgoing struct {
	SessionID      string            `json:"sessionId"`
	Message        string            `json:"message"`
	Sender         string            `json:"sender"`
	SenderType     domain.SenderType `json:"senderType"`
	AttachmentURL  string            `json:"attachmentUrl,omitempty"`
	AttachmentType string            `json:"attachmentType,omitempty"`
}
